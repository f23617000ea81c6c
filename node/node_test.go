package node

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peridotdb/peridot/cluster"
	"github.com/peridotdb/peridot/collection"
	"github.com/peridotdb/peridot/dberr"
	"github.com/peridotdb/peridot/distance"
	"github.com/peridotdb/peridot/model"
	"github.com/peridotdb/peridot/payload"
	"github.com/peridotdb/peridot/payload/index"
	"github.com/peridotdb/peridot/segment"
	"github.com/peridotdb/peridot/wal"
)

func testConfig(name string, shards uint32) collection.Config {
	return collection.Config{
		Name:              name,
		ShardCount:        shards,
		ReplicationFactor: 1,
		Schema: &segment.Schema{
			Dense: []segment.VectorSpec{
				{Name: "text", Dim: 2, Metric: distance.MetricL2},
			},
			PayloadIndexes: map[string]index.Kind{
				"color": index.KindKeyword,
			},
		},
	}
}

func openNode(t *testing.T, dir string) *Node {
	t.Helper()
	n, err := Open(Options{
		DataDir: dir,
		Peer:    1,
		WAL:     wal.Options{Mode: wal.ModeSync},
	})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func upsertN(t *testing.T, c *collection.Collection, count uint64, version model.Version) {
	t.Helper()
	ctx := context.Background()
	for i := uint64(0); i < count; i++ {
		_, err := c.Upsert(ctx, model.PointRecord{
			ID:      model.NumID(i),
			Version: version,
			Vectors: model.Vectors{Dense: map[string][]float32{"text": {float32(i), 0}}},
			Payload: payload.Document{"color": payload.String("blue")},
		})
		require.NoError(t, err)
	}
}

func TestNodeSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	n := openNode(t, dir)

	require.NoError(t, n.CreateCollection(testConfig("docs", 2)))
	c, err := n.Collection("docs")
	require.NoError(t, err)
	upsertN(t, c, 30, 1)
	require.NoError(t, n.Close())

	n2 := openNode(t, dir)
	c2, err := n2.Collection("docs")
	require.NoError(t, err)
	assert.Equal(t, uint64(30), c2.Count())

	rec, found, err := c2.Get(context.Background(), model.NumID(7))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []float32{7, 0}, rec.Vectors.Dense["text"])
}

func TestCreateCollectionIsIdempotent(t *testing.T) {
	n := openNode(t, t.TempDir())
	cfg := testConfig("docs", 1)
	require.NoError(t, n.CreateCollection(cfg))
	require.NoError(t, n.CreateCollection(cfg))
	assert.Len(t, n.Collections(), 1)
}

func TestDropCollectionRemovesState(t *testing.T) {
	dir := t.TempDir()
	n := openNode(t, dir)
	require.NoError(t, n.CreateCollection(testConfig("docs", 1)))
	require.NoError(t, n.DropCollection("docs"))
	require.NoError(t, n.DropCollection("docs"), "dropping twice is a no-op")

	_, err := n.Collection("docs")
	assert.ErrorIs(t, err, dberr.ErrNotFound)
	_, err = os.Stat(n.collectionDir("docs"))
	assert.True(t, os.IsNotExist(err))
}

func TestDispatcherDrivesNode(t *testing.T) {
	n := openNode(t, t.TempDir())
	d := cluster.NewDispatcher(n, 0, nil)

	require.NoError(t, d.Apply(cluster.Applied{
		Op:       &cluster.CreateCollection{Config: testConfig("docs", 2)},
		LogIndex: 1,
	}))
	require.NoError(t, d.Apply(cluster.Applied{
		Op:       &cluster.AssignReplica{Collection: "docs", ShardID: 1, Peer: 2},
		LogIndex: 2,
	}))
	require.NoError(t, d.Apply(cluster.Applied{
		Op:       &cluster.SetReplicationFactor{Collection: "docs", Factor: 2},
		LogIndex: 3,
	}))

	status, err := n.Describe("docs")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), status.ReplicationFactor)
	require.Len(t, status.Shards, 2)
	assert.Equal(t, []model.PeerID{2}, status.Shards[1].ReplicaPeers)
	assert.Empty(t, status.Shards[0].ReplicaPeers)

	require.NoError(t, d.Apply(cluster.Applied{
		Op:       &cluster.RemoveReplica{Collection: "docs", ShardID: 1, Peer: 2},
		LogIndex: 4,
	}))
	status, err = n.Describe("docs")
	require.NoError(t, err)
	assert.Empty(t, status.Shards[1].ReplicaPeers)
}

func TestSnapshotRoundTrip(t *testing.T) {
	n := openNode(t, t.TempDir())
	ctx := context.Background()
	require.NoError(t, n.CreateCollection(testConfig("docs", 2)))
	c, err := n.Collection("docs")
	require.NoError(t, err)
	upsertN(t, c, 25, 1)

	snap, err := n.CreateSnapshot(ctx, "docs")
	require.NoError(t, err)
	assert.Positive(t, snap.SizeBytes)

	list, err := n.ListSnapshots("docs")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, snap.Name, list[0].Name)

	// Diverge from the archived state.
	for i := uint64(0); i < 5; i++ {
		_, err := c.Delete(ctx, model.NumID(i), 2)
		require.NoError(t, err)
	}
	require.Equal(t, uint64(20), c.Count())

	require.NoError(t, n.RestoreSnapshot(ctx, "docs", snap.Name))
	restored, err := n.Collection("docs")
	require.NoError(t, err)
	assert.Equal(t, uint64(25), restored.Count())

	_, found, err := restored.Get(ctx, model.NumID(2))
	require.NoError(t, err)
	assert.True(t, found, "restore must revert the post-snapshot delete")

	require.NoError(t, n.DeleteSnapshot("docs", snap.Name))
	list, err = n.ListSnapshots("docs")
	require.NoError(t, err)
	assert.Empty(t, list)
	err = n.DeleteSnapshot("docs", snap.Name)
	assert.ErrorIs(t, err, dberr.ErrNotFound)
}
