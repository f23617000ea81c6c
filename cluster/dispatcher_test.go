package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peridotdb/peridot/collection"
	"github.com/peridotdb/peridot/model"
)

type recordingApplier struct {
	applied []string
}

func (a *recordingApplier) CreateCollection(cfg collection.Config) error {
	a.applied = append(a.applied, "create_collection:"+cfg.Name)
	return nil
}

func (a *recordingApplier) DropCollection(name string) error {
	a.applied = append(a.applied, "drop_collection:"+name)
	return nil
}

func (a *recordingApplier) CreateShard(c string, id model.ShardID, peer model.PeerID) error {
	a.applied = append(a.applied, "create_shard:"+c)
	return nil
}

func (a *recordingApplier) DropShard(c string, id model.ShardID, peer model.PeerID) error {
	a.applied = append(a.applied, "drop_shard:"+c)
	return nil
}

func (a *recordingApplier) AssignReplica(c string, id model.ShardID, peer model.PeerID) error {
	a.applied = append(a.applied, "assign_replica:"+c)
	return nil
}

func (a *recordingApplier) RemoveReplica(c string, id model.ShardID, peer model.PeerID) error {
	a.applied = append(a.applied, "remove_replica:"+c)
	return nil
}

func (a *recordingApplier) SetReplicationFactor(c string, factor uint32) error {
	a.applied = append(a.applied, "set_rf:"+c)
	return nil
}

func TestDispatcherAppliesInOrder(t *testing.T) {
	applier := &recordingApplier{}
	d := NewDispatcher(applier, 0, nil)

	require.NoError(t, d.Apply(Applied{Op: &CreateCollection{Config: collection.Config{Name: "docs"}}, LogIndex: 1}))
	require.NoError(t, d.Apply(Applied{Op: &AssignReplica{Collection: "docs", ShardID: 0, Peer: 2}, LogIndex: 2}))
	require.NoError(t, d.Apply(Applied{Op: &SetReplicationFactor{Collection: "docs", Factor: 2}, LogIndex: 3}))

	assert.Equal(t, []string{
		"create_collection:docs",
		"assign_replica:docs",
		"set_rf:docs",
	}, applier.applied)
	assert.Equal(t, uint64(3), d.LastApplied())
}

func TestDispatcherSkipsReplayedEntries(t *testing.T) {
	applier := &recordingApplier{}
	d := NewDispatcher(applier, 0, nil)

	entry := Applied{Op: &CreateCollection{Config: collection.Config{Name: "docs"}}, LogIndex: 1}
	require.NoError(t, d.Apply(entry))
	require.NoError(t, d.Apply(entry))
	require.NoError(t, d.Apply(Applied{Op: &DropCollection{Name: "docs"}, LogIndex: 2}))
	// A restart re-delivers everything up to the watermark.
	require.NoError(t, d.Apply(entry))

	assert.Equal(t, []string{"create_collection:docs", "drop_collection:docs"}, applier.applied)
	assert.Equal(t, uint64(2), d.LastApplied())
}

func TestDispatcherResumesFromWatermark(t *testing.T) {
	applier := &recordingApplier{}
	d := NewDispatcher(applier, 5, nil)

	require.NoError(t, d.Apply(Applied{Op: &DropCollection{Name: "old"}, LogIndex: 4}))
	require.NoError(t, d.Apply(Applied{Op: &CreateCollection{Config: collection.Config{Name: "new"}}, LogIndex: 6}))

	assert.Equal(t, []string{"create_collection:new"}, applier.applied)
}

func TestLocalProposerFeedsDispatcher(t *testing.T) {
	applier := &recordingApplier{}
	d := NewDispatcher(applier, 0, nil)
	p := NewLocalProposer(0, 8)
	ctx := context.Background()

	require.NoError(t, p.Propose(ctx, &CreateCollection{Config: collection.Config{Name: "docs"}}))
	require.NoError(t, p.Propose(ctx, &CreateShard{Collection: "docs", ShardID: 1, Peer: 1}))
	p.Close()

	require.NoError(t, d.Run(ctx, p.Entries()))
	assert.Equal(t, []string{"create_collection:docs", "create_shard:docs"}, applier.applied)
	assert.Equal(t, uint64(2), d.LastApplied())
}

func TestOpRoundTrip(t *testing.T) {
	ops := []MetaOp{
		&CreateCollection{Config: collection.Config{Name: "docs", ShardCount: 2, ReplicationFactor: 2}},
		&DropCollection{Name: "docs"},
		&CreateShard{Collection: "docs", ShardID: 1, Peer: 3},
		&DropShard{Collection: "docs", ShardID: 1, Peer: 3},
		&AssignReplica{Collection: "docs", ShardID: 0, Peer: 2},
		&RemoveReplica{Collection: "docs", ShardID: 0, Peer: 2},
		&SetReplicationFactor{Collection: "docs", Factor: 3},
	}
	for _, op := range ops {
		data, err := MarshalOp(op)
		require.NoError(t, err, op.Kind())
		got, err := UnmarshalOp(data)
		require.NoError(t, err, op.Kind())
		assert.Equal(t, op, got, op.Kind())
	}

	_, err := UnmarshalOp([]byte(`{"kind":"resize_universe","body":{}}`))
	require.Error(t, err)
}
