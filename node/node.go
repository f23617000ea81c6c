// Package node hosts collections on one peer: it opens their shards,
// runs their optimizers and replica sets, and applies cluster metadata
// operations. It is the glue between the consensus dispatcher and the
// storage layers.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/peridotdb/peridot/collection"
	"github.com/peridotdb/peridot/dberr"
	"github.com/peridotdb/peridot/model"
	"github.com/peridotdb/peridot/optimizer"
	"github.com/peridotdb/peridot/replication"
	"github.com/peridotdb/peridot/shard"
	"github.com/peridotdb/peridot/wal"
)

// Options configures a node.
type Options struct {
	// DataDir is the root of all persisted state.
	DataDir string

	// Peer is this node's cluster identity.
	Peer model.PeerID

	// NATS carries replication traffic to other peers. Nil runs the node
	// standalone; replica assignments to other peers are then recorded
	// but not connected.
	NATS *nats.Conn

	WAL         wal.Options
	Flush       uint32
	Optimizer   optimizer.Config
	Replication replication.Options

	Logger *slog.Logger
}

// shardHost is one locally hosted shard with its maintenance loop and
// replication coordinator.
type shardHost struct {
	shard *shard.Shard
	set   *replication.ReplicaSet
	opt   *optimizer.Optimizer
	svc   *replication.ShardService
}

type collectionHost struct {
	cfg    collection.Config
	coll   *collection.Collection
	shards map[model.ShardID]*shardHost

	// replicaPeers records which remote peers replicate each shard. It
	// is topology metadata; the live connections hang off the sets.
	replicaPeers map[model.ShardID][]model.PeerID
}

// Node is the per-process registry of hosted collections.
type Node struct {
	opts Options
	log  *slog.Logger

	mu          sync.RWMutex
	collections map[string]*collectionHost
	closed      bool
}

// Open loads every collection already present under DataDir and hosts
// it again.
func Open(opts Options) (*Node, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	n := &Node{
		opts:        opts,
		log:         opts.Logger.With("component", "node", "peer", opts.Peer),
		collections: make(map[string]*collectionHost),
	}
	root := n.collectionsDir()
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return n, nil
		}
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		cfg, err := n.loadConfig(e.Name())
		if err != nil {
			return nil, fmt.Errorf("collection %s: %w", e.Name(), err)
		}
		host, err := n.openCollection(cfg)
		if err != nil {
			n.closeLocked()
			return nil, fmt.Errorf("collection %s: %w", e.Name(), err)
		}
		n.collections[cfg.Name] = host
		n.log.Info("collection reopened", "collection", cfg.Name, "shards", cfg.ShardCount)
	}
	return n, nil
}

func (n *Node) collectionsDir() string {
	return filepath.Join(n.opts.DataDir, "collections")
}

func (n *Node) collectionDir(name string) string {
	return filepath.Join(n.collectionsDir(), name)
}

func (n *Node) shardDir(name string, id model.ShardID) string {
	return filepath.Join(n.collectionDir(name), "shards", fmt.Sprintf("%d", id))
}

func (n *Node) configPath(name string) string {
	return filepath.Join(n.collectionDir(name), "config.json")
}

func (n *Node) loadConfig(name string) (collection.Config, error) {
	var cfg collection.Config
	data, err := os.ReadFile(n.configPath(name))
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (n *Node) saveConfig(cfg collection.Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	path := n.configPath(cfg.Name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// openCollection opens every shard of cfg locally and assembles the
// collection over their replica sets.
func (n *Node) openCollection(cfg collection.Config) (*collectionHost, error) {
	host := &collectionHost{
		cfg:          cfg,
		shards:       make(map[model.ShardID]*shardHost, cfg.ShardCount),
		replicaPeers: make(map[model.ShardID][]model.PeerID),
	}
	targets := make(map[model.ShardID]collection.Target, cfg.ShardCount)
	for i := uint32(0); i < cfg.ShardCount; i++ {
		id := model.ShardID(i)
		sh, err := n.openShard(cfg, id)
		if err != nil {
			host.close()
			return nil, err
		}
		host.shards[id] = sh
		targets[id] = sh.set
	}
	coll, err := collection.New(cfg, targets, n.opts.Logger)
	if err != nil {
		host.close()
		return nil, err
	}
	host.coll = coll
	return host, nil
}

func (n *Node) openShard(cfg collection.Config, id model.ShardID) (*shardHost, error) {
	dir := n.shardDir(cfg.Name, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	sh, err := shard.Open(dir, id, cfg.Schema, shard.Options{
		WAL:            n.opts.WAL,
		Logger:         n.opts.Logger,
		FlushThreshold: n.opts.Flush,
	})
	if err != nil {
		return nil, err
	}

	local := replication.NewLocalReplica(n.opts.Peer, sh)
	set := replication.NewReplicaSet(id, local, nil, n.opts.Replication)

	opt := optimizer.New(sh, n.opts.Optimizer)
	opt.Start()

	host := &shardHost{shard: sh, set: set, opt: opt}
	if n.opts.NATS != nil {
		svc, err := replication.ServeShard(n.opts.NATS, n.opts.Peer, cfg.Name, id, local)
		if err != nil {
			host.close()
			return nil, err
		}
		host.svc = svc
	}
	return host, nil
}

func (h *shardHost) close() {
	if h.svc != nil {
		h.svc.Close()
	}
	if h.opt != nil {
		h.opt.Stop()
	}
	if h.shard != nil {
		h.shard.Close()
	}
}

func (h *collectionHost) close() {
	for _, sh := range h.shards {
		sh.close()
	}
}

// CreateCollection implements cluster.Applier. Re-creating an existing
// collection with the same config is a no-op so log replay stays
// harmless even without a dispatcher watermark.
func (n *Node) CreateCollection(cfg collection.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return dberr.ErrClosed
	}
	if _, ok := n.collections[cfg.Name]; ok {
		return nil
	}
	if err := os.MkdirAll(n.collectionDir(cfg.Name), 0o755); err != nil {
		return err
	}
	if err := n.saveConfig(cfg); err != nil {
		return err
	}
	host, err := n.openCollection(cfg)
	if err != nil {
		return err
	}
	n.collections[cfg.Name] = host
	n.log.Info("collection created", "collection", cfg.Name, "shards", cfg.ShardCount)
	return nil
}

// DropCollection implements cluster.Applier. Dropping an absent
// collection is a no-op.
func (n *Node) DropCollection(name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return dberr.ErrClosed
	}
	host, ok := n.collections[name]
	if !ok {
		return nil
	}
	host.close()
	delete(n.collections, name)
	if err := os.RemoveAll(n.collectionDir(name)); err != nil {
		return err
	}
	n.log.Info("collection dropped", "collection", name)
	return nil
}

// CreateShard implements cluster.Applier. Shards of hosted collections
// are opened by CreateCollection; placements on other peers are
// topology facts this node only records.
func (n *Node) CreateShard(name string, id model.ShardID, peer model.PeerID) error {
	host, err := n.host(name)
	if err != nil {
		return err
	}
	if peer == n.opts.Peer {
		n.mu.RLock()
		_, ok := host.shards[id]
		n.mu.RUnlock()
		if !ok {
			return dberr.ClientInput("collection %s has no shard %d", name, id)
		}
	}
	return nil
}

// DropShard implements cluster.Applier. This node keeps serving a shard
// it hosts until the collection itself is dropped; a placement removal
// for another peer only prunes topology.
func (n *Node) DropShard(name string, id model.ShardID, peer model.PeerID) error {
	if _, err := n.host(name); err != nil {
		return err
	}
	if peer == n.opts.Peer {
		return nil
	}
	return n.RemoveReplica(name, id, peer)
}

// AssignReplica implements cluster.Applier. A remote replica joins its
// shard's set degraded and becomes readable after catch-up.
func (n *Node) AssignReplica(name string, id model.ShardID, peer model.PeerID) error {
	host, err := n.host(name)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	sh, ok := host.shards[id]
	if !ok {
		return dberr.ClientInput("collection %s has no shard %d", name, id)
	}
	if peer == n.opts.Peer {
		return nil
	}
	for _, p := range host.replicaPeers[id] {
		if p == peer {
			return nil
		}
	}
	host.replicaPeers[id] = append(host.replicaPeers[id], peer)
	if n.opts.NATS == nil {
		n.log.Warn("replica assigned without transport, recorded only",
			"collection", name, "shard", id, "replica_peer", peer)
		return nil
	}
	sh.set.AddReplica(replication.NewNATSReplica(n.opts.NATS, peer, name, id))
	n.log.Info("replica assigned", "collection", name, "shard", id, "replica_peer", peer)
	return nil
}

// RemoveReplica implements cluster.Applier.
func (n *Node) RemoveReplica(name string, id model.ShardID, peer model.PeerID) error {
	host, err := n.host(name)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	sh, ok := host.shards[id]
	if !ok {
		return dberr.ClientInput("collection %s has no shard %d", name, id)
	}
	if peer == n.opts.Peer {
		return dberr.ClientInput("cannot remove the hosting replica of shard %d", id)
	}
	peers := host.replicaPeers[id]
	for i, p := range peers {
		if p == peer {
			host.replicaPeers[id] = append(peers[:i], peers[i+1:]...)
			break
		}
	}
	sh.set.RemoveReplica(peer)
	return nil
}

// SetReplicationFactor implements cluster.Applier.
func (n *Node) SetReplicationFactor(name string, factor uint32) error {
	if factor == 0 {
		return dberr.ClientInput("replication factor must be positive")
	}
	host, err := n.host(name)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	host.cfg.ReplicationFactor = factor
	return n.saveConfig(host.cfg)
}

func (n *Node) host(name string) (*collectionHost, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return nil, dberr.ErrClosed
	}
	host, ok := n.collections[name]
	if !ok {
		return nil, fmt.Errorf("collection %s: %w", name, dberr.ErrNotFound)
	}
	return host, nil
}

// Collection returns the routing surface for a hosted collection.
func (n *Node) Collection(name string) (*collection.Collection, error) {
	host, err := n.host(name)
	if err != nil {
		return nil, err
	}
	return host.coll, nil
}

// Collections lists hosted collections sorted by name.
func (n *Node) Collections() []collection.Info {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]collection.Info, 0, len(n.collections))
	for _, host := range n.collections {
		out = append(out, host.coll.Describe())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ShardStatus is the per-shard slice of a collection's cluster info.
type ShardStatus struct {
	ID           model.ShardID  `json:"id"`
	PointCount   uint64         `json:"point_count"`
	SegmentCount int            `json:"segment_count"`
	Degraded     bool           `json:"degraded"`
	ReplicaPeers []model.PeerID `json:"replica_peers,omitempty"`
}

// CollectionStatus is a collection's info plus its shard breakdown.
type CollectionStatus struct {
	Info              collection.Info `json:"info"`
	ReplicationFactor uint32          `json:"replication_factor"`
	Shards            []ShardStatus   `json:"shards"`
}

// Describe reports a hosted collection's live status.
func (n *Node) Describe(name string) (CollectionStatus, error) {
	host, err := n.host(name)
	if err != nil {
		return CollectionStatus{}, err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	status := CollectionStatus{
		Info:              host.coll.Describe(),
		ReplicationFactor: host.cfg.ReplicationFactor,
	}
	ids := make([]model.ShardID, 0, len(host.shards))
	for id := range host.shards {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		sh := host.shards[id]
		status.Shards = append(status.Shards, ShardStatus{
			ID:           id,
			PointCount:   sh.shard.CountLive(),
			SegmentCount: len(sh.shard.Infos()),
			Degraded:     sh.shard.Degraded(),
			ReplicaPeers: append([]model.PeerID(nil), host.replicaPeers[id]...),
		})
	}
	return status, nil
}

// CatchUp runs one catch-up round for every degraded replica on every
// hosted shard.
func (n *Node) CatchUp(ctx context.Context) error {
	n.mu.RLock()
	sets := make([]*replication.ReplicaSet, 0)
	for _, host := range n.collections {
		for _, sh := range host.shards {
			sets = append(sets, sh.set)
		}
	}
	n.mu.RUnlock()
	for _, set := range sets {
		if err := set.CatchUp(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close stops maintenance and closes every hosted shard.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closeLocked()
}

func (n *Node) closeLocked() error {
	if n.closed {
		return nil
	}
	n.closed = true
	for _, host := range n.collections {
		host.close()
	}
	n.collections = nil
	return nil
}
