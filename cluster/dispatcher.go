package cluster

import (
	"context"
	"log/slog"

	"github.com/peridotdb/peridot/collection"
	"github.com/peridotdb/peridot/model"
)

// Proposer submits a metadata operation to the consensus collaborator.
// Propose returning nil means the operation was accepted into the log,
// not that it has been applied locally yet.
type Proposer interface {
	Propose(ctx context.Context, op MetaOp) error
}

// Applied is one committed log entry handed to the Dispatcher, in log
// order.
type Applied struct {
	Op       MetaOp
	LogIndex uint64
}

// Applier is the node-side surface the Dispatcher drives.
type Applier interface {
	CreateCollection(cfg collection.Config) error
	DropCollection(name string) error
	CreateShard(collection string, id model.ShardID, peer model.PeerID) error
	DropShard(collection string, id model.ShardID, peer model.PeerID) error
	AssignReplica(collection string, id model.ShardID, peer model.PeerID) error
	RemoveReplica(collection string, id model.ShardID, peer model.PeerID) error
	SetReplicationFactor(collection string, factor uint32) error
}

// Dispatcher applies committed metadata operations to an Applier exactly
// once. Re-delivered entries at or below the applied watermark are
// skipped, so replaying the log after a restart is harmless.
type Dispatcher struct {
	applier Applier
	log     *slog.Logger

	lastApplied uint64
}

// NewDispatcher builds a dispatcher resuming from lastApplied, the
// highest log index whose effects are already present in local state.
func NewDispatcher(applier Applier, lastApplied uint64, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		applier:     applier,
		log:         logger.With("component", "cluster"),
		lastApplied: lastApplied,
	}
}

// LastApplied reports the applied watermark.
func (d *Dispatcher) LastApplied() uint64 { return d.lastApplied }

// Apply applies one committed entry. Duplicates are no-ops.
func (d *Dispatcher) Apply(entry Applied) error {
	if entry.LogIndex <= d.lastApplied {
		return nil
	}
	if err := d.apply(entry.Op); err != nil {
		d.log.Error("meta op failed",
			"kind", entry.Op.Kind(), "log_index", entry.LogIndex, "error", err)
		return err
	}
	d.lastApplied = entry.LogIndex
	d.log.Info("meta op applied", "kind", entry.Op.Kind(), "log_index", entry.LogIndex)
	return nil
}

// Run consumes committed entries until the channel closes or the context
// ends. An op the applier rejects stops the dispatcher; local state must
// not drift past a failed entry.
func (d *Dispatcher) Run(ctx context.Context, entries <-chan Applied) error {
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return nil
			}
			if err := d.Apply(entry); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Dispatcher) apply(op MetaOp) error {
	switch op := op.(type) {
	case *CreateCollection:
		return d.applier.CreateCollection(op.Config)
	case *DropCollection:
		return d.applier.DropCollection(op.Name)
	case *CreateShard:
		return d.applier.CreateShard(op.Collection, op.ShardID, op.Peer)
	case *DropShard:
		return d.applier.DropShard(op.Collection, op.ShardID, op.Peer)
	case *AssignReplica:
		return d.applier.AssignReplica(op.Collection, op.ShardID, op.Peer)
	case *RemoveReplica:
		return d.applier.RemoveReplica(op.Collection, op.ShardID, op.Peer)
	case *SetReplicationFactor:
		return d.applier.SetReplicationFactor(op.Collection, op.Factor)
	default:
		return &UnknownOpError{Op: op}
	}
}

// UnknownOpError reports a log entry whose operation this build does not
// understand, typically after a version skew.
type UnknownOpError struct {
	Op MetaOp
}

func (e *UnknownOpError) Error() string {
	return "cluster: unknown meta op " + e.Op.Kind()
}

// LocalProposer is the single-node consensus stand-in: proposals commit
// immediately, in proposal order, onto the dispatcher channel.
type LocalProposer struct {
	entries chan Applied
	next    uint64
}

// NewLocalProposer builds a proposer whose committed entries start at
// lastApplied+1.
func NewLocalProposer(lastApplied uint64, buffer int) *LocalProposer {
	return &LocalProposer{
		entries: make(chan Applied, buffer),
		next:    lastApplied + 1,
	}
}

// Entries is the committed-entry stream for Dispatcher.Run.
func (p *LocalProposer) Entries() <-chan Applied { return p.entries }

// Propose implements Proposer.
func (p *LocalProposer) Propose(ctx context.Context, op MetaOp) error {
	entry := Applied{Op: op, LogIndex: p.next}
	select {
	case p.entries <- entry:
		p.next++
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the committed-entry stream.
func (p *LocalProposer) Close() { close(p.entries) }
