// Package cluster defines the metadata operations agreed on by consensus
// and the glue that applies them to a node. The consensus transport
// itself is a collaborator behind the Proposer interface; this package
// only cares that applied operations arrive exactly once per log index
// and in log order.
package cluster

import (
	"encoding/json"
	"fmt"

	"github.com/peridotdb/peridot/collection"
	"github.com/peridotdb/peridot/model"
)

// MetaOp is one cluster metadata mutation. The set of implementations is
// closed; consensus log entries carry nothing else.
type MetaOp interface {
	metaOp()
	Kind() string
}

// CreateCollection brings a collection into existence with its immutable
// schema and initial topology.
type CreateCollection struct {
	Config collection.Config `json:"config"`
}

// DropCollection removes a collection and all its shards.
type DropCollection struct {
	Name string `json:"name"`
}

// CreateShard places one shard of a collection on a peer.
type CreateShard struct {
	Collection string        `json:"collection"`
	ShardID    model.ShardID `json:"shard_id"`
	Peer       model.PeerID  `json:"peer"`
}

// DropShard removes one shard placement.
type DropShard struct {
	Collection string        `json:"collection"`
	ShardID    model.ShardID `json:"shard_id"`
	Peer       model.PeerID  `json:"peer"`
}

// AssignReplica adds a replica of a shard on a peer. The replica starts
// degraded and becomes readable after catch-up.
type AssignReplica struct {
	Collection string        `json:"collection"`
	ShardID    model.ShardID `json:"shard_id"`
	Peer       model.PeerID  `json:"peer"`
}

// RemoveReplica drops a replica of a shard from a peer.
type RemoveReplica struct {
	Collection string        `json:"collection"`
	ShardID    model.ShardID `json:"shard_id"`
	Peer       model.PeerID  `json:"peer"`
}

// SetReplicationFactor changes the desired replica count of a collection.
// Placement changes needed to honor it are proposed separately.
type SetReplicationFactor struct {
	Collection string `json:"collection"`
	Factor     uint32 `json:"factor"`
}

func (*CreateCollection) metaOp()     {}
func (*DropCollection) metaOp()       {}
func (*CreateShard) metaOp()          {}
func (*DropShard) metaOp()            {}
func (*AssignReplica) metaOp()        {}
func (*RemoveReplica) metaOp()        {}
func (*SetReplicationFactor) metaOp() {}

func (*CreateCollection) Kind() string     { return "create_collection" }
func (*DropCollection) Kind() string       { return "drop_collection" }
func (*CreateShard) Kind() string          { return "create_shard" }
func (*DropShard) Kind() string            { return "drop_shard" }
func (*AssignReplica) Kind() string        { return "assign_replica" }
func (*RemoveReplica) Kind() string        { return "remove_replica" }
func (*SetReplicationFactor) Kind() string { return "set_replication_factor" }

type opEnvelope struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// MarshalOp serializes a MetaOp for the consensus log.
func MarshalOp(op MetaOp) ([]byte, error) {
	body, err := json.Marshal(op)
	if err != nil {
		return nil, err
	}
	return json.Marshal(opEnvelope{Kind: op.Kind(), Body: body})
}

// UnmarshalOp is the inverse of MarshalOp.
func UnmarshalOp(data []byte) (MetaOp, error) {
	var env opEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	decode := func(op MetaOp) (MetaOp, error) {
		if err := json.Unmarshal(env.Body, op); err != nil {
			return nil, err
		}
		return op, nil
	}
	switch env.Kind {
	case "create_collection":
		return decode(&CreateCollection{})
	case "drop_collection":
		return decode(&DropCollection{})
	case "create_shard":
		return decode(&CreateShard{})
	case "drop_shard":
		return decode(&DropShard{})
	case "assign_replica":
		return decode(&AssignReplica{})
	case "remove_replica":
		return decode(&RemoveReplica{})
	case "set_replication_factor":
		return decode(&SetReplicationFactor{})
	default:
		return nil, fmt.Errorf("unknown meta op kind %q", env.Kind)
	}
}
