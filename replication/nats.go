package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/peridotdb/peridot/dberr"
	"github.com/peridotdb/peridot/model"
	"github.com/peridotdb/peridot/payload"
	"github.com/peridotdb/peridot/segment"
	"github.com/peridotdb/peridot/wal"
)

// NATS transport for remote replicas. Every peer serves its shards on
// request/reply subjects of the form
//
//	peridot.<peer>.<collection>.<shard>.<op>
//
// with JSON bodies. Errors travel in a response envelope; the known
// sentinel errors are re-mapped on the client so errors.Is keeps working
// across the wire.

func shardSubject(peer model.PeerID, collection string, shardID model.ShardID, op string) string {
	return fmt.Sprintf("peridot.%d.%s.%d.%s", peer, collection, shardID, op)
}

type envelope struct {
	Error string          `json:"error,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

const (
	errCodeDegraded = "degraded: "
	errCodeNotFound = "not_found: "
	errCodeInput    = "client_input: "
)

func encodeError(err error) string {
	switch {
	case errors.Is(err, dberr.ErrShardDegraded):
		return errCodeDegraded + err.Error()
	case errors.Is(err, dberr.ErrNotFound):
		return errCodeNotFound + err.Error()
	case errors.Is(err, dberr.ErrClientInput):
		return errCodeInput + err.Error()
	default:
		return err.Error()
	}
}

func decodeError(s string) error {
	switch {
	case len(s) >= len(errCodeDegraded) && s[:len(errCodeDegraded)] == errCodeDegraded:
		return fmt.Errorf("%w: %s", dberr.ErrShardDegraded, s[len(errCodeDegraded):])
	case len(s) >= len(errCodeNotFound) && s[:len(errCodeNotFound)] == errCodeNotFound:
		return fmt.Errorf("%w: %s", dberr.ErrNotFound, s[len(errCodeNotFound):])
	case len(s) >= len(errCodeInput) && s[:len(errCodeInput)] == errCodeInput:
		return fmt.Errorf("%w: %s", dberr.ErrClientInput, s[len(errCodeInput):])
	default:
		return errors.New(s)
	}
}

type appliedReply struct {
	Applied bool `json:"applied"`
}

type getReply struct {
	Found  bool              `json:"found"`
	Record model.PointRecord `json:"record"`
}

type deleteRequest struct {
	ID      model.PointID `json:"id"`
	Version model.Version `json:"version"`
}

type selectIDsRequest struct {
	Filter *payload.Filter `json:"filter"`
}

type searchRequest struct {
	VectorName string              `json:"vector_name"`
	Vector     []float32           `json:"vector,omitempty"`
	Sparse     *model.SparseVector `json:"sparse,omitempty"`
	K          int                 `json:"k"`
	Filter     *payload.Filter     `json:"filter,omitempty"`
	Params     model.SearchParams  `json:"params"`
}

type uintReply struct {
	Value uint64 `json:"value"`
}

// ShardService serves one local shard replica over NATS.
type ShardService struct {
	subs []*nats.Subscription
}

// ServeShard registers the request handlers for a local replica and
// returns the service for teardown.
func ServeShard(nc *nats.Conn, peer model.PeerID, collection string, shardID model.ShardID, local *LocalReplica) (*ShardService, error) {
	svc := &ShardService{}
	subject := func(op string) string { return shardSubject(peer, collection, shardID, op) }

	handlers := map[string]nats.MsgHandler{
		"upsert": respond(func(ctx context.Context, req model.PointRecord) (appliedReply, error) {
			applied, err := local.Upsert(ctx, req)
			return appliedReply{Applied: applied}, err
		}),
		"delete": respond(func(ctx context.Context, req deleteRequest) (appliedReply, error) {
			applied, err := local.Delete(ctx, req.ID, req.Version)
			return appliedReply{Applied: applied}, err
		}),
		"get": respond(func(ctx context.Context, req deleteRequest) (getReply, error) {
			rec, found, err := local.Get(ctx, req.ID)
			return getReply{Found: found, Record: rec}, err
		}),
		"search": respond(func(ctx context.Context, req searchRequest) ([]model.ScoredPoint, error) {
			return local.Search(ctx, &segment.SearchRequest{
				VectorName: req.VectorName,
				Vector:     req.Vector,
				Sparse:     req.Sparse,
				K:          req.K,
				Filter:     req.Filter,
				Params:     req.Params,
			})
		}),
		"selectids": respond(func(ctx context.Context, req selectIDsRequest) ([]model.PointID, error) {
			return local.SelectIDs(ctx, req.Filter)
		}),
		"count": respond(func(ctx context.Context, _ struct{}) (uintReply, error) {
			n, err := local.CountLive(ctx)
			return uintReply{Value: n}, err
		}),
		"lastlsn": respond(func(ctx context.Context, _ struct{}) (uintReply, error) {
			lsn, err := local.LastLSN(ctx)
			return uintReply{Value: lsn}, err
		}),
		"applylog": respond(func(ctx context.Context, recs []*wal.Record) (struct{}, error) {
			return struct{}{}, local.ApplyLog(ctx, recs)
		}),
	}
	for op, h := range handlers {
		sub, err := nc.Subscribe(subject(op), h)
		if err != nil {
			svc.Close()
			return nil, err
		}
		svc.subs = append(svc.subs, sub)
	}
	return svc, nil
}

// Close drains the service's subscriptions.
func (s *ShardService) Close() error {
	var firstErr error
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// respond wraps a typed handler into JSON request/reply plumbing.
// Malformed requests get an error envelope rather than silence so the
// caller's timeout does not have to expire.
func respond[Req, Resp any](fn func(ctx context.Context, req Req) (Resp, error)) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var req Req
		var env envelope
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			env.Error = encodeError(dberr.ClientInput("malformed request: %v", err))
			reply(msg, env)
			return
		}
		resp, err := fn(context.Background(), req)
		if err != nil {
			env.Error = encodeError(err)
			reply(msg, env)
			return
		}
		body, err := json.Marshal(resp)
		if err != nil {
			env.Error = encodeError(err)
			reply(msg, env)
			return
		}
		env.Body = body
		reply(msg, env)
	}
}

func reply(msg *nats.Msg, env envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	msg.Respond(data)
}

// NATSReplica is a remote replica reached over NATS request/reply.
type NATSReplica struct {
	flaggedReplica
	nc         *nats.Conn
	peer       model.PeerID
	collection string
	shardID    model.ShardID
}

// NewNATSReplica builds a client for a replica hosted on peer.
func NewNATSReplica(nc *nats.Conn, peer model.PeerID, collection string, shardID model.ShardID) *NATSReplica {
	return &NATSReplica{nc: nc, peer: peer, collection: collection, shardID: shardID}
}

// PeerID implements Replica.
func (r *NATSReplica) PeerID() model.PeerID { return r.peer }

func request[Req, Resp any](ctx context.Context, r *NATSReplica, op string, req Req) (Resp, error) {
	var zero Resp
	data, err := json.Marshal(req)
	if err != nil {
		return zero, err
	}
	subject := shardSubject(r.peer, r.collection, r.shardID, op)
	msg, err := r.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return zero, err
	}
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return zero, err
	}
	if env.Error != "" {
		return zero, decodeError(env.Error)
	}
	var resp Resp
	if err := json.Unmarshal(env.Body, &resp); err != nil {
		return zero, err
	}
	return resp, nil
}

// Upsert implements Replica.
func (r *NATSReplica) Upsert(ctx context.Context, rec model.PointRecord) (bool, error) {
	resp, err := request[model.PointRecord, appliedReply](ctx, r, "upsert", rec)
	return resp.Applied, err
}

// Delete implements Replica.
func (r *NATSReplica) Delete(ctx context.Context, id model.PointID, version model.Version) (bool, error) {
	resp, err := request[deleteRequest, appliedReply](ctx, r, "delete", deleteRequest{ID: id, Version: version})
	return resp.Applied, err
}

// Get implements Replica.
func (r *NATSReplica) Get(ctx context.Context, id model.PointID) (model.PointRecord, bool, error) {
	resp, err := request[deleteRequest, getReply](ctx, r, "get", deleteRequest{ID: id})
	return resp.Record, resp.Found, err
}

// Search implements Replica.
func (r *NATSReplica) Search(ctx context.Context, req *segment.SearchRequest) ([]model.ScoredPoint, error) {
	return request[searchRequest, []model.ScoredPoint](ctx, r, "search", searchRequest{
		VectorName: req.VectorName,
		Vector:     req.Vector,
		Sparse:     req.Sparse,
		K:          req.K,
		Filter:     req.Filter,
		Params:     req.Params,
	})
}

// SelectIDs implements Replica.
func (r *NATSReplica) SelectIDs(ctx context.Context, f *payload.Filter) ([]model.PointID, error) {
	return request[selectIDsRequest, []model.PointID](ctx, r, "selectids", selectIDsRequest{Filter: f})
}

// CountLive implements Replica.
func (r *NATSReplica) CountLive(ctx context.Context) (uint64, error) {
	resp, err := request[struct{}, uintReply](ctx, r, "count", struct{}{})
	return resp.Value, err
}

// LastLSN implements Replica.
func (r *NATSReplica) LastLSN(ctx context.Context) (uint64, error) {
	resp, err := request[struct{}, uintReply](ctx, r, "lastlsn", struct{}{})
	return resp.Value, err
}

// ApplyLog implements Replica.
func (r *NATSReplica) ApplyLog(ctx context.Context, recs []*wal.Record) error {
	_, err := request[[]*wal.Record, struct{}](ctx, r, "applylog", recs)
	return err
}
