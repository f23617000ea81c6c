// Package dberr defines the error taxonomy shared by all peridot layers.
//
// The taxonomy is deliberately small and closed:
//
//   - ClientInput: the request itself is wrong; reject synchronously,
//     never retried.
//   - StorageIO: a segment-fatal disk fault; the owning shard degrades and
//     keeps serving from its remaining segments.
//   - ReplicationTimeout: the write is durable locally but did not reach
//     the requested consistency level within the deadline.
//   - ConsensusRejected: a metadata operation lost a concurrency race;
//     the caller must re-read cluster state and retry.
//
// A write superseded by an equal-or-newer version is not an error at all:
// it is reported as applied=false on the operation result.
package dberr

import (
	"errors"
	"fmt"
)

var (
	// ErrClientInput tags client-input errors for errors.Is checks.
	ErrClientInput = errors.New("client input error")

	// ErrStorageIO tags segment-fatal storage faults.
	ErrStorageIO = errors.New("storage i/o error")

	// ErrConsensusRejected indicates a metadata operation lost a
	// concurrency race against the consensus log.
	ErrConsensusRejected = errors.New("consensus rejected")

	// ErrShardDegraded is returned for operations against a shard that
	// excluded itself after a storage fault.
	ErrShardDegraded = errors.New("shard degraded")

	// ErrNotFound is returned when a collection, shard or point does not
	// exist.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned for operations against a closed component.
	ErrClosed = errors.New("closed")
)

// ClientInput wraps err (or formats a new error) as a client-input error.
func ClientInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrClientInput, fmt.Sprintf(format, args...))
}

// StorageIO wraps a disk fault with its segment context.
func StorageIO(context string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageIO, context, err)
}

// DimensionMismatch is the client-input error for a vector whose length
// does not match the collection schema.
type DimensionMismatch struct {
	Name     string // vector name, empty for the default vector
	Expected int
	Actual   int
}

func (e *DimensionMismatch) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("vector %q: dimension mismatch: expected %d, got %d", e.Name, e.Expected, e.Actual)
	}
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Unwrap makes DimensionMismatch match ErrClientInput.
func (e *DimensionMismatch) Unwrap() error { return ErrClientInput }

// ReplicationTimeout reports a write that reached only part of the
// requested consistency level before the deadline. The write is durable on
// Acked replicas; callers may retry idempotently.
type ReplicationTimeout struct {
	Requested int // replicas required by the consistency level
	Acked     int // replicas that acknowledged before the deadline
}

func (e *ReplicationTimeout) Error() string {
	return fmt.Sprintf("replication timeout: %d/%d replicas acknowledged", e.Acked, e.Requested)
}
