// Package model defines core identity and result types used throughout
// peridot.
//
// # Identity Types
//
//   - PointID: stable, user-facing point identifier (uint64 or UUID)
//   - SegmentID: unique identifier for a segment within a shard
//   - RowID: dense, segment-local record identifier
//   - Location: physical address (SegmentID, RowID)
//   - Version: per-point operation sequence number
//
// RowIDs are transient and may change when the optimizer rewrites a
// segment; PointIDs and Versions never do.
package model
