package storage

import (
	"context"
	"errors"
	"time"

	"github.com/fulcra-lab/tradesweep/internal/core/market"
	"github.com/fulcra-lab/tradesweep/internal/encode"
)

// ErrConsistency means the destination and the watermark disagree about
// committed state: a duplicate key surfaced on commit but the watermark does
// not cover the batch. No automatic retry can fix it; an operator has to
// reconcile.
var ErrConsistency = errors.New("destination and watermark disagree about committed state")

// ErrLeaseHeld means another worker currently owns the partition's lease.
var ErrLeaseHeld = errors.New("partition lease held by another worker")

// RawReader pulls unaggregated executions for one partition above a sequence.
//
// Contract: rows come back ascending by Seq, all strictly greater than
// afterSeq, soft-capped at maxRows but extended so the final timestamp group
// is never split. aligned reports whether the batch is known to end on a
// timestamp boundary; a reader that cannot extend past the cap returns false
// for a truncated batch and the caller trims it instead. An empty result
// means the source is exhausted, not failed.
type RawReader interface {
	Fetch(ctx context.Context, partition market.PartitionKey, afterSeq int64, maxRows int) (batch []market.RawExecution, aligned bool, err error)
}

// WatermarkStore reads per-partition progress cursors. Advancing a watermark
// happens only inside BatchCommitter's transaction, never through this
// interface.
type WatermarkStore interface {
	// Get returns the last committed sequence for the partition.
	// Unknown partitions return 0: start from the beginning.
	Get(ctx context.Context, partition market.PartitionKey) (int64, error)
}

// CommitResult reports what a commit attempt actually did.
type CommitResult struct {
	// RowsLoaded is the number of aggregated rows bulk-loaded.
	RowsLoaded int64
	// AlreadyCommitted is set when the batch turned out to be durably
	// committed by a previous attempt (benign conflict or stale cursor);
	// the attempt was a no-op and the watermark already covers the batch.
	AlreadyCommitted bool
}

// BatchCommitter owns the exactly-once contract: bulk-load the payload and
// advance the watermark to maxSeq as one atomic unit. On a duplicate-key
// conflict it re-reads the watermark; a watermark at or past maxSeq makes the
// conflict benign, anything else is ErrConsistency.
type BatchCommitter interface {
	CommitBatch(ctx context.Context, payload *encode.Payload, maxSeq int64) (CommitResult, error)
}

// LeaseStore hands out per-partition claim tokens so no two workers compact
// the same partition concurrently, even across process restarts.
type LeaseStore interface {
	// Acquire claims the partition for token until ttl elapses.
	// Returns ErrLeaseHeld if another live token owns it.
	Acquire(ctx context.Context, partition market.PartitionKey, token string, ttl time.Duration) error

	// Release drops the claim if token still owns it. Releasing a lease
	// that expired or was taken over is not an error.
	Release(ctx context.Context, partition market.PartitionKey, token string) error
}
