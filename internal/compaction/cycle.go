// Package compaction drives the aggregate-and-commit pipeline across
// partitions: fetch raw executions above the watermark, reduce them, encode
// the result and commit it atomically with the watermark advance.
package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fulcra-lab/tradesweep/internal/core/market"
	"github.com/fulcra-lab/tradesweep/internal/core/reduce"
	"github.com/fulcra-lab/tradesweep/internal/core/storage"
	"github.com/fulcra-lab/tradesweep/internal/encode"
)

const (
	defaultMaxRows       = 50000
	defaultFetchTimeout  = 30 * time.Second
	defaultCommitTimeout = 60 * time.Second
)

// CycleOptions controls one partition processing cycle.
type CycleOptions struct {
	// MaxRows is the soft cap on raw rows fetched per cycle; the reader may
	// exceed it to keep the final timestamp group whole.
	MaxRows       int
	FetchTimeout  time.Duration
	CommitTimeout time.Duration
}

func (o CycleOptions) normalized() CycleOptions {
	n := o
	if n.MaxRows <= 0 {
		n.MaxRows = defaultMaxRows
	}
	if n.FetchTimeout <= 0 {
		n.FetchTimeout = defaultFetchTimeout
	}
	if n.CommitTimeout <= 0 {
		n.CommitTimeout = defaultCommitTimeout
	}
	return n
}

// CycleResult summarizes one cycle.
type CycleResult struct {
	RowsIn           int   // raw executions consumed
	RowsOut          int64 // aggregated rows loaded
	Watermark        int64 // partition watermark after the cycle
	Empty            bool  // no new rows; nothing committed
	AlreadyCommitted bool  // a previous attempt had already committed this batch
}

// RunCycle executes one fetch-reduce-encode-commit pass for a partition.
//
// An empty fetch ends the cycle normally without touching the watermark.
// The batch is re-read from the durable watermark on every cycle: partial
// aggregation state never survives a failure.
func RunCycle(
	ctx context.Context,
	partition market.PartitionKey,
	reader storage.RawReader,
	marks storage.WatermarkStore,
	committer storage.BatchCommitter,
	opts CycleOptions,
) (CycleResult, error) {
	opts = opts.normalized()

	if err := ctx.Err(); err != nil {
		return CycleResult{}, err
	}

	afterSeq, err := marks.Get(ctx, partition)
	if err != nil {
		return CycleResult{}, fmt.Errorf("cycle %s: read watermark: %w", partition, err)
	}

	fetchCtx, cancelFetch := context.WithTimeout(ctx, opts.FetchTimeout)
	batch, aligned, err := reader.Fetch(fetchCtx, partition, afterSeq, opts.MaxRows)
	cancelFetch()
	if err != nil {
		return CycleResult{}, fmt.Errorf("cycle %s: fetch after seq %d: %w", partition, afterSeq, err)
	}

	if len(batch) == 0 {
		slog.Debug("[Cycle] No new executions", "partition", partition.String(), "watermark", afterSeq)
		return CycleResult{Empty: true, Watermark: afterSeq}, nil
	}

	// A reader without fetch extension reports a capped batch as unaligned;
	// trim it back to the last complete timestamp boundary. Aligned batches
	// are used in full, even when they end exactly at the cap.
	if !aligned {
		batch = reduce.TrimToTimestampBoundary(batch, true)
	}

	rows, err := reduce.Reduce(batch)
	if err != nil {
		return CycleResult{}, fmt.Errorf("cycle %s: %w", partition, err)
	}

	payload, err := encode.Encode(partition, rows)
	if err != nil {
		return CycleResult{}, fmt.Errorf("cycle %s: %w", partition, err)
	}

	if err := ctx.Err(); err != nil {
		return CycleResult{}, err
	}

	// The commit scope must resolve even when the parent context is
	// cancelled mid-flight; it runs under its own timeout only. An unknown
	// outcome is repaired by the stale-skip and benign-conflict checks on
	// the next attempt.
	maxSeq := batch[len(batch)-1].Seq
	commitCtx, cancelCommit := context.WithTimeout(context.WithoutCancel(ctx), opts.CommitTimeout)
	result, err := committer.CommitBatch(commitCtx, payload, maxSeq)
	cancelCommit()
	if err != nil {
		return CycleResult{}, fmt.Errorf("cycle %s: commit seq %d..%d: %w",
			partition, batch[0].Seq, maxSeq, err)
	}

	return CycleResult{
		RowsIn:           len(batch),
		RowsOut:          result.RowsLoaded,
		Watermark:        maxSeq,
		AlreadyCommitted: result.AlreadyCommitted,
	}, nil
}
