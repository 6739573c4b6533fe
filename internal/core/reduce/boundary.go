package reduce

import "github.com/fulcra-lab/tradesweep/internal/core/market"

// TrimToTimestampBoundary cuts a batch so that no timestamp group is split
// across a batch boundary. full reports whether the fetch that produced the
// batch hit its row cap; only then can the tail timestamp be incomplete.
//
// The returned slice shares the input's backing array. When every row in a
// full batch carries the same timestamp the batch cannot be trimmed (trimming
// would yield zero progress); callers must extend the fetch instead, which is
// what the Postgres reader does before this function ever sees the batch.
// The trim here is the second line of defense for readers without extension.
func TrimToTimestampBoundary(batch []market.RawExecution, full bool) []market.RawExecution {
	if !full || len(batch) < 2 {
		return batch
	}

	tail := batch[len(batch)-1].TradedAt
	cut := len(batch)
	for cut > 0 && batch[cut-1].TradedAt.Equal(tail) {
		cut--
	}
	if cut == 0 {
		// Single-timestamp batch: nothing before the boundary to keep.
		return batch
	}
	return batch[:cut]
}
