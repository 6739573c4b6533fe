package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the taker direction of an execution. Sources that do not
// distinguish sides leave it empty; in that case side is simply not part of
// the aggregation key.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
	SideNone Side = ""
)

// ValidSide reports whether s is a value the raw schema may carry.
func ValidSide(s Side) bool {
	switch s {
	case SideBuy, SideSell, SideNone:
		return true
	}
	return false
}

// PartitionKey identifies the unit of independent progress tracking:
// one instrument on one exchange. Watermarks, leases and processing cycles
// are all scoped to a PartitionKey.
type PartitionKey struct {
	Exchange   string
	Instrument string
}

func (p PartitionKey) String() string {
	return fmt.Sprintf("%s/%s", p.Exchange, p.Instrument)
}

// RawExecution is one trade event as written by the downloader.
// Seq is the row's position within its partition: strictly increasing,
// never reused, total order. TradedAt is non-decreasing in Seq order but
// may repeat; that repetition is exactly what compaction merges away.
type RawExecution struct {
	Partition PartitionKey
	Seq       int64
	TradedAt  time.Time
	Price     decimal.Decimal
	Volume    decimal.Decimal
	Side      Side
}

// AggregatedRow is the compacted output: one row per distinct
// (partition, traded_at, side) in a processed batch.
type AggregatedRow struct {
	Partition  PartitionKey
	TradedAt   time.Time
	Side       Side
	VolumeSum  decimal.Decimal
	TradeCount int64
	PriceOpen  decimal.Decimal
	PriceClose decimal.Decimal
	PriceHigh  decimal.Decimal
	PriceLow   decimal.Decimal
}

// GroupKey is the aggregation key within a single partition's batch.
type GroupKey struct {
	TradedAt time.Time
	Side     Side
}

// Key returns the row's aggregation key. The timestamp is normalized to UTC
// so that GroupKey works as a map key: time.Time compares by struct equality,
// and location or monotonic-clock differences would split a group.
func (r RawExecution) Key() GroupKey {
	return GroupKey{TradedAt: r.TradedAt.UTC(), Side: r.Side}
}

// Watermark records the last raw sequence durably aggregated for a partition.
// LastSeq == 0 means no cycle has ever committed ("start from the beginning").
type Watermark struct {
	Partition PartitionKey
	LastSeq   int64
}
