package reduce

import (
	"fmt"
	"sort"

	"github.com/fulcra-lab/tradesweep/internal/core/market"
	"github.com/shopspring/decimal"
)

// MalformedRowError reports a raw row that cannot be reduced. The whole batch
// is rejected: skipping the row would drop it permanently once the watermark
// advances past its sequence.
type MalformedRowError struct {
	Partition market.PartitionKey
	Seq       int64
	FirstSeq  int64
	LastSeq   int64
	Reason    string
}

func (e *MalformedRowError) Error() string {
	return fmt.Sprintf("malformed execution %s seq=%d (batch %d..%d): %s",
		e.Partition, e.Seq, e.FirstSeq, e.LastSeq, e.Reason)
}

// accumulator is the in-progress state for one (traded_at, side) group.
type accumulator struct {
	firstSeq   int64
	volumeSum  decimal.Decimal
	tradeCount int64
	priceOpen  decimal.Decimal
	priceClose decimal.Decimal
	priceHigh  decimal.Decimal
	priceLow   decimal.Decimal
}

// Reduce folds an ordered batch of raw executions into one aggregated row per
// distinct (traded_at, side). The batch must already be ascending by Seq
// (the fetch contract guarantees it), and the smaller sequence is always
// the earlier trade for open/close purposes.
//
// Pure and deterministic: the same batch always yields the same rows in the
// same order (sorted by traded_at, then side). An empty batch reduces to nil.
func Reduce(batch []market.RawExecution) ([]market.AggregatedRow, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	firstSeq := batch[0].Seq
	lastSeq := batch[len(batch)-1].Seq

	groups := make(map[market.GroupKey]*accumulator)
	prevSeq := int64(-1)
	for _, row := range batch {
		if err := validate(row, firstSeq, lastSeq); err != nil {
			return nil, err
		}
		if row.Seq <= prevSeq {
			return nil, &MalformedRowError{
				Partition: row.Partition,
				Seq:       row.Seq,
				FirstSeq:  firstSeq,
				LastSeq:   lastSeq,
				Reason:    fmt.Sprintf("sequence not ascending (prev=%d)", prevSeq),
			}
		}
		prevSeq = row.Seq

		key := row.Key()
		acc, ok := groups[key]
		if !ok {
			groups[key] = &accumulator{
				firstSeq:   row.Seq,
				volumeSum:  row.Volume,
				tradeCount: 1,
				priceOpen:  row.Price,
				priceClose: row.Price,
				priceHigh:  row.Price,
				priceLow:   row.Price,
			}
			continue
		}

		acc.volumeSum = acc.volumeSum.Add(row.Volume)
		acc.tradeCount++
		acc.priceClose = row.Price
		if row.Price.GreaterThan(acc.priceHigh) {
			acc.priceHigh = row.Price
		}
		if row.Price.LessThan(acc.priceLow) {
			acc.priceLow = row.Price
		}
	}

	partition := batch[0].Partition
	rows := make([]market.AggregatedRow, 0, len(groups))
	for key, acc := range groups {
		rows = append(rows, market.AggregatedRow{
			Partition:  partition,
			TradedAt:   key.TradedAt,
			Side:       key.Side,
			VolumeSum:  acc.volumeSum,
			TradeCount: acc.tradeCount,
			PriceOpen:  acc.priceOpen,
			PriceClose: acc.priceClose,
			PriceHigh:  acc.priceHigh,
			PriceLow:   acc.priceLow,
		})
	}

	// Map iteration order is random; sort so re-runs are byte-identical.
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].TradedAt.Equal(rows[j].TradedAt) {
			return rows[i].TradedAt.Before(rows[j].TradedAt)
		}
		return rows[i].Side < rows[j].Side
	})

	return rows, nil
}

func validate(row market.RawExecution, firstSeq, lastSeq int64) error {
	reason := ""
	switch {
	case row.TradedAt.IsZero():
		reason = "missing timestamp"
	case row.Price.Sign() <= 0:
		reason = "price must be positive"
	case row.Volume.Sign() <= 0:
		reason = "volume must be positive"
	case !market.ValidSide(row.Side):
		reason = fmt.Sprintf("unknown side %q", row.Side)
	}
	if reason == "" {
		return nil
	}
	return &MalformedRowError{
		Partition: row.Partition,
		Seq:       row.Seq,
		FirstSeq:  firstSeq,
		LastSeq:   lastSeq,
		Reason:    reason,
	}
}
