package reduce

import (
	"testing"
	"time"

	"github.com/fulcra-lab/tradesweep/internal/core/market"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPartition = market.PartitionKey{Exchange: "bffx", Instrument: "BTC_USD"}

func exec(seq int64, ts time.Time, side market.Side, price, volume string) market.RawExecution {
	return market.RawExecution{
		Partition: testPartition,
		Seq:       seq,
		TradedAt:  ts,
		Price:     decimal.RequireFromString(price),
		Volume:    decimal.RequireFromString(volume),
		Side:      side,
	}
}

func TestReduce_MergesSharedTimestamps(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 100e6, time.UTC)
	later := time.Date(2026, 3, 1, 12, 0, 0, 105e6, time.UTC)

	batch := []market.RawExecution{
		exec(1, base, market.SideBuy, "10", "2"),
		exec(2, base, market.SideBuy, "12", "3"),
		exec(3, later, market.SideSell, "9", "1"),
	}

	rows, err := Reduce(batch)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	buy := rows[0]
	assert.True(t, buy.TradedAt.Equal(base))
	assert.Equal(t, market.SideBuy, buy.Side)
	assert.Equal(t, "5", buy.VolumeSum.String())
	assert.Equal(t, int64(2), buy.TradeCount)
	assert.Equal(t, "10", buy.PriceOpen.String())
	assert.Equal(t, "12", buy.PriceClose.String())
	assert.Equal(t, "12", buy.PriceHigh.String())
	assert.Equal(t, "10", buy.PriceLow.String())

	sell := rows[1]
	assert.True(t, sell.TradedAt.Equal(later))
	assert.Equal(t, market.SideSell, sell.Side)
	assert.Equal(t, "1", sell.VolumeSum.String())
	assert.Equal(t, int64(1), sell.TradeCount)
	assert.Equal(t, "9", sell.PriceOpen.String())
	assert.Equal(t, "9", sell.PriceClose.String())
	assert.Equal(t, "9", sell.PriceHigh.String())
	assert.Equal(t, "9", sell.PriceLow.String())
}

func TestReduce_SidesSplitGroupsAtSameTimestamp(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	batch := []market.RawExecution{
		exec(1, ts, market.SideBuy, "100", "1"),
		exec(2, ts, market.SideSell, "101", "2"),
		exec(3, ts, market.SideBuy, "102", "3"),
	}

	rows, err := Reduce(batch)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, market.SideBuy, rows[0].Side)
	assert.Equal(t, int64(2), rows[0].TradeCount)
	assert.Equal(t, "100", rows[0].PriceOpen.String())
	assert.Equal(t, "102", rows[0].PriceClose.String())

	assert.Equal(t, market.SideSell, rows[1].Side)
	assert.Equal(t, int64(1), rows[1].TradeCount)
}

func TestReduce_NoSideColumnAggregatesAcrossDirections(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	batch := []market.RawExecution{
		exec(1, ts, market.SideNone, "50", "1"),
		exec(2, ts, market.SideNone, "52", "1"),
	}

	rows, err := Reduce(batch)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].TradeCount)
	assert.Equal(t, "50", rows[0].PriceOpen.String())
	assert.Equal(t, "52", rows[0].PriceClose.String())
}

func TestReduce_Deterministic(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	var batch []market.RawExecution
	for i := int64(1); i <= 200; i++ {
		side := market.SideBuy
		if i%3 == 0 {
			side = market.SideSell
		}
		batch = append(batch, exec(i, base.Add(time.Duration(i/5)*time.Millisecond), side, "10.5", "0.25"))
	}

	first, err := Reduce(batch)
	require.NoError(t, err)
	second, err := Reduce(batch)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i], second[i], "row %d differs between runs", i)
	}
}

func TestReduce_EmptyBatch(t *testing.T) {
	rows, err := Reduce(nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestReduce_RejectsMalformedRows(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		row  market.RawExecution
	}{
		{"zero price", exec(2, ts, market.SideBuy, "0", "1")},
		{"negative price", exec(2, ts, market.SideBuy, "-1", "1")},
		{"zero volume", exec(2, ts, market.SideBuy, "10", "0")},
		{"missing timestamp", exec(2, time.Time{}, market.SideBuy, "10", "1")},
		{"unknown side", exec(2, ts, market.Side("short"), "10", "1")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			batch := []market.RawExecution{
				exec(1, ts, market.SideBuy, "10", "1"),
				tc.row,
				exec(3, ts, market.SideBuy, "11", "1"),
			}
			rows, err := Reduce(batch)
			require.Error(t, err)
			assert.Nil(t, rows)

			var malformed *MalformedRowError
			require.ErrorAs(t, err, &malformed)
			assert.Equal(t, testPartition, malformed.Partition)
			assert.Equal(t, int64(2), malformed.Seq)
			assert.Equal(t, int64(1), malformed.FirstSeq)
			assert.Equal(t, int64(3), malformed.LastSeq)
		})
	}
}

func TestReduce_RejectsUnorderedBatch(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	batch := []market.RawExecution{
		exec(5, ts, market.SideBuy, "10", "1"),
		exec(4, ts, market.SideBuy, "11", "1"),
	}

	_, err := Reduce(batch)
	require.Error(t, err)
	var malformed *MalformedRowError
	require.ErrorAs(t, err, &malformed)
	assert.Contains(t, malformed.Reason, "not ascending")
}
