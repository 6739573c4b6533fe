// Package encode turns aggregated rows into the staging payload consumed by
// the Postgres COPY bulk-load path.
package encode

import (
	"bytes"
	"fmt"

	"github.com/fulcra-lab/tradesweep/internal/core/market"
)

// decimalPlaces is the fixed precision for price and volume fields. Encoding
// with a fixed scale keeps re-runs byte-identical regardless of how the
// decimals were constructed.
const decimalPlaces = 8

// timestampLayout matches timestamptz at millisecond precision, the
// granularity the downloader writes.
const timestampLayout = "2006-01-02 15:04:05.000+00"

// Columns is the destination column order. Records and the text form both
// follow it; the loader passes it verbatim to the COPY statement.
var Columns = []string{
	"exchange",
	"instrument",
	"traded_at",
	"side",
	"volume_sum",
	"trade_count",
	"price_open",
	"price_close",
	"price_high",
	"price_low",
}

// Payload is a self-contained bulk-transfer unit for one commit attempt.
// Records feed the COPY protocol one row at a time; Text is the equivalent
// tab-delimited staging form, re-parseable, logged on consistency faults so
// the operator can reconcile against what the attempt tried to load. The two
// are built from the same encoded field strings so they can never diverge.
type Payload struct {
	Partition market.PartitionKey
	Records   [][]interface{}
	Text      []byte
	RowCount  int
}

// Encode serializes aggregated rows in the order given. All-or-fail: any
// unencodable row aborts with no partial payload.
func Encode(partition market.PartitionKey, rows []market.AggregatedRow) (*Payload, error) {
	records := make([][]interface{}, 0, len(rows))
	var text bytes.Buffer

	for i, row := range rows {
		if row.Partition != partition {
			return nil, fmt.Errorf("encode: row %d belongs to %s, payload is for %s",
				i, row.Partition, partition)
		}
		if row.TradedAt.IsZero() {
			return nil, fmt.Errorf("encode: row %d has zero timestamp", i)
		}
		if row.TradeCount <= 0 {
			return nil, fmt.Errorf("encode: row %d has non-positive trade count %d", i, row.TradeCount)
		}

		fields := []string{
			partition.Exchange,
			partition.Instrument,
			row.TradedAt.UTC().Format(timestampLayout),
			string(row.Side),
			row.VolumeSum.StringFixed(decimalPlaces),
			fmt.Sprintf("%d", row.TradeCount),
			row.PriceOpen.StringFixed(decimalPlaces),
			row.PriceClose.StringFixed(decimalPlaces),
			row.PriceHigh.StringFixed(decimalPlaces),
			row.PriceLow.StringFixed(decimalPlaces),
		}

		record := make([]interface{}, len(fields))
		for j, f := range fields {
			record[j] = f
			if j > 0 {
				text.WriteByte('\t')
			}
			text.WriteString(f)
		}
		text.WriteByte('\n')
		records = append(records, record)
	}

	return &Payload{
		Partition: partition,
		Records:   records,
		Text:      text.Bytes(),
		RowCount:  len(records),
	}, nil
}
