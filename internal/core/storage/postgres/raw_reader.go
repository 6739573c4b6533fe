package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fulcra-lab/tradesweep/internal/core/market"
	"github.com/shopspring/decimal"
)

// Fetch returns executions for one partition with seq > afterSeq, ascending,
// soft-capped at maxRows. When the cap is hit the fetch is extended with
// every remaining row sharing the final timestamp, so no (timestamp, side)
// group is ever split across two batches; the batch therefore always ends on
// a timestamp boundary and aligned is always true on success. Empty result
// means the source is exhausted.
func (a *Adapter) Fetch(ctx context.Context, partition market.PartitionKey, afterSeq int64, maxRows int) ([]market.RawExecution, bool, error) {
	if maxRows <= 0 {
		return nil, false, fmt.Errorf("fetch %s: maxRows must be positive, got %d", partition, maxRows)
	}

	rows, err := a.db.QueryContext(ctx, queryFetchExecutions,
		partition.Exchange, partition.Instrument, afterSeq, maxRows)
	if err != nil {
		return nil, false, fmt.Errorf("fetch %s after seq %d: %w", partition, afterSeq, err)
	}

	batch, err := scanExecutions(rows, partition)
	if err != nil {
		return nil, false, fmt.Errorf("fetch %s after seq %d: %w", partition, afterSeq, err)
	}

	if len(batch) < maxRows {
		return batch, true, nil
	}

	// Cap hit: the final timestamp group may continue past the cap. An empty
	// tail means the group happened to end exactly at the cap.
	last := batch[len(batch)-1]
	tailRows, err := a.db.QueryContext(ctx, queryFetchTimestampTail,
		partition.Exchange, partition.Instrument, last.Seq, last.TradedAt)
	if err != nil {
		return nil, false, fmt.Errorf("fetch %s timestamp tail at seq %d: %w", partition, last.Seq, err)
	}

	tail, err := scanExecutions(tailRows, partition)
	if err != nil {
		return nil, false, fmt.Errorf("fetch %s timestamp tail at seq %d: %w", partition, last.Seq, err)
	}

	return append(batch, tail...), true, nil
}

// scanExecutions drains a result set into RawExecution values. Numeric
// columns are scanned as strings and parsed into exact decimals.
func scanExecutions(rows *sql.Rows, partition market.PartitionKey) ([]market.RawExecution, error) {
	defer rows.Close()

	var out []market.RawExecution
	for rows.Next() {
		var (
			seq       int64
			tradedAt  time.Time
			priceStr  string
			volumeStr string
			side      sql.NullString
		)
		if err := rows.Scan(&seq, &tradedAt, &priceStr, &volumeStr, &side); err != nil {
			return nil, fmt.Errorf("scan execution row: %w", err)
		}

		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("parse price %q at seq %d: %w", priceStr, seq, err)
		}
		volume, err := decimal.NewFromString(volumeStr)
		if err != nil {
			return nil, fmt.Errorf("parse volume %q at seq %d: %w", volumeStr, seq, err)
		}

		out = append(out, market.RawExecution{
			Partition: partition,
			Seq:       seq,
			TradedAt:  tradedAt,
			Price:     price,
			Volume:    volume,
			Side:      market.Side(side.String),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution rows: %w", err)
	}
	return out, nil
}
