package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fulcra-lab/tradesweep/internal/core/market"
	"github.com/fulcra-lab/tradesweep/internal/core/storage"
)

// Get returns the partition's last committed sequence, or 0 when no cycle
// has ever committed for it. A plain snapshot read; advancing happens only
// inside CommitBatch's transaction.
func (a *Adapter) Get(ctx context.Context, partition market.PartitionKey) (int64, error) {
	var lastSeq int64
	err := a.db.QueryRowContext(ctx, queryReadWatermark,
		partition.Exchange, partition.Instrument).Scan(&lastSeq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read watermark %s: %w", partition, err)
	}
	return lastSeq, nil
}

// Acquire claims the partition lease for token until ttl elapses. The lease
// lives on the watermark row, so the row is initialized first if the
// partition has never been seen. A lease owned by a different live token
// yields storage.ErrLeaseHeld.
func (a *Adapter) Acquire(ctx context.Context, partition market.PartitionKey, token string, ttl time.Duration) error {
	now := time.Now().UTC()

	if _, err := a.db.ExecContext(ctx, queryInitWatermarkRow,
		partition.Exchange, partition.Instrument, now); err != nil {
		return fmt.Errorf("init watermark row %s: %w", partition, err)
	}

	result, err := a.db.ExecContext(ctx, queryAcquireLease,
		token, now.Add(ttl), partition.Exchange, partition.Instrument, now)
	if err != nil {
		return fmt.Errorf("acquire lease %s: %w", partition, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("acquire lease %s: rows affected: %w", partition, err)
	}
	if affected == 0 {
		return fmt.Errorf("acquire lease %s: %w", partition, storage.ErrLeaseHeld)
	}
	return nil
}

// Release drops the claim if token still owns it. A lease that already
// expired or was taken over releases as a no-op.
func (a *Adapter) Release(ctx context.Context, partition market.PartitionKey, token string) error {
	if _, err := a.db.ExecContext(ctx, queryReleaseLease,
		partition.Exchange, partition.Instrument, token); err != nil {
		return fmt.Errorf("release lease %s: %w", partition, err)
	}
	return nil
}
