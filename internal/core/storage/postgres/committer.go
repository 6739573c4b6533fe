package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fulcra-lab/tradesweep/internal/core/storage"
	"github.com/fulcra-lab/tradesweep/internal/encode"
	"github.com/lib/pq"
)

const destinationTable = "trade_aggregates"

// CommitBatch loads the payload into the destination table and advances the
// partition watermark to maxSeq in a single transaction. Either both become
// visible or neither does.
//
// Protocol:
//  1. Lock the watermark row FOR UPDATE, initializing it when absent.
//  2. Skip as a no-op when the durable watermark already covers maxSeq
//     (stale retry of a batch that committed).
//  3. Stream the payload through the COPY protocol inside the transaction.
//  4. Advance the watermark, verify exactly one row changed, commit.
//
// A unique violation during COPY rolls back and re-reads the watermark: if it
// covers maxSeq the previous attempt actually committed and the conflict is
// benign; otherwise the two stores disagree and storage.ErrConsistency is
// returned for manual reconciliation.
func (a *Adapter) CommitBatch(ctx context.Context, payload *encode.Payload, maxSeq int64) (storage.CommitResult, error) {
	partition := payload.Partition
	if payload.RowCount == 0 {
		return storage.CommitResult{}, fmt.Errorf("commit %s: refusing empty payload", partition)
	}
	if maxSeq <= 0 {
		return storage.CommitResult{}, fmt.Errorf("commit %s: invalid max sequence %d", partition, maxSeq)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.CommitResult{}, fmt.Errorf("commit %s: begin tx: %w", partition, err)
	}
	defer tx.Rollback() //nolint:errcheck

	durable, err := lockWatermark(ctx, tx, partition.Exchange, partition.Instrument)
	if err != nil {
		return storage.CommitResult{}, fmt.Errorf("commit %s: %w", partition, err)
	}

	if maxSeq <= durable {
		slog.Warn("[Committer] Skipping stale commit attempt",
			"partition", partition.String(),
			"max_seq", maxSeq,
			"durable_seq", durable,
			"rows", payload.RowCount)
		return storage.CommitResult{AlreadyCommitted: true}, nil
	}

	loaded, err := copyPayload(ctx, tx, payload)
	if err != nil {
		if isUniqueViolation(err) {
			tx.Rollback() //nolint:errcheck
			return a.resolveConflict(ctx, payload, maxSeq, err)
		}
		return storage.CommitResult{}, fmt.Errorf("commit %s: bulk load: %w", partition, err)
	}

	result, err := tx.ExecContext(ctx, queryAdvanceWatermark,
		maxSeq, time.Now().UTC(), partition.Exchange, partition.Instrument)
	if err != nil {
		return storage.CommitResult{}, fmt.Errorf("commit %s: advance watermark: %w", partition, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.CommitResult{}, fmt.Errorf("commit %s: check watermark write: %w", partition, err)
	}
	if affected == 0 {
		return storage.CommitResult{}, fmt.Errorf("commit %s: watermark row missing", partition)
	}

	if err := tx.Commit(); err != nil {
		return storage.CommitResult{}, fmt.Errorf("commit %s: commit tx: %w", partition, err)
	}

	slog.Info("[Committer] Committed batch",
		"partition", partition.String(),
		"rows_loaded", loaded,
		"watermark", maxSeq)
	return storage.CommitResult{RowsLoaded: loaded}, nil
}

// lockWatermark reads the partition's watermark under FOR UPDATE,
// initializing the row on first contact.
func lockWatermark(ctx context.Context, tx *sql.Tx, exchange, instrument string) (int64, error) {
	var durable int64
	err := tx.QueryRowContext(ctx, querySelectWatermarkForUpdate, exchange, instrument).Scan(&durable)
	if err == sql.ErrNoRows {
		if _, err := tx.ExecContext(ctx, queryInitWatermarkRow, exchange, instrument, time.Now().UTC()); err != nil {
			return 0, fmt.Errorf("init watermark row: %w", err)
		}
		err = tx.QueryRowContext(ctx, querySelectWatermarkForUpdate, exchange, instrument).Scan(&durable)
		if err != nil {
			return 0, fmt.Errorf("read initialized watermark for update: %w", err)
		}
		return durable, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read watermark for update: %w", err)
	}
	return durable, nil
}

// copyPayload streams the staged records through COPY FROM STDIN.
// The final zero-argument Exec flushes the copy buffer; errors from the
// server, unique violations included, surface there or at Close.
func copyPayload(ctx context.Context, tx *sql.Tx, payload *encode.Payload) (int64, error) {
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(destinationTable, encode.Columns...))
	if err != nil {
		return 0, fmt.Errorf("prepare copy: %w", err)
	}

	for i, record := range payload.Records {
		if _, err := stmt.ExecContext(ctx, record...); err != nil {
			stmt.Close() //nolint:errcheck
			return 0, fmt.Errorf("copy row %d: %w", i, err)
		}
	}

	result, err := stmt.ExecContext(ctx)
	if err != nil {
		stmt.Close() //nolint:errcheck
		return 0, fmt.Errorf("flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return 0, fmt.Errorf("close copy: %w", err)
	}

	loaded, err := result.RowsAffected()
	if err != nil {
		// COPY does not always report a row count; fall back to the
		// payload's own count, which the encoder verified.
		return int64(payload.RowCount), nil
	}
	if loaded != int64(payload.RowCount) {
		return 0, fmt.Errorf("copy loaded %d rows, payload has %d", loaded, payload.RowCount)
	}
	return loaded, nil
}

// resolveConflict handles a duplicate-key failure from the bulk load. The
// transaction is already rolled back; a fresh snapshot read of the watermark
// decides between a benign conflict and a real consistency fault.
func (a *Adapter) resolveConflict(ctx context.Context, payload *encode.Payload, maxSeq int64, cause error) (storage.CommitResult, error) {
	partition := payload.Partition
	var durable int64
	err := a.db.QueryRowContext(ctx, queryReadWatermark, partition.Exchange, partition.Instrument).Scan(&durable)
	if err != nil && err != sql.ErrNoRows {
		return storage.CommitResult{}, fmt.Errorf("conflict re-check %s: %w", partition, err)
	}

	if durable >= maxSeq {
		slog.Warn("[Committer] Benign conflict: batch already committed by a previous attempt",
			"partition", partition.String(),
			"max_seq", maxSeq,
			"durable_seq", durable)
		return storage.CommitResult{AlreadyCommitted: true}, nil
	}

	// The staged text goes to the log so the operator can reconcile the
	// destination rows against what this attempt tried to load.
	slog.Error("[Committer] Consistency fault: destination conflicts with a watermark that does not cover the batch",
		"partition", partition.String(),
		"max_seq", maxSeq,
		"durable_seq", durable,
		"rows", payload.RowCount,
		"staged_payload", payloadExcerpt(payload.Text))
	return storage.CommitResult{}, fmt.Errorf(
		"commit %s: duplicate key with watermark at %d, batch max %d: %w: %v",
		partition, durable, maxSeq, storage.ErrConsistency, cause)
}

// payloadLogLimit bounds how much staged text a consistency fault logs.
const payloadLogLimit = 2048

func payloadExcerpt(text []byte) string {
	if len(text) > payloadLogLimit {
		return string(text[:payloadLogLimit]) + "... (truncated)"
	}
	return string(text)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
