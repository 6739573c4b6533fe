package postgres

const (
	queryFetchExecutions = `
		SELECT seq, traded_at, price, volume, side
		FROM raw_trades
		WHERE exchange = $1 AND instrument = $2 AND seq > $3
		ORDER BY seq ASC
		LIMIT $4
	`

	// Continuation of a capped fetch: every remaining row that shares the
	// final timestamp, so a timestamp group never straddles two batches.
	queryFetchTimestampTail = `
		SELECT seq, traded_at, price, volume, side
		FROM raw_trades
		WHERE exchange = $1 AND instrument = $2 AND seq > $3 AND traded_at = $4
		ORDER BY seq ASC
	`

	queryReadWatermark = `
		SELECT last_seq
		FROM compaction_watermarks
		WHERE exchange = $1 AND instrument = $2
	`

	querySelectWatermarkForUpdate = `
		SELECT last_seq
		FROM compaction_watermarks
		WHERE exchange = $1 AND instrument = $2
		FOR UPDATE
	`

	queryInitWatermarkRow = `
		INSERT INTO compaction_watermarks (exchange, instrument, last_seq, updated_at)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (exchange, instrument) DO NOTHING
	`

	queryAdvanceWatermark = `
		UPDATE compaction_watermarks
		SET last_seq = $1, updated_at = $2
		WHERE exchange = $3 AND instrument = $4
	`

	queryAcquireLease = `
		UPDATE compaction_watermarks
		SET claimed_by = $1, lease_expires_at = $2
		WHERE exchange = $3 AND instrument = $4
		  AND (claimed_by IS NULL OR claimed_by = $1 OR lease_expires_at < $5)
	`

	queryReleaseLease = `
		UPDATE compaction_watermarks
		SET claimed_by = NULL, lease_expires_at = NULL
		WHERE exchange = $1 AND instrument = $2 AND claimed_by = $3
	`
)
