package compaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fulcra-lab/tradesweep/internal/core/market"
	"github.com/fulcra-lab/tradesweep/internal/core/reduce"
	"github.com/fulcra-lab/tradesweep/internal/core/storage"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

const (
	defaultInterval       = 30 * time.Second
	defaultWorkerCount    = 8
	defaultLeaseTTL       = 5 * time.Minute
	defaultBackoffInitial = 2 * time.Second
	defaultBackoffMax     = 5 * time.Minute
	defaultMaxAttempts    = 4

	// Safety cap on consecutive batches per partition per sweep, so one
	// deep backlog cannot starve the rest of the roster.
	maxConsecutiveBatches = 100

	leaseReleaseTimeout = 5 * time.Second
)

// PartitionState is the coarse per-partition scheduler state.
type PartitionState string

const (
	StateIdle    PartitionState = "idle"
	StateRunning PartitionState = "running"
	StateBackoff PartitionState = "backoff"
	// StateHalted means a consistency fault: the destination and watermark
	// disagree and an operator must reconcile before the partition resumes.
	StateHalted PartitionState = "halted"
)

// PartitionStatus is a point-in-time view of one partition, served by the
// admin endpoint.
type PartitionStatus struct {
	Partition   market.PartitionKey `json:"-"`
	Exchange    string              `json:"exchange"`
	Instrument  string              `json:"instrument"`
	State       PartitionState      `json:"state"`
	Watermark   int64               `json:"watermark"`
	LastError   string              `json:"last_error,omitempty"`
	NextAttempt time.Time           `json:"next_attempt,omitempty"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// SchedulerOptions tunes sweep cadence, concurrency and failure handling.
type SchedulerOptions struct {
	Interval       time.Duration
	WorkerCount    int
	LeaseTTL       time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// MaxAttempts bounds in-sweep retries of a transiently failing cycle;
	// further failures park the partition in Backoff until a later sweep.
	// Zero or negative values fall back to the default.
	MaxAttempts int
	Cycle       CycleOptions
}

func (o SchedulerOptions) normalized() SchedulerOptions {
	n := o
	if n.Interval <= 0 {
		n.Interval = defaultInterval
	}
	if n.WorkerCount <= 0 {
		n.WorkerCount = defaultWorkerCount
	}
	if n.LeaseTTL <= 0 {
		n.LeaseTTL = defaultLeaseTTL
	}
	if n.BackoffInitial <= 0 {
		n.BackoffInitial = defaultBackoffInitial
	}
	if n.BackoffMax <= 0 {
		n.BackoffMax = defaultBackoffMax
	}
	if n.MaxAttempts <= 0 {
		n.MaxAttempts = defaultMaxAttempts
	}
	n.Cycle = n.Cycle.normalized()
	return n
}

// Stores bundles the storage interfaces one sweep needs. The Postgres
// adapter satisfies all four.
type Stores struct {
	Reader    storage.RawReader
	Marks     storage.WatermarkStore
	Committer storage.BatchCommitter
	Leases    storage.LeaseStore
}

// partitionTrack is the scheduler's mutable per-partition record.
type partitionTrack struct {
	status   PartitionStatus
	failures int
	inFlight bool
}

// Scheduler sweeps the partition roster on a fixed interval, running at most
// WorkerCount concurrent partition cycles. Within a partition cycles are
// strictly sequential; the in-flight flag plus the DB lease guarantee no two
// workers ever share a partition.
type Scheduler struct {
	stores     Stores
	partitions []market.PartitionKey
	opts       SchedulerOptions

	mu     sync.Mutex
	tracks map[market.PartitionKey]*partitionTrack
}

// NewScheduler creates a scheduler over the enabled partitions.
func NewScheduler(stores Stores, partitions []market.PartitionKey, opts SchedulerOptions) *Scheduler {
	opts = opts.normalized()
	tracks := make(map[market.PartitionKey]*partitionTrack, len(partitions))
	now := time.Now().UTC()
	for _, p := range partitions {
		tracks[p] = &partitionTrack{status: PartitionStatus{
			Partition:  p,
			Exchange:   p.Exchange,
			Instrument: p.Instrument,
			State:      StateIdle,
			UpdatedAt:  now,
		}}
	}
	return &Scheduler{
		stores:     stores,
		partitions: partitions,
		opts:       opts,
		tracks:     tracks,
	}
}

// Start sweeps until the context is cancelled, then runs one final bounded
// drain so in-flight work lands before exit.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	slog.Info("[Scheduler] Starting compaction scheduler",
		"interval", s.opts.Interval,
		"partitions", len(s.partitions),
		"workers", s.opts.WorkerCount,
		"max_rows", s.opts.Cycle.MaxRows,
	)

	// Initial sweep catches up any backlog left from the previous run.
	s.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			slog.Info("[Scheduler] Stopping (context cancelled)")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			slog.Info("[Scheduler] Running final sweep before shutdown...")
			s.sweep(shutdownCtx)
			slog.Info("[Scheduler] Final sweep complete")

			return nil
		}
	}
}

// sweep runs one pass over the roster with bounded concurrency.
func (s *Scheduler) sweep(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.WorkerCount)

	now := time.Now().UTC()
	for _, p := range s.partitions {
		if !s.claim(p, now) {
			continue
		}
		partition := p
		g.Go(func() error {
			s.runPartition(gctx, partition)
			return nil
		})
	}

	g.Wait() //nolint:errcheck // workers report through partition status
}

// claim marks a partition in-flight if it is eligible this sweep.
func (s *Scheduler) claim(p market.PartitionKey, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	track := s.tracks[p]
	if track == nil || track.inFlight {
		return false
	}
	switch track.status.State {
	case StateHalted:
		return false
	case StateBackoff:
		if now.Before(track.status.NextAttempt) {
			return false
		}
	}
	track.inFlight = true
	track.status.State = StateRunning
	track.status.UpdatedAt = now
	return true
}

// runPartition drains one partition's backlog under a lease, cycle by cycle,
// retrying transient failures with fibonacci backoff.
func (s *Scheduler) runPartition(ctx context.Context, partition market.PartitionKey) {
	token := uuid.NewString()

	if err := s.stores.Leases.Acquire(ctx, partition, token, s.opts.LeaseTTL); err != nil {
		if errors.Is(err, storage.ErrLeaseHeld) {
			slog.Debug("[Scheduler] Partition leased elsewhere, skipping",
				"partition", partition.String())
			s.finish(partition, StateIdle, 0, nil)
			return
		}
		slog.Error("[Scheduler] Lease acquisition failed",
			"partition", partition.String(), "error", err)
		s.finish(partition, StateBackoff, 0, err)
		return
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), leaseReleaseTimeout)
		defer cancel()
		if err := s.stores.Leases.Release(releaseCtx, partition, token); err != nil {
			slog.Warn("[Scheduler] Lease release failed",
				"partition", partition.String(), "error", err)
		}
	}()

	var lastWatermark int64
	for batches := 0; batches < maxConsecutiveBatches; batches++ {
		if ctx.Err() != nil {
			s.finish(partition, StateIdle, lastWatermark, nil)
			return
		}

		// A deep drain outlives a single TTL, so the lease is re-acquired
		// with the same token before every batch after the first. The
		// acquire query treats a claim by the holding token as an extension.
		if batches > 0 {
			if err := s.stores.Leases.Acquire(ctx, partition, token, s.opts.LeaseTTL); err != nil {
				slog.Warn("[Scheduler] Lease renewal failed mid-drain, parking partition",
					"partition", partition.String(), "error", err)
				s.finish(partition, StateBackoff, lastWatermark, fmt.Errorf("renew lease: %w", err))
				return
			}
		}

		result, err := s.runCycleWithRetry(ctx, partition)
		if err != nil {
			state := StateBackoff
			if errors.Is(err, storage.ErrConsistency) {
				state = StateHalted
				slog.Error("[Scheduler] Consistency fault, partition halted until manual reconciliation",
					"partition", partition.String(), "error", err)
			} else {
				slog.Error("[Scheduler] Cycle failed, partition entering backoff",
					"partition", partition.String(), "error", err)
			}
			s.finish(partition, state, lastWatermark, err)
			return
		}

		lastWatermark = result.Watermark
		if result.Empty {
			break
		}

		slog.Info("[Scheduler] Cycle complete",
			"partition", partition.String(),
			"rows_in", result.RowsIn,
			"rows_out", result.RowsOut,
			"watermark", result.Watermark,
			"already_committed", result.AlreadyCommitted,
		)
	}

	s.finish(partition, StateIdle, lastWatermark, nil)
}

// runCycleWithRetry retries transient cycle failures in place. Malformed
// batches and consistency faults are permanent: retrying cannot help, the
// operator has to act.
func (s *Scheduler) runCycleWithRetry(ctx context.Context, partition market.PartitionKey) (CycleResult, error) {
	backoff := retry.WithMaxRetries(uint64(s.opts.MaxAttempts),
		retry.WithCappedDuration(s.opts.BackoffMax,
			retry.NewFibonacci(s.opts.BackoffInitial)))

	var result CycleResult
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var cycleErr error
		result, cycleErr = RunCycle(ctx, partition, s.stores.Reader, s.stores.Marks, s.stores.Committer, s.opts.Cycle)
		if cycleErr == nil {
			return nil
		}

		var malformed *reduce.MalformedRowError
		if errors.As(cycleErr, &malformed) || errors.Is(cycleErr, storage.ErrConsistency) {
			return cycleErr
		}
		return retry.RetryableError(cycleErr)
	})
	return result, err
}

// finish records the partition's post-run state and schedules the next
// backoff attempt when it failed.
func (s *Scheduler) finish(partition market.PartitionKey, state PartitionState, watermark int64, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	track := s.tracks[partition]
	if track == nil {
		return
	}
	now := time.Now().UTC()

	track.inFlight = false
	track.status.State = state
	track.status.UpdatedAt = now
	if watermark > track.status.Watermark {
		track.status.Watermark = watermark
	}

	if runErr == nil {
		track.failures = 0
		track.status.LastError = ""
		track.status.NextAttempt = time.Time{}
		return
	}

	track.status.LastError = runErr.Error()
	if state == StateBackoff {
		track.failures++
		delay := s.opts.BackoffInitial << (track.failures - 1)
		if delay > s.opts.BackoffMax || delay <= 0 {
			delay = s.opts.BackoffMax
		}
		track.status.NextAttempt = now.Add(delay)
	}
}

// Snapshot returns the roster's current status, sorted by partition key.
func (s *Scheduler) Snapshot() []PartitionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PartitionStatus, 0, len(s.tracks))
	for _, track := range s.tracks {
		out = append(out, track.status)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Exchange != out[j].Exchange {
			return out[i].Exchange < out[j].Exchange
		}
		return out[i].Instrument < out[j].Instrument
	})
	return out
}
