package compaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fulcra-lab/tradesweep/internal/core/market"
	"github.com/fulcra-lab/tradesweep/internal/core/storage"
	"github.com/fulcra-lab/tradesweep/internal/encode"
)

// destKey mirrors the destination table's natural key.
type destKey struct {
	partition market.PartitionKey
	tradedAt  string
	side      string
}

// fakeStore is an in-memory stand-in for the Postgres adapter. It enforces
// the same contracts: unique destination keys, watermark advance fused with
// the load, stale-attempt skip and the benign-conflict re-check. extendFetch
// toggles the reader's timestamp-boundary extension so the trim path can be
// exercised too.
type fakeStore struct {
	mu sync.Mutex

	source      map[market.PartitionKey][]market.RawExecution
	watermarks  map[market.PartitionKey]int64
	dest        map[destKey][]interface{}
	leases      map[market.PartitionKey]string
	extendFetch bool

	fetchErr error // returned by every Fetch until cleared

	// commitErr is returned once by the next CommitBatch; with
	// commitLandsAnyway set the load and watermark still happen first,
	// simulating an unknown-outcome commit (e.g. a timeout after the
	// transaction actually committed).
	commitErr         error
	commitLandsAnyway bool

	// failAcquireAfter, when positive, makes every Acquire past that many
	// calls fail with ErrLeaseHeld, simulating a lease lost mid-drain.
	failAcquireAfter int

	commitCalls  int
	fetchCalls   int
	acquireCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		source:      make(map[market.PartitionKey][]market.RawExecution),
		watermarks:  make(map[market.PartitionKey]int64),
		dest:        make(map[destKey][]interface{}),
		leases:      make(map[market.PartitionKey]string),
		extendFetch: true,
	}
}

func (f *fakeStore) Fetch(_ context.Context, partition market.PartitionKey, afterSeq int64, maxRows int) ([]market.RawExecution, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, false, f.fetchErr
	}

	var out []market.RawExecution
	aligned := true
	for _, row := range f.source[partition] {
		if row.Seq <= afterSeq {
			continue
		}
		if len(out) >= maxRows {
			if f.extendFetch && row.TradedAt.Equal(out[len(out)-1].TradedAt) {
				out = append(out, row)
				continue
			}
			if !f.extendFetch {
				// Truncated without extension: the tail group may be split.
				aligned = false
			}
			break
		}
		out = append(out, row)
	}
	return out, aligned, nil
}

func (f *fakeStore) Get(_ context.Context, partition market.PartitionKey) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watermarks[partition], nil
}

func (f *fakeStore) CommitBatch(_ context.Context, payload *encode.Payload, maxSeq int64) (storage.CommitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.commitCalls++

	if f.commitErr != nil {
		err := f.commitErr
		f.commitErr = nil
		if f.commitLandsAnyway {
			f.apply(payload, maxSeq)
		}
		return storage.CommitResult{}, err
	}

	if maxSeq <= f.watermarks[payload.Partition] {
		return storage.CommitResult{AlreadyCommitted: true}, nil
	}

	for _, record := range payload.Records {
		key := destKey{payload.Partition, record[2].(string), record[3].(string)}
		if _, exists := f.dest[key]; exists {
			if f.watermarks[payload.Partition] >= maxSeq {
				return storage.CommitResult{AlreadyCommitted: true}, nil
			}
			return storage.CommitResult{}, fmt.Errorf(
				"duplicate key %v with watermark at %d, batch max %d: %w",
				key, f.watermarks[payload.Partition], maxSeq, storage.ErrConsistency)
		}
	}

	f.apply(payload, maxSeq)
	return storage.CommitResult{RowsLoaded: int64(payload.RowCount)}, nil
}

// apply loads the payload and advances the watermark. Callers hold f.mu.
func (f *fakeStore) apply(payload *encode.Payload, maxSeq int64) {
	for _, record := range payload.Records {
		key := destKey{payload.Partition, record[2].(string), record[3].(string)}
		f.dest[key] = record
	}
	f.watermarks[payload.Partition] = maxSeq
}

func (f *fakeStore) Acquire(_ context.Context, partition market.PartitionKey, token string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquireCalls++
	if f.failAcquireAfter > 0 && f.acquireCalls > f.failAcquireAfter {
		return storage.ErrLeaseHeld
	}
	if owner, held := f.leases[partition]; held && owner != token {
		return storage.ErrLeaseHeld
	}
	f.leases[partition] = token
	return nil
}

func (f *fakeStore) Release(_ context.Context, partition market.PartitionKey, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.leases[partition] == token {
		delete(f.leases, partition)
	}
	return nil
}

func (f *fakeStore) destRows(partition market.PartitionKey) [][]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]interface{}
	for key, record := range f.dest {
		if key.partition == partition {
			out = append(out, record)
		}
	}
	return out
}

func (f *fakeStore) stores() Stores {
	return Stores{Reader: f, Marks: f, Committer: f, Leases: f}
}
