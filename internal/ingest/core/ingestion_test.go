// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"logflow/pkg/record"
)

type fakeAppender struct {
	mu       sync.Mutex
	appended []record.Normalized
	failWith error
}

func (f *fakeAppender) Append(_ context.Context, records []record.Normalized) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.appended = append(f.appended, records...)
	return nil
}

func TestIngestionService_ValidAndInvalidMixed(t *testing.T) {
	appender := &fakeAppender{}
	cfg := DefaultConfig()
	cfg.WorkerValidationDisabled = true
	svc := NewIngestionService(nil, appender, nil, NewConfigHolder(cfg))

	raws := []record.Raw{validRaw(), {AppID: "", Message: "m", Level: "INFO", Source: "s"}, validRaw()}
	results := svc.ProcessBatch([]CallerRange{{Start: 0, End: 3}}, raws)

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Accepted != 2 || results[0].Rejected != 1 {
		t.Fatalf("expected 2 accepted/1 rejected, got %+v", results[0])
	}
	if len(appender.appended) != 2 {
		t.Fatalf("expected 2 records appended, got %d", len(appender.appended))
	}
}

func TestIngestionService_SplitsAcrossCallers(t *testing.T) {
	appender := &fakeAppender{}
	cfg := DefaultConfig()
	cfg.WorkerValidationDisabled = true
	svc := NewIngestionService(nil, appender, nil, NewConfigHolder(cfg))

	raws := []record.Raw{
		validRaw(), // caller A, index 0: ok
		{AppID: "", Message: "m", Level: "INFO", Source: "s"}, // caller A, index 1: bad
		validRaw(), // caller B, index 2: ok
	}
	results := svc.ProcessBatch([]CallerRange{{Start: 0, End: 2}, {Start: 2, End: 3}}, raws)

	if results[0].Accepted != 1 || results[0].Rejected != 1 {
		t.Fatalf("caller A: expected 1/1, got %+v", results[0])
	}
	if len(results[0].Errors) != 1 || results[0].Errors[0].Index != 1 {
		t.Fatalf("caller A: expected its error reindexed to 1, got %+v", results[0].Errors)
	}
	if results[1].Accepted != 1 || results[1].Rejected != 0 {
		t.Fatalf("caller B: expected 1/0, got %+v", results[1])
	}
}

func TestIngestionService_StreamAppendFailureFailsWholeBatch(t *testing.T) {
	appender := &fakeAppender{failWith: errors.New("boom")}
	cfg := DefaultConfig()
	cfg.WorkerValidationDisabled = true
	svc := NewIngestionService(nil, appender, nil, NewConfigHolder(cfg))

	results := svc.ProcessBatch([]CallerRange{{Start: 0, End: 1}}, []record.Raw{validRaw()})
	if results[0].Err == nil {
		t.Fatalf("expected a StorageUnavailable error")
	}
	var coreErr *Error
	if !errors.As(results[0].Err, &coreErr) || coreErr.Kind != KindStorageUnavailable {
		t.Fatalf("expected KindStorageUnavailable, got %v", results[0].Err)
	}
}

func TestIngestionService_OffloadsLargeBatchesToPool(t *testing.T) {
	appender := &fakeAppender{}
	cfg := DefaultConfig()
	cfg.ValidationSmallBatchThreshold = 2
	pool := NewPool(WorkerPoolOptions{Min: 1, Max: 2, TaskTimeout: time.Second})
	defer pool.Stop()
	svc := NewIngestionService(pool, appender, nil, NewConfigHolder(cfg))

	raws := []record.Raw{validRaw(), validRaw(), validRaw()}
	results := svc.ProcessBatch([]CallerRange{{Start: 0, End: 3}}, raws)
	if results[0].Accepted != 3 {
		t.Fatalf("expected 3 accepted via offload path, got %+v", results[0])
	}
}

// fakeIdempotencyStore is a minimal in-process IdempotencyStore used to
// exercise the reservation contract without pulling in the idempotency
// package's real MemoryStore.
type fakeIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]IngestResult
	pending map[string]chan struct{}
}

func newFakeIdempotencyStore() *fakeIdempotencyStore {
	return &fakeIdempotencyStore{entries: make(map[string]IngestResult), pending: make(map[string]chan struct{})}
}

func (f *fakeIdempotencyStore) Get(_ context.Context, key string) (IngestResult, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.entries[key]
	return v, ok, nil
}

func (f *fakeIdempotencyStore) Reserve(ctx context.Context, key string) (bool, IngestResult, bool, error) {
	f.mu.Lock()
	if v, ok := f.entries[key]; ok {
		f.mu.Unlock()
		return false, v, true, nil
	}
	if ch, inFlight := f.pending[key]; inFlight {
		f.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return false, IngestResult{}, false, ctx.Err()
		}
		f.mu.Lock()
		v, ok := f.entries[key]
		f.mu.Unlock()
		return false, v, ok, nil
	}
	f.pending[key] = make(chan struct{})
	f.mu.Unlock()
	return true, IngestResult{}, false, nil
}

func (f *fakeIdempotencyStore) Finalize(_ context.Context, key string, value IngestResult, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = value
	if ch, ok := f.pending[key]; ok {
		close(ch)
		delete(f.pending, key)
	}
	return nil
}

func (f *fakeIdempotencyStore) Release(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.pending[key]; ok {
		close(ch)
		delete(f.pending, key)
	}
	return nil
}

func TestIngestionService_IdempotencyShortCircuitsDuplicates(t *testing.T) {
	appender := &fakeAppender{}
	store := newFakeIdempotencyStore()
	cfg := DefaultConfig()
	cfg.WorkerValidationDisabled = true
	svc := NewIngestionService(nil, appender, store, NewConfigHolder(cfg))

	raws := []record.Raw{validRaw()}
	first := svc.ProcessBatch([]CallerRange{{Start: 0, End: 1, IdempotencyKey: "req-1"}}, raws)
	if first[0].Accepted != 1 {
		t.Fatalf("expected first call to process normally, got %+v", first[0])
	}
	if len(appender.appended) != 1 {
		t.Fatalf("expected exactly one append after the first call, got %d", len(appender.appended))
	}

	second := svc.ProcessBatch([]CallerRange{{Start: 0, End: 1, IdempotencyKey: "req-1"}}, raws)
	if second[0].Accepted != 1 {
		t.Fatalf("expected cached result to report the original outcome, got %+v", second[0])
	}
	if len(appender.appended) != 1 {
		t.Fatalf("expected the retry to be short-circuited without a second append, got %d total appends", len(appender.appended))
	}
}

// TestIngestionService_SameKeyWithinOneBatchAppendsOnce covers the retry
// that lands in the same flush window as its original: two callers sharing
// one idempotency key inside a single coalesced batch. Only the first may
// touch the stream, the second must resolve to the first's result, and the
// call must not stall waiting for a Finalize this same goroutine hasn't
// issued yet.
func TestIngestionService_SameKeyWithinOneBatchAppendsOnce(t *testing.T) {
	appender := &fakeAppender{}
	store := newFakeIdempotencyStore()
	cfg := DefaultConfig()
	cfg.WorkerValidationDisabled = true
	svc := NewIngestionService(nil, appender, store, NewConfigHolder(cfg))

	raws := []record.Raw{validRaw(), validRaw()}
	start := time.Now()
	results := svc.ProcessBatch([]CallerRange{
		{Start: 0, End: 1, IdempotencyKey: "shared"},
		{Start: 1, End: 2, IdempotencyKey: "shared"},
	}, raws)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("same-key callers in one batch stalled ProcessBatch for %v", elapsed)
	}

	if len(appender.appended) != 1 {
		t.Fatalf("expected exactly one append for two same-key callers in one batch, got %d", len(appender.appended))
	}
	if results[0].Accepted != 1 || results[0].Err != nil {
		t.Fatalf("expected the first caller to process normally, got %+v", results[0])
	}
	if results[1].Accepted != results[0].Accepted || results[1].Rejected != results[0].Rejected || results[1].Err != nil {
		t.Fatalf("expected the duplicate caller to mirror the first caller's result, got %+v vs %+v", results[1], results[0])
	}
}

// TestIngestionService_ConcurrentSameKeyAppendsOnce exercises spec.md §8.3
// ("used twice concurrently with the same payload: exactly one of the two
// calls triggers a stream append") for two genuinely concurrent
// ProcessBatch calls sharing an idempotency key — the scenario the old
// Get-at-start/Set-at-end sequencing let race into a double append.
func TestIngestionService_ConcurrentSameKeyAppendsOnce(t *testing.T) {
	appender := &fakeAppender{}
	store := newFakeIdempotencyStore()
	cfg := DefaultConfig()
	cfg.WorkerValidationDisabled = true
	svc := NewIngestionService(nil, appender, store, NewConfigHolder(cfg))

	raws := []record.Raw{validRaw()}
	var wg sync.WaitGroup
	results := make([]IngestResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out := svc.ProcessBatch([]CallerRange{{Start: 0, End: 1, IdempotencyKey: "concurrent-key"}}, raws)
			results[i] = out[0]
		}(i)
	}
	wg.Wait()

	if len(appender.appended) != 1 {
		t.Fatalf("expected exactly one stream append across both concurrent calls, got %d", len(appender.appended))
	}
	if results[0].Accepted != 1 || results[1].Accepted != 1 {
		t.Fatalf("expected both concurrent calls to report accepted=1, got %+v and %+v", results[0], results[1])
	}
}
