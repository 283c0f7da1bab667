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
	"fmt"
	"sync"
	"testing"
	"time"

	"logflow/pkg/record"
)

// fakeStream is a minimal in-process ReplayableStream good enough to drive
// the stream worker's buffer/commit/ack cadence in tests.
type fakeStream struct {
	mu        sync.Mutex
	entries   []StreamEntry
	offset    int
	acked     map[string]bool
	abandoned []StreamEntry // handed out by the next ClaimAbandoned call
}

func newFakeStream(n int) *fakeStream {
	entries := make([]StreamEntry, n)
	for i := range entries {
		entries[i] = StreamEntry{ID: fmt.Sprintf("%d-0", i+1), Record: record.Normalized{AppID: "a", Message: "m"}}
	}
	return &fakeStream{entries: entries, acked: make(map[string]bool)}
}

func (s *fakeStream) EnsureGroup(context.Context, string) error { return nil }
func (s *fakeStream) ReadSelfPending(context.Context, string, string, int64) ([]StreamEntry, error) {
	return nil, nil
}
func (s *fakeStream) ClaimAbandoned(context.Context, string, string, time.Duration, int64) ([]StreamEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.abandoned
	s.abandoned = nil
	return out, nil
}

func (s *fakeStream) abandon(entries []StreamEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandoned = append(s.abandoned, entries...)
}

func (s *fakeStream) ReadNew(_ context.Context, _, _ string, count int64, _ time.Duration) ([]StreamEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offset >= len(s.entries) {
		return nil, nil
	}
	end := s.offset + int(count)
	if end > len(s.entries) {
		end = len(s.entries)
	}
	out := s.entries[s.offset:end]
	s.offset = end
	return out, nil
}

func (s *fakeStream) Ack(_ context.Context, _ string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.acked[id] = true
	}
	return nil
}

func (s *fakeStream) ackedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acked)
}

type fakeColumnar struct {
	mu        sync.Mutex
	committed []record.Normalized
	failNext  int
}

func (c *fakeColumnar) Insert(_ context.Context, records []record.Normalized) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext > 0 {
		c.failNext--
		return errors.New("simulated commit failure")
	}
	c.committed = append(c.committed, records...)
	return nil
}

func (c *fakeColumnar) committedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.committed)
}

type fakeDeadLetter struct {
	mu    sync.Mutex
	items []DeadLetterBatch
}

func (d *fakeDeadLetter) Put(_ context.Context, batch DeadLetterBatch) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = append(d.items, batch)
	return nil
}

func (d *fakeDeadLetter) batches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

func (d *fakeDeadLetter) item(i int) DeadLetterBatch {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.items[i]
}

func (d *fakeDeadLetter) recordCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, b := range d.items {
		n += len(b.Entries)
	}
	return n
}

func testConfigHolder(mutate func(*Config)) *ConfigHolder {
	cfg := DefaultConfig()
	cfg.PollInterval = 2 * time.Millisecond
	cfg.BufferMaxWaitTime = 20 * time.Millisecond
	cfg.BufferMaxBatchSize = 5
	cfg.DeadLetterMaxRetries = 2
	if mutate != nil {
		mutate(&cfg)
	}
	return NewConfigHolder(cfg)
}

func TestStreamWorker_CommitsAndAcksOnSuccess(t *testing.T) {
	stream := newFakeStream(10)
	columnar := &fakeColumnar{}
	worker := NewStreamWorker(0, stream, columnar, nil, testConfigHolder(nil))

	if err := worker.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer worker.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if columnar.committedCount() == 10 && stream.ackedCount() == 10 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := columnar.committedCount(); got != 10 {
		t.Fatalf("expected all 10 records committed, got %d", got)
	}
	if got := stream.ackedCount(); got != 10 {
		t.Fatalf("expected all 10 entries acked, got %d", got)
	}
}

// TestStreamWorker_CommitFailureDeadLettersWithoutAck exercises spec.md §8
// scenario 4: a commit failure dead-letters the whole failed batch as one
// item (with an attempt counter) but never acks it, so the entries remain
// visible for a future claim.
func TestStreamWorker_CommitFailureDeadLettersWithoutAck(t *testing.T) {
	stream := newFakeStream(3)
	columnar := &fakeColumnar{failNext: 100} // every commit fails
	dlq := &fakeDeadLetter{}
	worker := NewStreamWorker(0, stream, columnar, dlq, testConfigHolder(func(c *Config) {
		c.BufferMaxWaitTime = 10 * time.Millisecond
	}))

	if err := worker.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer worker.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if dlq.recordCount() >= 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := dlq.recordCount(); got < 3 {
		t.Fatalf("expected all 3 entries to appear in at least one dead-letter batch, got %d", got)
	}
	if got := stream.ackedCount(); got != 0 {
		t.Fatalf("expected no acks on a commit failure; entries must stay pending for reclaim, got %d acked", got)
	}
	first := dlq.item(0)
	if first.Attempt != 0 {
		t.Fatalf("expected the first dead-letter batch to record attempt=0, got %d", first.Attempt)
	}
	if first.Error == "" {
		t.Fatalf("expected a non-empty error snapshot on the dead-letter batch")
	}
}

func TestStreamWorker_MalformedEntryAckedAndDropped(t *testing.T) {
	stream := newFakeStream(1)
	stream.entries[0].Malformed = true
	columnar := &fakeColumnar{}
	worker := NewStreamWorker(0, stream, columnar, nil, testConfigHolder(nil))

	if err := worker.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer worker.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if stream.ackedCount() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if stream.ackedCount() != 1 {
		t.Fatalf("expected the malformed entry to be acked and dropped")
	}
	if columnar.committedCount() != 0 {
		t.Fatalf("expected the malformed entry never reaches the columnar store")
	}
}

// TestStreamWorker_PeriodicallyClaimsAbandonedEntries covers the steady
// state half of stale-claim recovery: entries stranded by a crashed
// sibling become claimable after the idle threshold and a live worker
// adopts and commits them without being restarted.
func TestStreamWorker_PeriodicallyClaimsAbandonedEntries(t *testing.T) {
	stream := newFakeStream(0)
	columnar := &fakeColumnar{}
	worker := NewStreamWorker(0, stream, columnar, nil, testConfigHolder(func(c *Config) {
		c.ClaimMinIdle = 15 * time.Millisecond
	}))

	if err := worker.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer worker.Stop()

	// Strand two entries after startup recovery has already run, so only
	// the periodic claim tick can pick them up.
	stream.abandon([]StreamEntry{
		{ID: "100-0", Record: record.Normalized{AppID: "a", Message: "stranded-1"}},
		{ID: "101-0", Record: record.Normalized{AppID: "a", Message: "stranded-2"}},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if columnar.committedCount() == 2 && stream.ackedCount() == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := columnar.committedCount(); got != 2 {
		t.Fatalf("expected both stranded entries committed via periodic claim, got %d", got)
	}
	if got := stream.ackedCount(); got != 2 {
		t.Fatalf("expected both stranded entries acked after commit, got %d", got)
	}
}

func TestStreamWorker_StopFlushesRemainder(t *testing.T) {
	stream := newFakeStream(2)
	columnar := &fakeColumnar{}
	worker := NewStreamWorker(0, stream, columnar, nil, testConfigHolder(func(c *Config) {
		c.BufferMaxWaitTime = time.Hour // never flushes on time
		c.BufferMaxBatchSize = 1000     // never flushes on size
	}))

	if err := worker.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond) // let the poll loop buffer both entries
	worker.Stop()

	if got := columnar.committedCount(); got != 2 {
		t.Fatalf("expected Stop to flush the buffered entries, got %d committed", got)
	}
	if worker.State() != StateStopped {
		t.Fatalf("expected final state Stopped, got %v", worker.State())
	}
}
