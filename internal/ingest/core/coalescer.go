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

// This file implements the request coalescer (C4): it merges concurrent
// small ingestion calls into one batch using a double-buffered staging
// area, flushing on size or time, and fans results back out to each caller.
// The shape — a single-owner staging structure guarded by one mutex,
// flushed by a per-window timer or a full buffer, with an on-demand
// ForceFlush and a final-flush Stop — is adapted from the
// teacher's plugin/tfd/SService (time-capped batching, Ingest/TryIngest,
// run loop select over ticker/stopCh) and plugin/tfd/SAccumulator (a
// pre-sized table instead of a growing slice).
package core

import (
	"errors"
	"sync"
	"time"

	"logflow/pkg/record"
)

var (
	errEmptyBatch = errors.New("coalescer: empty batch")
	errNoResult   = errors.New("coalescer: processor returned no result for caller")
)

// IngestResult is the caller-facing outcome of one ingest call, shaped per
// spec.md §6.
type IngestResult struct {
	Accepted         int
	Rejected         int
	Errors           []ResultError
	ProcessingTimeMS int64
	Throughput       float64
	Err              error // non-nil only for infrastructure failures (batch-wide)
}

// ResultError is the caller-facing projection of a record.PositionalError.
type ResultError struct {
	Index int
	Error string
}

// BatchProcessor is the capability the coalescer dispatches flushed batches
// to. The ingestion service (C5) implements this.
type BatchProcessor interface {
	ProcessBatch(callers []CallerRange, raws []record.Raw) []IngestResult
}

// CallerRange identifies one caller's contiguous sub-range of a coalesced
// batch, per spec.md §3's "Coalesced batch" invariant. IdempotencyKey
// carries the caller-supplied key from the original ingest() call, if any.
type CallerRange struct {
	Start, End     int // [Start, End) into the flushed raws slice
	IdempotencyKey string
}

// pendingCall is one in-flight add() waiting on its slice of the active
// buffer to be flushed and resolved.
type pendingCall struct {
	start, count   int
	idempotencyKey string
	result         chan IngestResult
}

// Coalescer implements C4. When Enabled is false, add() bypasses staging
// entirely and calls the processor with a one-element batch, per spec.md's
// "Disabled mode".
//
// Staging is two pre-allocated arrays (buffers[0]/buffers[1], A and B in
// spec.md §4.4's terms) with one active and one idle at any moment.
// activeIdx names the active one; flush swaps it to the idle array under
// the guard, so the array a flush is busy reading is never the array a
// concurrent add() is writing into. Each buffer has its own pendingCall
// slice for the same reason: a flush's fan-out list must never alias the
// next window's fan-out list while the processor call is in flight.
type Coalescer struct {
	proc BatchProcessor
	cfg  CoalescerConfig

	mu         sync.Mutex // guards exactly the staging fields below
	buffers    [2][]record.Raw
	callSlots  [2][]pendingCall
	activeIdx  int
	pending    int
	timer      *time.Timer
	flushing   bool
	flushAgain bool // a flush trigger fired while one was already in progress

	stopCh chan struct{}
	once   sync.Once

	stats coalescerStats
}

type CoalescerConfig struct {
	MaxWaitTime time.Duration
	MaxBatch    int
	Enabled     bool
}

func (c *CoalescerConfig) setDefaults() {
	if c.MaxWaitTime <= 0 {
		c.MaxWaitTime = 10 * time.Millisecond
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 100
	}
}

type coalescerStats struct {
	mu          sync.Mutex
	flushes     int64
	recordsSeen int64
	lastBatch   int
}

// NewCoalescer constructs a coalescer backed by proc. It is ready for add()
// as soon as it is returned; calling Start is not required.
func NewCoalescer(proc BatchProcessor, cfg CoalescerConfig) *Coalescer {
	cfg.setDefaults()
	c := &Coalescer{
		proc:   proc,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
	c.buffers[0] = make([]record.Raw, cfg.MaxBatch)
	c.buffers[1] = make([]record.Raw, cfg.MaxBatch)
	c.callSlots[0] = make([]pendingCall, 0, 64)
	c.callSlots[1] = make([]pendingCall, 0, 64)
	return c
}

// Start is a no-op placeholder kept symmetric with the rest of the core's
// components (Pool, Worker); the coalescer has no background goroutine of
// its own — flush scheduling happens via per-window timers armed in add().
func (c *Coalescer) Start() {}

// Add merges records into the active staging buffer and returns once the
// containing batch has been flushed and this caller's IngestResult is
// known. Record order within this call is preserved in the underlying
// flush, per spec.md's "Ordering" guarantee. idempotencyKey is the
// optional caller-supplied identifier from the inbound ingest() call.
func (c *Coalescer) Add(raws []record.Raw, idempotencyKey string) IngestResult {
	if len(raws) == 0 {
		return IngestResult{Err: NewError(KindValidation, "coalescer.Add", errEmptyBatch)}
	}
	if !c.cfg.Enabled || len(raws) >= c.cfg.MaxBatch {
		// Disabled mode, or a caller-sized batch that already saturates a
		// buffer: bypass staging and dispatch directly (spec.md §8 boundary
		// behavior for len(records) == MAX_BATCH_SIZE arriving as one call).
		results := c.proc.ProcessBatch([]CallerRange{{Start: 0, End: len(raws), IdempotencyKey: idempotencyKey}}, raws)
		if len(results) == 1 {
			return results[0]
		}
		return IngestResult{Err: NewError(KindStorageUnavailable, "coalescer.Add", errNoResult)}
	}

	resultCh := make(chan IngestResult, 1)
	if !c.stage(raws, idempotencyKey, resultCh) {
		// The active buffer can't hold this call; flush it and try the
		// fresh window once before giving up on staging.
		c.flush()
		if !c.stage(raws, idempotencyKey, resultCh) {
			results := c.proc.ProcessBatch([]CallerRange{{Start: 0, End: len(raws), IdempotencyKey: idempotencyKey}}, raws)
			if len(results) == 1 {
				return results[0]
			}
			return IngestResult{Err: NewError(KindStorageUnavailable, "coalescer.Add", errNoResult)}
		}
	}

	select {
	case r := <-resultCh:
		return r
	case <-c.stopCh:
		return IngestResult{Err: NewError(KindShutdown, "coalescer.Add", nil)}
	}
}

// stage writes raws into the active buffer, arming the flush timer on the
// first entry of a fresh window and triggering an immediate flush once the
// buffer fills. The guard is held across the write into the active array
// and the pending-counter update, but never across the call into the
// processor, per spec.md §5's concurrency model.
func (c *Coalescer) stage(raws []record.Raw, idempotencyKey string, resultCh chan IngestResult) bool {
	c.mu.Lock()
	if c.pending+len(raws) > c.cfg.MaxBatch {
		c.mu.Unlock()
		return false
	}
	idx := c.activeIdx
	start := c.pending
	copy(c.buffers[idx][start:], raws)
	c.pending += len(raws)
	c.callSlots[idx] = append(c.callSlots[idx], pendingCall{start: start, count: len(raws), idempotencyKey: idempotencyKey, result: resultCh})

	if start == 0 && c.timer == nil {
		c.timer = time.AfterFunc(c.cfg.MaxWaitTime, c.onTimerFlush)
	}
	full := c.pending >= c.cfg.MaxBatch
	c.mu.Unlock()

	if full {
		c.flush()
	}
	return true
}

func (c *Coalescer) onTimerFlush() { c.flush() }

// ForceFlush triggers an immediate flush of whatever is currently staged,
// per spec.md's forceFlush() contract.
func (c *Coalescer) ForceFlush() { c.flush() }

// flush swaps the active buffer to the idle one (spec.md §4.4's A/B
// pointer swap — "no slice/copy of the active region"), resolves every
// pending caller from the processor's per-caller results, and arms the
// next window's timer once new entries arrive. Only one flush runs at a
// time (c.flushing): entries that arrive for the newly-active buffer while
// this flush's processor call is in flight land in a buffer and a
// pendingCall slice this flush never touches again, so there is no
// aliasing between this window's fan-out and the next one's.
func (c *Coalescer) flush() {
	c.mu.Lock()
	if c.flushing {
		// Remember the trigger so the in-progress flush runs a catch-up
		// pass once it completes; a timer that fires here never re-arms,
		// so dropping the trigger would strand the next window's entries.
		c.flushAgain = true
		c.mu.Unlock()
		return
	}
	if c.pending == 0 {
		c.mu.Unlock()
		return
	}
	c.flushing = true
	idx := c.activeIdx
	n := c.pending
	batch := c.buffers[idx][:n]
	calls := c.callSlots[idx]

	ranges := make([]CallerRange, len(calls))
	for i, pc := range calls {
		ranges[i] = CallerRange{Start: pc.start, End: pc.start + pc.count, IdempotencyKey: pc.idempotencyKey}
	}

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	// Swap: the other buffer becomes active for every add() from here on,
	// so nothing touches batch/calls again until this flush resets them.
	c.activeIdx = 1 - idx
	c.pending = 0
	c.mu.Unlock()

	// The processor call happens outside the guard so concurrent add()
	// calls for the *next* window are never blocked by this window's I/O.
	results := c.proc.ProcessBatch(ranges, batch)

	c.stats.mu.Lock()
	c.stats.flushes++
	c.stats.recordsSeen += int64(len(batch))
	c.stats.lastBatch = len(batch)
	c.stats.mu.Unlock()

	if len(results) != len(calls) {
		// Batch-wide infrastructure error: every caller fails identically.
		err := IngestResult{Err: NewError(KindStorageUnavailable, "coalescer.flush", errNoResult)}
		for _, pc := range calls {
			pc.result <- err
		}
	} else {
		for i, pc := range calls {
			pc.result <- results[i]
		}
	}

	c.mu.Lock()
	c.callSlots[idx] = c.callSlots[idx][:0]
	c.flushing = false
	// The idle buffer may have already filled, or its window's timer
	// fired, while this flush's processor call was in flight; c.flush()
	// only recorded the trigger under the guard above, so catch it up now.
	needsCatchUp := c.flushAgain || c.pending >= c.cfg.MaxBatch
	c.flushAgain = false
	c.mu.Unlock()

	if needsCatchUp {
		c.flush()
	}
}

// Stats is C9's pure snapshot hook for the coalescer.
type CoalescerStats struct {
	Flushes      int64
	RecordsSeen  int64
	LastBatch    int
	AvgBatchSize float64
}

func (c *Coalescer) Stats() CoalescerStats {
	c.stats.mu.Lock()
	defer c.stats.mu.Unlock()
	avg := 0.0
	if c.stats.flushes > 0 {
		avg = float64(c.stats.recordsSeen) / float64(c.stats.flushes)
	}
	return CoalescerStats{
		Flushes:      c.stats.flushes,
		RecordsSeen:  c.stats.recordsSeen,
		LastBatch:    c.stats.lastBatch,
		AvgBatchSize: avg,
	}
}

// Stop flushes any remaining staged records and unblocks any waiting add()
// calls, mirroring SService.Stop's "final flush, then drain."
func (c *Coalescer) Stop() {
	c.once.Do(func() {
		c.flush()
		close(c.stopCh)
	})
}
