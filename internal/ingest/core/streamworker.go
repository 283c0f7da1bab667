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

// This file implements the stream processor worker (C6): it claims a
// dedicated partition of the replayable stream as a named consumer, buffers
// entries until a size or time threshold, commits the buffer to the
// columnar store, and only then acknowledges the stream entries. The
// buffer/commit/ack cadence and the final-flush-on-stop behavior are
// adapted from the teacher's Worker.commitLoop/runFinalFlush
// (internal/ratelimiter/core/worker.go); the startup recovery sequence
// (self-pending first, then abandoned-entry claim, then steady state) has
// no teacher analog and is built directly from the replayable-stream
// consumer-group contract the spec lays out.
package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"logflow/pkg/record"
)

// StreamEntry is one row read back off the replayable stream, carrying
// enough to ack or dead-letter it individually.
type StreamEntry struct {
	ID        string
	Record    record.Normalized
	Raw       []byte // original encoded payload, preserved for the dead-letter sink on a failed commit
	Malformed bool
}

// ReplayableStream is the capability C6 consumes from the stream package:
// a consumer-group view over the replayable log.
type ReplayableStream interface {
	EnsureGroup(ctx context.Context, group string) error
	ReadSelfPending(ctx context.Context, group, consumer string, count int64) ([]StreamEntry, error)
	ClaimAbandoned(ctx context.Context, group, consumer string, minIdle time.Duration, count int64) ([]StreamEntry, error)
	ReadNew(ctx context.Context, group, consumer string, count int64, block time.Duration) ([]StreamEntry, error)
	Ack(ctx context.Context, group string, ids ...string) error
}

// ColumnarStore is the capability C6 commits buffered batches to.
type ColumnarStore interface {
	Insert(ctx context.Context, records []record.Normalized) error
}

// DeadLetterBatch is one dead-letter item per spec.md §3: the whole set of
// stream entries a commit attempt failed on, plus enough metadata for an
// operator to decide final disposition. Entries in a DeadLetterBatch are
// never acked by the worker that builds it — the stream remains the
// authoritative record of what is still outstanding.
type DeadLetterBatch struct {
	Entries         []StreamEntry
	Error           string
	Attempt         int
	FirstSeen       time.Time
	SourceComponent string
}

// DeadLetterSink receives batches that failed a columnar commit, for
// out-of-band operator-driven retry.
type DeadLetterSink interface {
	Put(ctx context.Context, batch DeadLetterBatch) error
}

// WorkerState is C6's lifecycle state machine.
type WorkerState int32

const (
	StateInit WorkerState = iota
	StateRecoveringSelfPending
	StateRecoveringAbandonedClaim
	StateRunning
	StateDraining
	StateStopped
)

func (s WorkerState) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateRecoveringSelfPending:
		return "RecoveringSelfPending"
	case StateRecoveringAbandonedClaim:
		return "RecoveringAbandonedClaim"
	case StateRunning:
		return "Running"
	case StateDraining:
		return "Draining"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// StreamWorker implements C6: one consumer within the shared consumer
// group, responsible for a disjoint slice of the stream's traffic by
// virtue of the group's own delivery fan-out.
type StreamWorker struct {
	id       string
	consumer string
	stream   ReplayableStream
	columnar ColumnarStore
	dlq      DeadLetterSink
	cfg      *ConfigHolder

	state atomic.Int32

	buf        []record.Normalized
	bufEntries []StreamEntry
	bufMu      sync.Mutex
	lastFlush  time.Time

	attempts map[string]int // entry ID -> commit attempt count, reset on success

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once

	stats streamWorkerStats
}

type streamWorkerStats struct {
	mu           sync.Mutex
	committed    int64
	acked        int64
	deadLettered int64
	commitFails  int64
}

// NewStreamWorker constructs one C6 worker. id distinguishes this worker
// among its siblings (spec.md's STREAM_PROCESSORS count) for logging and
// consumer naming.
func NewStreamWorker(id int, stream ReplayableStream, columnar ColumnarStore, dlq DeadLetterSink, cfg *ConfigHolder) *StreamWorker {
	return &StreamWorker{
		id:        fmt.Sprintf("worker-%d", id),
		consumer:  fmt.Sprintf("logflow-consumer-%d", id),
		stream:    stream,
		columnar:  columnar,
		dlq:       dlq,
		cfg:       cfg,
		attempts:  make(map[string]int),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		lastFlush: time.Now(),
	}
}

func (w *StreamWorker) State() WorkerState { return WorkerState(w.state.Load()) }

func (w *StreamWorker) setState(s WorkerState) { w.state.Store(int32(s)) }

// Start recovers any work left over from a previous incarnation of this
// consumer (or an abandoned sibling), then enters steady-state polling.
// Start returns once recovery completes; steady state runs in the
// background until Stop is called.
func (w *StreamWorker) Start(ctx context.Context) error {
	w.setState(StateInit)
	cfg := w.cfg.Get()

	if err := w.stream.EnsureGroup(ctx, cfg.ConsumerGroup); err != nil {
		return NewError(KindStorageUnavailable, "streamworker.Start", err)
	}

	w.setState(StateRecoveringSelfPending)
	if err := w.recoverSelfPending(ctx, cfg); err != nil {
		return err
	}

	w.setState(StateRecoveringAbandonedClaim)
	if err := w.recoverAbandoned(ctx, cfg); err != nil {
		return err
	}

	w.setState(StateRunning)
	go w.run(cfg)
	return nil
}

// recoverSelfPending re-reads this consumer's own pending entries from a
// prior crash (they were delivered but never acked) before touching
// anyone else's work, per the stream worker's startup-recovery contract.
func (w *StreamWorker) recoverSelfPending(ctx context.Context, cfg Config) error {
	entries, err := w.stream.ReadSelfPending(ctx, cfg.ConsumerGroup, w.consumer, cfg.StreamReadBatch)
	if err != nil {
		return NewError(KindStorageUnavailable, "streamworker.recoverSelfPending", err)
	}
	w.ingestEntries(entries)
	return nil
}

// recoverAbandoned claims entries whose original consumer has gone silent
// for longer than ClaimMinIdle, redistributing crashed peers' work.
func (w *StreamWorker) recoverAbandoned(ctx context.Context, cfg Config) error {
	entries, err := w.stream.ClaimAbandoned(ctx, cfg.ConsumerGroup, w.consumer, cfg.ClaimMinIdle, cfg.StreamReadBatch)
	if err != nil {
		return NewError(KindStorageUnavailable, "streamworker.recoverAbandoned", err)
	}
	w.ingestEntries(entries)
	return nil
}

// run is the steady-state loop: read new entries, buffer them, and flush
// the buffer on size or time threshold. Polling (rather than a long block)
// lets the loop notice stopCh promptly, mirroring commitLoop's ticker
// select over stopCh. A second, much slower ticker re-runs the abandoned
// claim so entries stranded by a crashed sibling are adopted by a live
// worker, not only by whichever process happens to restart next.
func (w *StreamWorker) run(cfg Config) {
	defer close(w.doneCh)
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	claimTicker := time.NewTicker(cfg.ClaimMinIdle)
	defer claimTicker.Stop()

	for {
		select {
		case <-w.stopCh:
			w.setState(StateDraining)
			w.flush(context.Background())
			w.setState(StateStopped)
			return
		case <-claimTicker.C:
			w.claimOnce(cfg)
		case <-ticker.C:
			w.pollOnce(cfg)
			if w.shouldFlushOnTime(cfg) {
				w.flush(context.Background())
			}
		}
	}
}

// claimOnce adopts entries whose owning consumer has been idle past
// ClaimMinIdle, feeding them through the same buffer as fresh reads.
func (w *StreamWorker) claimOnce(cfg Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entries, err := w.stream.ClaimAbandoned(ctx, cfg.ConsumerGroup, w.consumer, cfg.ClaimMinIdle, cfg.StreamReadBatch)
	if err != nil || len(entries) == 0 {
		return
	}
	w.ingestEntries(entries)
	if w.bufferLen() >= cfg.BufferMaxBatchSize {
		w.flush(context.Background())
	}
}

func (w *StreamWorker) pollOnce(cfg Config) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.PollInterval*10)
	defer cancel()
	entries, err := w.stream.ReadNew(ctx, cfg.ConsumerGroup, w.consumer, cfg.StreamReadBatch, cfg.PollInterval)
	if err != nil {
		return
	}
	if len(entries) == 0 {
		return
	}
	w.ingestEntries(entries)
	if w.bufferLen() >= cfg.BufferMaxBatchSize {
		w.flush(context.Background())
	}
}

func (w *StreamWorker) bufferLen() int {
	w.bufMu.Lock()
	defer w.bufMu.Unlock()
	return len(w.buf)
}

func (w *StreamWorker) shouldFlushOnTime(cfg Config) bool {
	w.bufMu.Lock()
	defer w.bufMu.Unlock()
	return len(w.buf) > 0 && time.Since(w.lastFlush) >= cfg.BufferMaxWaitTime
}

// ingestEntries appends freshly read or recovered entries to the buffer.
// Structurally unreadable entries are acked and dropped immediately — they
// can never be committed and must not block the partition, per the
// malformed-entry edge case.
func (w *StreamWorker) ingestEntries(entries []StreamEntry) {
	w.bufMu.Lock()
	defer w.bufMu.Unlock()
	for _, e := range entries {
		if e.Malformed {
			go func(id string) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = w.stream.Ack(ctx, w.cfg.Get().ConsumerGroup, id)
			}(e.ID)
			continue
		}
		w.buf = append(w.buf, e.Record)
		w.bufEntries = append(w.bufEntries, e)
	}
}

// flush drains the buffer, inserts it into the columnar store, and acks
// the stream entries only after the insert succeeds (spec.md §4.6 commit
// phase, steps 2–4). On insert failure the whole batch is handed to the
// dead-letter sink as one item — with an attempt counter reflecting how
// many times entries carrying these IDs have failed before — but nothing
// is acked: the stream still considers the ids pending, so a future claim
// (by this worker or a sibling, after ClaimMinIdle) redelivers them. A
// failed dead-letter write does not change that; it is still logged via
// the commitFails counter.
func (w *StreamWorker) flush(ctx context.Context) {
	w.bufMu.Lock()
	if len(w.buf) == 0 {
		w.bufMu.Unlock()
		return
	}
	records := w.buf
	entries := w.bufEntries
	w.buf = nil
	w.bufEntries = nil
	w.lastFlush = time.Now()
	w.bufMu.Unlock()

	cfg := w.cfg.Get()
	insertCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := w.columnar.Insert(insertCtx, records)
	cancel()

	if err == nil {
		ids := make([]string, len(entries))
		for i, e := range entries {
			ids[i] = e.ID
			delete(w.attempts, e.ID)
		}
		ackCtx, ackCancel := context.WithTimeout(ctx, 10*time.Second)
		if ackErr := w.stream.Ack(ackCtx, cfg.ConsumerGroup, ids...); ackErr != nil {
			// Commit already happened; a failed ack only risks a harmless
			// re-delivery later. Log-and-continue rather than retry here.
			w.stats.mu.Lock()
			w.stats.commitFails++
			w.stats.mu.Unlock()
		}
		ackCancel()
		w.stats.mu.Lock()
		w.stats.committed += int64(len(records))
		w.stats.acked += int64(len(ids))
		w.stats.mu.Unlock()
		return
	}

	w.stats.mu.Lock()
	w.stats.commitFails++
	w.stats.mu.Unlock()

	attempt := 0
	for _, e := range entries {
		if a := w.attempts[e.ID]; a > attempt {
			attempt = a
		}
		w.attempts[e.ID]++
	}

	if w.dlq != nil {
		dlqCtx, dlqCancel := context.WithTimeout(ctx, 10*time.Second)
		putErr := w.dlq.Put(dlqCtx, DeadLetterBatch{
			Entries:         entries,
			Error:           err.Error(),
			Attempt:         attempt,
			FirstSeen:       time.Now(),
			SourceComponent: w.id,
		})
		dlqCancel()
		if putErr != nil {
			w.stats.mu.Lock()
			w.stats.commitFails++
			w.stats.mu.Unlock()
		}
		w.stats.mu.Lock()
		w.stats.deadLettered += int64(len(entries))
		w.stats.mu.Unlock()
	}
	// entries are intentionally left un-acked; they remain pending in the
	// stream and will be re-claimed once ClaimMinIdle elapses.
}

// StreamWorkerStats is C9's pure snapshot hook for one stream worker.
type StreamWorkerStats struct {
	Committed    int64
	Acked        int64
	DeadLettered int64
	CommitFails  int64
	State        string
}

func (w *StreamWorker) Stats() StreamWorkerStats {
	w.stats.mu.Lock()
	defer w.stats.mu.Unlock()
	return StreamWorkerStats{
		Committed:    w.stats.committed,
		Acked:        w.stats.acked,
		DeadLettered: w.stats.deadLettered,
		CommitFails:  w.stats.commitFails,
		State:        w.State().String(),
	}
}

// Stop drains the current buffer with one final flush and waits for the
// run loop to exit, mirroring commitLoop's final-flush-then-return.
func (w *StreamWorker) Stop() {
	w.once.Do(func() {
		close(w.stopCh)
		<-w.doneCh
	})
}
