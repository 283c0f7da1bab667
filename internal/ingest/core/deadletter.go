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

// This file implements the retry/dead-letter queue (C7): an append-only
// sink for batches whose columnar commit failed in a stream worker (the
// entries themselves stay pending in the stream), plus the aggregate
// counters C9 exposes. It has no in-process retry timers of its own —
// recovering a dead-lettered entry is an out-of-band operation, not
// something this process schedules itself.
package core

import (
	"context"
	"sync"
	"time"
)

// RawSink is the capability a concrete storage backend (disk, object
// store) provides to the dead-letter queue.
type RawSink interface {
	Write(ctx context.Context, batch DeadLetterBatch) error
}

// DeadLetterQueue implements C7 on top of a RawSink, adding the running
// counters C9 reports.
type DeadLetterQueue struct {
	sink RawSink

	mu       sync.Mutex
	total    int64
	items    int64
	byReason map[string]int64
	lastAt   time.Time
}

func NewDeadLetterQueue(sink RawSink) *DeadLetterQueue {
	return &DeadLetterQueue{sink: sink, byReason: make(map[string]int64)}
}

// Put satisfies core.DeadLetterSink: it writes the batch through the
// backing sink and records it in the running tallies regardless of
// whether the write itself succeeds, since a failed dead-letter write
// still represents records the pipeline is giving up on durably tracking
// beyond the stream's own pending set.
func (q *DeadLetterQueue) Put(ctx context.Context, batch DeadLetterBatch) error {
	err := q.sink.Write(ctx, batch)

	q.mu.Lock()
	q.total += int64(len(batch.Entries))
	q.items++
	q.byReason[batch.Error]++
	q.lastAt = time.Now()
	q.mu.Unlock()

	return err
}

// DeadLetterStats is C9's pure snapshot hook for the dead-letter queue.
// Total is the record count across all dead-lettered batches (spec.md's
// "queueLength"); Items is the number of distinct batches appended.
type DeadLetterStats struct {
	Total    int64
	Items    int64
	ByReason map[string]int64
	LastAt   time.Time
}

func (q *DeadLetterQueue) Stats() DeadLetterStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	byReason := make(map[string]int64, len(q.byReason))
	for k, v := range q.byReason {
		byReason[k] = v
	}
	return DeadLetterStats{Total: q.total, Items: q.items, ByReason: byReason, LastAt: q.lastAt}
}
