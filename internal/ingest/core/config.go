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
	"sync/atomic"
	"time"
)

// Config is the full set of tunables from spec.md §6, grouped by the
// component that consumes them. It is always handed to components by
// value or via an atomic swap (see ConfigHolder) — never mutated in place.
type Config struct {
	// C4 coalescer
	CoalescerMaxWaitTime time.Duration
	CoalescerMaxBatch    int
	CoalescerEnabled     bool

	// C5 ingestion / C1 validation strategy
	ValidationSmallBatchThreshold int
	WorkerValidationDisabled      bool

	// C2 worker pool
	WorkerPoolMin     int
	WorkerPoolMax     int
	WorkerTaskTimeout time.Duration

	// Replayable stream (C5/C6)
	StreamKey       string
	ConsumerGroup   string
	StreamReadBatch int64

	// C6 buffer/commit
	BufferMaxBatchSize   int
	BufferMaxWaitTime    time.Duration
	PollInterval         time.Duration
	ClaimMinIdle         time.Duration
	StreamProcessors     int
	DeadLetterMaxRetries int

	// C3 idempotency
	IdempotencyTTL time.Duration
}

// DefaultConfig mirrors the defaults enumerated in spec.md §6.
func DefaultConfig() Config {
	return Config{
		CoalescerMaxWaitTime:          10 * time.Millisecond,
		CoalescerMaxBatch:             100,
		CoalescerEnabled:              true,
		ValidationSmallBatchThreshold: 50,
		WorkerPoolMin:                 2,
		WorkerPoolMax:                 8,
		WorkerTaskTimeout:             30 * time.Second,
		StreamKey:                     "logflow:records",
		ConsumerGroup:                 "logflow-ingest",
		StreamReadBatch:               2000,
		BufferMaxBatchSize:            100_000,
		BufferMaxWaitTime:             time.Second,
		PollInterval:                  5 * time.Millisecond,
		ClaimMinIdle:                  30 * time.Second,
		StreamProcessors:              3,
		DeadLetterMaxRetries:          3,
		IdempotencyTTL:                24 * time.Hour,
	}
}

// ConfigHolder lets a running component swap its configuration atomically,
// satisfying the "single updateConfig operation... atomically swaps an
// immutable config record" design note without introducing a lock any
// reader needs to contend on.
type ConfigHolder struct {
	ptr atomic.Pointer[Config]
}

func NewConfigHolder(cfg Config) *ConfigHolder {
	h := &ConfigHolder{}
	h.ptr.Store(&cfg)
	return h
}

func (h *ConfigHolder) Get() Config       { return *h.ptr.Load() }
func (h *ConfigHolder) Update(cfg Config) { h.ptr.Store(&cfg) }
