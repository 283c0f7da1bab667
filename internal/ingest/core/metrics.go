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

// This file implements the metrics/stats composition (C9): a pure
// function over the other components' own snapshot methods. It performs
// no I/O of its own — the telemetry package is what turns this snapshot
// into Prometheus series.
package core

// Snapshot is the composed, point-in-time view of the whole pipeline.
type Snapshot struct {
	Coalescer   CoalescerStats
	Ingestion   IngestionStats
	Workers     []StreamWorkerStats
	DeadLetter  DeadLetterStats
	PoolWorkers int
}

// Snapshotter composes each component's own pure snapshot hook. It holds
// references, not locks — every field it reads already guards itself.
type Snapshotter struct {
	coalescer *Coalescer
	ingestion *IngestionService
	workers   []*StreamWorker
	dlq       *DeadLetterQueue
	pool      *Pool
}

func NewSnapshotter(coalescer *Coalescer, ingestion *IngestionService, workers []*StreamWorker, dlq *DeadLetterQueue, pool *Pool) *Snapshotter {
	return &Snapshotter{coalescer: coalescer, ingestion: ingestion, workers: workers, dlq: dlq, pool: pool}
}

func (s *Snapshotter) Snapshot() Snapshot {
	workerStats := make([]StreamWorkerStats, len(s.workers))
	for i, w := range s.workers {
		workerStats[i] = w.Stats()
	}
	snap := Snapshot{Workers: workerStats}
	if s.coalescer != nil {
		snap.Coalescer = s.coalescer.Stats()
	}
	if s.ingestion != nil {
		snap.Ingestion = s.ingestion.Stats()
	}
	if s.dlq != nil {
		snap.DeadLetter = s.dlq.Stats()
	}
	if s.pool != nil {
		snap.PoolWorkers = s.pool.Workers()
	}
	return snap
}
