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

// Package telemetry turns C9's pure Snapshot into Prometheus series. The
// metric set (global counters/gauges/histograms registered once via
// prometheus.MustRegister, no unbounded per-key label cardinality) follows
// the teacher's internal/ratelimiter/telemetry/churn package; where that
// package polled VSA-specific counters, Exporter polls
// core.Snapshotter.Snapshot() instead.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"logflow/internal/ingest/core"
)

var (
	recordsCommittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logflow_records_committed_total",
		Help: "Total records committed to the columnar store across all stream workers",
	})
	recordsDeadLetteredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logflow_records_dead_lettered_total",
		Help: "Total records routed to the dead-letter queue",
	})
	commitFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logflow_commit_failures_total",
		Help: "Total failed columnar commit attempts across all stream workers",
	})
	coalescerFlushesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logflow_coalescer_flushes_total",
		Help: "Total coalescer flush events",
	})
	coalescerBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "logflow_coalescer_batch_size",
		Help:    "Distribution of coalesced batch sizes",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
	})
	ingestionBatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logflow_ingestion_batches_total",
		Help: "Total batches processed by the ingestion service",
	})
	ingestionAppendErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logflow_ingestion_append_errors_total",
		Help: "Total stream append failures from the ingestion service",
	})
	poolWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "logflow_worker_pool_workers",
		Help: "Current number of live worker pool goroutines",
	})
	deadLetterQueueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "logflow_dead_letter_queue_length",
		Help: "Total entries ever routed to the dead-letter queue",
	})
)

func init() {
	prometheus.MustRegister(
		recordsCommittedTotal,
		recordsDeadLetteredTotal,
		commitFailuresTotal,
		coalescerFlushesTotal,
		coalescerBatchSize,
		ingestionBatchesTotal,
		ingestionAppendErrorsTotal,
		poolWorkers,
		deadLetterQueueLength,
	)
}

// Exporter periodically samples a core.Snapshotter and republishes it as
// Prometheus series. It never mutates pipeline state.
type Exporter struct {
	snap     *core.Snapshotter
	interval time.Duration
	stopCh   chan struct{}

	lastFlushes    int64
	lastCommitted  int64
	lastDeadLetter int64
	lastFails      int64
	lastBatches    int64
	lastAppendErr  int64
}

func NewExporter(snap *core.Snapshotter, interval time.Duration) *Exporter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Exporter{snap: snap, interval: interval, stopCh: make(chan struct{})}
}

// Handler returns the promhttp handler for mounting at /metrics.
func (e *Exporter) Handler() http.Handler { return promhttp.Handler() }

// Run polls the snapshot on interval until Stop is called. Counters are
// published as monotonic deltas against the snapshot's own cumulative
// totals, since the snapshot itself is recomputed from scratch each call.
func (e *Exporter) Run() {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sample()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Exporter) sample() {
	s := e.snap.Snapshot()

	if d := s.Coalescer.Flushes - e.lastFlushes; d > 0 {
		coalescerFlushesTotal.Add(float64(d))
	}
	e.lastFlushes = s.Coalescer.Flushes
	if s.Coalescer.LastBatch > 0 {
		coalescerBatchSize.Observe(float64(s.Coalescer.LastBatch))
	}

	if d := s.Ingestion.Batches - e.lastBatches; d > 0 {
		ingestionBatchesTotal.Add(float64(d))
	}
	e.lastBatches = s.Ingestion.Batches
	if d := s.Ingestion.AppendErrors - e.lastAppendErr; d > 0 {
		ingestionAppendErrorsTotal.Add(float64(d))
	}
	e.lastAppendErr = s.Ingestion.AppendErrors

	var committed, fails, deadLettered int64
	for _, w := range s.Workers {
		committed += w.Committed
		fails += w.CommitFails
		deadLettered += w.DeadLettered
	}
	if d := committed - e.lastCommitted; d > 0 {
		recordsCommittedTotal.Add(float64(d))
	}
	e.lastCommitted = committed
	if d := fails - e.lastFails; d > 0 {
		commitFailuresTotal.Add(float64(d))
	}
	e.lastFails = fails
	if d := deadLettered - e.lastDeadLetter; d > 0 {
		recordsDeadLetteredTotal.Add(float64(d))
	}
	e.lastDeadLetter = deadLettered

	poolWorkers.Set(float64(s.PoolWorkers))
	deadLetterQueueLength.Set(float64(s.DeadLetter.Total))
}

func (e *Exporter) Stop() { close(e.stopCh) }
