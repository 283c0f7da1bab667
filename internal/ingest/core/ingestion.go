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

// This file implements the ingestion service (C5): the component that owns
// the choice between inline and worker-pool validation, appends the
// validated records to the replayable stream, and maps the flat outcome
// back onto each caller's sub-range of the flushed batch. The strategy
// switch on batch size and the "degrade to synchronous on pool exhaustion"
// behavior follow the teacher's internal/ratelimiter/core.Worker, which
// picks its own execution path based on load rather than always delegating.
package core

import (
	"context"
	"time"

	"logflow/pkg/record"
)

// StreamAppender is the capability the ingestion service uses to hand
// validated records to the replayable stream (C6's upstream boundary).
type StreamAppender interface {
	Append(ctx context.Context, records []record.Normalized) error
}

// IdempotencyStore implements C3: an at-most-once response cache keyed by
// the caller-supplied identifier from the inbound ingest() call.
//
// Reserve is the atomic check-and-insert: exactly one concurrent caller for
// a given key gets won=true and is obligated to call Finalize (on success)
// or Release (on failure) for that key. Every other concurrent caller for
// the same key gets won=false and, once the winner finalizes, ok=true with
// the winner's cached result. A loser that gets ok=false instead (the
// winner released the key, or the store stopped waiting for it) is not
// deduplicated: ProcessBatch validates and appends its records on their
// own. A Reserve failure must degrade open (won=true, as
// if nothing were cached) so a transient backend outage never blocks
// ingestion.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (cached IngestResult, ok bool, err error)
	Reserve(ctx context.Context, key string) (won bool, cached IngestResult, ok bool, err error)
	Finalize(ctx context.Context, key string, value IngestResult, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// IngestionService implements C5. It is the BatchProcessor the coalescer
// (C4) dispatches flushed batches to.
type IngestionService struct {
	pool       *Pool
	stream     StreamAppender
	idempotent IdempotencyStore
	cfg        *ConfigHolder

	mu    chan struct{} // 1-buffered mutex-by-channel for stats, avoids importing sync just for one counter set
	stats ingestionStats
}

type ingestionStats struct {
	batches      int64
	inline       int64
	offloaded    int64
	recordsOK    int64
	recordsBad   int64
	appendErrors int64
}

// NewIngestionService wires a worker pool, a stream appender, an
// idempotency store, and a live configuration source into one C5
// instance. idempotent may be nil, in which case no duplicate
// suppression is performed.
func NewIngestionService(pool *Pool, stream StreamAppender, idempotent IdempotencyStore, cfg *ConfigHolder) *IngestionService {
	return &IngestionService{
		pool:       pool,
		stream:     stream,
		idempotent: idempotent,
		cfg:        cfg,
		mu:         make(chan struct{}, 1),
	}
}

// ProcessBatch validates every record in raws, appends the valid ones to
// the stream as a single call, and slices the flat ValidationOutcome back
// into one IngestResult per caller range. It satisfies core.BatchProcessor.
//
// Callers carrying an idempotency key are reserved against C3 first: only
// the caller that wins the atomic reservation for a key proceeds to
// validation and the stream append; every other caller sharing that key —
// whether it arrived in this same coalesced batch or a concurrent
// ProcessBatch call — is resolved from the winner's cached result and
// excluded from validation and the append entirely. That is what keeps a
// retried (or concurrently duplicated) call from producing a second durable
// write: the decision is made before the append, not after it. The
// exception is a caller that loses the reservation but gets no snapshot
// back (see IdempotencyStore); it degrades open and is appended on its own.
//
// Same-key callers landing in the same coalesced batch are deduplicated
// here, before any reservation: only the first caller per key touches the
// store, and the rest are resolved from its final result once it is known.
// Reserving per caller would have the later callers wait on a Finalize
// that this very goroutine cannot issue until the loop exits.
func (s *IngestionService) ProcessBatch(callers []CallerRange, raws []record.Raw) []IngestResult {
	start := time.Now()
	cfg := s.cfg.Get()

	results := make([]IngestResult, len(callers))
	resolved := make([]bool, len(callers)) // final result already known, skip validation/append
	reserved := make([]bool, len(callers)) // this caller won the reservation and owns Finalize/Release
	dupOf := make([]int, len(callers))     // in-batch duplicate of an earlier caller's key, or -1

	for i := range dupOf {
		dupOf[i] = -1
	}

	if s.idempotent != nil {
		firstByKey := make(map[string]int)
		for i, cr := range callers {
			if cr.IdempotencyKey == "" {
				continue
			}
			if j, ok := firstByKey[cr.IdempotencyKey]; ok {
				dupOf[i] = j
				continue
			}
			firstByKey[cr.IdempotencyKey] = i
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		for i, cr := range callers {
			if cr.IdempotencyKey == "" || dupOf[i] >= 0 {
				continue
			}
			won, cached, hit, err := s.idempotent.Reserve(ctx, cr.IdempotencyKey)
			if err != nil {
				// Degrade open: treat as unreserved so ingestion proceeds,
				// same contract as a backend outage anywhere else in C3.
				continue
			}
			if won {
				reserved[i] = true
				continue
			}
			if hit {
				results[i] = cached
				resolved[i] = true
			}
			// Lost the reservation but no snapshot materialized yet (the
			// winner is still mid-flight): degrade open and validate this
			// caller's records on its own rather than blocking.
		}
		cancel()
	}

	// Build the subset of raws that still needs validation: everything not
	// covered by a resolved or in-batch duplicate. freshIdx maps a position
	// in the filtered slice back to its original index in raws.
	fresh := make([]record.Raw, 0, len(raws))
	freshIdx := make([]int, 0, len(raws))
	for i, cr := range callers {
		if resolved[i] || dupOf[i] >= 0 {
			continue
		}
		for idx := cr.Start; idx < cr.End; idx++ {
			fresh = append(fresh, raws[idx])
			freshIdx = append(freshIdx, idx)
		}
	}

	var outcome ValidationOutcome
	var appendErr error
	if len(fresh) > 0 {
		freshOutcome := s.validate(fresh, cfg)
		outcome = remapOutcome(freshOutcome, freshIdx)
		if len(outcome.Valid) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			appendErr = s.stream.Append(ctx, outcome.Valid)
			cancel()
		}
	}

	s.recordStats(len(raws), len(outcome.Valid), len(outcome.Errors), appendErr != nil)

	elapsedMS := time.Since(start).Milliseconds()
	computed := s.splitResults(callers, raws, outcome, appendErr, elapsedMS)

	if s.idempotent != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		for i, cr := range callers {
			if resolved[i] || dupOf[i] >= 0 {
				continue
			}
			results[i] = computed[i]
			if !reserved[i] {
				continue
			}
			if computed[i].Err == nil {
				_ = s.idempotent.Finalize(ctx, cr.IdempotencyKey, computed[i], cfg.IdempotencyTTL)
			} else {
				// Infrastructure failure: release the reservation rather
				// than cache a failure, so a genuine retry of this key can
				// win the reservation again and try the append afresh.
				_ = s.idempotent.Release(ctx, cr.IdempotencyKey)
			}
		}
		cancel()
		// In-batch duplicates resolve to their key's first caller's final
		// result, the same snapshot a cross-batch retry would have read.
		for i, j := range dupOf {
			if j >= 0 {
				results[i] = results[j]
			}
		}
	} else {
		results = computed
	}

	return results
}

// remapOutcome translates a ValidationOutcome computed over a filtered
// subset of records back onto the original batch's index space.
func remapOutcome(sub ValidationOutcome, origIdx []int) ValidationOutcome {
	out := ValidationOutcome{Valid: sub.Valid, Errors: make([]record.PositionalError, len(sub.Errors))}
	for i, e := range sub.Errors {
		out.Errors[i] = record.PositionalError{Index: origIdx[e.Index], Kind: e.Kind, Msg: e.Msg}
	}
	return out
}

// validate picks between inline and worker-pool validation based on batch
// size, per spec.md §6's VALIDATION_SMALL_BATCH_THRESHOLD. A pool rejection
// (overload, worker loss, shutdown) degrades to inline validation rather
// than failing the whole batch outright.
func (s *IngestionService) validate(raws []record.Raw, cfg Config) ValidationOutcome {
	if cfg.WorkerValidationDisabled || len(raws) < cfg.ValidationSmallBatchThreshold || s.pool == nil {
		s.markValidationPath(false)
		return ValidateBatch(raws)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.WorkerTaskTimeout)
	defer cancel()

	outcome, err := s.pool.ExecuteValidate(ctx, func() ValidationOutcome {
		return ValidateBatch(raws)
	})
	if err != nil {
		s.markValidationPath(false)
		return ValidateBatch(raws)
	}
	s.markValidationPath(true)
	return outcome
}

func (s *IngestionService) markValidationPath(offloaded bool) {
	s.mu <- struct{}{}
	defer func() { <-s.mu }()
	if offloaded {
		s.stats.offloaded++
	} else {
		s.stats.inline++
	}
}

// splitResults maps the single flat ValidationOutcome for the whole flushed
// batch back onto each caller's [Start, End) sub-range, per spec.md's
// "Coalesced batch" invariant: a caller only ever learns about records it
// submitted.
func (s *IngestionService) splitResults(callers []CallerRange, raws []record.Raw, outcome ValidationOutcome, appendErr error, elapsedMS int64) []IngestResult {
	// index -> positional error, for O(1) lookup while walking each range.
	errByIndex := make(map[int]record.PositionalError, len(outcome.Errors))
	for _, e := range outcome.Errors {
		errByIndex[e.Index] = e
	}

	results := make([]IngestResult, len(callers))
	for i, cr := range callers {
		r := IngestResult{}
		if appendErr != nil {
			// Stream append failure is the batch-wide error path (spec.md
			// §4.5): every caller in the coalesced batch fails with
			// StorageUnavailable and no records are considered accepted,
			// even ones that individually passed validation.
			r.Err = NewError(KindStorageUnavailable, "ingestion.ProcessBatch", appendErr)
			results[i] = r
			continue
		}
		for idx := cr.Start; idx < cr.End; idx++ {
			if pe, bad := errByIndex[idx]; bad {
				r.Rejected++
				r.Errors = append(r.Errors, ResultError{Index: idx - cr.Start, Error: pe.Error()})
				continue
			}
			r.Accepted++
		}
		r.ProcessingTimeMS = elapsedMS
		if elapsedMS > 0 {
			r.Throughput = float64(r.Accepted) / (float64(elapsedMS) / 1000.0)
		}
		results[i] = r
	}
	return results
}

func (s *IngestionService) recordStats(total, ok, bad int, appendFailed bool) {
	s.mu <- struct{}{}
	defer func() { <-s.mu }()
	s.stats.batches++
	s.stats.recordsOK += int64(ok)
	s.stats.recordsBad += int64(bad)
	if appendFailed {
		s.stats.appendErrors++
	}
}

// IngestionStats is C9's pure snapshot hook for the ingestion service.
type IngestionStats struct {
	Batches      int64
	Inline       int64
	Offloaded    int64
	RecordsOK    int64
	RecordsBad   int64
	AppendErrors int64
}

func (s *IngestionService) Stats() IngestionStats {
	s.mu <- struct{}{}
	defer func() { <-s.mu }()
	return IngestionStats{
		Batches:      s.stats.batches,
		Inline:       s.stats.inline,
		Offloaded:    s.stats.offloaded,
		RecordsOK:    s.stats.recordsOK,
		RecordsBad:   s.stats.recordsBad,
		AppendErrors: s.stats.appendErrors,
	}
}
