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

// Package dlq implements the dead-letter queue's on-disk sink: an
// append-only, LZ4-compressed JSONL log of batches whose columnar commit
// failed in the stream processor worker, for an out-of-band
// operator-driven retry.
// The file layout (buffered writer over an append-only os.File, periodic
// flush rather than flush-per-write) follows the teacher's
// internal/sinks.VEnvFileSink; compression is layered on with pierrec/lz4
// (the same codec the columnar client compresses its inserts with) since
// dead-letter volume is expected to be bursty and operators keep these
// segments around for a retry window.
package dlq

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/pierrec/lz4/v4"

	"logflow/internal/ingest/core"
)

// deadLetterRecord is the on-disk shape of one dead-lettered batch, per
// spec.md §3's dead-letter item: {records, error-snapshot,
// metadata{attempt, first-seen, last-error, source-component}}.
type deadLetterRecord struct {
	StreamIDs []string  `json:"stream_ids"`
	Records   []string  `json:"records"` // raw per-entry payloads, JSON-encoded already
	LastError string    `json:"last_error"`
	Attempt   int       `json:"attempt"`
	FirstSeen time.Time `json:"first_seen"`
	Source    string    `json:"source_component"`
}

// FileSink implements core.RawSink by appending each dead-lettered batch,
// as one JSON line, to a single LZ4-compressed JSONL file. The file is
// never rotated.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	lz   *lz4.Writer
	w    *bufio.Writer
	path string

	lastFlush time.Time
}

func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, core.NewError(core.KindStorageUnavailable, "dlq.NewFileSink", err)
	}
	lz := lz4.NewWriter(f)
	return &FileSink{
		f:         f,
		lz:        lz,
		w:         bufio.NewWriterSize(lz, 1<<20),
		path:      path,
		lastFlush: time.Now(),
	}, nil
}

// Write satisfies core.RawSink: it appends one JSON line per dead-lettered
// batch, preserving every entry's stream id and raw payload so an
// out-of-band retry worker can re-submit them without re-reading the
// stream.
func (s *FileSink) Write(_ context.Context, batch core.DeadLetterBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(batch.Entries))
	payloads := make([]string, len(batch.Entries))
	for i, e := range batch.Entries {
		ids[i] = e.ID
		payloads[i] = string(e.Raw)
	}
	rec := deadLetterRecord{
		StreamIDs: ids,
		Records:   payloads,
		LastError: batch.Error,
		Attempt:   batch.Attempt,
		FirstSeen: batch.FirstSeen,
		Source:    batch.SourceComponent,
	}
	enc := json.NewEncoder(s.w)
	if err := enc.Encode(&rec); err != nil {
		return core.NewError(core.KindStorageUnavailable, "dlq.Write", err)
	}
	if time.Since(s.lastFlush) > 100*time.Millisecond {
		_ = s.w.Flush()
		_ = s.lz.Flush()
		s.lastFlush = time.Now()
	}
	return nil
}

func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.lz.Flush()
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.w.Flush()
	_ = s.lz.Close()
	return s.f.Close()
}
