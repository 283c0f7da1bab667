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

package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"logflow/internal/ingest/core"
	"logflow/pkg/record"
)

type memoryEntry struct {
	entry   core.StreamEntry
	owner   string
	deliver time.Time
	acked   bool
}

// MemoryStream is an in-process core.ReplayableStream/core.StreamAppender
// for use in tests: it models consumer-group semantics (new vs. pending vs.
// abandoned) without a network dependency.
type MemoryStream struct {
	mu      sync.Mutex
	entries []*memoryEntry
	nextID  int64
	groups  map[string]bool
}

func NewMemoryStream() *MemoryStream {
	return &MemoryStream{groups: make(map[string]bool)}
}

func (m *MemoryStream) Append(_ context.Context, records []record.Normalized) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.nextID++
		id := fmt.Sprintf("%d-0", m.nextID)
		m.entries = append(m.entries, &memoryEntry{entry: core.StreamEntry{ID: id, Record: r}})
	}
	return nil
}

func (m *MemoryStream) EnsureGroup(_ context.Context, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[group] = true
	return nil
}

func (m *MemoryStream) ReadSelfPending(_ context.Context, _, consumer string, count int64) ([]core.StreamEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.StreamEntry
	for _, e := range m.entries {
		if int64(len(out)) >= count {
			break
		}
		if e.owner == consumer && !e.acked {
			out = append(out, e.entry)
		}
	}
	return out, nil
}

func (m *MemoryStream) ClaimAbandoned(_ context.Context, _, consumer string, minIdle time.Duration, count int64) ([]core.StreamEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.StreamEntry
	now := time.Now()
	for _, e := range m.entries {
		if int64(len(out)) >= count {
			break
		}
		if e.owner != "" && e.owner != consumer && !e.acked && now.Sub(e.deliver) >= minIdle {
			e.owner = consumer
			e.deliver = now
			out = append(out, e.entry)
		}
	}
	return out, nil
}

func (m *MemoryStream) ReadNew(_ context.Context, _, consumer string, count int64, _ time.Duration) ([]core.StreamEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.StreamEntry
	now := time.Now()
	for _, e := range m.entries {
		if int64(len(out)) >= count {
			break
		}
		if e.owner == "" && !e.acked {
			e.owner = consumer
			e.deliver = now
			out = append(out, e.entry)
		}
	}
	return out, nil
}

func (m *MemoryStream) Ack(_ context.Context, _ string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, e := range m.entries {
		if want[e.entry.ID] {
			e.acked = true
		}
	}
	return nil
}

// PendingCount reports entries delivered but not yet acked, for tests
// asserting on recovery behavior.
func (m *MemoryStream) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.owner != "" && !e.acked {
			n++
		}
	}
	return n
}
