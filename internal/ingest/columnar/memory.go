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

package columnar

import (
	"context"
	"errors"
	"sync"

	"logflow/pkg/record"
)

// MemoryStore is an in-process core.ColumnarStore for use in tests. FailNext
// lets a test simulate one or more commit failures to exercise C6's
// dead-letter path.
type MemoryStore struct {
	mu       sync.Mutex
	rows     []record.Normalized
	FailNext int
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Insert(_ context.Context, records []record.Normalized) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNext > 0 {
		s.FailNext--
		return errors.New("columnar: simulated commit failure")
	}
	s.rows = append(s.rows, records...)
	return nil
}

func (s *MemoryStore) Rows() []record.Normalized {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]record.Normalized, len(s.rows))
	copy(out, s.rows)
	return out
}
