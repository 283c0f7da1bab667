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

// Package idempotency implements the at-most-once response cache (C3) on
// top of Redis. The atomic check-and-insert is a SETNX-then-EXPIRE Lua
// script in the same style as the teacher's RedisPersister
// (internal/ratelimiter/persistence/redis.go): one round trip, no
// separate EXISTS check that would race against a concurrent writer.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"logflow/internal/ingest/core"
)

// reserveScript is the atomic check-and-insert: it SETNXes a pending
// marker for key and, on the losing path, returns whatever is currently
// stored (the marker itself if the winner hasn't finalized yet, or the
// winner's finalized JSON snapshot). One round trip, no separate EXISTS
// check that would race against a concurrent writer.
const reserveScript = `
local key = KEYS[1]
local marker = ARGV[1]
local ttlSeconds = tonumber(ARGV[2])
local set = redis.call('SETNX', key, marker)
if set == 1 then
  if ttlSeconds and ttlSeconds > 0 then
    redis.call('EXPIRE', key, ttlSeconds)
  end
  return {1, ''}
else
  return {0, redis.call('GET', key)}
end
`

// pendingMarker is the placeholder Reserve writes for the reservation
// winner; it is never valid JSON, so a poller can tell it apart from a
// finalized snapshot.
const pendingMarker = "\x00pending"

// reservePollInterval and reservePollAttempts bound how long a losing
// caller waits for the reservation winner (a concurrent, possibly
// different-process, ProcessBatch call) to finalize before degrading open.
const (
	reservePollInterval = 20 * time.Millisecond
	reservePollAttempts = 5
)

// Store implements core.IdempotencyStore against a single Redis endpoint.
type Store struct {
	client  *redis.Client
	prefix  string
	reserve *redis.Script
}

// NewStore wires a Redis client into C3. prefix namespaces keys so the
// idempotency cache can share a Redis instance with other traffic.
func NewStore(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "logflow:idempotency:"
	}
	return &Store{client: client, prefix: prefix, reserve: redis.NewScript(reserveScript)}
}

func (s *Store) namespaced(key string) string { return s.prefix + key }

// Close releases the underlying Redis connection, used during shutdown (C8).
func (s *Store) Close() error { return s.client.Close() }

// Get returns the cached IngestResult for key, degrading open (hit=false,
// err=nil) on any backend failure, per spec.md §4.3's "failures degrade
// open" contract — a transient Redis outage must never block ingestion.
func (s *Store) Get(ctx context.Context, key string) (core.IngestResult, bool, error) {
	raw, err := s.client.Get(ctx, s.namespaced(key)).Result()
	if err == redis.Nil {
		return core.IngestResult{}, false, nil
	}
	if err != nil {
		return core.IngestResult{}, false, nil
	}
	var snapshot core.IngestResult
	if jsonErr := json.Unmarshal([]byte(raw), &snapshot); jsonErr != nil {
		return core.IngestResult{}, false, nil
	}
	return snapshot, true, nil
}

// Reserve claims key for the calling caller if no entry exists yet. A
// Reserve failure degrades open (won=true) so a transient Redis outage
// never blocks ingestion. A losing caller polls briefly for the winner's
// Finalize before giving up and degrading open itself.
func (s *Store) Reserve(ctx context.Context, key string) (bool, core.IngestResult, bool, error) {
	res, err := s.reserve.Run(ctx, s.client, []string{s.namespaced(key)}, pendingMarker, int((24 * time.Hour).Seconds())).Result()
	if err != nil {
		return true, core.IngestResult{}, false, nil
	}
	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return true, core.IngestResult{}, false, nil
	}
	won, _ := pair[0].(int64)
	if won == 1 {
		return true, core.IngestResult{}, false, nil
	}

	existing, _ := pair[1].(string)
	if snapshot, hit := decodeSnapshot(existing); hit {
		return false, snapshot, true, nil
	}
	for i := 0; i < reservePollAttempts; i++ {
		select {
		case <-ctx.Done():
			return false, core.IngestResult{}, false, nil
		case <-time.After(reservePollInterval):
		}
		if snapshot, hit, _ := s.Get(ctx, key); hit {
			return false, snapshot, true, nil
		}
	}
	return false, core.IngestResult{}, false, nil
}

func decodeSnapshot(raw string) (core.IngestResult, bool) {
	if raw == "" || raw == pendingMarker {
		return core.IngestResult{}, false
	}
	var snapshot core.IngestResult
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return core.IngestResult{}, false
	}
	return snapshot, true
}

// Finalize overwrites key's reservation marker with the winner's real
// result. A backend failure here is reported rather than swallowed: unlike
// Get, a failed Finalize does not risk blocking this call, only the
// durability of the dedup cache for future retries of this same key.
func (s *Store) Finalize(ctx context.Context, key string, value core.IngestResult, ttl time.Duration) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("idempotency: marshal snapshot: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if err := s.client.Set(ctx, s.namespaced(key), encoded, ttl).Err(); err != nil {
		return core.NewError(core.KindIdempotencyBackendUnavailable, "idempotency.Finalize", err)
	}
	return nil
}

// Release drops a reservation the winning caller failed to finalize, so a
// later retry of key can win the reservation again.
func (s *Store) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.namespaced(key)).Err(); err != nil {
		return core.NewError(core.KindIdempotencyBackendUnavailable, "idempotency.Release", err)
	}
	return nil
}
