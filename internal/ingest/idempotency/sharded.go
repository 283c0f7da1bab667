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

// This file lets the idempotency store span more than one independent
// Redis endpoint. Keys are assigned to an endpoint with rendezvous
// (highest random weight) hashing rather than a fixed modulus, so adding
// or removing an endpoint only remaps the keys that hashed to it — every
// other key's shard assignment is unaffected. This is the same algorithm
// the pipeline's stream and columnar layers could shard with, but here it
// gives the idempotency cache a way to grow past a single Redis node's
// memory footprint without a rehash storm.
package idempotency

import (
	"context"
	"time"

	"github.com/dgryski/go-rendezvous"
	goredis "github.com/redis/go-redis/v9"

	"logflow/internal/ingest/core"
)

// hasher satisfies rendezvous.Hasher with a fast non-cryptographic mix;
// collision resistance is not a requirement for shard placement.
func hasher(s string) uint64 {
	var h uint64 = 14695981039346656037 // FNV-1a offset basis
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

// ShardedStore fans the idempotency cache out across N independent Redis
// endpoints, picking an endpoint per key via rendezvous hashing.
type ShardedStore struct {
	shards []*Store
	rdv    *rendezvous.Rendezvous
	names  []string
}

// NewShardedStore builds one Store per address and a rendezvous ring over
// their names.
func NewShardedStore(addrs []string, prefix string) *ShardedStore {
	s := &ShardedStore{names: make([]string, len(addrs))}
	for i, addr := range addrs {
		client := goredis.NewClient(&goredis.Options{Addr: addr})
		s.shards = append(s.shards, NewStore(client, prefix))
		s.names[i] = addr
	}
	s.rdv = rendezvous.New(s.names, hasher)
	return s
}

func (s *ShardedStore) pick(key string) *Store {
	name := s.rdv.Lookup(key)
	for i, n := range s.names {
		if n == name {
			return s.shards[i]
		}
	}
	return s.shards[0]
}

func (s *ShardedStore) Get(ctx context.Context, key string) (core.IngestResult, bool, error) {
	return s.pick(key).Get(ctx, key)
}

func (s *ShardedStore) Reserve(ctx context.Context, key string) (bool, core.IngestResult, bool, error) {
	return s.pick(key).Reserve(ctx, key)
}

func (s *ShardedStore) Finalize(ctx context.Context, key string, value core.IngestResult, ttl time.Duration) error {
	return s.pick(key).Finalize(ctx, key, value, ttl)
}

func (s *ShardedStore) Release(ctx context.Context, key string) error {
	return s.pick(key).Release(ctx, key)
}

// Close releases every shard's Redis connection, used during shutdown (C8).
func (s *ShardedStore) Close() error {
	var firstErr error
	for _, shard := range s.shards {
		if err := shard.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
