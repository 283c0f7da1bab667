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

// Package stream implements the replayable stream black box on top of
// Redis Streams: XADD/XGROUP CREATE/XREADGROUP/XAUTOCLAIM/XACK map
// almost verbatim onto the core's append/read-new/read-pending/
// auto-claim/ack contract. The client shape (one struct wrapping a
// *redis.Client, methods returning plain Go values instead of raw Redis
// replies) follows the teacher's persistence.RedisEvaler/RedisPersister
// pairing in internal/ratelimiter/persistence/redis.go.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"logflow/internal/ingest/core"
	"logflow/pkg/record"
)

const dataField = "data"

// RedisStream implements both core.StreamAppender (for C5) and
// core.ReplayableStream (for C6) against one Redis Streams key.
type RedisStream struct {
	client    *redis.Client
	streamKey string
}

func NewRedisStream(client *redis.Client, streamKey string) *RedisStream {
	return &RedisStream{client: client, streamKey: streamKey}
}

// Append satisfies core.StreamAppender. Each record is XADD'ed as its own
// entry with a single "data" field holding the JSON-encoded normalized
// record; the pipeline round trip keeps the whole call as one logical
// operation from the caller's point of view even though the wire protocol
// sends one command per entry.
func (s *RedisStream) Append(ctx context.Context, records []record.Normalized) error {
	if len(records) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, r := range records {
		encoded, err := json.Marshal(r)
		if err != nil {
			return core.NewError(core.KindPoisonEntry, "stream.Append", err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.streamKey,
			Values: map[string]interface{}{dataField: encoded},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return core.NewError(core.KindStorageUnavailable, "stream.Append", err)
	}
	return nil
}

// EnsureGroup creates the consumer group starting at the beginning of the
// stream, creating the stream itself (MKSTREAM) if it does not yet exist.
// A BUSYGROUP reply means the group already exists and is not an error,
// per the replayable stream's idempotent-create contract.
func (s *RedisStream) EnsureGroup(ctx context.Context, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, s.streamKey, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return core.NewError(core.KindStorageUnavailable, "stream.EnsureGroup", err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// ReadSelfPending pages through this consumer's own pending entries from
// id "0-0" — the self-recovery half of C6's startup sequence. count is the
// page size; paging stops at the first page shorter than count.
func (s *RedisStream) ReadSelfPending(ctx context.Context, group, consumer string, count int64) ([]core.StreamEntry, error) {
	var out []core.StreamEntry
	start := "0"
	for {
		res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{s.streamKey, start},
			Count:    count,
			NoAck:    false,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return out, nil
			}
			return nil, core.NewError(core.KindStorageUnavailable, "stream.ReadSelfPending", err)
		}
		page := decodeStreams(res)
		out = append(out, page...)
		if count <= 0 || int64(len(page)) < count {
			return out, nil
		}
		start = page[len(page)-1].ID
	}
}

// ClaimAbandoned auto-claims entries idle for at least minIdle belonging
// to any consumer in the group, adopting them under this consumer's name.
func (s *RedisStream) ClaimAbandoned(ctx context.Context, group, consumer string, minIdle time.Duration, count int64) ([]core.StreamEntry, error) {
	msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.streamKey,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, core.NewError(core.KindStaleClaim, "stream.ClaimAbandoned", err)
	}
	return decodeMessages(msgs), nil
}

// ReadNew reads fresh entries (">"), blocking up to block if no entries
// are immediately available. A short block keeps shutdown responsive, per
// spec.md §5's suspension-point contract.
func (s *RedisStream) ReadNew(ctx context.Context, group, consumer string, count int64, block time.Duration) ([]core.StreamEntry, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{s.streamKey, ">"},
		Count:    count,
		Block:    block,
		NoAck:    false,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, core.NewError(core.KindStorageUnavailable, "stream.ReadNew", err)
	}
	return decodeStreams(res), nil
}

// Ack acknowledges entries, removing them from the group's pending list.
func (s *RedisStream) Ack(ctx context.Context, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, s.streamKey, group, ids...).Err(); err != nil {
		return core.NewError(core.KindStorageUnavailable, "stream.Ack", err)
	}
	return nil
}

func decodeStreams(res []redis.XStream) []core.StreamEntry {
	var out []core.StreamEntry
	for _, str := range res {
		out = append(out, decodeMessages(str.Messages)...)
	}
	return out
}

func decodeMessages(msgs []redis.XMessage) []core.StreamEntry {
	out := make([]core.StreamEntry, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values[dataField]
		if !ok {
			out = append(out, core.StreamEntry{ID: m.ID, Malformed: true})
			continue
		}
		var s string
		switch v := raw.(type) {
		case string:
			s = v
		case []byte:
			s = string(v)
		default:
			out = append(out, core.StreamEntry{ID: m.ID, Malformed: true})
			continue
		}
		var rec record.Normalized
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			out = append(out, core.StreamEntry{ID: m.ID, Raw: []byte(s), Malformed: true})
			continue
		}
		out = append(out, core.StreamEntry{ID: m.ID, Record: rec, Raw: []byte(s)})
	}
	return out
}
