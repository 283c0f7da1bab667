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

// Package columnar implements the columnar analytical store black box on
// top of ClickHouse via clickhouse-go/v2's native driver. Rows go in with
// async_insert enabled and wait_for_async_insert disabled, matching
// spec.md §6's insert options exactly: the commit phase hands ClickHouse
// the batch and moves on rather than blocking on server-side
// materialization, consistent with the pipeline's at-least-once,
// dedup-at-query-time durability model.
package columnar

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"logflow/internal/ingest/core"
	"logflow/pkg/record"
)

// Store implements core.ColumnarStore against one ClickHouse table.
type Store struct {
	conn  driver.Conn
	table string
	opts  Options
}

// Options mirrors spec.md §6's insert options.
type Options struct {
	AsyncInsert        bool
	WaitForAsyncInsert bool
	Compression        string
	MaxExecutionTime   int
}

func DefaultOptions() Options {
	return Options{AsyncInsert: true, WaitForAsyncInsert: false, Compression: "lz4", MaxExecutionTime: 30}
}

func (o Options) compressionMethod() clickhouse.CompressionMethod {
	if o.Compression == "zstd" {
		return clickhouse.CompressionZSTD
	}
	return clickhouse.CompressionLZ4
}

func boolSetting(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Open dials ClickHouse with the given address list and returns a Store
// bound to table, inserting under opts.
func Open(addrs []string, database, username, password, table string, opts Options) (*Store, error) {
	if opts.MaxExecutionTime <= 0 {
		opts.MaxExecutionTime = DefaultOptions().MaxExecutionTime
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: addrs,
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		Compression: &clickhouse.Compression{Method: opts.compressionMethod()},
	})
	if err != nil {
		return nil, core.NewError(core.KindStorageUnavailable, "columnar.Open", err)
	}
	return &Store{conn: conn, table: table, opts: opts}, nil
}

// Insert appends records to the table as an async insert, one row per
// record. Metadata is appended as a Go map[string]string for the driver to
// encode; it is not serialized to a JSON string here.
func (s *Store) Insert(ctx context.Context, records []record.Normalized) error {
	if len(records) == 0 {
		return nil
	}
	ctx = clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"async_insert":          boolSetting(s.opts.AsyncInsert),
		"wait_for_async_insert": boolSetting(s.opts.WaitForAsyncInsert),
		"max_execution_time":    s.opts.MaxExecutionTime,
	}))

	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", s.table))
	if err != nil {
		return core.NewError(core.KindStorageUnavailable, "columnar.Insert", err)
	}
	for _, r := range records {
		if err := batch.Append(
			r.ID.String(),
			r.AppID,
			string(r.Level),
			r.Message,
			r.Source,
			r.Timestamp,
			r.TraceID,
			r.UserID,
			r.Metadata,
		); err != nil {
			return core.NewError(core.KindStorageUnavailable, "columnar.Insert", err)
		}
	}
	if err := batch.Send(); err != nil {
		return core.NewError(core.KindCommitFailed, "columnar.Insert", err)
	}
	return nil
}

// Close releases the underlying connection, used during shutdown (C8).
func (s *Store) Close() error { return s.conn.Close() }
