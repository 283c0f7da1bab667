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

// ingestord is the runnable entry point for the log ingestion pipeline:
// it wires the nine core components together behind the lifecycle
// supervisor and serves the public HTTP front door. Flag parsing and the
// signal-driven shutdown sequence follow the teacher's
// cmd/ratelimiter-api/main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"logflow/internal/ingest/columnar"
	"logflow/internal/ingest/core"
	"logflow/internal/ingest/dlq"
	"logflow/internal/ingest/httpapi"
	"logflow/internal/ingest/idempotency"
	"logflow/internal/ingest/logging"
	"logflow/internal/ingest/stream"
	"logflow/internal/ingest/telemetry"
)

func main() {
	var (
		httpAddr         = flag.String("http_addr", ":8080", "Public HTTP listen address")
		metricsAddr      = flag.String("metrics_addr", ":9090", "Prometheus /metrics listen address; empty disables")
		redisAddr        = flag.String("redis_addr", "127.0.0.1:6379", "Redis address backing the replayable stream")
		idempotencyAddrs = flag.String("idempotency_redis_addrs", "", "Comma-separated Redis addresses for the sharded idempotency store; empty reuses -redis_addr as a single shard")
		clickhouseAddr   = flag.String("clickhouse_addr", "127.0.0.1:9000", "ClickHouse native-protocol address")
		clickhouseDB     = flag.String("clickhouse_database", "logflow", "ClickHouse database")
		clickhouseTable  = flag.String("clickhouse_table", "log_records", "ClickHouse table for normalized records")
		deadLetterPath   = flag.String("dead_letter_path", "./dead-letter.jsonl.lz4", "Path to the dead-letter segment file")
		streamProcessors = flag.Int("stream_processors", 3, "Number of stream processor worker replicas (C6)")
		logFormat        = flag.String("log_format", "json", "Log output format: json|text")
	)
	flag.Parse()

	log := logging.New(*logFormat, slog.LevelInfo)

	cfg := core.DefaultConfig()
	cfg.StreamProcessors = *streamProcessors
	cfgHolder := core.NewConfigHolder(cfg)

	redisClient := goredis.NewClient(&goredis.Options{Addr: *redisAddr})
	redisStream := stream.NewRedisStream(redisClient, cfg.StreamKey)

	chStore, err := columnar.Open([]string{*clickhouseAddr}, *clickhouseDB, "default", "", *clickhouseTable, columnar.DefaultOptions())
	if err != nil {
		log.Error("failed to open columnar store", "err", err)
		os.Exit(1)
	}

	dlqSink, err := dlq.NewFileSink(*deadLetterPath)
	if err != nil {
		log.Error("failed to open dead-letter sink", "err", err)
		os.Exit(1)
	}
	deadLetter := core.NewDeadLetterQueue(dlqSink)

	var idempotentStore core.IdempotencyStore
	var idempotencyCloser func() error
	if *idempotencyAddrs != "" {
		sharded := idempotency.NewShardedStore(strings.Split(*idempotencyAddrs, ","), "")
		idempotentStore = sharded
		idempotencyCloser = sharded.Close
	} else {
		// Reuses redisClient, which the close-stream-client shutdown step
		// already closes — no separate idempotency-store close is needed.
		idempotentStore = idempotency.NewStore(redisClient, "")
	}

	pool := core.NewPool(core.WorkerPoolOptions{
		Min:         cfg.WorkerPoolMin,
		Max:         cfg.WorkerPoolMax,
		TaskTimeout: cfg.WorkerTaskTimeout,
	})

	ingestion := core.NewIngestionService(pool, redisStream, idempotentStore, cfgHolder)
	coalescer := core.NewCoalescer(ingestion, core.CoalescerConfig{
		MaxWaitTime: cfg.CoalescerMaxWaitTime,
		MaxBatch:    cfg.CoalescerMaxBatch,
		Enabled:     cfg.CoalescerEnabled,
	})

	workers := make([]*core.StreamWorker, cfg.StreamProcessors)
	for i := range workers {
		workers[i] = core.NewStreamWorker(i, redisStream, chStore, deadLetter, cfgHolder)
	}

	snapshotter := core.NewSnapshotter(coalescer, ingestion, workers, deadLetter, pool)
	exporter := telemetry.NewExporter(snapshotter, 5*time.Second)

	httpServer := httpapi.NewServer(coalescer, logging.Named(log, "httpapi"))

	var metricsServer *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", exporter.Handler())
		metricsServer = &http.Server{Addr: *metricsAddr, Handler: mux}
	}

	sup := core.NewSupervisor(log)

	sup.AddStartup(core.LifecycleStep{Name: "idempotency-store", Budget: 5 * time.Second, Run: func(ctx context.Context) error {
		_, _, err := idempotentStore.Get(ctx, "startup-probe")
		return err
	}})
	for i, w := range workers {
		w := w
		sup.AddStartup(core.LifecycleStep{Name: fmt.Sprintf("stream-worker-%d", i), Budget: 10 * time.Second, Run: w.Start})
	}
	sup.AddStartup(core.LifecycleStep{Name: "metrics-exporter", Budget: time.Second, Run: func(ctx context.Context) error {
		go exporter.Run()
		return nil
	}})
	sup.AddStartup(core.LifecycleStep{Name: "public-endpoints", Budget: time.Second, Run: func(ctx context.Context) error {
		if metricsServer != nil {
			go func() {
				if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("metrics server stopped", "err", err)
				}
			}()
		}
		go func() {
			log.Info("ingest endpoint listening", "addr", *httpAddr)
			if err := httpServer.ListenAndServe(*httpAddr); err != nil && err != http.ErrServerClosed {
				log.Error("http server stopped", "err", err)
			}
		}()
		return nil
	}})

	sup.AddShutdown(core.LifecycleStep{Name: "force-flush-coalescer", Budget: 5 * time.Second, Run: func(ctx context.Context) error {
		coalescer.Stop()
		return nil
	}})
	for i, w := range workers {
		w := w
		sup.AddShutdown(core.LifecycleStep{Name: fmt.Sprintf("drain-stream-worker-%d", i), Budget: 10 * time.Second, Run: func(ctx context.Context) error {
			w.Stop()
			return nil
		}})
	}
	sup.AddShutdown(core.LifecycleStep{Name: "stop-worker-pool", Budget: 5 * time.Second, Run: func(ctx context.Context) error {
		pool.Stop()
		return nil
	}})
	sup.AddShutdown(core.LifecycleStep{Name: "close-dead-letter-sink", Budget: 5 * time.Second, Run: func(ctx context.Context) error {
		return dlqSink.Close()
	}})
	sup.AddShutdown(core.LifecycleStep{Name: "close-stream-client", Budget: 5 * time.Second, Run: func(ctx context.Context) error {
		return redisClient.Close()
	}})
	sup.AddShutdown(core.LifecycleStep{Name: "close-columnar-client", Budget: 5 * time.Second, Run: func(ctx context.Context) error {
		return chStore.Close()
	}})
	if idempotencyCloser != nil {
		sup.AddShutdown(core.LifecycleStep{Name: "close-idempotency-store", Budget: 5 * time.Second, Run: func(ctx context.Context) error {
			return idempotencyCloser()
		}})
	}

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := sup.Start(startupCtx); err != nil {
		log.Error("startup failed", "err", err)
		startupCancel()
		os.Exit(1)
	}
	startupCancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	exporter.Stop()
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	sup.Shutdown(shutdownCtx)
	shutdownCancel()

	log.Info("shutdown complete")
}
