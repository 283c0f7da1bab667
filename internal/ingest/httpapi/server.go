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

// Package httpapi is the front door the core is deliberately agnostic
// about: a thin HTTP adapter translating POST /ingest into a coalescer
// Add() call and mapping the resulting IngestResult onto the status codes
// spec.md §6 defines. Handler shape (ServeMux registration, a struct
// wrapping the core dependency, explicit ReadTimeout/WriteTimeout/
// IdleTimeout on the http.Server) follows the teacher's
// internal/ratelimiter/api.Server.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"logflow/internal/ingest/core"
	"logflow/pkg/record"
)

// Coalescer is the capability this adapter drives — satisfied by
// *core.Coalescer.
type Coalescer interface {
	Add(raws []record.Raw, idempotencyKey string) core.IngestResult
}

// Server is the public HTTP front door. It is explicitly NOT one of the
// nine core components — it exists only to give the core something to be
// driven by in a runnable binary.
type Server struct {
	coalescer Coalescer
	log       *slog.Logger
}

func NewServer(coalescer Coalescer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{coalescer: coalescer, log: log}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ingest", s.handleIngest)
}

type ingestRequest struct {
	Records []record.Raw `json:"records"`
}

type ingestResponse struct {
	Accepted         int                `json:"accepted"`
	Rejected         int                `json:"rejected"`
	Errors           []core.ResultError `json:"errors,omitempty"`
	ProcessingTimeMS int64              `json:"processing_time_ms"`
	Throughput       float64            `json:"throughput"`
}

const maxReturnedErrors = 100

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if len(req.Records) == 0 {
		http.Error(w, "records must be non-empty", http.StatusBadRequest)
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	result := s.coalescer.Add(req.Records, idempotencyKey)

	resp := ingestResponse{
		Accepted:         result.Accepted,
		Rejected:         result.Rejected,
		Errors:           truncate(result.Errors, maxReturnedErrors),
		ProcessingTimeMS: result.ProcessingTimeMS,
		Throughput:       result.Throughput,
	}

	status := statusFor(result)
	if status == http.StatusInternalServerError {
		s.log.Error("ingest infrastructure failure", "err", result.Err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// statusFor maps an IngestResult onto the HTTP status contract from
// spec.md §6: 202 when at least one record was accepted, 400 when every
// record in the call was rejected, 500 on an infrastructure failure.
func statusFor(r core.IngestResult) int {
	if r.Err != nil {
		var coreErr *core.Error
		if errors.As(r.Err, &coreErr) && r.Accepted == 0 && r.Rejected == 0 {
			return http.StatusInternalServerError
		}
		if r.Accepted == 0 {
			return http.StatusInternalServerError
		}
	}
	if r.Accepted >= 1 {
		return http.StatusAccepted
	}
	if r.Accepted == 0 && r.Rejected > 0 {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func truncate(errs []core.ResultError, max int) []core.ResultError {
	if len(errs) <= max {
		return errs
	}
	return errs[:max]
}

// ListenAndServe starts the HTTP server with production-sane timeouts,
// mirroring the teacher's api.Server.ListenAndServe.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return httpServer.ListenAndServe()
}
