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

// This file implements the lifecycle supervisor (C8): it starts components
// in dependency order and tears them down in reverse, giving each step a
// time budget so a stuck dependency logs a warning and the shutdown
// proceeds rather than hanging forever. The "stop background worker first,
// then the server, with an explicit timeout on each" shape is adapted from
// the teacher's cmd/ratelimiter-api/main.go shutdown sequence; here it is
// generalized into a reusable ordered step-runner instead of inlined in
// main().
package core

import (
	"context"
	"log/slog"
	"time"
)

// LifecycleStep is one named, budgeted unit of startup or shutdown work.
type LifecycleStep struct {
	Name   string
	Budget time.Duration
	Run    func(ctx context.Context) error
}

// Supervisor runs an ordered sequence of startup steps and, on Shutdown,
// the reverse sequence of teardown steps. Steps are independent of one
// another's implementation — the supervisor only knows names and budgets.
type Supervisor struct {
	log      *slog.Logger
	startup  []LifecycleStep
	shutdown []LifecycleStep
}

func NewSupervisor(log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{log: log}
}

// AddStartup appends a step to the startup sequence, run in the order
// added: external connections → idempotency store → stream client →
// worker pool → stream workers → ingestion service → coalescer → public
// endpoints.
func (s *Supervisor) AddStartup(step LifecycleStep) { s.startup = append(s.startup, step) }

// AddShutdown appends a step to the shutdown sequence, run in the order
// added (callers should add shutdown steps in the *already-reversed*
// order: stop accepting calls → flush coalescer → drain ingestion →
// drain stream workers → stop worker pool → close stream client → close
// columnar client → close idempotency store).
func (s *Supervisor) AddShutdown(step LifecycleStep) { s.shutdown = append(s.shutdown, step) }

// Start runs every startup step in order, stopping at the first failure —
// a broken dependency must not let later steps start against half-wired
// state.
func (s *Supervisor) Start(ctx context.Context) error {
	for _, step := range s.startup {
		if err := s.runStep(ctx, step, true); err != nil {
			return NewError(KindStorageUnavailable, "supervisor.Start:"+step.Name, err)
		}
	}
	return nil
}

// Shutdown runs every shutdown step in order. Unlike Start, a failing or
// over-budget step never aborts the sequence — every later step still
// gets a chance to run, since abandoning shutdown partway risks leaking
// connections or losing buffered data.
func (s *Supervisor) Shutdown(ctx context.Context) {
	for _, step := range s.shutdown {
		_ = s.runStep(ctx, step, false)
	}
}

func (s *Supervisor) runStep(ctx context.Context, step LifecycleStep, abortOnFailure bool) error {
	budget := step.Budget
	if budget <= 0 {
		budget = 10 * time.Second
	}
	stepCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- step.Run(stepCtx) }()

	select {
	case err := <-done:
		if err != nil {
			s.log.Warn("lifecycle step failed", "step", step.Name, "err", err)
			if abortOnFailure {
				return err
			}
		}
		return nil
	case <-stepCtx.Done():
		s.log.Warn("lifecycle step exceeded its time budget, proceeding", "step", step.Name, "budget", budget)
		return nil
	}
}
