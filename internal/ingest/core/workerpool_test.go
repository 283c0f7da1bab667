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

package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"logflow/pkg/record"
)

func TestPool_ExecuteValidate(t *testing.T) {
	p := NewPool(WorkerPoolOptions{Min: 2, Max: 4, TaskTimeout: time.Second})
	defer p.Stop()

	outcome, err := p.ExecuteValidate(context.Background(), func() ValidationOutcome {
		return ValidateBatch([]record.Raw{validRaw()})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outcome.Valid) != 1 {
		t.Fatalf("expected 1 valid record, got %d", len(outcome.Valid))
	}
}

func TestPool_HealthCheck(t *testing.T) {
	p := NewPool(WorkerPoolOptions{Min: 1, Max: 1, TaskTimeout: time.Second})
	defer p.Stop()
	if err := p.HealthCheck(context.Background()); err != nil {
		t.Fatalf("unexpected health check error: %v", err)
	}
}

func TestPool_HealthCheckPrioritizedOverBacklog(t *testing.T) {
	p := NewPool(WorkerPoolOptions{Min: 1, Max: 1, TaskTimeout: 2 * time.Second, QueueDepth: 8})
	defer p.Stop()

	var wg sync.WaitGroup
	block := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = p.ExecuteValidate(context.Background(), func() ValidationOutcome {
			<-block
			return ValidationOutcome{}
		})
	}()
	time.Sleep(20 * time.Millisecond) // let the blocking task claim the sole worker

	// Queue a few ordinary tasks behind it.
	for i := 0; i < 3; i++ {
		go func() {
			_, _ = p.ExecuteValidate(context.Background(), func() ValidationOutcome { return ValidationOutcome{} })
		}()
	}
	close(block)
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.HealthCheck(ctx); err != nil {
		t.Fatalf("health check should not be starved by backlog: %v", err)
	}
}

func TestPool_Overload(t *testing.T) {
	p := NewPool(WorkerPoolOptions{Min: 1, Max: 1, TaskTimeout: 5 * time.Second, QueueDepth: 1})
	defer p.Stop()

	block := make(chan struct{})
	defer close(block)

	// Claim the sole worker and fill the 1-deep queue.
	go func() {
		_, _ = p.ExecuteValidate(context.Background(), func() ValidationOutcome { <-block; return ValidationOutcome{} })
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		_, _ = p.ExecuteValidate(context.Background(), func() ValidationOutcome { <-block; return ValidationOutcome{} })
	}()
	time.Sleep(20 * time.Millisecond)

	_, err := p.ExecuteValidate(context.Background(), func() ValidationOutcome { return ValidationOutcome{} })
	if err != ErrOverloaded {
		t.Fatalf("expected ErrOverloaded, got %v", err)
	}
}

func TestPool_StopIsIdempotent(t *testing.T) {
	p := NewPool(WorkerPoolOptions{Min: 1, Max: 1})
	p.Stop()
	p.Stop() // must not panic or block
}
