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

import "fmt"

// ErrorKind is the top-level failure taxonomy from spec.md §7. Unlike
// record.ErrorKind (which tags a single malformed field), ErrorKind tags
// infrastructural or batch-wide failures.
type ErrorKind string

const (
	KindValidation                    ErrorKind = "ValidationError"
	KindOverloaded                    ErrorKind = "Overloaded"
	KindWorkerLost                    ErrorKind = "WorkerLost"
	KindStorageUnavailable            ErrorKind = "StorageUnavailable"
	KindCommitFailed                  ErrorKind = "CommitFailed"
	KindPoisonEntry                   ErrorKind = "PoisonEntry"
	KindIdempotencyBackendUnavailable ErrorKind = "IdempotencyBackendUnavailable"
	KindStaleClaim                    ErrorKind = "StaleClaim"
	KindShutdown                      ErrorKind = "Shutdown"
)

// Error wraps an underlying error with a Kind so callers can branch on
// disposition without string matching, mirroring the %w-wrapping style the
// teacher uses throughout internal/ratelimiter/persistence.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
