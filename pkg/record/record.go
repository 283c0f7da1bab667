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

// Package record defines the wire-level log record shapes accepted by the
// ingestion core, and the positional errors produced when one fails
// validation. Types in this package are pure values: no I/O, no mutation of
// shared state.
package record

import (
	"time"

	"github.com/google/uuid"
)

// Level is a normalized log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	LevelFatal Level = "FATAL"
)

// Limits bound the size of the free-form fields accepted from callers.
const (
	MaxMessageBytes = 64 * 1024
	MaxAppIDBytes   = 255
	MaxSourceBytes  = 255
	MaxMetaKVBytes  = 1024
)

// Raw is the free-form record as received from a caller, before validation.
// Optional fields use pointers so "absent" and "present but zero value" are
// distinguishable.
type Raw struct {
	AppID     string            `json:"app_id"`
	Message   string            `json:"message"`
	Level     string            `json:"level"`
	Source    string            `json:"source"`
	Timestamp *string           `json:"timestamp,omitempty"` // ISO-8601, nil means server-assigned
	Metadata  map[string]string `json:"metadata,omitempty"`
	TraceID   *string           `json:"trace_id,omitempty"`
	UserID    *string           `json:"user_id,omitempty"`
	ID        *string           `json:"id,omitempty"` // UUID, server-assigned if absent
}

// Normalized is a Raw record that has passed validation. All required
// fields are present, Level is uppercased, Timestamp is concrete, ID is a
// parsed UUID (generated when absent), and Metadata is never nil.
// Validation does not check that caller-supplied IDs are unique within a
// batch.
type Normalized struct {
	AppID     string            `json:"app_id"`
	Message   string            `json:"message"`
	Level     Level             `json:"level"`
	Source    string            `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata"`
	TraceID   string            `json:"trace_id,omitempty"` // empty when absent
	UserID    string            `json:"user_id,omitempty"`  // empty when absent
	ID        uuid.UUID         `json:"id"`
}

// ErrorKind enumerates the distinct causes validation can report. Kept as a
// string enum (rather than a Go error chain) so positional errors serialize
// cleanly into IngestResult.errors[].
type ErrorKind string

const (
	ErrMissingField ErrorKind = "missing_field"
	ErrWrongType    ErrorKind = "wrong_type"
	ErrInvalidLevel ErrorKind = "invalid_level"
	ErrTooLong      ErrorKind = "too_long"
	ErrBadTimestamp ErrorKind = "bad_timestamp"
	ErrBadUUID      ErrorKind = "bad_uuid"
	ErrBadMetadata  ErrorKind = "bad_metadata"
)

// PositionalError carries the index of the offending record in the
// caller's original input array, per spec.md §3.
type PositionalError struct {
	Index int
	Kind  ErrorKind
	Msg   string
}

func (e PositionalError) Error() string { return e.Msg }
