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

// Package core provides the core business logic for the log ingestion
// service. This file implements the record validator (C1): a pure,
// deterministic classifier from a raw record to either a normalized record
// or a positional error. It performs no I/O and never panics on bad input —
// every failure is reported back to the caller, the same projection
// discipline the teacher's Classify function uses for routing envelopes.
package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"logflow/pkg/record"
)

// Validate checks a single raw record against the schema and returns either
// a normalized record or a positional error. index is the record's offset
// in the caller's original input array and is stamped onto any error.
func Validate(raw record.Raw, index int) (record.Normalized, *record.PositionalError) {
	if strings.TrimSpace(raw.AppID) == "" {
		return record.Normalized{}, perr(index, record.ErrMissingField, "app_id required")
	}
	if len(raw.AppID) > record.MaxAppIDBytes {
		return record.Normalized{}, perr(index, record.ErrTooLong, "app_id exceeds 255 bytes")
	}
	if strings.TrimSpace(raw.Message) == "" {
		return record.Normalized{}, perr(index, record.ErrMissingField, "message required")
	}
	if len(raw.Message) > record.MaxMessageBytes {
		return record.Normalized{}, perr(index, record.ErrTooLong, "message exceeds 64KiB")
	}
	if strings.TrimSpace(raw.Source) == "" {
		return record.Normalized{}, perr(index, record.ErrMissingField, "source required")
	}
	if len(raw.Source) > record.MaxSourceBytes {
		return record.Normalized{}, perr(index, record.ErrTooLong, "source exceeds 255 bytes")
	}

	level := record.Level(strings.ToUpper(strings.TrimSpace(raw.Level)))
	if _, ok := validLevelSet[level]; !ok {
		return record.Normalized{}, perr(index, record.ErrInvalidLevel, fmt.Sprintf("invalid level %q", raw.Level))
	}

	ts := time.Now().UTC()
	if raw.Timestamp != nil {
		parsed, err := time.Parse(time.RFC3339Nano, *raw.Timestamp)
		if err != nil {
			return record.Normalized{}, perr(index, record.ErrBadTimestamp, "timestamp is not ISO-8601")
		}
		ts = parsed
	}

	meta := map[string]string{}
	for k, v := range raw.Metadata {
		if len(k) > record.MaxMetaKVBytes || len(v) > record.MaxMetaKVBytes {
			return record.Normalized{}, perr(index, record.ErrBadMetadata, "metadata key/value exceeds 1KiB")
		}
		meta[k] = v
	}

	id := uuid.New()
	if raw.ID != nil {
		parsed, err := uuid.Parse(*raw.ID)
		if err != nil {
			return record.Normalized{}, perr(index, record.ErrBadUUID, "id is not a valid UUID")
		}
		id = parsed
	}

	var traceID, userID string
	if raw.TraceID != nil {
		traceID = *raw.TraceID
	}
	if raw.UserID != nil {
		userID = *raw.UserID
	}

	return record.Normalized{
		AppID:     raw.AppID,
		Message:   raw.Message,
		Level:     level,
		Source:    raw.Source,
		Timestamp: ts,
		Metadata:  meta,
		TraceID:   traceID,
		UserID:    userID,
		ID:        id,
	}, nil
}

// ValidationOutcome is the result of validating a whole batch: valid[]
// preserves caller order among the records that passed; errors[] carries
// the original index of every record that failed.
type ValidationOutcome struct {
	Valid  []record.Normalized
	Errors []record.PositionalError
}

// ValidateBatch runs Validate over every record, preserving order in Valid
// and original indices in Errors. It never returns an error itself — a
// wholly-invalid batch simply yields an empty Valid slice.
func ValidateBatch(raws []record.Raw) ValidationOutcome {
	out := ValidationOutcome{
		Valid:  make([]record.Normalized, 0, len(raws)),
		Errors: make([]record.PositionalError, 0),
	}
	for i, raw := range raws {
		norm, perr := Validate(raw, i)
		if perr != nil {
			out.Errors = append(out.Errors, *perr)
			continue
		}
		out.Valid = append(out.Valid, norm)
	}
	return out
}

var validLevelSet = map[record.Level]struct{}{
	record.LevelDebug: {}, record.LevelInfo: {}, record.LevelWarn: {}, record.LevelError: {}, record.LevelFatal: {},
}

func perr(index int, kind record.ErrorKind, msg string) *record.PositionalError {
	return &record.PositionalError{Index: index, Kind: kind, Msg: msg}
}
