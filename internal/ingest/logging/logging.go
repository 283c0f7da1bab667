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

// Package logging builds the structured logger every component of the
// pipeline shares. A named child logger handed to a component (rather than
// a package-global) keeps log lines attributable to the component that
// emitted them; cmd/ingestord hands one to the HTTP adapter, and the
// supervisor logs through the root logger. This mirrors how the teacher's components
// take a *Store/*Persister by constructor injection instead of reaching
// for a global.
package logging

import (
	"log/slog"
	"os"
)

// New builds the root logger for the process. format selects "json" (the
// production default) or "text" (friendlier for local runs).
func New(format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// Named returns a child logger tagged with component=name, so every log
// line written through it identifies its owner.
func Named(log *slog.Logger, name string) *slog.Logger {
	return log.With("component", name)
}
