// Copyright 2025 Tom Barlow
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

// Package actlog configures the daemon's structured logger. Ported from
// this runtime's own logging setup: a custom Trace level below slog's
// Debug, a Format switch between human-readable text and JSON, and a
// small set of field-key constants so every call site spells a task or
// process id the same way.
package actlog

import (
	"io"
	"log/slog"
	"os"
)

// Format selects the handler used to render records.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// LevelTrace sits below slog.LevelDebug for the scheduler's per-advance
// step tracing, which is too chatty to enable even at Debug by default.
const LevelTrace = slog.Level(-8)

// Field-key constants used consistently across the daemon and CLI.
const (
	PIDKey      = "pid"
	TIDKey      = "tid"
	NodeKey     = "node"
	EventKey    = "event"
	DurationKey = "duration_ms"
)

// Config controls logger construction.
type Config struct {
	Level     slog.Level
	Format    Format
	Output    io.Writer
	AddSource bool
}

// DefaultConfig returns an Info-level, text-formatted logger writing to
// stderr — the daemon's default until a deployment config overrides it.
func DefaultConfig() Config {
	return Config{Level: slog.LevelInfo, Format: FormatText, Output: os.Stderr}
}

// New builds a *slog.Logger per cfg.
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: cfg.Level, AddSource: cfg.AddSource}
	var handler slog.Handler
	if cfg.Format == FormatJSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}
