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

package sch

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps the tracer used for one span per advance step.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer returns a Tracer backed by the global otel tracer provider.
// Nothing in this repository installs a provider or exporter, so spans
// go to otel's default no-op provider unless the embedding program
// registers one.
func NewTracer() Tracer {
	return Tracer{tracer: otel.Tracer("github.com/tombee/acts/pkg/sch")}
}

// StartAdvance opens a span covering one advance step for (pid, tid).
func (t Tracer) StartAdvance(ctx context.Context, pid, tid string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "task.advance",
		trace.WithAttributes(
			attribute.String("acts.pid", pid),
			attribute.String("acts.tid", tid),
		),
	)
}
