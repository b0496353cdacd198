// Package telemetry defines the logging, metrics, and tracing abstractions
// shared by every engine component. Implementations delegate to Clue/OTEL in
// production and to no-ops in tests; no engine package outside telemetry
// imports those backends directly. The binaries under cmd import Clue's
// log package only to set up the logging context.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured, context-scoped logging used throughout the
// engine. Implementations typically delegate to Clue but the interface is
// intentionally small so tests can provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter/timer/gauge helpers for engine instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so engine code remains agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Provider bundles the three telemetry surfaces so components can take a
// single constructor argument instead of three.
type Provider struct {
	Logger  Logger
	Metrics Metrics
	Tracer  Tracer
}

// Noop returns a Provider whose Logger/Metrics/Tracer all discard their
// input. Used by default in tests and by components that have not been
// wired with a real backend.
func Noop() Provider {
	return Provider{Logger: NoopLogger{}, Metrics: NoopMetrics{}, Tracer: NoopTracer{}}
}
