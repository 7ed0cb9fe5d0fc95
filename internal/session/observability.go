package session

import (
	"context"
	"time"

	"epicore/pkg/domain"
)

// Clock supplies timestamps for service bookkeeping.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface. A nil ClockFunc falls
// back to UTC wall time.
type ClockFunc func() time.Time

// Now returns the function's time in UTC.
func (f ClockFunc) Now() time.Time {
	if f == nil {
		return time.Now().UTC()
	}
	return f().UTC()
}

// Logger records structured diagnostics emitted by the service. Arguments
// follow the message as alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// MetricsRecorder observes service operation outcomes.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

type noopMetricsRecorder struct{}

func (noopMetricsRecorder) Observe(context.Context, string, bool, time.Duration) {}

// TraceSpan finalizes a single traced operation.
type TraceSpan interface {
	End(err error)
}

// Tracer starts spans around service operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// AuditStatus marks the outcome recorded in an audit entry.
type AuditStatus string

const (
	// AuditStatusSuccess marks an operation that completed without error.
	AuditStatusSuccess AuditStatus = "success"
	// AuditStatusError marks an operation that returned an error.
	AuditStatusError AuditStatus = "error"
)

// AuditEntry captures one service operation for compliance trails.
type AuditEntry struct {
	Operation string            `json:"operation"`
	Entity    domain.EntityType `json:"entity"`
	EntityID  string            `json:"entity_id,omitempty"`
	Status    AuditStatus       `json:"status"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
	Details   string            `json:"details,omitempty"`
}

// AuditRecorder receives audit entries for every instrumented operation.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

type noopAuditRecorder struct{}

func (noopAuditRecorder) Record(context.Context, AuditEntry) {}
