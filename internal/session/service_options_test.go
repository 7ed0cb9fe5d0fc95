package session

import (
	"context"
	"testing"
	"time"

	"epicore/internal/registry"
)

func TestServiceOptionDefaultsSurviveNilValues(t *testing.T) {
	svc := New(DefaultConfig(), []string{testPage},
		WithClock(nil),
		WithLogger(nil),
		WithMetricsRecorder(nil),
		WithTracer(nil),
		WithAuditRecorder(nil),
	)
	t.Cleanup(svc.Close)

	if _, ok := svc.logger.(noopLogger); !ok {
		t.Fatalf("expected noop logger, got %T", svc.logger)
	}
	if _, ok := svc.metrics.(noopMetricsRecorder); !ok {
		t.Fatalf("expected noop metrics recorder, got %T", svc.metrics)
	}
	if _, ok := svc.tracer.(noopTracer); !ok {
		t.Fatalf("expected noop tracer, got %T", svc.tracer)
	}
	if _, ok := svc.audit.(noopAuditRecorder); !ok {
		t.Fatalf("expected noop audit recorder, got %T", svc.audit)
	}
	if svc.clock.Now().IsZero() {
		t.Fatalf("expected wall clock fallback")
	}
}

func TestServiceOptionsInstallCollaborators(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	log := &captureLogger{}
	engine := registry.NewDefaultRulesEngine()
	svc := New(DefaultConfig(), []string{testPage},
		WithClock(clock),
		WithLogger(log),
		WithRulesEngine(engine),
	)
	t.Cleanup(svc.Close)

	if svc.engine != engine {
		t.Fatalf("rules engine not installed")
	}

	id, err := svc.GetOrRun(ctx, testPage, prerunFixture("Boston"), staticRun([]byte(`{"series":[]}`)))
	if err != nil {
		t.Fatalf("get or run: %v", err)
	}
	rec, err := svc.Await(ctx, id)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if !rec.CreatedAt.Equal(clock.Now()) {
		t.Fatalf("expected injected clock on record timestamps, got %v", rec.CreatedAt)
	}
	waitFor(t, "completion log", func() bool {
		return log.has("i:simulation run complete")
	})
	if !log.has("i:simulation run started") {
		t.Fatalf("expected start log, got %v", log.entries())
	}
}

func TestClockFuncNowNilFallsBackToWallClock(t *testing.T) {
	var clock ClockFunc
	before := time.Now().UTC().Add(-time.Second)
	got := clock.Now()
	if got.Before(before) {
		t.Fatalf("unexpected fallback time: %v", got)
	}
	if got.Location() != time.UTC {
		t.Fatalf("expected UTC, got %v", got.Location())
	}
}

func TestClockFuncNowConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	stamp := time.Date(2026, 3, 14, 9, 0, 0, 0, loc)
	clock := ClockFunc(func() time.Time { return stamp })
	got := clock.Now()
	if got.Location() != time.UTC {
		t.Fatalf("expected UTC, got %v", got.Location())
	}
	if !got.Equal(stamp) {
		t.Fatalf("expected same instant, got %v", got)
	}
}
