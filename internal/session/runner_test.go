package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"epicore/internal/progress"
	"epicore/pkg/domain"
)

func collectUntilTerminal(t *testing.T, ch <-chan progress.Event) []progress.Event {
	t.Helper()
	var events []progress.Event
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
			if ev.Terminal() {
				return events
			}
		case <-deadline:
			t.Fatalf("timed out collecting progress events, got %d", len(events))
		}
	}
}

func drainEvents(ch <-chan progress.Event) []progress.Event {
	var events []progress.Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestRunProgressEventContract(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	events, cancel := svc.SubscribeProgress(64)
	t.Cleanup(cancel)

	payload := []byte(`{"series":[1,2,3]}`)
	id, err := svc.GetOrRun(ctx, testPage, prerunFixture("Boston"), func(_ context.Context, _ RunRequest, report ReportFunc) ([]byte, error) {
		report(-5, 10, false)
		report(3, 10, false)
		report(2, 0, false)
		report(20, 10, false)
		return payload, nil
	})
	if err != nil {
		t.Fatalf("get or run: %v", err)
	}

	got := collectUntilTerminal(t, events)
	if len(got) != 6 {
		t.Fatalf("expected start, four updates, and complete, got %d: %+v", len(got), got)
	}
	start := got[0]
	if start.Action != progress.ActionStart || start.ID != id || start.Page != testPage {
		t.Fatalf("unexpected start event: %+v", start)
	}
	if start.Description != "prerun simulation for BOSTON" {
		t.Fatalf("unexpected run description: %q", start.Description)
	}
	for _, ev := range got[1:5] {
		if ev.Action != progress.ActionUpdate {
			t.Fatalf("expected update event, got %+v", ev)
		}
	}

	// Negative counters clamp to zero, counters never regress, a zero total
	// reuses the last known total, and overshoot caps at the total.
	wantUpdates := []struct{ current, total, percent int }{
		{0, 10, 0},
		{3, 10, 30},
		{3, 10, 30},
		{10, 10, 100},
	}
	for i, want := range wantUpdates {
		ev := got[i+1]
		if ev.Current != want.current || ev.Total != want.total || ev.Percent != want.percent {
			t.Fatalf("update %d: got %d/%d (%d%%), want %d/%d (%d%%)",
				i, ev.Current, ev.Total, ev.Percent, want.current, want.total, want.percent)
		}
	}

	final := got[len(got)-1]
	if final.Action != progress.ActionComplete || final.ID != id {
		t.Fatalf("unexpected terminal event: %+v", final)
	}
	if final.Current != 10 || final.Total != 10 || final.Percent != 100 {
		t.Fatalf("terminal event counters: %+v", final)
	}

	rec, err := svc.GetRecord(ctx, id)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if !rec.Progress.Done || rec.Progress.Percent != 100 || rec.Progress.Current != 10 {
		t.Fatalf("record progress not finalized: %+v", rec.Progress)
	}
}

func TestRunFailurePublishesErrorEvent(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	events, cancel := svc.SubscribeProgress(16)
	t.Cleanup(cancel)

	id, err := svc.GetOrRun(ctx, testPage, prerunFixture("Boston"), func(_ context.Context, _ RunRequest, _ ReportFunc) ([]byte, error) {
		return nil, errors.New("solver diverged")
	})
	if err != nil {
		t.Fatalf("get or run: %v", err)
	}

	got := collectUntilTerminal(t, events)
	if got[0].Action != progress.ActionStart {
		t.Fatalf("expected start event first, got %+v", got[0])
	}
	final := got[len(got)-1]
	if final.Action != progress.ActionError || final.ID != id || final.Page != testPage {
		t.Fatalf("unexpected terminal event: %+v", final)
	}
	if final.Message != "solver diverged" {
		t.Fatalf("unexpected error message: %q", final.Message)
	}

	rec, err := svc.Await(ctx, id)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if rec.Status != domain.StatusError || rec.ErrorMessage != "solver diverged" || !rec.Progress.Done {
		t.Fatalf("record not in error state: %+v", rec)
	}
	pageErr, err := svc.PageError(ctx, testPage)
	if err != nil {
		t.Fatalf("page error: %v", err)
	}
	if !pageErr.HasError || pageErr.Kind != domain.ErrorKindSimulation || pageErr.Severity != domain.ErrorSeverityError {
		t.Fatalf("unexpected page error: %+v", pageErr)
	}
	panel, err := svc.Panel(ctx, testPage)
	if err != nil {
		t.Fatalf("panel: %v", err)
	}
	if panel.Visualization.PlotStatus != domain.PlotError || panel.Visualization.ErrorMessage != "solver diverged" {
		t.Fatalf("panel visualization not mirroring failure: %+v", panel.Visualization)
	}
}

func TestRunPanicBecomesErrorState(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	events, cancel := svc.SubscribeProgress(16)
	t.Cleanup(cancel)

	id, err := svc.GetOrRun(ctx, testPage, prerunFixture("Boston"), func(_ context.Context, _ RunRequest, _ ReportFunc) ([]byte, error) {
		panic("boom")
	})
	if err != nil {
		t.Fatalf("get or run: %v", err)
	}

	got := collectUntilTerminal(t, events)
	final := got[len(got)-1]
	if final.Action != progress.ActionError || final.Message != "run panicked: boom" {
		t.Fatalf("unexpected terminal event: %+v", final)
	}
	rec, err := svc.Await(ctx, id)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if rec.Status != domain.StatusError || rec.ErrorMessage != "run panicked: boom" {
		t.Fatalf("record not in error state: %+v", rec)
	}
}

func TestTransportReceivesEveryEvent(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var sent []progress.Event
	transport := progress.TransportFunc(func(_ context.Context, ev progress.Event) error {
		mu.Lock()
		sent = append(sent, ev)
		mu.Unlock()
		return nil
	})
	svc := newTestService(t, WithProgressTransport(transport))
	events, cancel := svc.SubscribeProgress(32)
	t.Cleanup(cancel)

	if _, err := svc.GetOrRun(ctx, testPage, prerunFixture("Boston"), func(_ context.Context, _ RunRequest, report ReportFunc) ([]byte, error) {
		report(1, 2, false)
		return []byte(`{"series":[]}`), nil
	}); err != nil {
		t.Fatalf("get or run: %v", err)
	}

	got := collectUntilTerminal(t, events)
	waitFor(t, "transport delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sent) == len(got)
	})
	mu.Lock()
	defer mu.Unlock()
	for i, ev := range got {
		if sent[i].Action != ev.Action || sent[i].ID != ev.ID {
			t.Fatalf("transport event %d diverges: %+v vs %+v", i, sent[i], ev)
		}
	}
}

func TestFailingTransportLogsAndRunCompletes(t *testing.T) {
	ctx := context.Background()
	log := &captureLogger{}
	transport := progress.TransportFunc(func(context.Context, progress.Event) error {
		return errors.New("socket closed")
	})
	svc := newTestService(t, WithProgressTransport(transport), WithLogger(log))

	id, err := svc.GetOrRun(ctx, testPage, prerunFixture("Boston"), staticRun([]byte(`{"series":[]}`)))
	if err != nil {
		t.Fatalf("get or run: %v", err)
	}
	rec, err := svc.Await(ctx, id)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if rec.Status != domain.StatusComplete {
		t.Fatalf("expected completion despite transport failures, got %s", rec.Status)
	}
	waitFor(t, "transport failure log", func() bool {
		return log.has("w:progress publish failed")
	})
}

func TestCloseClosesProgressSubscribers(t *testing.T) {
	svc := New(DefaultConfig(), []string{testPage})
	events, cancel := svc.SubscribeProgress(4)
	defer cancel()

	svc.Close()
	select {
	case _, ok := <-events:
		if ok {
			t.Fatalf("expected closed channel after service close")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber channel not closed")
	}
	svc.Close()
}
