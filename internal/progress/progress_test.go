package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestBroadcasterFanOut(t *testing.T) {
	b := NewBroadcaster(nil)
	first, cancelFirst := b.Subscribe(4)
	defer cancelFirst()
	second, cancelSecond := b.Subscribe(4)
	defer cancelSecond()

	event := Event{Action: ActionStart, ID: "sim-1", Page: "overview", Total: 100, At: time.Now().UTC()}
	if err := b.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for name, ch := range map[string]<-chan Event{"first": first, "second": second} {
		select {
		case got := <-ch:
			if got.Action != ActionStart || got.ID != "sim-1" {
				t.Fatalf("%s: unexpected event %+v", name, got)
			}
		default:
			t.Fatalf("%s: expected delivered event", name)
		}
	}
}

func TestBroadcasterDropsWhenBufferFull(t *testing.T) {
	b := NewBroadcaster(nil)
	ch, cancel := b.Subscribe(1)
	defer cancel()

	ctx := context.Background()
	if err := b.Publish(ctx, Event{Action: ActionStart, ID: "sim-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(ctx, Event{Action: ActionUpdate, ID: "sim-1", Current: 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := b.Dropped(); got != 1 {
		t.Fatalf("expected 1 dropped event, got %d", got)
	}
	got := <-ch
	if got.Action != ActionStart {
		t.Fatalf("expected buffered start event, got %+v", got)
	}
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	b := NewBroadcaster(nil)
	ch, cancel := b.Subscribe(1)
	cancel()
	cancel()

	if err := b.Publish(context.Background(), Event{Action: ActionStart, ID: "sim-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, open := <-ch; open {
		t.Fatalf("expected closed channel after cancel")
	}
}

func TestBroadcasterForwardsToTransport(t *testing.T) {
	var captured []Event
	b := NewBroadcaster(TransportFunc(func(_ context.Context, event Event) error {
		captured = append(captured, event)
		return nil
	}))

	if err := b.Publish(context.Background(), Event{Action: ActionComplete, ID: "sim-1", Percent: 100}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(captured) != 1 || captured[0].Action != ActionComplete {
		t.Fatalf("expected forwarded terminal event, got %+v", captured)
	}

	failing := NewBroadcaster(TransportFunc(func(context.Context, Event) error {
		return errors.New("sink offline")
	}))
	err := failing.Publish(context.Background(), Event{Action: ActionStart, ID: "sim-2"})
	if err == nil || !strings.Contains(err.Error(), "transport publish") {
		t.Fatalf("expected wrapped transport error, got %v", err)
	}
}

func TestWriterTransportWritesJSONL(t *testing.T) {
	var buf bytes.Buffer
	transport := NewWriterTransport(&buf)
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	events := []Event{
		{Action: ActionStart, ID: "sim-1", Page: "overview", Total: 50, Description: "preparing model", At: at},
		{Action: ActionError, ID: "sim-1", Page: "overview", Message: "solver exploded", At: at.Add(time.Second)},
	}
	for _, event := range events {
		if err := transport.Publish(ctx, event); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var decoded Event
	if err := json.Unmarshal([]byte(lines[1]), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Action != ActionError || decoded.Message != "solver exploded" {
		t.Fatalf("unexpected decoded event: %+v", decoded)
	}
	if !decoded.Terminal() {
		t.Fatalf("expected terminal event")
	}
}

func TestWriterTransportNilIsNoop(t *testing.T) {
	var transport *WriterTransport
	if err := transport.Publish(context.Background(), Event{Action: ActionStart}); err != nil {
		t.Fatalf("nil transport publish: %v", err)
	}
}

func TestBroadcasterCloseTerminatesSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)
	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Close()
	b.Close()

	if _, open := <-ch; open {
		t.Fatalf("expected closed subscriber channel")
	}
	late, lateCancel := b.Subscribe(1)
	defer lateCancel()
	if _, open := <-late; open {
		t.Fatalf("expected immediately closed channel after shutdown")
	}
	if err := b.Publish(context.Background(), Event{Action: ActionUpdate, ID: "sim-1"}); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
}

func TestEventTerminal(t *testing.T) {
	for action, want := range map[Action]bool{
		ActionStart:    false,
		ActionUpdate:   false,
		ActionComplete: true,
		ActionError:    true,
	} {
		if got := (Event{Action: action}).Terminal(); got != want {
			t.Fatalf("action %s: terminal=%v, want %v", action, got, want)
		}
	}
}
