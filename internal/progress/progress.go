// Package progress carries simulation progress events from workers to
// subscribers. Events form a fixed contract per run: one start, zero or more
// updates with monotonically non-decreasing counters, and exactly one
// terminal completion or error event.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Actions identify the type of progress event.
const (
	ActionStart    Action = "start"
	ActionUpdate   Action = "update"
	ActionComplete Action = "complete"
	ActionError    Action = "error"
)

// Action tags a progress event.
type Action string

// Event is a single progress notification for a simulation run. Each event
// carries the record identifier, the requesting page, and counter state at
// the time of emission.
type Event struct {
	Action      Action    `json:"action"`
	ID          string    `json:"id"`
	Page        string    `json:"page,omitempty"`
	Current     int       `json:"current"`
	Total       int       `json:"total"`
	Percent     int       `json:"percent"`
	Description string    `json:"description,omitempty"`
	Message     string    `json:"message,omitempty"`
	At          time.Time `json:"at"`
}

// Terminal reports whether the event ends its run's stream.
func (e Event) Terminal() bool {
	return e.Action == ActionComplete || e.Action == ActionError
}

// Transport delivers events to an external sink such as a log stream or a
// websocket bridge.
type Transport interface {
	Publish(ctx context.Context, event Event) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, event Event) error

// Publish invokes the wrapped function.
func (f TransportFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// WriterTransport streams events as JSON lines. It is safe for concurrent
// use. A nil *WriterTransport is a valid no-op transport.
type WriterTransport struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewWriterTransport wraps w in a JSONL event sink.
func NewWriterTransport(w io.Writer) *WriterTransport {
	return &WriterTransport{enc: json.NewEncoder(w)}
}

// Publish writes a single event line. Calling Publish on a nil transport is
// a no-op.
func (t *WriterTransport) Publish(_ context.Context, event Event) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enc.Encode(event); err != nil {
		return fmt.Errorf("progress: encode event: %w", err)
	}
	return nil
}

// Broadcaster fans events out to channel subscribers and an optional
// transport. Subscriber channels never block publishers: events that do not
// fit a subscriber's buffer are dropped and counted.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
	closed      bool
	transport   Transport
	dropped     atomic.Uint64
}

// NewBroadcaster constructs a broadcaster. The transport may be nil.
func NewBroadcaster(transport Transport) *Broadcaster {
	return &Broadcaster{
		subscribers: map[int]chan Event{},
		transport:   transport,
	}
}

// Subscribe registers a buffered event channel and returns it with a cancel
// function. A non-positive buffer falls back to a small default. After Close
// the returned channel is already closed.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Publish fans the event out to all subscribers without blocking, then hands
// it to the transport. Only transport failures are returned.
func (b *Broadcaster) Publish(ctx context.Context, event Event) error {
	b.mu.Lock()
	if !b.closed {
		for _, sub := range b.subscribers {
			select {
			case sub <- event:
			default:
				b.dropped.Add(1)
			}
		}
	}
	transport := b.transport
	b.mu.Unlock()

	if transport == nil {
		return nil
	}
	if err := transport.Publish(ctx, event); err != nil {
		return fmt.Errorf("progress: transport publish: %w", err)
	}
	return nil
}

// Dropped reports how many events were discarded because a subscriber buffer
// was full.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels. It is safe to call multiple times.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub)
	}
}
