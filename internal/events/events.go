// Package events provides the fire-and-forget event sink the orchestration
// loop publishes to. Delivery must never block the loop: when a subscriber's
// buffer is full the event is dropped and counted, not queued.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type identifies the kind of event being published.
type Type string

const (
	TypeIterationStarted Type = "iteration_started"
	TypeToolCall         Type = "tool_call"
	TypeToolResult       Type = "tool_result"
	TypeFinalAnswer      Type = "final_answer"
	TypeStuck            Type = "stuck"
	TypeError            Type = "error"
)

// Event is the payload contract the core guarantees to logging/UI layers.
type Event struct {
	Type      Type           `json:"type"`
	SessionID string         `json:"session_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	At        time.Time      `json:"at"`
}

// Sink receives published events. Implementations must not assume delivery
// of every event — publishers drop rather than stall.
type Sink interface {
	Publish(evt Event)
}

// Bus fans events out to subscriber channels. Each subscriber gets its own
// buffered channel; a full channel drops the event for that subscriber only.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int64]chan Event
	nextID  atomic.Int64
	bufSize int
	dropped atomic.Int64
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Bus{
		subs:    make(map[int64]chan Event),
		bufSize: bufSize,
	}
}

// Publish delivers the event to all subscribers without ever blocking.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel of events and a cancel function. The channel is
// closed on cancel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.bufSize)
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Dropped reports how many events were discarded due to full buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// NopSink discards every event. Used when no observer is attached.
type NopSink struct{}

func (NopSink) Publish(Event) {}
