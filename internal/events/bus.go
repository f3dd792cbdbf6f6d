// Package events is the in-process pub/sub bus for job lifecycle events.
// Events are transient: late subscribers see only events emitted after they
// subscribed.
package events

import (
	"strings"
	"sync"
	"time"
)

// Kind is the closed set of lifecycle event types.
type Kind string

const (
	JobCreated      Kind = "job:created"
	JobStarted      Kind = "job:started"
	JobProgress     Kind = "job:progress"
	JobCompleted    Kind = "job:completed"
	JobFailed       Kind = "job:failed"
	JobCancelled    Kind = "job:cancelled"
	PipelineStatus  Kind = "pipeline:status"
	RetryScheduled  Kind = "retry:scheduled"
	RetryWarning    Kind = "retry:warning"
	RetryCircuit    Kind = "retry:circuit_open"
	CacheHit        Kind = "cache:hit"
	CacheMiss       Kind = "cache:miss"
	AlertHighImpact Kind = "alert:high-impact"
	StatsUpdate     Kind = "stats:update"
)

// Subscription channels offered to WebSocket clients.
const (
	ChannelScans  = "scans"
	ChannelAlerts = "alerts"
)

// ChannelFor maps an event kind to the subscription channel it is delivered on.
func ChannelFor(k Kind) string {
	if strings.HasPrefix(string(k), "alert:") {
		return ChannelAlerts
	}
	return ChannelScans
}

// Event is one lifecycle notification.
type Event struct {
	Type       Kind           `json:"type"`
	JobID      string         `json:"jobId,omitempty"`
	PipelineID string         `json:"pipelineId,omitempty"`
	Severity   string         `json:"severity,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Bus fans events out to subscribers. Publish is synchronous and never
// blocks: a subscriber whose buffer is full is dropped, the same policy the
// SSE broadcaster applies to slow clients.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
	closed bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Publish delivers ev to every live subscriber. The timestamp is stamped
// here if the emitter left it zero.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = "info"
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop it rather than block the publisher.
			close(ch)
			delete(b.subs, id)
		}
	}
}

// Subscribe registers a new subscriber with the given buffer size and
// returns its channel plus an unsubscribe function. The channel is closed
// on unsubscribe, on slow-consumer drop, and on bus Close.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, unsub
}

// Close drops all subscribers. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
