// Package runner spawns supervised subprocesses and streams their output to
// fan-out subscribers.
package runner

import (
	"sync"
	"time"

	"github.com/skyform-io/skyform/types"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity. A
// subscriber whose backlog exceeds it is dropped so publishers never block.
const DefaultSubscriberBuffer = 256

// Hub fans events out to subscribers keyed by correlation
// ("<kind>:<id>", e.g. "command:<commandId>", "job:<jobId>").
//
// Subscribers only observe events published after they subscribe. Delivery
// per subscriber is in publish order; a terminal frame closes the stream.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topic
	buffer int
}

type topic struct {
	seq  int64
	subs map[int]chan types.StreamEvent
	next int
}

// NewHub creates a Hub with the default subscriber buffer.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]*topic), buffer: DefaultSubscriberBuffer}
}

// NewHubWithBuffer creates a Hub with a custom subscriber buffer capacity.
func NewHubWithBuffer(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{topics: make(map[string]*topic), buffer: buffer}
}

// Subscribe registers a subscriber for a correlation key. The returned cancel
// function detaches the subscriber; the channel is closed on cancel or when a
// terminal event is published.
func (h *Hub) Subscribe(correlation string) (<-chan types.StreamEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	tp, ok := h.topics[correlation]
	if !ok {
		tp = &topic{subs: make(map[int]chan types.StreamEvent)}
		h.topics[correlation] = tp
	}
	id := tp.next
	tp.next++
	ch := make(chan types.StreamEvent, h.buffer)
	tp.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if tp, ok := h.topics[correlation]; ok {
			if ch, ok := tp.subs[id]; ok {
				delete(tp.subs, id)
				close(ch)
			}
			if len(tp.subs) == 0 {
				delete(h.topics, correlation)
			}
		}
	}
	return ch, cancel
}

// Publish delivers an event to every live subscriber of the correlation key.
// The send is non-blocking: a subscriber with a full backlog is dropped.
// Terminal events close all subscriber channels and release the topic.
func (h *Hub) Publish(correlation string, ev types.StreamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	tp, ok := h.topics[correlation]
	if !ok {
		return
	}
	tp.seq++
	ev.Correlation = correlation
	ev.Seq = tp.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	for id, ch := range tp.subs {
		select {
		case ch <- ev:
		default:
			// Backlogged subscriber: drop it to keep publishers non-blocking.
			delete(tp.subs, id)
			close(ch)
		}
	}

	if ev.Type.IsTerminal() {
		for id, ch := range tp.subs {
			delete(tp.subs, id)
			close(ch)
		}
		delete(h.topics, correlation)
	}
}

// SubscriberCount returns the number of live subscribers for a key.
func (h *Hub) SubscriberCount(correlation string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if tp, ok := h.topics[correlation]; ok {
		return len(tp.subs)
	}
	return 0
}
