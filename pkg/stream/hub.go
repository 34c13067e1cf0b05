package stream

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"vaultguard/pkg/models"
)

// Event is one frame on the live stream. Guardian events carry the full
// models.Event in Data; control frames ("ready") carry none.
type Event struct {
	Type    string          `json:"type"`
	At      string          `json:"at"`
	VaultID string          `json:"vault_id,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// FromGuardianEvent wraps an outbox event for the stream.
func FromGuardianEvent(evt models.Event) Event {
	out := NewEvent(evt.Type, evt)
	out.At = evt.CreatedAt.UTC().Format(time.RFC3339Nano)
	out.VaultID = evt.VaultID
	out.Seq = evt.Seq
	return out
}

// Hub fans events out to websocket subscribers. Slow subscribers drop
// frames instead of blocking the publisher.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts frames discarded because a subscriber buffer was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) Name() string { return "websocket" }

// Deliver publishes outbox events to current subscribers. It never fails:
// the stream is best effort and clients backfill from /v1/events.
func (h *Hub) Deliver(_ context.Context, events []models.Event) error {
	for _, evt := range events {
		h.Publish(FromGuardianEvent(evt))
	}
	return nil
}
