package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"vaultguard/pkg/models"
)

func TestNewEvent(t *testing.T) {
	t.Parallel()

	evt := NewEvent("ready", map[string]string{"id": "123"})
	if evt.Type != "ready" {
		t.Fatalf("expected type ready, got %q", evt.Type)
	}
	if evt.At == "" {
		t.Fatal("expected timestamp")
	}
	var payload map[string]string
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["id"] != "123" {
		t.Fatalf("expected id=123, got %q", payload["id"])
	}
}

func TestSubscribePublishAndUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	h.Publish(NewEvent("ready", nil))

	select {
	case evt := <-ch:
		if evt.Type != "ready" {
			t.Fatalf("expected ready event, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	h.Unsubscribe(ch)
	// Must not panic on repeated calls.
	h.Unsubscribe(ch)
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	defer h.Unsubscribe(ch)

	first := NewEvent("first", nil)
	second := NewEvent("second", nil)
	h.Publish(first)
	h.Publish(second)

	select {
	case evt := <-ch:
		if evt.Type != "first" {
			t.Fatalf("expected first event to remain in buffer, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first event")
	}

	select {
	case evt := <-ch:
		t.Fatalf("did not expect second buffered event, got %q", evt.Type)
	default:
	}
	if h.Dropped() != 1 {
		t.Fatalf("expected 1 dropped frame, got %d", h.Dropped())
	}
}

func TestSubscribeUsesDefaultBuffer(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(0)
	defer h.Unsubscribe(ch)
	if cap(ch) != 32 {
		t.Fatalf("expected default buffer 32, got %d", cap(ch))
	}
}

func TestDeliverPublishesGuardianEvents(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(4)
	defer h.Unsubscribe(ch)
	if h.Subscribers() != 1 || h.Name() != "websocket" {
		t.Fatalf("subscribers=%d name=%s", h.Subscribers(), h.Name())
	}

	created := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
	events := []models.Event{
		{Seq: 4, Type: models.EventVaultFrozen, VaultID: "vault-1", Actor: "guardian-a", CreatedAt: created},
		{Seq: 5, Type: models.EventRecoveryApproved, VaultID: "vault-2", RecoveryID: 3, CreatedAt: created},
	}
	if err := h.Deliver(context.Background(), events); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	first := <-ch
	if first.Type != models.EventVaultFrozen || first.VaultID != "vault-1" || first.Seq != 4 {
		t.Fatalf("unexpected frame %+v", first)
	}
	if first.At != "2026-05-02T09:00:00Z" {
		t.Fatalf("frame time must be the event time, got %s", first.At)
	}
	var decoded models.Event
	if err := json.Unmarshal(first.Data, &decoded); err != nil || decoded.Actor != "guardian-a" {
		t.Fatalf("decoded=%+v err=%v", decoded, err)
	}
	if second := <-ch; second.Seq != 5 {
		t.Fatalf("unexpected second frame %+v", second)
	}
}

func TestDeliverWithoutSubscribers(t *testing.T) {
	t.Parallel()

	h := NewHub()
	if err := h.Deliver(context.Background(), []models.Event{{Seq: 1}}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
}
