package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultIdempotencyTTL = 24 * time.Hour
	idempotencyPending    = "pending"
)

// ErrIdempotencyInFlight means another request holding the same key has not
// finished yet.
var ErrIdempotencyInFlight = errors.New("idempotent request in flight")

// ErrIdempotencyMismatch means the key was already used for a different request.
var ErrIdempotencyMismatch = errors.New("idempotency key reused for a different request")

// StoredResponse is the first response recorded for an idempotency key.
type StoredResponse struct {
	Status      int             `json:"status"`
	Body        json.RawMessage `json:"body"`
	Fingerprint string          `json:"fingerprint,omitempty"`
}

// Idempotency records responses per key so retried requests are replayed
// instead of executed twice.
type Idempotency struct {
	Cache Cache
	TTL   time.Duration
}

func (i *Idempotency) ttl() time.Duration {
	if i.TTL <= 0 {
		return DefaultIdempotencyTTL
	}
	return i.TTL
}

// Begin reserves key. It returns the stored response when key already
// completed for the same fingerprint, ErrIdempotencyMismatch when it completed
// for another one, or ErrIdempotencyInFlight while another holder is running.
func (i *Idempotency) Begin(ctx context.Context, key, fingerprint string) (*StoredResponse, error) {
	ok, err := i.Cache.SetNX(ctx, key, idempotencyPending, i.ttl())
	if err != nil {
		return nil, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if ok {
		return nil, nil
	}
	raw, err := i.Cache.Get(ctx, key)
	if errors.Is(err, ErrCacheMiss) {
		return nil, ErrIdempotencyInFlight
	}
	if err != nil {
		return nil, fmt.Errorf("load idempotency key: %w", err)
	}
	if raw == idempotencyPending {
		return nil, ErrIdempotencyInFlight
	}
	var resp StoredResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("decode idempotent response: %w", err)
	}
	if resp.Fingerprint != fingerprint {
		return nil, ErrIdempotencyMismatch
	}
	return &resp, nil
}

// Complete stores resp as the final answer for key.
func (i *Idempotency) Complete(ctx context.Context, key string, resp StoredResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return i.Cache.Set(ctx, key, string(raw), i.ttl())
}

// Abort releases a reservation so the request can be retried.
func (i *Idempotency) Abort(ctx context.Context, key string) error {
	return i.Cache.Del(ctx, key)
}
