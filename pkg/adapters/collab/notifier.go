// Package collab notifies the escrow registry and policy manager
// collaborators when a recovery completes.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"vaultguard/pkg/httpx"
	"vaultguard/pkg/models"
)

var ErrEndpointMissing = errors.New("collab: endpoint is empty")

// Notification is the webhook body for one completed recovery.
type Notification struct {
	Event             models.Event `json:"event"`
	EscrowRegistryRef string       `json:"escrow_registry_ref,omitempty"`
	PolicyManagerRef  string       `json:"policy_manager_ref,omitempty"`
}

// Notifier is an outbox sink. It ignores every event type except
// recovery.completed. A non-2xx response fails the whole batch so the relay
// retries it; receivers dedupe on event.event_id.
type Notifier struct {
	Client     *http.Client
	Endpoint   string
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
}

// AuthHeaders builds the header map for an optional auth header.
func AuthHeaders(name, token string) map[string]string {
	name = strings.TrimSpace(name)
	token = strings.TrimSpace(token)
	if name == "" || token == "" {
		return nil
	}
	return map[string]string{name: token}
}

func (n *Notifier) Name() string { return "collab" }

func (n *Notifier) Deliver(ctx context.Context, events []models.Event) error {
	for _, evt := range events {
		if evt.Type != models.EventRecoveryCompleted {
			continue
		}
		if err := n.notify(ctx, evt); err != nil {
			return fmt.Errorf("notify recovery %d: %w", evt.RecoveryID, err)
		}
	}
	return nil
}

func (n *Notifier) notify(ctx context.Context, evt models.Event) error {
	if strings.TrimSpace(n.Endpoint) == "" {
		return ErrEndpointMissing
	}
	body := Notification{Event: evt}
	if len(evt.Payload) > 0 {
		var completed models.RecoveryCompletedPayload
		if err := json.Unmarshal(evt.Payload, &completed); err != nil {
			return fmt.Errorf("decode completed payload: %w", err)
		}
		body.EscrowRegistryRef = completed.EscrowRegistryRef
		body.PolicyManagerRef = completed.PolicyManagerRef
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	headers := map[string]string{"Idempotency-Key": evt.EventID}
	for k, v := range n.Headers {
		headers[k] = v
	}
	status, _, err := httpx.RequestJSON(ctx, client, http.MethodPost, n.Endpoint, raw, headers, n.Retries, n.RetryDelay)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("collab: upstream status %d", status)
	}
	return nil
}
