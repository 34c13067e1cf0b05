// Package guardiansdk is a typed HTTP client for guardiand.
package guardiansdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"vaultguard/pkg/auth"
	"vaultguard/pkg/models"

	"github.com/google/uuid"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	// AuthToken is sent as a bearer token. Caller is sent as the caller
	// header instead, for servers running with AUTH_MODE=off.
	AuthToken string
	Caller    string

	// Retries applies to transport errors and 5xx responses. Mutating calls
	// reuse one Idempotency-Key across attempts.
	Retries    int
	RetryDelay time.Duration
	NewKey     func() string
}

// APIError is a non-2xx response. Code carries the server error kind.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (status=%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("status=%d: %s", e.Status, e.Message)
}

// ErrorCode returns the server error kind carried by err, if any.
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		RetryDelay: 200 * time.Millisecond,
	}
}

type EventPage struct {
	Events    []models.Event `json:"events"`
	NextAfter int64          `json:"next_after"`
}

type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Verified int    `json:"verified"`
	Error    string `json:"error,omitempty"`
}

// Registry

func (c *Client) Guardians(ctx context.Context) (models.GuardianSet, error) {
	var out models.GuardianSet
	err := c.do(ctx, http.MethodGet, "/v1/guardians", nil, &out)
	return out, err
}

func (c *Client) IsGuardian(ctx context.Context, identity string) (bool, error) {
	var out struct {
		Guardian bool `json:"guardian"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/guardians/"+url.PathEscape(identity), nil, &out)
	return out.Guardian, err
}

func (c *Client) AddGuardian(ctx context.Context, identity string) (models.GuardianSet, error) {
	var out models.GuardianSet
	err := c.do(ctx, http.MethodPost, "/v1/guardians", map[string]string{"identity": identity}, &out)
	return out, err
}

func (c *Client) RemoveGuardian(ctx context.Context, identity string) (models.GuardianSet, error) {
	var out models.GuardianSet
	err := c.do(ctx, http.MethodDelete, "/v1/guardians/"+url.PathEscape(identity), nil, &out)
	return out, err
}

func (c *Client) SetThreshold(ctx context.Context, n int) (models.GuardianSet, error) {
	var out models.GuardianSet
	err := c.do(ctx, http.MethodPut, "/v1/guardians/threshold", map[string]int{"threshold": n}, &out)
	return out, err
}

// Recovery

type InitiateRequest struct {
	VaultID    string `json:"vault_id"`
	OldAccount string `json:"old_account,omitempty"`
	NewAccount string `json:"new_account"`
	Reason     string `json:"reason,omitempty"`
}

func (c *Client) InitiateRecovery(ctx context.Context, in InitiateRequest) (models.RecoveryRequest, error) {
	var out models.RecoveryRequest
	err := c.do(ctx, http.MethodPost, "/v1/recoveries", in, &out)
	return out, err
}

func (c *Client) ApproveRecovery(ctx context.Context, id uint64) (models.RecoveryRequest, error) {
	return c.transition(ctx, id, "approve")
}

func (c *Client) CancelRecovery(ctx context.Context, id uint64) (models.RecoveryRequest, error) {
	return c.transition(ctx, id, "cancel")
}

func (c *Client) CompleteRecovery(ctx context.Context, id uint64) (models.RecoveryRequest, error) {
	return c.transition(ctx, id, "complete")
}

func (c *Client) transition(ctx context.Context, id uint64, action string) (models.RecoveryRequest, error) {
	var out models.RecoveryRequest
	err := c.do(ctx, http.MethodPost, recoveryPath(id)+"/"+action, nil, &out)
	return out, err
}

func (c *Client) Recovery(ctx context.Context, id uint64) (models.RecoveryRequest, error) {
	var out models.RecoveryRequest
	err := c.do(ctx, http.MethodGet, recoveryPath(id), nil, &out)
	return out, err
}

func (c *Client) RecoveryApprovers(ctx context.Context, id uint64) ([]string, error) {
	var out struct {
		Approvers []string `json:"approvers"`
	}
	err := c.do(ctx, http.MethodGet, recoveryPath(id)+"/approvers", nil, &out)
	return out.Approvers, err
}

func (c *Client) ListRecoveries(ctx context.Context, f models.RecoveryFilter) ([]models.RecoveryRequest, error) {
	q := url.Values{}
	if f.VaultID != "" {
		q.Set("vault_id", f.VaultID)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	path := "/v1/recoveries"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Recoveries []models.RecoveryRequest `json:"recoveries"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Recoveries, err
}

func recoveryPath(id uint64) string {
	return "/v1/recoveries/" + strconv.FormatUint(id, 10)
}

// Freeze

func (c *Client) Freeze(ctx context.Context, vaultID string, d time.Duration, reason string) (models.FreezeState, error) {
	var out models.FreezeState
	err := c.do(ctx, http.MethodPost, vaultPath(vaultID)+"/freeze", map[string]any{
		"duration_sec": int64(d / time.Second),
		"reason":       reason,
	}, &out)
	return out, err
}

func (c *Client) Unfreeze(ctx context.Context, vaultID string) (models.FreezeState, error) {
	var out models.FreezeState
	err := c.do(ctx, http.MethodPost, vaultPath(vaultID)+"/unfreeze", nil, &out)
	return out, err
}

func (c *Client) AutoUnfreeze(ctx context.Context, vaultID string) (models.FreezeState, error) {
	var out models.FreezeState
	err := c.do(ctx, http.MethodPost, vaultPath(vaultID)+"/auto-unfreeze", nil, &out)
	return out, err
}

func (c *Client) FreezeState(ctx context.Context, vaultID string) (models.FreezeState, error) {
	var out models.FreezeState
	err := c.do(ctx, http.MethodGet, vaultPath(vaultID)+"/freeze", nil, &out)
	return out, err
}

func vaultPath(vaultID string) string {
	return "/v1/vaults/" + url.PathEscape(vaultID)
}

// Config and admin

func (c *Client) Config(ctx context.Context) (models.Config, error) {
	var out models.Config
	err := c.do(ctx, http.MethodGet, "/v1/config", nil, &out)
	return out, err
}

func (c *Client) SetRecoveryTimelock(ctx context.Context, d time.Duration) (models.Config, error) {
	return c.config(ctx, http.MethodPut, "/v1/config/recovery-timelock", map[string]int64{"seconds": int64(d / time.Second)})
}

func (c *Client) SetEscrowRegistry(ctx context.Context, ref string) (models.Config, error) {
	return c.config(ctx, http.MethodPut, "/v1/config/escrow-registry", map[string]string{"ref": ref})
}

func (c *Client) SetPolicyManager(ctx context.Context, ref string) (models.Config, error) {
	return c.config(ctx, http.MethodPut, "/v1/config/policy-manager", map[string]string{"ref": ref})
}

func (c *Client) TransferAdmin(ctx context.Context, newAdmin string) (models.Config, error) {
	return c.config(ctx, http.MethodPost, "/v1/admin/transfer", map[string]string{"new_admin": newAdmin})
}

func (c *Client) AuthorizeUpgrade(ctx context.Context, version string) (models.Config, error) {
	return c.config(ctx, http.MethodPost, "/v1/admin/upgrade", map[string]string{"version": version})
}

func (c *Client) config(ctx context.Context, method, path string, body any) (models.Config, error) {
	var out models.Config
	err := c.do(ctx, method, path, body, &out)
	return out, err
}

// Events

func (c *Client) Events(ctx context.Context, after int64, limit int) (EventPage, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(after, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out EventPage
	err := c.do(ctx, http.MethodGet, "/v1/events?"+q.Encode(), nil, &out)
	return out, err
}

// VerifyEvents reports a broken chain as Valid=false rather than an error.
func (c *Client) VerifyEvents(ctx context.Context) (VerifyResult, error) {
	var out VerifyResult
	err := c.do(ctx, http.MethodGet, "/v1/events/verify", nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		return VerifyResult{Valid: false, Error: apiErr.Message}, nil
	}
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = raw
	}
	idemKey := ""
	if method != http.MethodGet {
		idemKey = c.newKey()
	}
	attempts := c.Retries + 1
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && !sleepCtx(ctx, c.RetryDelay) {
			return ctx.Err()
		}
		retry, err := c.once(ctx, method, path, idemKey, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, path, idemKey string, body []byte, out any) (bool, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return false, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	c.applyAuth(req)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return ctx.Err() == nil, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var eb struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(respBody, &eb) == nil && eb.Error != "" {
			apiErr.Message = eb.Error
			apiErr.Code = eb.Code
		}
		return resp.StatusCode >= 500, apiErr
	}
	if out == nil {
		return false, nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return false, nil
}

func (c *Client) newKey() string {
	if c.NewKey != nil {
		return c.NewKey()
	}
	return uuid.NewString()
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 5 * time.Second}
}

func (c *Client) applyAuth(req *http.Request) {
	if tok := strings.TrimSpace(c.AuthToken); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
		return
	}
	if caller := strings.TrimSpace(c.Caller); caller != "" {
		req.Header.Set(auth.CallerHeader, caller)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
