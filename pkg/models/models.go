package models

import (
	"encoding/json"
	"math"
	"time"
)

const (
	DefaultRecoveryTimelock = 72 * time.Hour
	MaxFreezeDuration       = 30 * 24 * time.Hour
)

// SecondsDuration converts a whole number of seconds to a Duration. ok is
// false when the value does not fit in a Duration.
func SecondsDuration(sec int64) (d time.Duration, ok bool) {
	const limit = math.MaxInt64 / int64(time.Second)
	if sec > limit || sec < -limit {
		return 0, false
	}
	return time.Duration(sec) * time.Second, true
}

// Config holds the admin-mutable process-wide settings.
type Config struct {
	Admin             string        `json:"admin"`
	RecoveryTimelock  time.Duration `json:"-"`
	EscrowRegistryRef string        `json:"escrow_registry_ref"`
	PolicyManagerRef  string        `json:"policy_manager_ref"`
	LogicVersion      string        `json:"logic_version,omitempty"`
}

func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	return json.Marshal(struct {
		alias
		RecoveryTimelockSec int64 `json:"recovery_timelock_sec"`
	}{alias: alias(c), RecoveryTimelockSec: int64(c.RecoveryTimelock / time.Second)})
}

func (c *Config) UnmarshalJSON(raw []byte) error {
	type alias Config
	var wire struct {
		alias
		RecoveryTimelockSec int64 `json:"recovery_timelock_sec"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	*c = Config(wire.alias)
	c.RecoveryTimelock = time.Duration(wire.RecoveryTimelockSec) * time.Second
	return nil
}

// Settings is the singleton row: threshold plus config.
type Settings struct {
	Initialized bool
	Threshold   int
	Config      Config
}

type GuardianSet struct {
	Guardians []string `json:"guardians"`
	Threshold int      `json:"threshold"`
	Count     int      `json:"count"`
}

type RecoveryRequest struct {
	ID          uint64     `json:"id"`
	VaultID     string     `json:"vault_id"`
	OldAccount  string     `json:"old_account"`
	NewAccount  string     `json:"new_account"`
	Reason      string     `json:"reason"`
	Initiator   string     `json:"initiator"`
	CreatedAt   time.Time  `json:"created_at"`
	Approvers   []string   `json:"approvers"`
	Executed    bool       `json:"executed"`
	Cancelled   bool       `json:"cancelled"`
	ExecutedBy  string     `json:"executed_by,omitempty"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
	CancelledBy string     `json:"cancelled_by,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	Status      string     `json:"status"`
}

// Clone returns a deep copy so callers can't alias the approver slice.
func (r RecoveryRequest) Clone() RecoveryRequest {
	out := r
	out.Approvers = append([]string(nil), r.Approvers...)
	if r.ExecutedAt != nil {
		t := *r.ExecutedAt
		out.ExecutedAt = &t
	}
	if r.CancelledAt != nil {
		t := *r.CancelledAt
		out.CancelledAt = &t
	}
	return out
}

type RecoveryFilter struct {
	VaultID string
	Status  string
	Limit   int
}

type FreezeState struct {
	VaultID      string     `json:"vault_id"`
	Frozen       bool       `json:"frozen"`
	Freezer      string     `json:"freezer,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	FrozenAt     time.Time  `json:"frozen_at,omitempty"`
	FreezeExpiry time.Time  `json:"freeze_expiry,omitempty"`
	UnfrozenBy   string     `json:"unfrozen_by,omitempty"`
	UnfrozenAt   *time.Time `json:"unfrozen_at,omitempty"`
}

// Event types published to the outbox.
const (
	EventRegistryBootstrapped  = "registry.bootstrapped"
	EventGuardianAdded         = "guardian.added"
	EventGuardianRemoved       = "guardian.removed"
	EventThresholdUpdated      = "guardian.threshold_updated"
	EventRecoveryInitiated     = "recovery.initiated"
	EventRecoveryApproved      = "recovery.approved"
	EventRecoveryCompleted     = "recovery.completed"
	EventRecoveryCancelled     = "recovery.cancelled"
	EventVaultFrozen           = "vault.frozen"
	EventVaultUnfrozen         = "vault.unfrozen"
	EventTimelockUpdated       = "config.timelock_updated"
	EventEscrowRegistryUpdated = "config.escrow_registry_updated"
	EventPolicyManagerUpdated  = "config.policy_manager_updated"
	EventAdminTransferred      = "admin.transferred"
	EventUpgradeAuthorized     = "upgrade.authorized"
)

// Event is one append-only audit/outbox entry. Seq, PrevHash and Hash are
// assigned by the store when the event is appended.
type Event struct {
	Seq        int64           `json:"seq"`
	EventID    string          `json:"event_id"`
	Type       string          `json:"type"`
	Actor      string          `json:"actor"`
	VaultID    string          `json:"vault_id,omitempty"`
	RecoveryID uint64          `json:"recovery_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	PrevHash   string          `json:"prev_hash"`
	Hash       string          `json:"hash"`
}

type BootstrapPayload struct {
	Admin            string   `json:"admin"`
	Guardians        []string `json:"guardians"`
	Threshold        int      `json:"threshold"`
	RecoveryTimelock int64    `json:"recovery_timelock_sec"`
}

type GuardianChangedPayload struct {
	Identity  string `json:"identity"`
	Count     int    `json:"count"`
	Threshold int    `json:"threshold"`
}

type ThresholdUpdatedPayload struct {
	Old int `json:"old"`
	New int `json:"new"`
}

type RecoveryInitiatedPayload struct {
	ID         uint64 `json:"id"`
	VaultID    string `json:"vault_id"`
	OldAccount string `json:"old_account"`
	NewAccount string `json:"new_account"`
	Reason     string `json:"reason"`
	Initiator  string `json:"initiator"`
}

type RecoveryApprovedPayload struct {
	ID        uint64 `json:"id"`
	Approver  string `json:"approver"`
	Approvals int    `json:"approvals"`
}

type RecoveryCompletedPayload struct {
	ID                uint64 `json:"id"`
	VaultID           string `json:"vault_id"`
	OldAccount        string `json:"old_account"`
	NewAccount        string `json:"new_account"`
	EscrowRegistryRef string `json:"escrow_registry_ref,omitempty"`
	PolicyManagerRef  string `json:"policy_manager_ref,omitempty"`
}

type RecoveryCancelledPayload struct {
	ID          uint64 `json:"id"`
	VaultID     string `json:"vault_id"`
	CancelledBy string `json:"cancelled_by"`
}

type VaultFrozenPayload struct {
	VaultID     string    `json:"vault_id"`
	Freezer     string    `json:"freezer"`
	DurationSec int64     `json:"duration_sec"`
	Reason      string    `json:"reason"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type VaultUnfrozenPayload struct {
	VaultID string `json:"vault_id"`
	Actor   string `json:"actor"`
	Auto    bool   `json:"auto"`
}

type ConfigChangedPayload struct {
	Old string `json:"old"`
	New string `json:"new"`
}

type TimelockUpdatedPayload struct {
	OldSec int64 `json:"old_sec"`
	NewSec int64 `json:"new_sec"`
}
