package guardian

import (
	"context"
	"time"

	"vaultguard/pkg/models"
)

// Store runs each call in one atomic transaction. Update serializes writers;
// if fn returns an error nothing it wrote is committed.
type Store interface {
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error
}

// Tx is the transactional view used by Service. Reads observe the writes made
// earlier in the same transaction.
type Tx interface {
	Settings() (models.Settings, error)
	PutSettings(models.Settings) error

	// Guardians returns identities in insertion order.
	Guardians() ([]string, error)
	HasGuardian(identity string) (bool, error)
	InsertGuardian(identity string, at time.Time) error
	DeleteGuardian(identity string) error

	// NextRecoveryID allocates the next request id. Ids start at 1 and are never reused.
	NextRecoveryID() (uint64, error)
	InsertRecovery(req models.RecoveryRequest) error
	// Recovery returns ErrRecoveryNotFound when id is unknown.
	Recovery(id uint64) (models.RecoveryRequest, error)
	ListRecoveries(filter models.RecoveryFilter) ([]models.RecoveryRequest, error)
	AppendApprover(id uint64, identity string, at time.Time) error
	MarkExecuted(id uint64, by string, at time.Time) error
	MarkCancelled(id uint64, by string, at time.Time) error

	// Freeze reports ok=false when the vault has no record.
	Freeze(vaultID string) (models.FreezeState, bool, error)
	PutFreeze(state models.FreezeState) error
	ListFrozen() ([]models.FreezeState, error)

	// AppendEvent seals evt onto the hash chain and stores it undelivered.
	AppendEvent(evt models.Event) (models.Event, error)
	Events(afterSeq int64, limit int) ([]models.Event, error)
}
