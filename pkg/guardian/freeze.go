package guardian

import (
	"context"
	"fmt"
	"time"

	"vaultguard/pkg/models"
	"vaultguard/pkg/recoveryfsm"

	"go.opentelemetry.io/otel/attribute"
)

// EmergencyFreeze freezes vaultID for duration, overwriting any existing record.
func (s *Service) EmergencyFreeze(ctx context.Context, caller, vaultID string, duration time.Duration, reason string) (st models.FreezeState, err error) {
	ctx, span := s.startSpan(ctx, "emergency_freeze", caller,
		attribute.String("vault.id", vaultID),
		attribute.Int64("freeze.duration_sec", int64(duration/time.Second)))
	defer func() { endSpan(span, err) }()

	_, err = s.mutate(ctx, func(tx Tx, ev *txEvents) error {
		if _, err := requireGuardian(tx, caller); err != nil {
			return err
		}
		id, err := normalizeIdentity(vaultID)
		if err != nil {
			return err
		}
		if !recoveryfsm.FreezeDurationValid(duration, models.MaxFreezeDuration) {
			return ErrInvalidTimelock
		}
		st = models.FreezeState{
			VaultID:      id,
			Frozen:       true,
			Freezer:      caller,
			Reason:       reason,
			FrozenAt:     ev.at,
			FreezeExpiry: ev.at.Add(duration),
		}
		if err := tx.PutFreeze(st); err != nil {
			return fmt.Errorf("store freeze: %w", err)
		}
		return ev.emit(models.EventVaultFrozen, caller, id, 0, models.VaultFrozenPayload{
			VaultID:     id,
			Freezer:     caller,
			DurationSec: int64(duration / time.Second),
			Reason:      reason,
			ExpiresAt:   st.FreezeExpiry,
		})
	})
	if err != nil {
		return models.FreezeState{}, err
	}
	return st, nil
}

// EmergencyUnfreeze lets any guardian lift a freeze before it lapses.
func (s *Service) EmergencyUnfreeze(ctx context.Context, caller, vaultID string) (st models.FreezeState, err error) {
	ctx, span := s.startSpan(ctx, "emergency_unfreeze", caller, attribute.String("vault.id", vaultID))
	defer func() { endSpan(span, err) }()

	_, err = s.mutate(ctx, func(tx Tx, ev *txEvents) error {
		if _, err := requireGuardian(tx, caller); err != nil {
			return err
		}
		st, err = s.unfreeze(tx, ev, caller, vaultID, false)
		return err
	})
	if err != nil {
		return models.FreezeState{}, err
	}
	return st, nil
}

// AutoUnfreeze lifts a freeze whose window has lapsed. Any caller may invoke it.
func (s *Service) AutoUnfreeze(ctx context.Context, caller, vaultID string) (st models.FreezeState, err error) {
	ctx, span := s.startSpan(ctx, "auto_unfreeze", caller, attribute.String("vault.id", vaultID))
	defer func() { endSpan(span, err) }()

	_, err = s.mutate(ctx, func(tx Tx, ev *txEvents) error {
		if _, err := loadSettings(tx); err != nil {
			return err
		}
		st, err = s.unfreeze(tx, ev, caller, vaultID, true)
		return err
	})
	if err != nil {
		return models.FreezeState{}, err
	}
	return st, nil
}

func (s *Service) unfreeze(tx Tx, ev *txEvents, caller, vaultID string, auto bool) (models.FreezeState, error) {
	vaultID, err := normalizeIdentity(vaultID)
	if err != nil {
		return models.FreezeState{}, err
	}
	st, ok, err := tx.Freeze(vaultID)
	if err != nil {
		return models.FreezeState{}, fmt.Errorf("load freeze state: %w", err)
	}
	if !ok || !st.Frozen {
		return models.FreezeState{}, ErrVaultNotFrozen
	}
	if auto && !recoveryfsm.FreezeLapsed(ev.at, st.FreezeExpiry) {
		return models.FreezeState{}, ErrRecoveryNotReady
	}
	at := ev.at
	st.Frozen = false
	st.UnfrozenBy = caller
	st.UnfrozenAt = &at
	if err := tx.PutFreeze(st); err != nil {
		return models.FreezeState{}, fmt.Errorf("store freeze: %w", err)
	}
	if err := ev.emit(models.EventVaultUnfrozen, caller, vaultID, 0, models.VaultUnfrozenPayload{
		VaultID: vaultID,
		Actor:   caller,
		Auto:    auto,
	}); err != nil {
		return models.FreezeState{}, err
	}
	return st, nil
}

func (s *Service) IsVaultFrozen(ctx context.Context, vaultID string) (bool, error) {
	st, err := s.GetFreezeState(ctx, vaultID)
	if err != nil {
		return false, err
	}
	return st.Frozen, nil
}

// GetFreezeState returns the vault's record, or a zero record with
// Frozen=false for a vault that was never frozen.
func (s *Service) GetFreezeState(ctx context.Context, vaultID string) (models.FreezeState, error) {
	vaultID = lookupIdentity(vaultID)
	var st models.FreezeState
	err := s.view(ctx, func(tx Tx) error {
		got, ok, err := tx.Freeze(vaultID)
		if err != nil {
			return err
		}
		if ok {
			st = got
		} else {
			st = models.FreezeState{VaultID: vaultID}
		}
		return nil
	})
	if err != nil {
		return models.FreezeState{}, fmt.Errorf("load freeze state: %w", err)
	}
	return st, nil
}

// ExpiredFreezes lists frozen vaults whose window has lapsed at the current time.
func (s *Service) ExpiredFreezes(ctx context.Context) ([]models.FreezeState, error) {
	now := s.clock()
	var out []models.FreezeState
	err := s.view(ctx, func(tx Tx) error {
		frozen, err := tx.ListFrozen()
		if err != nil {
			return err
		}
		for _, st := range frozen {
			if recoveryfsm.FreezeLapsed(now, st.FreezeExpiry) {
				out = append(out, st)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list frozen vaults: %w", err)
	}
	return out, nil
}
