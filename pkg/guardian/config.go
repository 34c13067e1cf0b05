package guardian

import (
	"context"
	"fmt"
	"time"

	"vaultguard/pkg/models"
)

// updateConfig applies change to the admin-owned config in one transaction.
func (s *Service) updateConfig(ctx context.Context, op, caller string, change func(cfg *models.Config, ev *txEvents) error) (cfg models.Config, err error) {
	ctx, span := s.startSpan(ctx, op, caller)
	defer func() { endSpan(span, err) }()

	_, err = s.mutate(ctx, func(tx Tx, ev *txEvents) error {
		settings, err := requireAdmin(tx, caller)
		if err != nil {
			return err
		}
		if err := change(&settings.Config, ev); err != nil {
			return err
		}
		if err := tx.PutSettings(settings); err != nil {
			return fmt.Errorf("store settings: %w", err)
		}
		cfg = settings.Config
		return nil
	})
	if err != nil {
		return models.Config{}, err
	}
	return cfg, nil
}

func (s *Service) UpdateRecoveryTimelock(ctx context.Context, caller string, d time.Duration) (models.Config, error) {
	return s.updateConfig(ctx, "update_recovery_timelock", caller, func(cfg *models.Config, ev *txEvents) error {
		if d <= 0 {
			return ErrInvalidTimelock
		}
		old := cfg.RecoveryTimelock
		cfg.RecoveryTimelock = d
		return ev.emit(models.EventTimelockUpdated, caller, "", 0, models.TimelockUpdatedPayload{
			OldSec: int64(old / time.Second),
			NewSec: int64(d / time.Second),
		})
	})
}

func (s *Service) UpdateEscrowRegistry(ctx context.Context, caller, ref string) (models.Config, error) {
	return s.updateConfig(ctx, "update_escrow_registry", caller, func(cfg *models.Config, ev *txEvents) error {
		old := cfg.EscrowRegistryRef
		cfg.EscrowRegistryRef = ref
		return ev.emit(models.EventEscrowRegistryUpdated, caller, "", 0, models.ConfigChangedPayload{Old: old, New: ref})
	})
}

func (s *Service) UpdatePolicyManager(ctx context.Context, caller, ref string) (models.Config, error) {
	return s.updateConfig(ctx, "update_policy_manager", caller, func(cfg *models.Config, ev *txEvents) error {
		old := cfg.PolicyManagerRef
		cfg.PolicyManagerRef = ref
		return ev.emit(models.EventPolicyManagerUpdated, caller, "", 0, models.ConfigChangedPayload{Old: old, New: ref})
	})
}

// TransferAdmin hands the admin role to newAdmin.
func (s *Service) TransferAdmin(ctx context.Context, caller, newAdmin string) (models.Config, error) {
	return s.updateConfig(ctx, "transfer_admin", caller, func(cfg *models.Config, ev *txEvents) error {
		id, err := normalizeIdentity(newAdmin)
		if err != nil {
			return err
		}
		old := cfg.Admin
		cfg.Admin = id
		return ev.emit(models.EventAdminTransferred, caller, "", 0, models.ConfigChangedPayload{Old: old, New: id})
	})
}

// AuthorizeUpgrade records version as the active logic version. Only the
// admin may authorize an upgrade.
func (s *Service) AuthorizeUpgrade(ctx context.Context, caller, version string) (models.Config, error) {
	return s.updateConfig(ctx, "authorize_upgrade", caller, func(cfg *models.Config, ev *txEvents) error {
		v, err := normalizeIdentity(version)
		if err != nil {
			return err
		}
		old := cfg.LogicVersion
		cfg.LogicVersion = v
		return ev.emit(models.EventUpgradeAuthorized, caller, "", 0, models.ConfigChangedPayload{Old: old, New: v})
	})
}

func (s *Service) Config(ctx context.Context) (models.Config, error) {
	var cfg models.Config
	err := s.view(ctx, func(tx Tx) error {
		settings, err := loadSettings(tx)
		if err != nil {
			return err
		}
		cfg = settings.Config
		return nil
	})
	if err != nil {
		if KindOf(err) != "" {
			return models.Config{}, err
		}
		return models.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
