package guardian

import (
	"context"
	"fmt"
	"time"

	"vaultguard/pkg/models"

	"go.opentelemetry.io/otel/attribute"
)

// BootstrapConfig seeds an empty store with the admin and initial guardian set.
type BootstrapConfig struct {
	Admin             string
	Guardians         []string
	Threshold         int
	RecoveryTimelock  time.Duration
	EscrowRegistryRef string
	PolicyManagerRef  string
}

// Bootstrap initializes the registry once. It fails with ErrAlreadyInitialized
// on a store that already has settings.
func (s *Service) Bootstrap(ctx context.Context, cfg BootstrapConfig) (err error) {
	ctx, span := s.startSpan(ctx, "bootstrap", cfg.Admin)
	defer func() { endSpan(span, err) }()

	admin, err := normalizeIdentity(cfg.Admin)
	if err != nil {
		return err
	}
	guardians := make([]string, 0, len(cfg.Guardians))
	seen := map[string]struct{}{}
	for _, g := range cfg.Guardians {
		id, err := normalizeIdentity(g)
		if err != nil {
			return err
		}
		if _, dup := seen[id]; dup {
			return ErrGuardianAlreadyExists
		}
		seen[id] = struct{}{}
		guardians = append(guardians, id)
	}
	if cfg.Threshold < 1 || cfg.Threshold > len(guardians) {
		return ErrInvalidThreshold
	}
	timelock := cfg.RecoveryTimelock
	if timelock == 0 {
		timelock = models.DefaultRecoveryTimelock
	}
	if timelock < 0 {
		return ErrInvalidTimelock
	}

	_, err = s.mutate(ctx, func(tx Tx, ev *txEvents) error {
		current, err := tx.Settings()
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		if current.Initialized {
			return ErrAlreadyInitialized
		}
		for _, g := range guardians {
			if err := tx.InsertGuardian(g, ev.at); err != nil {
				return fmt.Errorf("insert guardian: %w", err)
			}
		}
		settings := models.Settings{
			Initialized: true,
			Threshold:   cfg.Threshold,
			Config: models.Config{
				Admin:             admin,
				RecoveryTimelock:  timelock,
				EscrowRegistryRef: cfg.EscrowRegistryRef,
				PolicyManagerRef:  cfg.PolicyManagerRef,
			},
		}
		if err := tx.PutSettings(settings); err != nil {
			return fmt.Errorf("store settings: %w", err)
		}
		return ev.emit(models.EventRegistryBootstrapped, admin, "", 0, models.BootstrapPayload{
			Admin:            admin,
			Guardians:        guardians,
			Threshold:        cfg.Threshold,
			RecoveryTimelock: int64(timelock / time.Second),
		})
	})
	return err
}

func (s *Service) AddGuardian(ctx context.Context, caller, identity string) (err error) {
	ctx, span := s.startSpan(ctx, "add_guardian", caller, attribute.String("guardian.identity", identity))
	defer func() { endSpan(span, err) }()

	_, err = s.mutate(ctx, func(tx Tx, ev *txEvents) error {
		settings, err := requireAdmin(tx, caller)
		if err != nil {
			return err
		}
		id, err := normalizeIdentity(identity)
		if err != nil {
			return err
		}
		exists, err := tx.HasGuardian(id)
		if err != nil {
			return fmt.Errorf("check guardian: %w", err)
		}
		if exists {
			return ErrGuardianAlreadyExists
		}
		if err := tx.InsertGuardian(id, ev.at); err != nil {
			return fmt.Errorf("insert guardian: %w", err)
		}
		guardians, err := tx.Guardians()
		if err != nil {
			return fmt.Errorf("list guardians: %w", err)
		}
		return ev.emit(models.EventGuardianAdded, caller, "", 0, models.GuardianChangedPayload{
			Identity:  id,
			Count:     len(guardians),
			Threshold: settings.Threshold,
		})
	})
	return err
}

func (s *Service) RemoveGuardian(ctx context.Context, caller, identity string) (err error) {
	ctx, span := s.startSpan(ctx, "remove_guardian", caller, attribute.String("guardian.identity", identity))
	defer func() { endSpan(span, err) }()

	_, err = s.mutate(ctx, func(tx Tx, ev *txEvents) error {
		settings, err := requireAdmin(tx, caller)
		if err != nil {
			return err
		}
		identity, err = normalizeIdentity(identity)
		if err != nil {
			return err
		}
		exists, err := tx.HasGuardian(identity)
		if err != nil {
			return fmt.Errorf("check guardian: %w", err)
		}
		if !exists {
			return ErrGuardianNotFound
		}
		guardians, err := tx.Guardians()
		if err != nil {
			return fmt.Errorf("list guardians: %w", err)
		}
		if len(guardians)-1 < settings.Threshold {
			return ErrCannotRemoveLastGuardian
		}
		if err := tx.DeleteGuardian(identity); err != nil {
			return fmt.Errorf("delete guardian: %w", err)
		}
		return ev.emit(models.EventGuardianRemoved, caller, "", 0, models.GuardianChangedPayload{
			Identity:  identity,
			Count:     len(guardians) - 1,
			Threshold: settings.Threshold,
		})
	})
	return err
}

func (s *Service) UpdateGuardianThreshold(ctx context.Context, caller string, n int) (err error) {
	ctx, span := s.startSpan(ctx, "update_threshold", caller, attribute.Int("guardian.threshold", n))
	defer func() { endSpan(span, err) }()

	_, err = s.mutate(ctx, func(tx Tx, ev *txEvents) error {
		settings, err := requireAdmin(tx, caller)
		if err != nil {
			return err
		}
		guardians, err := tx.Guardians()
		if err != nil {
			return fmt.Errorf("list guardians: %w", err)
		}
		if n < 1 || n > len(guardians) {
			return ErrInvalidThreshold
		}
		old := settings.Threshold
		settings.Threshold = n
		if err := tx.PutSettings(settings); err != nil {
			return fmt.Errorf("store settings: %w", err)
		}
		return ev.emit(models.EventThresholdUpdated, caller, "", 0, models.ThresholdUpdatedPayload{Old: old, New: n})
	})
	return err
}

func (s *Service) IsGuardian(ctx context.Context, identity string) (bool, error) {
	var ok bool
	err := s.view(ctx, func(tx Tx) error {
		var err error
		ok, err = tx.HasGuardian(lookupIdentity(identity))
		return err
	})
	if err != nil {
		return false, fmt.Errorf("check guardian: %w", err)
	}
	return ok, nil
}

// Guardians returns the guardian identities with the current threshold.
func (s *Service) Guardians(ctx context.Context) (models.GuardianSet, error) {
	var set models.GuardianSet
	err := s.view(ctx, func(tx Tx) error {
		settings, err := tx.Settings()
		if err != nil {
			return err
		}
		guardians, err := tx.Guardians()
		if err != nil {
			return err
		}
		set = models.GuardianSet{Guardians: guardians, Threshold: settings.Threshold, Count: len(guardians)}
		return nil
	})
	if err != nil {
		return models.GuardianSet{}, fmt.Errorf("list guardians: %w", err)
	}
	return set, nil
}

func (s *Service) GuardianCount(ctx context.Context) (int, error) {
	set, err := s.Guardians(ctx)
	if err != nil {
		return 0, err
	}
	return set.Count, nil
}

func (s *Service) Threshold(ctx context.Context) (int, error) {
	set, err := s.Guardians(ctx)
	if err != nil {
		return 0, err
	}
	return set.Threshold, nil
}
