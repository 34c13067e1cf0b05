package guardian

import (
	"context"
	"fmt"
	"strings"

	"vaultguard/pkg/models"
	"vaultguard/pkg/recoveryfsm"

	"go.opentelemetry.io/otel/attribute"
)

// InitiateRequest carries the fields recorded on a new recovery request.
type InitiateRequest struct {
	VaultID    string
	OldAccount string
	NewAccount string
	Reason     string
}

func recoveryAttrs(id uint64) attribute.KeyValue {
	return attribute.Int64("recovery.id", int64(id))
}

// vaultFrozen reports whether vaultID currently has an active freeze.
func vaultFrozen(tx Tx, vaultID string) (bool, error) {
	st, ok, err := tx.Freeze(vaultID)
	if err != nil {
		return false, fmt.Errorf("load freeze state: %w", err)
	}
	return ok && st.Frozen, nil
}

func (s *Service) InitiateRecovery(ctx context.Context, caller string, in InitiateRequest) (req models.RecoveryRequest, err error) {
	ctx, span := s.startSpan(ctx, "initiate_recovery", caller, attribute.String("vault.id", in.VaultID))
	defer func() { endSpan(span, err) }()

	_, err = s.mutate(ctx, func(tx Tx, ev *txEvents) error {
		if _, err := requireGuardian(tx, caller); err != nil {
			return err
		}
		vaultID, err := normalizeIdentity(in.VaultID)
		if err != nil {
			return err
		}
		newAccount, err := normalizeIdentity(in.NewAccount)
		if err != nil {
			return err
		}
		frozen, err := vaultFrozen(tx, vaultID)
		if err != nil {
			return err
		}
		if frozen {
			return ErrVaultFrozen
		}
		id, err := tx.NextRecoveryID()
		if err != nil {
			return fmt.Errorf("allocate recovery id: %w", err)
		}
		req = models.RecoveryRequest{
			ID:         id,
			VaultID:    vaultID,
			OldAccount: strings.TrimSpace(in.OldAccount),
			NewAccount: newAccount,
			Reason:     in.Reason,
			Initiator:  caller,
			CreatedAt:  ev.at,
			Approvers:  []string{caller},
			Status:     recoveryfsm.Initiated,
		}
		if err := tx.InsertRecovery(req); err != nil {
			return fmt.Errorf("insert recovery: %w", err)
		}
		return ev.emit(models.EventRecoveryInitiated, caller, vaultID, id, models.RecoveryInitiatedPayload{
			ID:         id,
			VaultID:    vaultID,
			OldAccount: req.OldAccount,
			NewAccount: newAccount,
			Reason:     in.Reason,
			Initiator:  caller,
		})
	})
	if err != nil {
		return models.RecoveryRequest{}, err
	}
	span.SetAttributes(recoveryAttrs(req.ID))
	return req.Clone(), nil
}

// loadOpen fetches a request and rejects terminal ones.
func loadOpen(tx Tx, id uint64) (models.RecoveryRequest, error) {
	req, err := tx.Recovery(id)
	if err != nil {
		return models.RecoveryRequest{}, err
	}
	if req.Executed {
		return models.RecoveryRequest{}, ErrRecoveryAlreadyExecuted
	}
	if req.Cancelled {
		return models.RecoveryRequest{}, ErrRecoveryAlreadyCancelled
	}
	return req, nil
}

func (s *Service) ApproveRecovery(ctx context.Context, caller string, id uint64) (req models.RecoveryRequest, err error) {
	ctx, span := s.startSpan(ctx, "approve_recovery", caller, recoveryAttrs(id))
	defer func() { endSpan(span, err) }()

	_, err = s.mutate(ctx, func(tx Tx, ev *txEvents) error {
		if _, err := requireGuardian(tx, caller); err != nil {
			return err
		}
		current, err := loadOpen(tx, id)
		if err != nil {
			return err
		}
		if recoveryfsm.ContainsApprover(current.Approvers, caller) {
			return ErrAlreadyApproved
		}
		if err := tx.AppendApprover(id, caller, ev.at); err != nil {
			return fmt.Errorf("append approver: %w", err)
		}
		current.Approvers = append(current.Approvers, caller)
		req = current
		return ev.emit(models.EventRecoveryApproved, caller, current.VaultID, id, models.RecoveryApprovedPayload{
			ID:        id,
			Approver:  caller,
			Approvals: len(current.Approvers),
		})
	})
	if err != nil {
		return models.RecoveryRequest{}, err
	}
	return req, nil
}

func (s *Service) CancelRecovery(ctx context.Context, caller string, id uint64) (req models.RecoveryRequest, err error) {
	ctx, span := s.startSpan(ctx, "cancel_recovery", caller, recoveryAttrs(id))
	defer func() { endSpan(span, err) }()

	_, err = s.mutate(ctx, func(tx Tx, ev *txEvents) error {
		if _, err := requireGuardian(tx, caller); err != nil {
			return err
		}
		current, err := loadOpen(tx, id)
		if err != nil {
			return err
		}
		if current.Status, err = recoveryfsm.Next(current.Status, recoveryfsm.EventCancel); err != nil {
			return err
		}
		if err := tx.MarkCancelled(id, caller, ev.at); err != nil {
			return fmt.Errorf("mark cancelled: %w", err)
		}
		at := ev.at
		current.Cancelled, current.CancelledBy, current.CancelledAt = true, caller, &at
		req = current
		return ev.emit(models.EventRecoveryCancelled, caller, current.VaultID, id, models.RecoveryCancelledPayload{
			ID:          id,
			VaultID:     current.VaultID,
			CancelledBy: caller,
		})
	})
	if err != nil {
		return models.RecoveryRequest{}, err
	}
	s.cacheIfTerminal(req)
	return req, nil
}

// CompleteRecovery executes a request. Checks run in a fixed order:
// cancelled, executed, frozen, timelock, approvals.
func (s *Service) CompleteRecovery(ctx context.Context, caller string, id uint64) (req models.RecoveryRequest, err error) {
	ctx, span := s.startSpan(ctx, "complete_recovery", caller, recoveryAttrs(id))
	defer func() { endSpan(span, err) }()

	_, err = s.mutate(ctx, func(tx Tx, ev *txEvents) error {
		settings, err := requireGuardian(tx, caller)
		if err != nil {
			return err
		}
		current, err := tx.Recovery(id)
		if err != nil {
			return err
		}
		if current.Cancelled {
			return ErrRecoveryAlreadyCancelled
		}
		if current.Executed {
			return ErrRecoveryAlreadyExecuted
		}
		frozen, err := vaultFrozen(tx, current.VaultID)
		if err != nil {
			return err
		}
		if frozen {
			return ErrVaultFrozen
		}
		if !recoveryfsm.TimelockElapsed(ev.at, current.CreatedAt, settings.Config.RecoveryTimelock) {
			return ErrRecoveryNotReady
		}
		if !recoveryfsm.QuorumReached(len(current.Approvers), settings.Threshold) {
			return ErrInsufficientApprovals
		}
		if current.Status, err = recoveryfsm.Next(current.Status, recoveryfsm.EventComplete); err != nil {
			return err
		}
		if err := tx.MarkExecuted(id, caller, ev.at); err != nil {
			return fmt.Errorf("mark executed: %w", err)
		}
		at := ev.at
		current.Executed, current.ExecutedBy, current.ExecutedAt = true, caller, &at
		req = current
		return ev.emit(models.EventRecoveryCompleted, caller, current.VaultID, id, models.RecoveryCompletedPayload{
			ID:                id,
			VaultID:           current.VaultID,
			OldAccount:        current.OldAccount,
			NewAccount:        current.NewAccount,
			EscrowRegistryRef: settings.Config.EscrowRegistryRef,
			PolicyManagerRef:  settings.Config.PolicyManagerRef,
		})
	})
	if err != nil {
		return models.RecoveryRequest{}, err
	}
	s.cacheIfTerminal(req)
	return req, nil
}

func (s *Service) GetRecoveryRequest(ctx context.Context, id uint64) (models.RecoveryRequest, error) {
	if s.terminal != nil {
		if cached, ok := s.terminal.Get(id); ok {
			return cached.Clone(), nil
		}
	}
	var req models.RecoveryRequest
	err := s.view(ctx, func(tx Tx) error {
		var err error
		req, err = tx.Recovery(id)
		return err
	})
	if err != nil {
		if KindOf(err) != "" {
			return models.RecoveryRequest{}, err
		}
		return models.RecoveryRequest{}, fmt.Errorf("load recovery: %w", err)
	}
	s.cacheIfTerminal(req)
	return req, nil
}

func (s *Service) GetRecoveryApprovers(ctx context.Context, id uint64) ([]string, error) {
	req, err := s.GetRecoveryRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	return req.Approvers, nil
}

func (s *Service) ListRecoveries(ctx context.Context, filter models.RecoveryFilter) ([]models.RecoveryRequest, error) {
	status, ok := recoveryfsm.ValidStatus(filter.Status)
	if !ok {
		return nil, fmt.Errorf("unknown recovery status %q", filter.Status)
	}
	filter.Status = status
	filter.VaultID = lookupIdentity(filter.VaultID)
	var out []models.RecoveryRequest
	err := s.view(ctx, func(tx Tx) error {
		var err error
		out, err = tx.ListRecoveries(filter)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list recoveries: %w", err)
	}
	return out, nil
}
