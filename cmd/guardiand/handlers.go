package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"vaultguard/pkg/auth"
	"vaultguard/pkg/guardian"
	"vaultguard/pkg/httpx"
	"vaultguard/pkg/models"
	"vaultguard/pkg/recoveryfsm"

	"github.com/go-chi/chi/v5"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

var kindStatus = map[guardian.Kind]int{
	guardian.KindNotGuardian:              http.StatusForbidden,
	guardian.KindUnauthorized:             http.StatusForbidden,
	guardian.KindGuardianAlreadyExists:    http.StatusConflict,
	guardian.KindGuardianNotFound:         http.StatusNotFound,
	guardian.KindCannotRemoveLastGuardian: http.StatusConflict,
	guardian.KindInvalidThreshold:         http.StatusBadRequest,
	guardian.KindInvalidTimelock:          http.StatusBadRequest,
	guardian.KindVaultFrozen:              http.StatusConflict,
	guardian.KindVaultNotFrozen:           http.StatusConflict,
	guardian.KindAlreadyApproved:          http.StatusConflict,
	guardian.KindRecoveryNotReady:         http.StatusConflict,
	guardian.KindInsufficientApprovals:    http.StatusConflict,
	guardian.KindRecoveryAlreadyExecuted:  http.StatusConflict,
	guardian.KindRecoveryAlreadyCancelled: http.StatusConflict,
	guardian.KindRecoveryNotFound:         http.StatusNotFound,
	guardian.KindInvalidIdentity:          http.StatusBadRequest,
	guardian.KindNotInitialized:           http.StatusServiceUnavailable,
	guardian.KindAlreadyInitialized:       http.StatusConflict,
}

// writeServiceError maps domain errors to status + code. Anything else is
// logged and reported as a bare 500.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := guardian.KindOf(err)
	if kind == "" {
		log.Printf("guardiand %s %s: %v", r.Method, r.URL.Path, err)
		s.Metrics.IncErrorKind("Internal")
		httpx.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.Metrics.IncErrorKind(string(kind))
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusBadRequest
	}
	httpx.ErrorCode(w, status, err.Error(), string(kind))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := httpx.DecodeJSON(r, v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid json")
	return false
}

func recoveryID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		httpx.Error(w, http.StatusBadRequest, "invalid recovery id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func pageLimit(r *http.Request) (int, bool) {
	limit, err := queryInt(r, "limit", defaultPageLimit)
	if err != nil || limit < 0 {
		return 0, false
	}
	if limit == 0 || limit > maxPageLimit {
		limit = maxPageLimit
	}
	return limit, true
}

// Registry

func (s *Server) listGuardians(w http.ResponseWriter, r *http.Request) {
	set, err := s.Service.Guardians(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if set.Guardians == nil {
		set.Guardians = []string{}
	}
	httpx.WriteJSON(w, http.StatusOK, set)
}

func (s *Server) getGuardian(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	ok, err := s.Service.IsGuardian(r.Context(), identity)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"identity": identity, "guardian": ok})
}

func (s *Server) addGuardian(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identity string `json:"identity"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.Service.AddGuardian(r.Context(), auth.Caller(r.Context()), req.Identity); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeGuardianSet(w, r, http.StatusCreated)
}

func (s *Server) removeGuardian(w http.ResponseWriter, r *http.Request) {
	if err := s.Service.RemoveGuardian(r.Context(), auth.Caller(r.Context()), chi.URLParam(r, "identity")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeGuardianSet(w, r, http.StatusOK)
}

func (s *Server) updateThreshold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Threshold int `json:"threshold"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.Service.UpdateGuardianThreshold(r.Context(), auth.Caller(r.Context()), req.Threshold); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeGuardianSet(w, r, http.StatusOK)
}

func (s *Server) writeGuardianSet(w http.ResponseWriter, r *http.Request, status int) {
	set, err := s.Service.Guardians(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, status, set)
}

// Recovery ledger

func (s *Server) initiateRecovery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VaultID    string `json:"vault_id"`
		OldAccount string `json:"old_account"`
		NewAccount string `json:"new_account"`
		Reason     string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	out, err := s.Service.InitiateRecovery(r.Context(), auth.Caller(r.Context()), guardian.InitiateRequest{
		VaultID:    req.VaultID,
		OldAccount: req.OldAccount,
		NewAccount: req.NewAccount,
		Reason:     req.Reason,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, out)
}

func (s *Server) listRecoveries(w http.ResponseWriter, r *http.Request) {
	status, ok := recoveryfsm.ValidStatus(r.URL.Query().Get("status"))
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "unknown status")
		return
	}
	limit, ok := pageLimit(r)
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "invalid limit")
		return
	}
	out, err := s.Service.ListRecoveries(r.Context(), models.RecoveryFilter{
		VaultID: strings.TrimSpace(r.URL.Query().Get("vault_id")),
		Status:  status,
		Limit:   limit,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if out == nil {
		out = []models.RecoveryRequest{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"recoveries": out})
}

func (s *Server) getRecovery(w http.ResponseWriter, r *http.Request) {
	id, ok := recoveryID(w, r)
	if !ok {
		return
	}
	out, err := s.Service.GetRecoveryRequest(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) getRecoveryApprovers(w http.ResponseWriter, r *http.Request) {
	id, ok := recoveryID(w, r)
	if !ok {
		return
	}
	approvers, err := s.Service.GetRecoveryApprovers(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if approvers == nil {
		approvers = []string{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"id": id, "approvers": approvers})
}

type transitionFunc func(ctx context.Context, caller string, id uint64) (models.RecoveryRequest, error)

// recoveryTransition adapts an approve/cancel/complete service call.
func (s *Server) recoveryTransition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := recoveryID(w, r)
		if !ok {
			return
		}
		out, err := fn(r.Context(), auth.Caller(r.Context()), id)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, out)
	}
}

// Freeze table

func (s *Server) getFreezeState(w http.ResponseWriter, r *http.Request) {
	st, err := s.Service.GetFreezeState(r.Context(), chi.URLParam(r, "vault_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}

func (s *Server) freezeVault(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DurationSec int64  `json:"duration_sec"`
		Reason      string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	d, ok := models.SecondsDuration(req.DurationSec)
	if !ok {
		s.writeServiceError(w, r, guardian.ErrInvalidTimelock)
		return
	}
	st, err := s.Service.EmergencyFreeze(r.Context(), auth.Caller(r.Context()), chi.URLParam(r, "vault_id"), d, req.Reason)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}

func (s *Server) unfreezeVault(w http.ResponseWriter, r *http.Request) {
	st, err := s.Service.EmergencyUnfreeze(r.Context(), auth.Caller(r.Context()), chi.URLParam(r, "vault_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}

func (s *Server) autoUnfreezeVault(w http.ResponseWriter, r *http.Request) {
	st, err := s.Service.AutoUnfreeze(r.Context(), auth.Caller(r.Context()), chi.URLParam(r, "vault_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}

// Configuration and upgrade gate

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.Service.Config(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cfg)
}

func (s *Server) writeConfig(w http.ResponseWriter, r *http.Request, cfg models.Config, err error) {
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cfg)
}

func (s *Server) updateTimelock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seconds int64 `json:"seconds"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	d, ok := models.SecondsDuration(req.Seconds)
	if !ok {
		s.writeServiceError(w, r, guardian.ErrInvalidTimelock)
		return
	}
	cfg, err := s.Service.UpdateRecoveryTimelock(r.Context(), auth.Caller(r.Context()), d)
	s.writeConfig(w, r, cfg, err)
}

type refRequest struct {
	Ref string `json:"ref"`
}

func (s *Server) updateEscrowRegistry(w http.ResponseWriter, r *http.Request) {
	var req refRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cfg, err := s.Service.UpdateEscrowRegistry(r.Context(), auth.Caller(r.Context()), req.Ref)
	s.writeConfig(w, r, cfg, err)
}

func (s *Server) updatePolicyManager(w http.ResponseWriter, r *http.Request) {
	var req refRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cfg, err := s.Service.UpdatePolicyManager(r.Context(), auth.Caller(r.Context()), req.Ref)
	s.writeConfig(w, r, cfg, err)
}

func (s *Server) transferAdmin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewAdmin string `json:"new_admin"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	cfg, err := s.Service.TransferAdmin(r.Context(), auth.Caller(r.Context()), req.NewAdmin)
	s.writeConfig(w, r, cfg, err)
}

func (s *Server) authorizeUpgrade(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version string `json:"version"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	cfg, err := s.Service.AuthorizeUpgrade(r.Context(), auth.Caller(r.Context()), req.Version)
	s.writeConfig(w, r, cfg, err)
}

// Audit trail

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	after, err := queryInt(r, "after", 0)
	if err != nil || after < 0 {
		httpx.Error(w, http.StatusBadRequest, "invalid after")
		return
	}
	limit, ok := pageLimit(r)
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "invalid limit")
		return
	}
	events, err := s.Service.Events(r.Context(), int64(after), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []models.Event{}
	}
	next := int64(after)
	if len(events) > 0 {
		next = events[len(events)-1].Seq
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"events": events, "next_after": next})
}

func (s *Server) verifyEvents(w http.ResponseWriter, r *http.Request) {
	n, err := s.Service.VerifyEvents(r.Context())
	if errors.Is(err, models.ErrChainBroken) {
		httpx.WriteJSON(w, http.StatusConflict, map[string]any{"valid": false, "verified": n, "error": err.Error()})
		return
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"valid": true, "verified": n})
}
