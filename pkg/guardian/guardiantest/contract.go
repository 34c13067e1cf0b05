// Package guardiantest holds a behavioural contract every guardian.Store
// backend must satisfy.
package guardiantest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"vaultguard/pkg/guardian"
	"vaultguard/pkg/models"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Outbox is the relay side a store may also implement.
type Outbox interface {
	Pending(ctx context.Context, limit int) ([]models.Event, error)
	MarkDelivered(ctx context.Context, seqs []int64, at time.Time) error
	Backlog(ctx context.Context) (int, error)
}

// RunStoreContract drives a full recovery and freeze lifecycle through
// guardian.Service on a fresh store from newStore.
func RunStoreContract(t *testing.T, newStore func(t *testing.T) guardian.Store) {
	t.Helper()

	setup := func(t *testing.T) (*guardian.Service, guardian.Store, *clock) {
		store := newStore(t)
		c := &clock{t: time.Date(2026, 5, 1, 8, 30, 0, 123456000, time.UTC)}
		svc := guardian.NewService(store, guardian.WithClock(c.now), guardian.WithTerminalCacheSize(1))
		err := svc.Bootstrap(context.Background(), guardian.BootstrapConfig{
			Admin:             "admin",
			Guardians:         []string{"g1", "g2", "g3"},
			Threshold:         2,
			RecoveryTimelock:  time.Hour,
			EscrowRegistryRef: "registry",
			PolicyManagerRef:  "policy",
		})
		if err != nil {
			t.Fatalf("bootstrap: %v", err)
		}
		return svc, store, c
	}

	t.Run("registry", func(t *testing.T) {
		svc, _, _ := setup(t)
		ctx := context.Background()
		if err := svc.AddGuardian(ctx, "admin", "g4"); err != nil {
			t.Fatalf("add: %v", err)
		}
		if err := svc.AddGuardian(ctx, "admin", "g4"); !errors.Is(err, guardian.ErrGuardianAlreadyExists) {
			t.Fatalf("duplicate add: %v", err)
		}
		if err := svc.RemoveGuardian(ctx, "admin", "g2"); err != nil {
			t.Fatalf("remove: %v", err)
		}
		set, err := svc.Guardians(ctx)
		if err != nil {
			t.Fatal(err)
		}
		want := []string{"g1", "g3", "g4"}
		if len(set.Guardians) != len(want) {
			t.Fatalf("guardians=%v want %v", set.Guardians, want)
		}
		for i := range want {
			if set.Guardians[i] != want[i] {
				t.Fatalf("guardians=%v want %v", set.Guardians, want)
			}
		}
		if err := svc.UpdateGuardianThreshold(ctx, "admin", 3); err != nil {
			t.Fatal(err)
		}
		if err := svc.RemoveGuardian(ctx, "admin", "g1"); !errors.Is(err, guardian.ErrCannotRemoveLastGuardian) {
			t.Fatalf("remove below threshold: %v", err)
		}
		if _, err := svc.AuthorizeUpgrade(ctx, "admin", "v2"); err != nil {
			t.Fatal(err)
		}
		cfg, err := svc.Config(ctx)
		if err != nil || cfg.LogicVersion != "v2" || cfg.RecoveryTimelock != time.Hour || cfg.EscrowRegistryRef != "registry" {
			t.Fatalf("config=%+v err=%v", cfg, err)
		}
	})

	t.Run("recovery lifecycle", func(t *testing.T) {
		svc, _, c := setup(t)
		ctx := context.Background()
		req, err := svc.InitiateRecovery(ctx, "g1", guardian.InitiateRequest{VaultID: "v1", OldAccount: "old", NewAccount: "new", Reason: "lost"})
		if err != nil {
			t.Fatal(err)
		}
		second, err := svc.InitiateRecovery(ctx, "g2", guardian.InitiateRequest{VaultID: "v1", NewAccount: "new"})
		if err != nil {
			t.Fatal(err)
		}
		if req.ID != 1 || second.ID != 2 {
			t.Fatalf("ids=%d,%d want 1,2", req.ID, second.ID)
		}
		if _, err := svc.ApproveRecovery(ctx, "g2", req.ID); err != nil {
			t.Fatal(err)
		}
		if _, err := svc.ApproveRecovery(ctx, "g2", req.ID); !errors.Is(err, guardian.ErrAlreadyApproved) {
			t.Fatalf("double approve: %v", err)
		}
		if _, err := svc.CompleteRecovery(ctx, "g3", req.ID); !errors.Is(err, guardian.ErrRecoveryNotReady) {
			t.Fatalf("early complete: %v", err)
		}
		c.advance(time.Hour)
		done, err := svc.CompleteRecovery(ctx, "g3", req.ID)
		if err != nil {
			t.Fatalf("complete at boundary: %v", err)
		}
		if !done.Executed {
			t.Fatal("expected executed")
		}
		got, err := svc.GetRecoveryRequest(ctx, req.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Executed || got.Cancelled || got.ExecutedBy != "g3" || got.ExecutedAt == nil {
			t.Fatalf("persisted request=%+v", got)
		}
		if len(got.Approvers) != 2 || got.Approvers[0] != "g1" || got.Approvers[1] != "g2" {
			t.Fatalf("approvers=%v", got.Approvers)
		}
		if got.OldAccount != "old" || got.Reason != "lost" {
			t.Fatalf("fields=%+v", got)
		}
		if _, err := svc.CancelRecovery(ctx, "g1", second.ID); err != nil {
			t.Fatal(err)
		}
		if _, err := svc.CompleteRecovery(ctx, "g1", second.ID); !errors.Is(err, guardian.ErrRecoveryAlreadyCancelled) {
			t.Fatalf("complete cancelled: %v", err)
		}
		if _, err := svc.GetRecoveryRequest(ctx, 77); !errors.Is(err, guardian.ErrRecoveryNotFound) {
			t.Fatalf("missing request: %v", err)
		}
		list, err := svc.ListRecoveries(ctx, models.RecoveryFilter{VaultID: "v1", Status: "CANCELLED"})
		if err != nil || len(list) != 1 || list[0].ID != second.ID {
			t.Fatalf("list=%+v err=%v", list, err)
		}
	})

	t.Run("freeze lifecycle", func(t *testing.T) {
		svc, _, c := setup(t)
		ctx := context.Background()
		if _, err := svc.EmergencyFreeze(ctx, "g1", "v1", 24*time.Hour, "suspicious"); err != nil {
			t.Fatal(err)
		}
		if _, err := svc.InitiateRecovery(ctx, "g2", guardian.InitiateRequest{VaultID: "v1", NewAccount: "n"}); !errors.Is(err, guardian.ErrVaultFrozen) {
			t.Fatalf("initiate while frozen: %v", err)
		}
		st, err := svc.GetFreezeState(ctx, "v1")
		if err != nil || !st.Frozen || st.Freezer != "g1" || st.FreezeExpiry.Sub(st.FrozenAt) != 24*time.Hour {
			t.Fatalf("freeze state=%+v err=%v", st, err)
		}
		if _, err := svc.AutoUnfreeze(ctx, "anyone", "v1"); !errors.Is(err, guardian.ErrRecoveryNotReady) {
			t.Fatalf("early auto unfreeze: %v", err)
		}
		c.advance(24 * time.Hour)
		expired, err := svc.ExpiredFreezes(ctx)
		if err != nil || len(expired) != 1 {
			t.Fatalf("expired=%+v err=%v", expired, err)
		}
		if _, err := svc.AutoUnfreeze(ctx, "anyone", "v1"); err != nil {
			t.Fatalf("auto unfreeze: %v", err)
		}
		st, _ = svc.GetFreezeState(ctx, "v1")
		if st.Frozen || st.UnfrozenBy != "anyone" || st.UnfrozenAt == nil {
			t.Fatalf("after unfreeze=%+v", st)
		}
		if _, err := svc.EmergencyUnfreeze(ctx, "g1", "v1"); !errors.Is(err, guardian.ErrVaultNotFrozen) {
			t.Fatalf("unfreeze twice: %v", err)
		}
	})

	t.Run("event outbox", func(t *testing.T) {
		svc, store, _ := setup(t)
		ctx := context.Background()
		if _, err := svc.EmergencyFreeze(ctx, "g1", "v1", time.Hour, "x"); err != nil {
			t.Fatal(err)
		}
		if err := svc.AddGuardian(ctx, "nobody", "g9"); !errors.Is(err, guardian.ErrUnauthorized) {
			t.Fatalf("unauthorized add: %v", err)
		}
		n, err := svc.VerifyEvents(ctx)
		if err != nil || n != 2 {
			t.Fatalf("verify=%d err=%v", n, err)
		}
		outbox, ok := store.(Outbox)
		if !ok {
			return
		}
		pending, err := outbox.Pending(ctx, 10)
		if err != nil || len(pending) != 2 {
			t.Fatalf("pending=%d err=%v", len(pending), err)
		}
		if err := outbox.MarkDelivered(ctx, []int64{pending[0].Seq}, time.Now()); err != nil {
			t.Fatal(err)
		}
		backlog, err := outbox.Backlog(ctx)
		if err != nil || backlog != 1 {
			t.Fatalf("backlog=%d err=%v", backlog, err)
		}
		pending, _ = outbox.Pending(ctx, 10)
		if len(pending) != 1 || pending[0].Type != models.EventVaultFrozen {
			t.Fatalf("pending after delivery=%+v", pending)
		}
	})

	t.Run("concurrent approvals", func(t *testing.T) {
		svc, _, _ := setup(t)
		ctx := context.Background()
		if err := svc.AddGuardian(ctx, "admin", "g4"); err != nil {
			t.Fatal(err)
		}
		req, err := svc.InitiateRecovery(ctx, "g1", guardian.InitiateRequest{VaultID: "v1", NewAccount: "n"})
		if err != nil {
			t.Fatal(err)
		}
		var wg sync.WaitGroup
		errs := make(chan error, 6)
		for _, g := range []string{"g2", "g3", "g4", "g2", "g3", "g4"} {
			wg.Add(1)
			go func(g string) {
				defer wg.Done()
				_, err := svc.ApproveRecovery(ctx, g, req.ID)
				errs <- err
			}(g)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil && !errors.Is(err, guardian.ErrAlreadyApproved) {
				t.Fatalf("approve: %v", err)
			}
		}
		approvers, err := svc.GetRecoveryApprovers(ctx, req.ID)
		if err != nil || len(approvers) != 4 {
			t.Fatalf("approvers=%v err=%v", approvers, err)
		}
	})
}
