package store_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultguard/pkg/guardian"
	"vaultguard/pkg/guardian/guardiantest"
	"vaultguard/pkg/models"
	"vaultguard/pkg/store"
)

func openSQLite(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.OpenSQLiteStore(filepath.Join(t.TempDir(), "guardian.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStoreContract(t *testing.T) {
	guardiantest.RunStoreContract(t, func(t *testing.T) guardian.Store {
		return openSQLite(t)
	})
}

func TestSQLiteStore_OpenRequiresPath(t *testing.T) {
	_, err := store.OpenSQLiteStore("  ")
	require.Error(t, err)
}

func TestSQLiteStore_ReopenKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guardian.db")
	ctx := context.Background()

	s1, err := store.OpenSQLiteStore(path)
	require.NoError(t, err)
	svc := guardian.NewService(s1)
	require.NoError(t, svc.Bootstrap(ctx, guardian.BootstrapConfig{
		Admin:     "admin",
		Guardians: []string{"g1", "g2"},
		Threshold: 2,
	}))
	req, err := svc.InitiateRecovery(ctx, "g1", guardian.InitiateRequest{VaultID: "v1", NewAccount: "n"})
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file should exist")

	s2, err := store.OpenSQLiteStore(path)
	require.NoError(t, err)
	defer s2.Close()
	svc = guardian.NewService(s2)

	got, err := svc.GetRecoveryRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"g1"}, got.Approvers)
	assert.Equal(t, req.CreatedAt, got.CreatedAt)

	next, err := svc.InitiateRecovery(ctx, "g2", guardian.InitiateRequest{VaultID: "v1", NewAccount: "n"})
	require.NoError(t, err)
	assert.Equal(t, req.ID+1, next.ID)

	cfg, err := svc.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultRecoveryTimelock, cfg.RecoveryTimelock)

	n, err := svc.VerifyEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSQLiteStore_ViewRejectsWrites(t *testing.T) {
	s := openSQLite(t)
	err := s.View(context.Background(), func(tx guardian.Tx) error {
		return tx.InsertGuardian("g1", time.Now())
	})
	require.Error(t, err)
}

func TestSQLiteStore_FailedUpdateCommitsNothing(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	err := s.Update(ctx, func(tx guardian.Tx) error {
		require.NoError(t, tx.InsertGuardian("g1", time.Now()))
		return guardian.ErrInvalidThreshold
	})
	require.ErrorIs(t, err, guardian.ErrInvalidThreshold)

	require.NoError(t, s.View(ctx, func(tx guardian.Tx) error {
		ok, err := tx.HasGuardian("g1")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

func TestSQLiteStore_MarkDeliveredIgnoresEmpty(t *testing.T) {
	s := openSQLite(t)
	require.NoError(t, s.MarkDelivered(context.Background(), nil, time.Now()))
	n, err := s.Backlog(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
