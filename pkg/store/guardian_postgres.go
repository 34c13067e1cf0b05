package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vaultguard/pkg/audit"
	"vaultguard/pkg/guardian"
	"vaultguard/pkg/models"
	"vaultguard/pkg/recoveryfsm"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// guardianWriterLock is the advisory lock key that serializes all guardian
// mutations across processes.
const guardianWriterLock int64 = 0x6775617264 // "guard"

type pgBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements guardian.Store on the schema in migrations/.
type PostgresStore struct {
	DB      pgBeginner
	LockKey int64
	events  *audit.Writer
}

func NewPostgresStore(db pgBeginner) *PostgresStore {
	return &PostgresStore{DB: db, LockKey: guardianWriterLock, events: &audit.Writer{DB: db}}
}

func (s *PostgresStore) Update(ctx context.Context, fn func(guardian.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, s.LockKey); err != nil {
		return fmt.Errorf("acquire writer lock: %w", err)
	}
	if err := fn(&pgGuardianTx{ctx: ctx, q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) View(ctx context.Context, fn func(guardian.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("begin read: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	return fn(&pgGuardianTx{ctx: ctx, q: tx})
}

func (s *PostgresStore) Pending(ctx context.Context, limit int) ([]models.Event, error) {
	return s.events.Pending(ctx, limit)
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, seqs []int64, at time.Time) error {
	return s.events.MarkDelivered(ctx, seqs, at)
}

func (s *PostgresStore) Backlog(ctx context.Context) (int, error) {
	return s.events.Backlog(ctx)
}

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgGuardianTx struct {
	ctx context.Context
	q   pgQuerier
}

func (t *pgGuardianTx) Settings() (models.Settings, error) {
	var s models.Settings
	var timelockNS int64
	err := t.q.QueryRow(t.ctx, `
		SELECT threshold, admin, recovery_timelock_ns, escrow_registry_ref, policy_manager_ref, logic_version
		FROM guardian_settings WHERE id=1
	`).Scan(&s.Threshold, &s.Config.Admin, &timelockNS, &s.Config.EscrowRegistryRef, &s.Config.PolicyManagerRef, &s.Config.LogicVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Settings{}, nil
	}
	if err != nil {
		return models.Settings{}, err
	}
	s.Initialized = true
	s.Config.RecoveryTimelock = time.Duration(timelockNS)
	return s, nil
}

func (t *pgGuardianTx) PutSettings(s models.Settings) error {
	_, err := t.q.Exec(t.ctx, `
		INSERT INTO guardian_settings (id, threshold, admin, recovery_timelock_ns, escrow_registry_ref, policy_manager_ref, logic_version, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (id) DO UPDATE SET
			threshold=EXCLUDED.threshold,
			admin=EXCLUDED.admin,
			recovery_timelock_ns=EXCLUDED.recovery_timelock_ns,
			escrow_registry_ref=EXCLUDED.escrow_registry_ref,
			policy_manager_ref=EXCLUDED.policy_manager_ref,
			logic_version=EXCLUDED.logic_version,
			updated_at=now()
	`, s.Threshold, s.Config.Admin, int64(s.Config.RecoveryTimelock), s.Config.EscrowRegistryRef, s.Config.PolicyManagerRef, s.Config.LogicVersion)
	return err
}

func (t *pgGuardianTx) Guardians() ([]string, error) {
	rows, err := t.q.Query(t.ctx, `SELECT identity FROM guardians ORDER BY ord`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (t *pgGuardianTx) HasGuardian(identity string) (bool, error) {
	var ok bool
	err := t.q.QueryRow(t.ctx, `SELECT EXISTS (SELECT 1 FROM guardians WHERE identity=$1)`, identity).Scan(&ok)
	return ok, err
}

func (t *pgGuardianTx) InsertGuardian(identity string, at time.Time) error {
	tag, err := t.q.Exec(t.ctx, `INSERT INTO guardians (identity, added_at) VALUES ($1, $2) ON CONFLICT DO NOTHING`, identity, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return guardian.ErrGuardianAlreadyExists
	}
	return nil
}

func (t *pgGuardianTx) DeleteGuardian(identity string) error {
	tag, err := t.q.Exec(t.ctx, `DELETE FROM guardians WHERE identity=$1`, identity)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return guardian.ErrGuardianNotFound
	}
	return nil
}

func (t *pgGuardianTx) NextRecoveryID() (uint64, error) {
	var id int64
	err := t.q.QueryRow(t.ctx, `
		UPDATE guardian_settings SET next_recovery_id = next_recovery_id + 1
		WHERE id=1 RETURNING next_recovery_id - 1
	`).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, guardian.ErrNotInitialized
	}
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

func (t *pgGuardianTx) InsertRecovery(req models.RecoveryRequest) error {
	_, err := t.q.Exec(t.ctx, `
		INSERT INTO recovery_requests (id, vault_id, old_account, new_account, reason, initiator, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, int64(req.ID), req.VaultID, req.OldAccount, req.NewAccount, req.Reason, req.Initiator, req.CreatedAt)
	if err != nil {
		return err
	}
	for _, a := range req.Approvers {
		if err := t.AppendApprover(req.ID, a, req.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

const recoveryColumns = `id, vault_id, old_account, new_account, reason, initiator, created_at, executed, executed_by, executed_at, cancelled, cancelled_by, cancelled_at`

func scanRecovery(row pgx.Row) (models.RecoveryRequest, error) {
	var r models.RecoveryRequest
	var id int64
	err := row.Scan(&id, &r.VaultID, &r.OldAccount, &r.NewAccount, &r.Reason, &r.Initiator, &r.CreatedAt,
		&r.Executed, &r.ExecutedBy, &r.ExecutedAt, &r.Cancelled, &r.CancelledBy, &r.CancelledAt)
	if err != nil {
		return models.RecoveryRequest{}, err
	}
	r.ID = uint64(id)
	r.CreatedAt = r.CreatedAt.UTC()
	if r.ExecutedAt != nil {
		at := r.ExecutedAt.UTC()
		r.ExecutedAt = &at
	}
	if r.CancelledAt != nil {
		at := r.CancelledAt.UTC()
		r.CancelledAt = &at
	}
	r.Status = recoveryfsm.Status(r.Executed, r.Cancelled)
	return r, nil
}

func (t *pgGuardianTx) approvers(ids []int64) (map[int64][]string, error) {
	out := map[int64][]string{}
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := t.q.Query(t.ctx, `SELECT recovery_id, guardian FROM recovery_approvals WHERE recovery_id = ANY($1) ORDER BY recovery_id, ord`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var g string
		if err := rows.Scan(&id, &g); err != nil {
			return nil, err
		}
		out[id] = append(out[id], g)
	}
	return out, rows.Err()
}

func (t *pgGuardianTx) Recovery(id uint64) (models.RecoveryRequest, error) {
	r, err := scanRecovery(t.q.QueryRow(t.ctx, `SELECT `+recoveryColumns+` FROM recovery_requests WHERE id=$1`, int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RecoveryRequest{}, guardian.ErrRecoveryNotFound
	}
	if err != nil {
		return models.RecoveryRequest{}, err
	}
	approvers, err := t.approvers([]int64{int64(id)})
	if err != nil {
		return models.RecoveryRequest{}, err
	}
	r.Approvers = approvers[int64(id)]
	return r, nil
}

func (t *pgGuardianTx) ListRecoveries(filter models.RecoveryFilter) ([]models.RecoveryRequest, error) {
	sql := `SELECT ` + recoveryColumns + ` FROM recovery_requests WHERE ($1 = '' OR vault_id = $1)`
	switch filter.Status {
	case recoveryfsm.Initiated:
		sql += ` AND NOT executed AND NOT cancelled`
	case recoveryfsm.Completed:
		sql += ` AND executed`
	case recoveryfsm.Cancelled:
		sql += ` AND cancelled`
	}
	sql += ` ORDER BY id`
	args := []any{filter.VaultID}
	if filter.Limit > 0 {
		sql += ` LIMIT $2`
		args = append(args, filter.Limit)
	}
	rows, err := t.q.Query(t.ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	out := []models.RecoveryRequest{}
	ids := []int64{}
	for rows.Next() {
		r, err := scanRecovery(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, r)
		ids = append(ids, int64(r.ID))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	approvers, err := t.approvers(ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Approvers = approvers[int64(out[i].ID)]
	}
	return out, nil
}

func (t *pgGuardianTx) AppendApprover(id uint64, identity string, at time.Time) error {
	_, err := t.q.Exec(t.ctx, `INSERT INTO recovery_approvals (recovery_id, guardian, approved_at) VALUES ($1,$2,$3)`, int64(id), identity, at)
	return err
}

func (t *pgGuardianTx) MarkExecuted(id uint64, by string, at time.Time) error {
	return t.claim(`UPDATE recovery_requests SET executed=TRUE, executed_by=$2, executed_at=$3 WHERE id=$1 AND NOT executed AND NOT cancelled`, id, by, at)
}

func (t *pgGuardianTx) MarkCancelled(id uint64, by string, at time.Time) error {
	return t.claim(`UPDATE recovery_requests SET cancelled=TRUE, cancelled_by=$2, cancelled_at=$3 WHERE id=$1 AND NOT executed AND NOT cancelled`, id, by, at)
}

// claim applies a terminal transition only while the request is still open.
func (t *pgGuardianTx) claim(sql string, id uint64, by string, at time.Time) error {
	tag, err := t.q.Exec(t.ctx, sql, int64(id), by, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return recoveryfsm.ErrInvalidTransition
	}
	return nil
}

const freezeColumns = `vault_id, frozen, freezer, reason, frozen_at, freeze_expiry, unfrozen_by, unfrozen_at`

func scanFreeze(row pgx.Row) (models.FreezeState, error) {
	var st models.FreezeState
	err := row.Scan(&st.VaultID, &st.Frozen, &st.Freezer, &st.Reason, &st.FrozenAt, &st.FreezeExpiry, &st.UnfrozenBy, &st.UnfrozenAt)
	if err != nil {
		return models.FreezeState{}, err
	}
	st.FrozenAt = st.FrozenAt.UTC()
	st.FreezeExpiry = st.FreezeExpiry.UTC()
	if st.UnfrozenAt != nil {
		at := st.UnfrozenAt.UTC()
		st.UnfrozenAt = &at
	}
	return st, nil
}

func (t *pgGuardianTx) Freeze(vaultID string) (models.FreezeState, bool, error) {
	st, err := scanFreeze(t.q.QueryRow(t.ctx, `SELECT `+freezeColumns+` FROM freeze_states WHERE vault_id=$1`, vaultID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.FreezeState{}, false, nil
	}
	if err != nil {
		return models.FreezeState{}, false, err
	}
	return st, true, nil
}

func (t *pgGuardianTx) PutFreeze(st models.FreezeState) error {
	_, err := t.q.Exec(t.ctx, `
		INSERT INTO freeze_states (`+freezeColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (vault_id) DO UPDATE SET
			frozen=EXCLUDED.frozen,
			freezer=EXCLUDED.freezer,
			reason=EXCLUDED.reason,
			frozen_at=EXCLUDED.frozen_at,
			freeze_expiry=EXCLUDED.freeze_expiry,
			unfrozen_by=EXCLUDED.unfrozen_by,
			unfrozen_at=EXCLUDED.unfrozen_at
	`, st.VaultID, st.Frozen, st.Freezer, st.Reason, st.FrozenAt, st.FreezeExpiry, st.UnfrozenBy, st.UnfrozenAt)
	return err
}

func (t *pgGuardianTx) ListFrozen() ([]models.FreezeState, error) {
	rows, err := t.q.Query(t.ctx, `SELECT `+freezeColumns+` FROM freeze_states WHERE frozen ORDER BY vault_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.FreezeState{}
	for rows.Next() {
		st, err := scanFreeze(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (t *pgGuardianTx) AppendEvent(evt models.Event) (models.Event, error) {
	return (&audit.Writer{DB: t.q}).Append(t.ctx, evt)
}

func (t *pgGuardianTx) Events(afterSeq int64, limit int) ([]models.Event, error) {
	return (&audit.Writer{DB: t.q}).List(t.ctx, afterSeq, limit)
}
