package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"vaultguard/pkg/guardian"
	"vaultguard/pkg/models"
	"vaultguard/pkg/recoveryfsm"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStore implements guardian.Store on a single SQLite file. Writes go
// through one connection opened with immediate transactions; reads use a
// separate query-only pool so they never wait on each other.
type SQLiteStore struct {
	writeMu sync.Mutex
	write   *sql.DB
	read    *sql.DB
	path    string
}

func sqliteDSN(path string, extra string) string {
	return "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" + extra
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path required")
	}
	write, err := sql.Open("sqlite", sqliteDSN(path, "&_txlock=immediate"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	write.SetMaxOpenConns(1)
	write.SetConnMaxLifetime(time.Hour)
	if _, err := write.Exec(sqliteSchema); err != nil {
		_ = write.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	read, err := sql.Open("sqlite", sqliteDSN(path, "&_pragma=query_only(1)"))
	if err != nil {
		_ = write.Close()
		return nil, fmt.Errorf("open read pool: %w", err)
	}
	read.SetMaxOpenConns(4)
	read.SetMaxIdleConns(2)
	read.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{write: write, read: read, path: path}, nil
}

func (s *SQLiteStore) Close() error {
	return errors.Join(s.read.Close(), s.write.Close())
}

func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Update(ctx context.Context, fn func(guardian.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(&sqliteTx{ctx: ctx, q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) View(ctx context.Context, fn func(guardian.Tx) error) error {
	tx, err := s.read.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin read: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return fn(&sqliteTx{ctx: ctx, q: tx})
}

func (s *SQLiteStore) Pending(ctx context.Context, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	q := &sqliteTx{ctx: ctx, q: s.read}
	return q.queryEvents(`SELECT `+sqliteEventColumns+` FROM guardian_events WHERE delivered_at_ns IS NULL ORDER BY seq LIMIT ?`, limit)
}

func (s *SQLiteStore) MarkDelivered(ctx context.Context, seqs []int64, at time.Time) error {
	if len(seqs) == 0 {
		return nil
	}
	args := make([]any, 0, len(seqs)+1)
	args = append(args, at.UTC().UnixNano())
	for _, seq := range seqs {
		args = append(args, seq)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.write.ExecContext(ctx,
		`UPDATE guardian_events SET delivered_at_ns = ? WHERE delivered_at_ns IS NULL AND seq IN (`+placeholders(len(seqs))+`)`,
		args...)
	return err
}

func (s *SQLiteStore) Backlog(ctx context.Context) (int, error) {
	var n int
	err := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM guardian_events WHERE delivered_at_ns IS NULL`).Scan(&n)
	return n, err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteTx struct {
	ctx context.Context
	q   sqlQuerier
}

func fromNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func fromNullNanos(ns sql.NullInt64) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := fromNanos(ns.Int64)
	return &t
}

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixNano(), Valid: true}
}

func (t *sqliteTx) Settings() (models.Settings, error) {
	var s models.Settings
	var timelockNS int64
	err := t.q.QueryRowContext(t.ctx, `
		SELECT threshold, admin, recovery_timelock_ns, escrow_registry_ref, policy_manager_ref, logic_version
		FROM guardian_settings WHERE id = 1
	`).Scan(&s.Threshold, &s.Config.Admin, &timelockNS, &s.Config.EscrowRegistryRef, &s.Config.PolicyManagerRef, &s.Config.LogicVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Settings{}, nil
	}
	if err != nil {
		return models.Settings{}, err
	}
	s.Initialized = true
	s.Config.RecoveryTimelock = time.Duration(timelockNS)
	return s, nil
}

func (t *sqliteTx) PutSettings(s models.Settings) error {
	_, err := t.q.ExecContext(t.ctx, `
		INSERT INTO guardian_settings (id, threshold, admin, recovery_timelock_ns, escrow_registry_ref, policy_manager_ref, logic_version)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			threshold = excluded.threshold,
			admin = excluded.admin,
			recovery_timelock_ns = excluded.recovery_timelock_ns,
			escrow_registry_ref = excluded.escrow_registry_ref,
			policy_manager_ref = excluded.policy_manager_ref,
			logic_version = excluded.logic_version
	`, s.Threshold, s.Config.Admin, int64(s.Config.RecoveryTimelock), s.Config.EscrowRegistryRef, s.Config.PolicyManagerRef, s.Config.LogicVersion)
	return err
}

func (t *sqliteTx) Guardians() ([]string, error) {
	rows, err := t.q.QueryContext(t.ctx, `SELECT identity FROM guardians ORDER BY ord`)
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

func (t *sqliteTx) HasGuardian(identity string) (bool, error) {
	var n int
	err := t.q.QueryRowContext(t.ctx, `SELECT COUNT(*) FROM guardians WHERE identity = ?`, identity).Scan(&n)
	return n > 0, err
}

func (t *sqliteTx) InsertGuardian(identity string, at time.Time) error {
	res, err := t.q.ExecContext(t.ctx, `INSERT INTO guardians (identity, added_at_ns) VALUES (?, ?) ON CONFLICT (identity) DO NOTHING`, identity, at.UTC().UnixNano())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return guardian.ErrGuardianAlreadyExists
	}
	return nil
}

func (t *sqliteTx) DeleteGuardian(identity string) error {
	res, err := t.q.ExecContext(t.ctx, `DELETE FROM guardians WHERE identity = ?`, identity)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return guardian.ErrGuardianNotFound
	}
	return nil
}

func (t *sqliteTx) NextRecoveryID() (uint64, error) {
	var id int64
	err := t.q.QueryRowContext(t.ctx, `
		UPDATE guardian_settings SET next_recovery_id = next_recovery_id + 1
		WHERE id = 1 RETURNING next_recovery_id - 1
	`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, guardian.ErrNotInitialized
	}
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

func (t *sqliteTx) InsertRecovery(req models.RecoveryRequest) error {
	_, err := t.q.ExecContext(t.ctx, `
		INSERT INTO recovery_requests (id, vault_id, old_account, new_account, reason, initiator, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, int64(req.ID), req.VaultID, req.OldAccount, req.NewAccount, req.Reason, req.Initiator, req.CreatedAt.UTC().UnixNano())
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

const sqliteRecoveryColumns = `id, vault_id, old_account, new_account, reason, initiator, created_at_ns, executed, executed_by, executed_at_ns, cancelled, cancelled_by, cancelled_at_ns`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecovery(row rowScanner) (models.RecoveryRequest, error) {
	var r models.RecoveryRequest
	var id, createdNS int64
	var executedNS, cancelledNS sql.NullInt64
	err := row.Scan(&id, &r.VaultID, &r.OldAccount, &r.NewAccount, &r.Reason, &r.Initiator, &createdNS,
		&r.Executed, &r.ExecutedBy, &executedNS, &r.Cancelled, &r.CancelledBy, &cancelledNS)
	if err != nil {
		return models.RecoveryRequest{}, err
	}
	r.ID = uint64(id)
	r.CreatedAt = fromNanos(createdNS)
	r.ExecutedAt = fromNullNanos(executedNS)
	r.CancelledAt = fromNullNanos(cancelledNS)
	r.Status = recoveryfsm.Status(r.Executed, r.Cancelled)
	return r, nil
}

func (t *sqliteTx) approvers(id uint64) ([]string, error) {
	rows, err := t.q.QueryContext(t.ctx, `SELECT guardian FROM recovery_approvals WHERE recovery_id = ? ORDER BY ord`, int64(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (t *sqliteTx) Recovery(id uint64) (models.RecoveryRequest, error) {
	r, err := scanSQLiteRecovery(t.q.QueryRowContext(t.ctx, `SELECT `+sqliteRecoveryColumns+` FROM recovery_requests WHERE id = ?`, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return models.RecoveryRequest{}, guardian.ErrRecoveryNotFound
	}
	if err != nil {
		return models.RecoveryRequest{}, err
	}
	if r.Approvers, err = t.approvers(id); err != nil {
		return models.RecoveryRequest{}, err
	}
	return r, nil
}

func (t *sqliteTx) ListRecoveries(filter models.RecoveryFilter) ([]models.RecoveryRequest, error) {
	query := `SELECT ` + sqliteRecoveryColumns + ` FROM recovery_requests WHERE (? = '' OR vault_id = ?)`
	args := []any{filter.VaultID, filter.VaultID}
	switch filter.Status {
	case recoveryfsm.Initiated:
		query += ` AND NOT executed AND NOT cancelled`
	case recoveryfsm.Completed:
		query += ` AND executed`
	case recoveryfsm.Cancelled:
		query += ` AND cancelled`
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := t.q.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out := []models.RecoveryRequest{}
	for rows.Next() {
		r, err := scanSQLiteRecovery(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, r)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Approvers, err = t.approvers(out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (t *sqliteTx) AppendApprover(id uint64, identity string, at time.Time) error {
	_, err := t.q.ExecContext(t.ctx, `INSERT INTO recovery_approvals (recovery_id, guardian, approved_at_ns) VALUES (?, ?, ?)`, int64(id), identity, at.UTC().UnixNano())
	return err
}

func (t *sqliteTx) MarkExecuted(id uint64, by string, at time.Time) error {
	return t.claim(`UPDATE recovery_requests SET executed = 1, executed_by = ?, executed_at_ns = ? WHERE id = ? AND NOT executed AND NOT cancelled`, id, by, at)
}

func (t *sqliteTx) MarkCancelled(id uint64, by string, at time.Time) error {
	return t.claim(`UPDATE recovery_requests SET cancelled = 1, cancelled_by = ?, cancelled_at_ns = ? WHERE id = ? AND NOT executed AND NOT cancelled`, id, by, at)
}

func (t *sqliteTx) claim(query string, id uint64, by string, at time.Time) error {
	res, err := t.q.ExecContext(t.ctx, query, by, at.UTC().UnixNano(), int64(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return recoveryfsm.ErrInvalidTransition
	}
	return nil
}

const sqliteFreezeColumns = `vault_id, frozen, freezer, reason, frozen_at_ns, freeze_expiry_ns, unfrozen_by, unfrozen_at_ns`

func scanSQLiteFreeze(row rowScanner) (models.FreezeState, error) {
	var st models.FreezeState
	var frozenNS, expiryNS int64
	var unfrozenNS sql.NullInt64
	if err := row.Scan(&st.VaultID, &st.Frozen, &st.Freezer, &st.Reason, &frozenNS, &expiryNS, &st.UnfrozenBy, &unfrozenNS); err != nil {
		return models.FreezeState{}, err
	}
	st.FrozenAt = fromNanos(frozenNS)
	st.FreezeExpiry = fromNanos(expiryNS)
	st.UnfrozenAt = fromNullNanos(unfrozenNS)
	return st, nil
}

func (t *sqliteTx) Freeze(vaultID string) (models.FreezeState, bool, error) {
	st, err := scanSQLiteFreeze(t.q.QueryRowContext(t.ctx, `SELECT `+sqliteFreezeColumns+` FROM freeze_states WHERE vault_id = ?`, vaultID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.FreezeState{}, false, nil
	}
	if err != nil {
		return models.FreezeState{}, false, err
	}
	return st, true, nil
}

func (t *sqliteTx) PutFreeze(st models.FreezeState) error {
	_, err := t.q.ExecContext(t.ctx, `
		INSERT INTO freeze_states (`+sqliteFreezeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (vault_id) DO UPDATE SET
			frozen = excluded.frozen,
			freezer = excluded.freezer,
			reason = excluded.reason,
			frozen_at_ns = excluded.frozen_at_ns,
			freeze_expiry_ns = excluded.freeze_expiry_ns,
			unfrozen_by = excluded.unfrozen_by,
			unfrozen_at_ns = excluded.unfrozen_at_ns
	`, st.VaultID, st.Frozen, st.Freezer, st.Reason, st.FrozenAt.UTC().UnixNano(), st.FreezeExpiry.UTC().UnixNano(), st.UnfrozenBy, toNullNanos(st.UnfrozenAt))
	return err
}

func (t *sqliteTx) ListFrozen() ([]models.FreezeState, error) {
	rows, err := t.q.QueryContext(t.ctx, `SELECT `+sqliteFreezeColumns+` FROM freeze_states WHERE frozen ORDER BY vault_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.FreezeState{}
	for rows.Next() {
		st, err := scanSQLiteFreeze(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

const sqliteEventColumns = `seq, event_id, type, actor, vault_id, recovery_id, payload, created_at_ns, prev_hash, hash`

func (t *sqliteTx) AppendEvent(evt models.Event) (models.Event, error) {
	var prevSeq int64
	var prevHash string
	err := t.q.QueryRowContext(t.ctx, `SELECT seq, hash FROM guardian_events ORDER BY seq DESC LIMIT 1`).Scan(&prevSeq, &prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return models.Event{}, fmt.Errorf("read event tail: %w", err)
	}
	if err := models.SealEvent(prevSeq, prevHash, &evt); err != nil {
		return models.Event{}, err
	}
	payload := string(evt.Payload)
	if payload == "" {
		payload = "null"
	}
	_, err = t.q.ExecContext(t.ctx, `
		INSERT INTO guardian_events (`+sqliteEventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, evt.Seq, evt.EventID, evt.Type, evt.Actor, evt.VaultID, int64(evt.RecoveryID), payload, evt.CreatedAt.UnixNano(), evt.PrevHash, evt.Hash)
	if err != nil {
		return models.Event{}, err
	}
	return evt, nil
}

func (t *sqliteTx) Events(afterSeq int64, limit int) ([]models.Event, error) {
	if limit <= 0 {
		return t.queryEvents(`SELECT `+sqliteEventColumns+` FROM guardian_events WHERE seq > ? ORDER BY seq`, afterSeq)
	}
	return t.queryEvents(`SELECT `+sqliteEventColumns+` FROM guardian_events WHERE seq > ? ORDER BY seq LIMIT ?`, afterSeq, limit)
}

func (t *sqliteTx) queryEvents(query string, args ...any) ([]models.Event, error) {
	rows, err := t.q.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Event{}
	for rows.Next() {
		var evt models.Event
		var recoveryID, createdNS int64
		var payload string
		if err := rows.Scan(&evt.Seq, &evt.EventID, &evt.Type, &evt.Actor, &evt.VaultID, &recoveryID, &payload, &createdNS, &evt.PrevHash, &evt.Hash); err != nil {
			return nil, err
		}
		evt.RecoveryID = uint64(recoveryID)
		evt.CreatedAt = fromNanos(createdNS)
		if payload != "null" {
			evt.Payload = json.RawMessage(payload)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}
