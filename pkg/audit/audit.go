package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vaultguard/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// eventDB is satisfied by *pgxpool.Pool and pgx.Tx.
type eventDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer appends and reads the guardian_events hash chain in Postgres.
// Append must run inside the transaction that holds the writer lock.
type Writer struct {
	DB eventDB
}

const eventColumns = `seq, event_id, type, actor, vault_id, recovery_id, payload, created_at, prev_hash, hash`

func (w *Writer) tail(ctx context.Context) (int64, string, error) {
	var seq int64
	var hash string
	err := w.DB.QueryRow(ctx, `SELECT seq, hash FROM guardian_events ORDER BY seq DESC LIMIT 1`).Scan(&seq, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", err
	}
	return seq, hash, nil
}

func (w *Writer) Append(ctx context.Context, evt models.Event) (models.Event, error) {
	prevSeq, prevHash, err := w.tail(ctx)
	if err != nil {
		return models.Event{}, fmt.Errorf("read event tail: %w", err)
	}
	if err := models.SealEvent(prevSeq, prevHash, &evt); err != nil {
		return models.Event{}, err
	}
	payload := []byte(evt.Payload)
	if len(payload) == 0 {
		payload = []byte("null")
	}
	_, err = w.DB.Exec(ctx, `
		INSERT INTO guardian_events
		(`+eventColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, evt.Seq, evt.EventID, evt.Type, evt.Actor, evt.VaultID, int64(evt.RecoveryID), payload, evt.CreatedAt, evt.PrevHash, evt.Hash)
	if err != nil {
		return models.Event{}, err
	}
	return evt, nil
}

// List returns events with seq > afterSeq in order. limit <= 0 means no limit.
func (w *Writer) List(ctx context.Context, afterSeq int64, limit int) ([]models.Event, error) {
	if limit <= 0 {
		return w.query(ctx, `SELECT `+eventColumns+` FROM guardian_events WHERE seq > $1 ORDER BY seq`, afterSeq)
	}
	return w.query(ctx, `SELECT `+eventColumns+` FROM guardian_events WHERE seq > $1 ORDER BY seq LIMIT $2`, afterSeq, limit)
}

func (w *Writer) Pending(ctx context.Context, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return w.query(ctx, `SELECT `+eventColumns+` FROM guardian_events WHERE delivered_at IS NULL ORDER BY seq LIMIT $1`, limit)
}

func (w *Writer) MarkDelivered(ctx context.Context, seqs []int64, at time.Time) error {
	if len(seqs) == 0 {
		return nil
	}
	_, err := w.DB.Exec(ctx, `UPDATE guardian_events SET delivered_at=$2 WHERE seq = ANY($1) AND delivered_at IS NULL`, seqs, at.UTC())
	return err
}

func (w *Writer) Backlog(ctx context.Context) (int, error) {
	var n int
	if err := w.DB.QueryRow(ctx, `SELECT COUNT(*) FROM guardian_events WHERE delivered_at IS NULL`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (w *Writer) query(ctx context.Context, sql string, args ...any) ([]models.Event, error) {
	rows, err := w.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Event{}
	for rows.Next() {
		var evt models.Event
		var recoveryID int64
		var payload []byte
		if err := rows.Scan(&evt.Seq, &evt.EventID, &evt.Type, &evt.Actor, &evt.VaultID, &recoveryID, &payload, &evt.CreatedAt, &evt.PrevHash, &evt.Hash); err != nil {
			return nil, err
		}
		evt.RecoveryID = uint64(recoveryID)
		evt.Payload = payload
		evt.CreatedAt = evt.CreatedAt.UTC()
		out = append(out, evt)
	}
	return out, rows.Err()
}
