package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"vaultguard/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeEventDB struct {
	tail     []any
	tailErr  error
	rows     [][]any
	queryErr error
	execErr  error
	execSQL  []string
	execArgs [][]any
	count    int
}

func (f *fakeEventDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, append([]any(nil), args...))
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeEventDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &fakeEventRows{rows: f.rows}, nil
}

func (f *fakeEventDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if strings.Contains(sql, "COUNT(*)") {
		return fakeEventRow{values: []any{f.count}}
	}
	if f.tailErr != nil {
		return fakeEventRow{err: f.tailErr}
	}
	if f.tail == nil {
		return fakeEventRow{err: pgx.ErrNoRows}
	}
	return fakeEventRow{values: f.tail}
}

type fakeEventRow struct {
	values []any
	err    error
}

func (r fakeEventRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assignAll(dest, r.values)
}

type fakeEventRows struct {
	rows [][]any
	idx  int
}

func (r *fakeEventRows) Close() {}
func (r *fakeEventRows) Err() error { return nil }
func (r *fakeEventRows) CommandTag() pgconn.CommandTag { return pgconn.NewCommandTag("SELECT") }
func (r *fakeEventRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeEventRows) RawValues() [][]byte { return nil }
func (r *fakeEventRows) Conn() *pgx.Conn { return nil }

func (r *fakeEventRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeEventRows) Scan(dest ...any) error { return assignAll(dest, r.rows[r.idx-1]) }

func (r *fakeEventRows) Values() ([]any, error) { return r.rows[r.idx-1], nil }

func assignAll(dest []any, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(values))
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *int64:
			*d = values[i].(int64)
		case *int:
			*d = values[i].(int)
		case *string:
			*d = values[i].(string)
		case *[]byte:
			*d = append((*d)[:0], values[i].([]byte)...)
		case *time.Time:
			*d = values[i].(time.Time)
		default:
			return fmt.Errorf("unsupported scan dest %T", dest[i])
		}
	}
	return nil
}

func eventRow(evt models.Event) []any {
	return []any{evt.Seq, evt.EventID, evt.Type, evt.Actor, evt.VaultID, int64(evt.RecoveryID), []byte(evt.Payload), evt.CreatedAt, evt.PrevHash, evt.Hash}
}

func TestWriterAppendChainsFromTail(t *testing.T) {
	db := &fakeEventDB{tail: []any{int64(7), "abc"}}
	w := &Writer{DB: db}
	evt, err := w.Append(context.Background(), models.Event{
		EventID:   "e-8",
		Type:      models.EventVaultFrozen,
		Actor:     "guardian-a",
		VaultID:   "vault-1",
		Payload:   json.RawMessage(`{"vault_id":"vault-1"}`),
		CreatedAt: time.Date(2026, 2, 6, 12, 0, 0, 999, time.UTC),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if evt.Seq != 8 || evt.PrevHash != "abc" || evt.Hash == "" {
		t.Fatalf("unexpected sealed event: %+v", evt)
	}
	if len(db.execArgs) != 1 || db.execArgs[0][0] != int64(8) || db.execArgs[0][9] != evt.Hash {
		t.Fatalf("unexpected insert args: %v", db.execArgs)
	}
}

func TestWriterAppendGenesisAndErrors(t *testing.T) {
	db := &fakeEventDB{}
	w := &Writer{DB: db}
	evt, err := w.Append(context.Background(), models.Event{EventID: "e-1", Type: models.EventGuardianAdded, CreatedAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	if evt.Seq != 1 || evt.PrevHash != models.GenesisHash {
		t.Fatalf("expected genesis link: %+v", evt)
	}

	db.tailErr = errors.New("db down")
	if _, err := w.Append(context.Background(), models.Event{}); err == nil || !strings.Contains(err.Error(), "read event tail") {
		t.Fatalf("expected tail error, got %v", err)
	}
	db.tailErr = nil
	db.execErr = errors.New("insert failed")
	if _, err := w.Append(context.Background(), models.Event{}); err == nil {
		t.Fatal("expected insert error")
	}
}

func TestWriterListAndOutbox(t *testing.T) {
	at := time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)
	first := models.Event{EventID: "e-1", Type: models.EventRecoveryInitiated, RecoveryID: 3, Payload: json.RawMessage(`{"id":3}`), CreatedAt: at}
	if err := models.SealEvent(0, "", &first); err != nil {
		t.Fatal(err)
	}
	db := &fakeEventDB{rows: [][]any{eventRow(first)}, count: 4}
	w := &Writer{DB: db}

	events, err := w.List(context.Background(), 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].RecoveryID != 3 {
		t.Fatalf("unexpected events: %+v", events)
	}
	if err := models.VerifyChain("", events); err != nil {
		t.Fatalf("round-tripped event must verify: %v", err)
	}
	if _, err := w.Pending(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if n, err := w.Backlog(context.Background()); err != nil || n != 4 {
		t.Fatalf("backlog=%d err=%v", n, err)
	}

	if err := w.MarkDelivered(context.Background(), nil, at); err != nil || len(db.execSQL) != 0 {
		t.Fatal("empty mark must not touch the database")
	}
	if err := w.MarkDelivered(context.Background(), []int64{1, 2}, at); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(db.execSQL[0], "delivered_at") {
		t.Fatalf("unexpected update: %s", db.execSQL[0])
	}

	db.queryErr = errors.New("query failed")
	if _, err := w.List(context.Background(), 0, 0); err == nil {
		t.Fatal("expected query error")
	}
}
