package guardian

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"vaultguard/pkg/models"
	"vaultguard/pkg/recoveryfsm"
)

type memState struct {
	settings   models.Settings
	guardians  []string
	nextID     uint64
	recoveries map[uint64]models.RecoveryRequest
	freezes    map[string]models.FreezeState
	events     []models.Event
}

func (s *memState) clone() *memState {
	out := &memState{
		settings:   s.settings,
		guardians:  append([]string(nil), s.guardians...),
		nextID:     s.nextID,
		recoveries: make(map[uint64]models.RecoveryRequest, len(s.recoveries)),
		freezes:    make(map[string]models.FreezeState, len(s.freezes)),
		// Events are append-only; the capped slice forces appends to copy.
		events: s.events[:len(s.events):len(s.events)],
	}
	for id, r := range s.recoveries {
		out.recoveries[id] = r.Clone()
	}
	for k, v := range s.freezes {
		out.freezes[k] = v
	}
	return out
}

// MemoryStore keeps all state in process. Writers are serialized and work on
// a staged copy that replaces the live state only when fn succeeds.
type MemoryStore struct {
	mu        sync.RWMutex
	state     *memState
	delivered map[int64]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			nextID:     1,
			recoveries: map[uint64]models.RecoveryRequest{},
			freezes:    map[string]models.FreezeState{},
		},
		delivered: map[int64]time.Time{},
	}
}

func (m *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	staged := m.state.clone()
	if err := fn(&memTx{st: staged, writable: true}); err != nil {
		return err
	}
	m.state = staged
	return nil
}

func (m *MemoryStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memTx{st: m.state})
}

func (m *MemoryStore) Pending(ctx context.Context, limit int) ([]models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.Event{}
	for _, evt := range m.state.events {
		if _, done := m.delivered[evt.Seq]; done {
			continue
		}
		out = append(out, evt)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkDelivered(ctx context.Context, seqs []int64, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, seq := range seqs {
		if _, ok := m.delivered[seq]; !ok {
			m.delivered[seq] = at
		}
	}
	return nil
}

func (m *MemoryStore) Backlog(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.state.events) - len(m.delivered), nil
}

var errReadOnly = fmt.Errorf("write in read-only transaction")

type memTx struct {
	st       *memState
	writable bool
}

func (t *memTx) write() error {
	if !t.writable {
		return errReadOnly
	}
	return nil
}

func (t *memTx) Settings() (models.Settings, error) { return t.st.settings, nil }

func (t *memTx) PutSettings(s models.Settings) error {
	if err := t.write(); err != nil {
		return err
	}
	t.st.settings = s
	return nil
}

func (t *memTx) Guardians() ([]string, error) {
	return append([]string(nil), t.st.guardians...), nil
}

func (t *memTx) HasGuardian(identity string) (bool, error) {
	for _, g := range t.st.guardians {
		if g == identity {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertGuardian(identity string, _ time.Time) error {
	if err := t.write(); err != nil {
		return err
	}
	if ok, _ := t.HasGuardian(identity); ok {
		return ErrGuardianAlreadyExists
	}
	t.st.guardians = append(t.st.guardians, identity)
	return nil
}

func (t *memTx) DeleteGuardian(identity string) error {
	if err := t.write(); err != nil {
		return err
	}
	for i, g := range t.st.guardians {
		if g == identity {
			t.st.guardians = append(t.st.guardians[:i:i], t.st.guardians[i+1:]...)
			return nil
		}
	}
	return ErrGuardianNotFound
}

func (t *memTx) NextRecoveryID() (uint64, error) {
	if err := t.write(); err != nil {
		return 0, err
	}
	id := t.st.nextID
	t.st.nextID++
	return id, nil
}

func (t *memTx) InsertRecovery(req models.RecoveryRequest) error {
	if err := t.write(); err != nil {
		return err
	}
	if _, exists := t.st.recoveries[req.ID]; exists {
		return fmt.Errorf("recovery %d already stored", req.ID)
	}
	t.st.recoveries[req.ID] = req.Clone()
	return nil
}

func (t *memTx) Recovery(id uint64) (models.RecoveryRequest, error) {
	req, ok := t.st.recoveries[id]
	if !ok {
		return models.RecoveryRequest{}, ErrRecoveryNotFound
	}
	out := req.Clone()
	out.Status = recoveryfsm.Status(out.Executed, out.Cancelled)
	return out, nil
}

func (t *memTx) ListRecoveries(filter models.RecoveryFilter) ([]models.RecoveryRequest, error) {
	ids := make([]uint64, 0, len(t.st.recoveries))
	for id := range t.st.recoveries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := []models.RecoveryRequest{}
	for _, id := range ids {
		req, _ := t.Recovery(id)
		if filter.VaultID != "" && req.VaultID != filter.VaultID {
			continue
		}
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		out = append(out, req)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) mutateRecovery(id uint64, fn func(*models.RecoveryRequest)) error {
	if err := t.write(); err != nil {
		return err
	}
	req, ok := t.st.recoveries[id]
	if !ok {
		return ErrRecoveryNotFound
	}
	fn(&req)
	t.st.recoveries[id] = req
	return nil
}

func (t *memTx) AppendApprover(id uint64, identity string, _ time.Time) error {
	return t.mutateRecovery(id, func(r *models.RecoveryRequest) {
		r.Approvers = append(r.Approvers, identity)
	})
}

func (t *memTx) MarkExecuted(id uint64, by string, at time.Time) error {
	return t.mutateRecovery(id, func(r *models.RecoveryRequest) {
		r.Executed = true
		r.ExecutedBy = by
		r.ExecutedAt = &at
	})
}

func (t *memTx) MarkCancelled(id uint64, by string, at time.Time) error {
	return t.mutateRecovery(id, func(r *models.RecoveryRequest) {
		r.Cancelled = true
		r.CancelledBy = by
		r.CancelledAt = &at
	})
}

func (t *memTx) Freeze(vaultID string) (models.FreezeState, bool, error) {
	st, ok := t.st.freezes[vaultID]
	return st, ok, nil
}

func (t *memTx) PutFreeze(state models.FreezeState) error {
	if err := t.write(); err != nil {
		return err
	}
	t.st.freezes[state.VaultID] = state
	return nil
}

func (t *memTx) ListFrozen() ([]models.FreezeState, error) {
	out := []models.FreezeState{}
	for _, st := range t.st.freezes {
		if st.Frozen {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VaultID < out[j].VaultID })
	return out, nil
}

func (t *memTx) AppendEvent(evt models.Event) (models.Event, error) {
	if err := t.write(); err != nil {
		return models.Event{}, err
	}
	var prevSeq int64
	var prevHash string
	if n := len(t.st.events); n > 0 {
		prevSeq, prevHash = t.st.events[n-1].Seq, t.st.events[n-1].Hash
	}
	if err := models.SealEvent(prevSeq, prevHash, &evt); err != nil {
		return models.Event{}, err
	}
	t.st.events = append(t.st.events, evt)
	return evt, nil
}

func (t *memTx) Events(afterSeq int64, limit int) ([]models.Event, error) {
	out := []models.Event{}
	for _, evt := range t.st.events {
		if evt.Seq <= afterSeq {
			continue
		}
		out = append(out, evt)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
