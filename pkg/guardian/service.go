package guardian

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"vaultguard/pkg/models"
	"vaultguard/pkg/recoveryfsm"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultTerminalCacheSize = 1024

// Service implements guardian registry, recovery ledger, freeze table and
// admin configuration on top of a Store.
type Service struct {
	store    Store
	now      func() time.Time
	newID    func() string
	tracer   trace.Tracer
	terminal *lru.Cache[uint64, models.RecoveryRequest]
	onCommit []func([]models.Event)
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithTerminalCacheSize bounds the cache of completed/cancelled requests.
// Terminal requests never change, so cached copies are never stale.
func WithTerminalCacheSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.terminal, _ = lru.New[uint64, models.RecoveryRequest](n)
		}
	}
}

// WithCommitHook registers fn to run after every committed mutation with the
// events it appended.
func WithCommitHook(fn func([]models.Event)) Option {
	return func(s *Service) {
		if fn != nil {
			s.onCommit = append(s.onCommit, fn)
		}
	}
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
		tracer: otel.Tracer("vaultguard/guardian"),
	}
	s.terminal, _ = lru.New[uint64, models.RecoveryRequest](defaultTerminalCacheSize)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// clock returns the current time in the precision every store can persist.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Service) startSpan(ctx context.Context, op, caller string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("guardian.caller", caller))
	return s.tracer.Start(ctx, "guardian."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		if kind := KindOf(err); kind != "" {
			span.SetAttributes(attribute.String("guardian.error_kind", string(kind)))
		}
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// txEvents collects events appended inside one Update call.
type txEvents struct {
	svc    *Service
	tx     Tx
	at     time.Time
	events []models.Event
}

func (e *txEvents) emit(eventType, actor, vaultID string, recoveryID uint64, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	evt, err := e.tx.AppendEvent(models.Event{
		EventID:    e.svc.newID(),
		Type:       eventType,
		Actor:      actor,
		VaultID:    vaultID,
		RecoveryID: recoveryID,
		Payload:    raw,
		CreatedAt:  e.at,
	})
	if err != nil {
		return fmt.Errorf("append %s event: %w", eventType, err)
	}
	e.events = append(e.events, evt)
	return nil
}

// mutate runs fn in one write transaction and fires commit hooks on success.
func (s *Service) mutate(ctx context.Context, fn func(tx Tx, ev *txEvents) error) ([]models.Event, error) {
	var committed []models.Event
	err := s.store.Update(ctx, func(tx Tx) error {
		ev := &txEvents{svc: s, tx: tx, at: s.clock()}
		if err := fn(tx, ev); err != nil {
			return err
		}
		committed = ev.events
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(committed) > 0 {
		for _, hook := range s.onCommit {
			hook(committed)
		}
	}
	return committed, nil
}

func (s *Service) view(ctx context.Context, fn func(tx Tx) error) error {
	return s.store.View(ctx, fn)
}

func (s *Service) cacheIfTerminal(req models.RecoveryRequest) {
	if s.terminal != nil && recoveryfsm.IsTerminal(req.Status) {
		s.terminal.Add(req.ID, req.Clone())
	}
}

// Events returns a page of the audit trail after seq.
func (s *Service) Events(ctx context.Context, afterSeq int64, limit int) ([]models.Event, error) {
	var out []models.Event
	err := s.view(ctx, func(tx Tx) error {
		var err error
		out, err = tx.Events(afterSeq, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out, nil
}

// VerifyEvents re-computes the hash chain over the whole event log.
func (s *Service) VerifyEvents(ctx context.Context) (int, error) {
	const page = 500
	var after int64
	prevHash := ""
	total := 0
	for {
		events, err := s.Events(ctx, after, page)
		if err != nil {
			return total, err
		}
		if len(events) == 0 {
			return total, nil
		}
		if err := models.VerifyChain(prevHash, events); err != nil {
			return total, err
		}
		if after != 0 && events[0].Seq != after+1 {
			return total, fmt.Errorf("%w: seq gap before %d", models.ErrChainBroken, events[0].Seq)
		}
		total += len(events)
		last := events[len(events)-1]
		after, prevHash = last.Seq, last.Hash
	}
}

// Stats is a point-in-time summary used for gauges.
type Stats struct {
	Guardians      int
	Threshold      int
	ActiveFreezes  int
	OpenRecoveries int
	LogicVersion   string
	Initialized    bool
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.view(ctx, func(tx Tx) error {
		settings, err := tx.Settings()
		if err != nil {
			return err
		}
		guardians, err := tx.Guardians()
		if err != nil {
			return err
		}
		frozen, err := tx.ListFrozen()
		if err != nil {
			return err
		}
		open, err := tx.ListRecoveries(models.RecoveryFilter{Status: recoveryfsm.Initiated})
		if err != nil {
			return err
		}
		st = Stats{
			Guardians:      len(guardians),
			Threshold:      settings.Threshold,
			ActiveFreezes:  len(frozen),
			OpenRecoveries: len(open),
			LogicVersion:   settings.Config.LogicVersion,
			Initialized:    settings.Initialized,
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("load stats: %w", err)
	}
	return st, nil
}
