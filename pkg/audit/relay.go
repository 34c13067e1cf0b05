package audit

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"vaultguard/pkg/models"
)

// Outbox is the undelivered side of the event log.
type Outbox interface {
	Pending(ctx context.Context, limit int) ([]models.Event, error)
	MarkDelivered(ctx context.Context, seqs []int64, at time.Time) error
	Backlog(ctx context.Context) (int, error)
}

// Sink receives committed events. Deliver may see the same event more than once.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, events []models.Event) error
}

// Relay moves events from the outbox to every sink. Each sink's progress is
// tracked separately: a batch is marked delivered once every sink accepted
// it, and a retry only goes to the sinks that have not.
type Relay struct {
	Outbox   Outbox
	Sinks    []Sink
	Batch    int
	Interval time.Duration
	Now      func() time.Time

	// MaxAttempts parks a batch for one sink after that many consecutive
	// failures on the same first event. Zero retries forever.
	MaxAttempts int

	// OnDelivered, OnSinkError and OnParked are optional observers for metrics.
	OnDelivered func(n int)
	OnSinkError func(sink string, err error)
	OnParked    func(sink string, seqs []int64)

	mu       sync.Mutex
	acked    map[string]int64
	failures map[string]sinkFailure
	wake     chan struct{}
}

type sinkFailure struct {
	head  int64
	count int
}

func NewRelay(outbox Outbox, sinks ...Sink) *Relay {
	return &Relay{
		Outbox:   outbox,
		Sinks:    sinks,
		Batch:    100,
		Interval: time.Second,
		Now:      time.Now,

		MaxAttempts: 10,
		wake:        make(chan struct{}, 1),
	}
}

// Wake asks a running relay to poll now instead of waiting for the ticker.
func (r *Relay) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// RunOnce delivers at most one batch and returns how many events it marked.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	events, err := r.Outbox.Pending(ctx, r.Batch)
	if err != nil {
		return 0, fmt.Errorf("load pending events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.acked == nil {
		r.acked = map[string]int64{}
		r.failures = map[string]sinkFailure{}
	}
	last := events[len(events)-1].Seq
	var deliverErr error
	for _, sink := range r.Sinks {
		name := sink.Name()
		batch := unacked(events, r.acked[name])
		if len(batch) == 0 {
			continue
		}
		if err := sink.Deliver(ctx, batch); err != nil {
			if r.OnSinkError != nil {
				r.OnSinkError(name, err)
			}
			if r.exhausted(name, batch[0].Seq) {
				log.Printf("outbox relay: parking %d events for %s after %d attempts: %v", len(batch), name, r.MaxAttempts, err)
				if r.OnParked != nil {
					r.OnParked(name, eventSeqs(batch))
				}
				r.ack(name, last)
				continue
			}
			if deliverErr == nil {
				deliverErr = fmt.Errorf("deliver to %s: %w", name, err)
			}
			continue
		}
		r.ack(name, last)
	}
	if deliverErr != nil {
		return 0, deliverErr
	}
	seqs := eventSeqs(events)
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	if err := r.Outbox.MarkDelivered(ctx, seqs, now().UTC()); err != nil {
		return 0, fmt.Errorf("mark delivered: %w", err)
	}
	if r.OnDelivered != nil {
		r.OnDelivered(len(events))
	}
	return len(events), nil
}

func (r *Relay) exhausted(sink string, head int64) bool {
	if r.MaxAttempts <= 0 {
		return false
	}
	f := r.failures[sink]
	if f.head != head {
		f = sinkFailure{head: head}
	}
	f.count++
	r.failures[sink] = f
	return f.count >= r.MaxAttempts
}

func (r *Relay) ack(sink string, seq int64) {
	if seq > r.acked[sink] {
		r.acked[sink] = seq
	}
	delete(r.failures, sink)
}

func unacked(events []models.Event, acked int64) []models.Event {
	for i, evt := range events {
		if evt.Seq > acked {
			return events[i:]
		}
	}
	return nil
}

func eventSeqs(events []models.Event) []int64 {
	seqs := make([]int64, 0, len(events))
	for _, evt := range events {
		seqs = append(seqs, evt.Seq)
	}
	return seqs
}

// Run polls until ctx is done. Full batches are drained without waiting.
func (r *Relay) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for {
			n, err := r.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Printf("outbox relay: %v", err)
				break
			}
			if n < r.Batch || n == 0 {
				break
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.wake:
		}
	}
}
