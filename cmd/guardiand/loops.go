package main

import (
	"context"
	"log"
	"time"
)

// FreezeSweeper is the actor recorded on freezes lifted by the sweep loop.
const FreezeSweeper = "system:freeze-sweeper"

func (s *Server) freezeSweepLoop(ctx context.Context) {
	interval := s.FreezeSweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.sweepExpiredFreezes(ctx); n > 0 {
				log.Printf("freeze sweep lifted %d expired freezes", n)
			}
		}
	}
}

// sweepExpiredFreezes lifts every lapsed freeze and returns how many it
// lifted. A vault unfrozen concurrently is skipped.
func (s *Server) sweepExpiredFreezes(ctx context.Context) int {
	expired, err := s.Service.ExpiredFreezes(ctx)
	if err != nil {
		log.Printf("freeze sweep: %v", err)
		return 0
	}
	lifted := 0
	for _, st := range expired {
		if _, err := s.Service.AutoUnfreeze(ctx, FreezeSweeper, st.VaultID); err != nil {
			log.Printf("freeze sweep %s: %v", st.VaultID, err)
			continue
		}
		lifted++
	}
	return lifted
}

func (s *Server) metricsLoop(ctx context.Context) {
	interval := s.MetricsInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.updateOperationalMetrics(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics(ctx)
		}
	}
}

func (s *Server) updateOperationalMetrics(ctx context.Context) {
	if s.Service == nil || s.Metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	stats, err := s.Service.Stats(ctx)
	if err != nil {
		log.Printf("metrics refresh: %v", err)
		return
	}
	s.Metrics.SetGauge("guardian_count", float64(stats.Guardians))
	s.Metrics.SetGauge("guardian_threshold", float64(stats.Threshold))
	s.Metrics.SetGauge("active_freezes", float64(stats.ActiveFreezes))
	s.Metrics.SetGauge("open_recoveries", float64(stats.OpenRecoveries))
	if s.Outbox != nil {
		if backlog, err := s.Outbox.Backlog(ctx); err == nil {
			s.Metrics.SetGauge("outbox_backlog", float64(backlog))
		}
	}
	if s.Events != nil {
		s.Metrics.SetGauge("stream_subscribers", float64(s.Events.Subscribers()))
		s.Metrics.SetGauge("stream_dropped_frames", float64(s.Events.Dropped()))
	}
}
