package forward

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/DonTee-Why/logstack/internal/wal"
)

// Scheduler drives periodic flush cycles. Each cycle first applies the
// time-based WAL rotation rules so idle tenants' segments become ready,
// then ships the ready backlog.
type Scheduler struct {
	interval time.Duration
	fwd      *Forwarder
	wal      *wal.Manager
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScheduler creates a Scheduler running Flush every interval.
func NewScheduler(interval time.Duration, fwd *Forwarder, store *wal.Manager, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		interval: interval,
		fwd:      fwd,
		wal:      store,
		logger:   logger,
	}
}

// Start launches the flush loop. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(ctx)
	s.logger.Info("forward: scheduler started", "interval", s.interval)
}

// Stop cancels the loop and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("forward: scheduler stopped")
}

// Running reports whether the flush loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.wal.RotateIdle()
			res, err := s.fwd.Flush(ctx, "")
			if err != nil && ctx.Err() == nil {
				s.logger.Error("forward: flush cycle failed", "error", err)
			}
			if res.SegmentsProcessed > 0 {
				s.logger.Info("forward: flush cycle complete",
					"entries", res.EntriesForwarded, "segments", res.SegmentsProcessed)
			}
		}
	}
}
