/*
scheduler.go - Background reconciliation sweep

PURPOSE:
  Periodically runs Engine.Sweep so transactions whose reconciliation was
  deferred (storage contention, audit write failure, a callback that beat
  its checkout id) are classified without operator action.

DESIGN:
  - One goroutine driven by a ticker
  - Runs once immediately on Start
  - Each pass is bounded by Batch; the next tick picks up the remainder
  - Stop cancels an in-flight pass and waits for it

USAGE:
  s := NewSweepScheduler(engine, logger)
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - handlers.go: TriggerSweep endpoint (manual sweep)
  - payment/sweep.go: Engine.Sweep
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/freshfold/payrecon/payment"
)

type SweepScheduler struct {
	Engine   *payment.Engine
	Logger   *zap.Logger
	Interval time.Duration
	Batch    int

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewSweepScheduler(engine *payment.Engine, logger *zap.Logger) *SweepScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SweepScheduler{
		Engine:   engine,
		Logger:   logger,
		Interval: time.Minute,
		Batch:    defaultListLimit,
	}
}

// Start begins the scheduler. A non-positive Interval disables it.
func (s *SweepScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Interval <= 0 {
		s.Logger.Info("sweep scheduler disabled")
		return
	}
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)

	s.Logger.Info("sweep scheduler started", zap.Duration("interval", s.Interval), zap.Int("batch", s.Batch))
}

func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil
	s.Logger.Info("sweep scheduler stopped")
}

func (s *SweepScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *SweepScheduler) sweep(ctx context.Context) {
	report, err := s.Engine.Sweep(ctx, s.Batch)
	if err != nil {
		if ctx.Err() == nil {
			s.Logger.Error("sweep failed", zap.Error(err))
		}
		return
	}
	observeSweep(report)
	if report.Scanned > 0 {
		s.Logger.Info("sweep completed",
			zap.Int("scanned", report.Scanned),
			zap.Int("reconciled", report.Reconciled),
			zap.Int("rematched", report.Rematched),
			zap.Int("failed", report.Failed))
	}
}
