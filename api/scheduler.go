/*
scheduler.go - Automated accrual scheduler

PURPOSE:
  Periodically runs the monthly accrual for the current period and,
  in January, the prior-year carryover sweep. Idempotency keys on the
  ledger make repeated runs for the same period safe, so the scheduler
  fires every tick without tracking what it has already processed.

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewAccrualScheduler(org, engine, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunAccrual / RunCarryover endpoints (manual triggers)
  - leave/accrual.go: AccrualEngine
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/leave-engine/leave"
)

// AccrualScheduler handles automated monthly accrual and carryover.
type AccrualScheduler struct {
	Org           leave.OrgID
	Engine        *leave.AccrualEngine
	CheckInterval time.Duration
	Enabled       bool

	log    *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewAccrualScheduler creates a new scheduler.
func NewAccrualScheduler(org leave.OrgID, engine *leave.AccrualEngine, log *zap.Logger) *AccrualScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AccrualScheduler{
		Org:           org,
		Engine:        engine,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		log:           log.Named("scheduler"),
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (s *AccrualScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("disabled, not starting")
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run()

	s.log.Info("started", zap.Duration("check_interval", s.CheckInterval))
}

// Stop stops the scheduler.
func (s *AccrualScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.log.Info("stopped")
	}
}

func (s *AccrualScheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.checkAndProcess()

	for {
		select {
		case <-s.ticker.C:
			s.checkAndProcess()
		case <-s.stop:
			return
		}
	}
}

func (s *AccrualScheduler) checkAndProcess() {
	ctx := context.Background()
	now := time.Now()

	summary, err := s.Engine.RunMonthlyAccrual(ctx, s.Org, now.Month(), now.Year())
	if err != nil {
		s.log.Error("monthly accrual failed", zap.Error(err))
	} else {
		s.log.Info("monthly accrual complete",
			zap.Int("credited", summary.Credited),
			zap.Int("skipped", summary.Skipped),
			zap.Int("errors", len(summary.Errors)))
	}

	// Sweep the prior year's carryover during January. Already-swept
	// users are skipped via their carryover idempotency keys.
	if now.Month() == time.January {
		summary, err := s.Engine.RunYearEndCarryover(ctx, s.Org, now.Year()-1)
		if err != nil {
			s.log.Error("carryover sweep failed", zap.Error(err))
			return
		}
		s.log.Info("carryover sweep complete",
			zap.Int("debited", summary.Debited),
			zap.Int("skipped", summary.Skipped),
			zap.Int("errors", len(summary.Errors)))
	}
}
