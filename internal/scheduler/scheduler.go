// Package scheduler sweeps the datastore for call sessions whose next
// attempt is due: deferred calls whose window opened and unanswered calls
// with retry budget left.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/confirmline/call-confirmation-pipeline/internal/confirmation"
	"github.com/confirmline/call-confirmation-pipeline/internal/domain"
)

// DueLister is the datastore slice the sweep needs.
type DueLister interface {
	ListDueCalls(ctx context.Context, maxRetries int32, now time.Time) ([]domain.CallSession, error)
}

type Scheduler struct {
	store      DueLister
	engine     *confirmation.Engine
	interval   time.Duration
	maxRetries int32
	now        func() time.Time
}

func New(store DueLister, engine *confirmation.Engine, interval time.Duration, maxRetries int32) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &Scheduler{
		store:      store,
		engine:     engine,
		interval:   interval,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

// WithClock substitutes the time source; used by tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Run sweeps on a ticker until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("[Scheduler] Sweeping due calls every %s", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Scheduler] Stopped")
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				log.Printf("[Scheduler] Sweep failed: %v", err)
			}
		}
	}
}

// SweepOnce processes every due session. Each session is claimed with a
// conditional write inside the engine, so concurrent sweeps are safe.
func (s *Scheduler) SweepOnce(ctx context.Context) error {
	due, err := s.store.ListDueCalls(ctx, s.maxRetries, s.now())
	if err != nil {
		return err
	}
	for _, session := range due {
		if err := s.engine.RedialDueSession(ctx, session); err != nil {
			log.Printf("[Scheduler] Redial failed for session %s (order %s): %v", session.ID, session.OrderID, err)
		}
	}
	return nil
}
