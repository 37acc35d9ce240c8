package auth

import (
	"context"
	"log"
	"time"
)

const defaultSweepInterval = 15 * time.Minute

// Sweeper periodically deactivates sessions whose expiry has passed.
// It is advisory only: expiry is always re-checked live on every
// authenticated request, so a missed sweep never affects correctness.
type Sweeper struct {
	sessions SessionStore
	interval time.Duration
	timeout  time.Duration
	logger   *log.Logger
	onSweep  func(count int64)
}

// SweeperOption configures the Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval sets how often the sweep runs.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSweepLogger sets the logger for sweep outcomes.
func WithSweepLogger(l *log.Logger) SweeperOption {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSweepObserver registers a hook receiving the swept-row count,
// used to feed metrics.
func WithSweepObserver(fn func(count int64)) SweeperOption {
	return func(s *Sweeper) {
		if fn != nil {
			s.onSweep = fn
		}
	}
}

// NewSweeper constructs a Sweeper over the session store.
func NewSweeper(sessions SessionStore, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		sessions: sessions,
		interval: defaultSweepInterval,
		timeout:  defaultStorageTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps on a ticker until the context is canceled. Each pass is
// a single set-based update, so concurrent passes and live lookups
// stay consistent.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	count, err := s.sessions.SweepExpired(ctx)
	if err != nil {
		if s.logger != nil {
			s.logger.Printf(`{"level":"error","msg":"session_sweep_failed","error":%q}`, err.Error())
		}
		return
	}
	if s.onSweep != nil {
		s.onSweep(count)
	}
	if count > 0 && s.logger != nil {
		s.logger.Printf(`{"level":"info","msg":"session_sweep","deactivated":%d}`, count)
	}
}
