package jobs

import (
	"context"
	"sync"
	"time"

	"sheetsync/internal/metrics"
	"sheetsync/internal/models"

	"github.com/rs/zerolog"
)

// Purger deletes terminal jobs last updated before cutoff.
type Purger interface {
	DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper periodically removes completed and failed jobs older than the
// retention window.
type Sweeper struct {
	store     Purger
	retention time.Duration
	interval  time.Duration
	logger    *zerolog.Logger
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(store Purger, retention, interval time.Duration, logger *zerolog.Logger) *Sweeper {
	if retention <= 0 {
		retention = models.DefaultJobRetentionDays * 24 * time.Hour
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Sweeper{
		store:     store,
		retention: retention,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

// RunOnce deletes terminal jobs whose last update is older than the retention
// window and returns how many were removed.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	n, err := s.store.DeleteTerminalJobsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	metrics.AddJobsPurged(n)
	s.logger.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("Old jobs cleaned up")
	return n, nil
}

// Start runs RunOnce every interval until Stop is called or ctx is done.
// Calling Start on a running sweeper does nothing.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
					s.logger.Error().Err(err).Msg("Job cleanup failed")
				}
			}
		}
	}()

	s.logger.Info().Dur("interval", s.interval).Dur("retention", s.retention).Msg("Job sweeper started")
}

// Stop cancels the schedule and waits for an in-flight run to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info().Msg("Job sweeper stopped")
}
