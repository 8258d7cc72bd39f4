package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweeper periodically deletes expired entries to bound store growth.
// Admission filters by window on every read, so sweeping is advisory.
type Sweeper struct {
	store    Store
	interval time.Duration
	now      func() time.Time
}

func NewSweeper(store Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{store: store, interval: interval, now: time.Now}
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, _ = s.SweepOnce(ctx)
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	n, err := s.store.Sweep(ctx, s.now())
	if err != nil {
		log.Warn().Err(err).Str("component", "ratelimit").Msg("sweep failed")
		return 0, err
	}
	if n > 0 {
		log.Info().Str("component", "ratelimit").Int64("deleted", n).Msg("cleaned up expired rate limit entries")
	}
	return n, nil
}
