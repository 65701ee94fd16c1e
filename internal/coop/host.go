package coop

import (
	"context"
	"time"
)

// DefaultFrameRate approximates the game's 20 Hz logic rate.
const DefaultFrameRate = 20

type RunOptions struct {
	RateHz int
	// Ready gates frame polling, e.g. until a helper socket is connected.
	Ready      func() bool
	AfterFrame func(*Session)
}

// Run drives s until ctx is done or the session fails. Each tick drains the
// transport before polling memory, so items received since the last frame are
// visible to reconciliation.
func Run(ctx context.Context, s *Session, opts RunOptions) error {
	if opts.RateHz <= 0 {
		opts.RateHz = DefaultFrameRate
	}
	ticker := time.NewTicker(time.Second / time.Duration(opts.RateHz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Poll(); err != nil {
				return err
			}
			if opts.Ready != nil && !opts.Ready() {
				continue
			}
			if err := s.OnFrame(); err != nil {
				return err
			}
			if opts.AfterFrame != nil {
				opts.AfterFrame(s)
			}
		}
	}
}
