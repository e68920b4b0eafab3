package geo

import (
	"context"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/rs/zerolog"
)

// Sweeper is an Index that can drop stale entries in bulk.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// RunSweeper calls s.Sweep every interval until ctx is done.
func RunSweeper(ctx context.Context, s Sweeper, clk clock.Clock, interval time.Duration, log zerolog.Logger) {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			n, err := s.Sweep(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("geo sweep failed")
				continue
			}
			if n > 0 {
				log.Debug().Int("evicted", n).Msg("evicted stale driver positions")
			}
		}
	}
}
