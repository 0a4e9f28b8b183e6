package mirror

import (
	"context"
	"time"

	"forgecore/pkg/models"

	"golang.org/x/sync/errgroup"
)

// Scheduler runs each mirror with a positive interval on its own ticker
type Scheduler struct {
	syncer  *Syncer
	mirrors []models.Mirror
}

// NewScheduler keeps only the mirrors that have an interval
func NewScheduler(syncer *Syncer, mirrors []models.Mirror) *Scheduler {
	var scheduled []models.Mirror
	for _, m := range mirrors {
		if m.IntervalDuration() > 0 {
			scheduled = append(scheduled, m)
		}
	}
	return &Scheduler{syncer: syncer, mirrors: scheduled}
}

// Len returns the number of scheduled mirrors
func (s *Scheduler) Len() int {
	return len(s.mirrors)
}

// Run syncs every scheduled mirror once and then on each tick until ctx is
// done. Sync failures are logged by the syncer and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, m := range s.mirrors {
		g.Go(func() error {
			s.loop(ctx, m)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, m models.Mirror) {
	ticker := time.NewTicker(m.IntervalDuration())
	defer ticker.Stop()

	for {
		_, _ = s.syncer.Sync(ctx, m)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
