package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler fires the planner and the sweeper on independent wall-clock
// cadences. A tick fires whether or not the previous cycle finished; there is
// no catch-up and no overlap prevention beyond queue-level idempotence.
type Scheduler struct {
	planner       *Planner
	sweeper       *Sweeper
	planInterval  time.Duration
	sweepInterval time.Duration
	log           zerolog.Logger
}

func NewScheduler(planner *Planner, sweeper *Sweeper,
	planInterval, sweepInterval time.Duration, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		planner:       planner,
		sweeper:       sweeper,
		planInterval:  planInterval,
		sweepInterval: sweepInterval,
		log:           log.With().Str("component", "scheduler").Logger(),
	}
}

// Run blocks until ctx is cancelled. The first planning cycle fires
// immediately so a fresh deploy does not wait a full interval.
func (s *Scheduler) Run(ctx context.Context) error {
	planTicker := time.NewTicker(s.planInterval)
	defer planTicker.Stop()
	sweepTicker := time.NewTicker(s.sweepInterval)
	defer sweepTicker.Stop()

	s.log.Info().
		Dur("plan_interval", s.planInterval).
		Dur("sweep_interval", s.sweepInterval).
		Msg("scheduler started")

	go s.planner.Cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-planTicker.C:
			go s.planner.Cycle(ctx)
		case <-sweepTicker.C:
			go s.sweeper.Sweep(ctx)
		}
	}
}
