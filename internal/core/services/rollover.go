package services

import (
	"context"
	"fmt"

	"fleetsync.live/internal/core/logger"
	"github.com/robfig/cron/v3"
)

// TripRollover closes trips left open from earlier days on a cron schedule.
type TripRollover struct {
	store    *FleetStore
	schedule string
	cron     *cron.Cron
}

func NewTripRollover(store *FleetStore, schedule string) *TripRollover {
	return &TripRollover{store: store, schedule: schedule}
}

// Start registers the job and runs the scheduler until ctx ends.
func (r *TripRollover) Start(ctx context.Context) error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(r.schedule, func() { r.Run(ctx) }); err != nil {
		return fmt.Errorf("rollover schedule %q: %w", r.schedule, err)
	}
	r.cron.Start()
	logger.Info("Trip rollover scheduled", "schedule", r.schedule)

	go func() {
		<-ctx.Done()
		<-r.cron.Stop().Done()
	}()
	return nil
}

// Run closes every stale open trip once.
func (r *TripRollover) Run(ctx context.Context) int {
	closed, err := r.store.ExpireTrips(ctx)
	if err != nil {
		logger.Error("Trip rollover failed", "closed", closed, "error", err)
		return closed
	}
	if closed > 0 {
		logger.Info("Trip rollover closed partial trips", "closed", closed)
	}
	return closed
}
