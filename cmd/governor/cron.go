package main

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Morse2580/Mimir-sub001/internal/budget"
	"github.com/Morse2580/Mimir-sub001/internal/queue"
	"github.com/Morse2580/Mimir-sub001/internal/recovery"
	"github.com/Morse2580/Mimir-sub001/pkg/logging"
)

// Maintenance schedules, with a seconds field
const (
	scheduleRollover   = "0 0 0 1 * *"    // first of the month
	scheduleSweep      = "0 */10 * * * *" // every 10 minutes
	scheduleCompaction = "0 0 * * * *"    // hourly
)

// startCron registers the maintenance jobs: monthly budget rollover so
// every tenant gets a reset event even with the kill switch engaged,
// queue sweeping for expired and over-age operations, and health
// sample window compaction.
func startCron(logger *logging.Logger, bud *budget.Governor, q *queue.Queue, det *recovery.Detector) *cron.Cron {
	c := cron.New(cron.WithSeconds())

	jobs := []struct {
		name     string
		schedule string
		timeout  time.Duration
		run      func(ctx context.Context) error
	}{
		{"budget_rollover", scheduleRollover, 5 * time.Minute, bud.RolloverAll},
		{"queue_sweep", scheduleSweep, 2 * time.Minute, q.Sweep},
		{"health_window_compaction", scheduleCompaction, 2 * time.Minute, det.CompactSamples},
	}

	for _, job := range jobs {
		job := job
		_, err := c.AddFunc(job.schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), job.timeout)
			defer cancel()

			if err := job.run(ctx); err != nil {
				logger.Error("Maintenance job failed", "job", job.name, "error", err)
				return
			}
			logger.Debug("Maintenance job completed", "job", job.name)
		})
		if err != nil {
			logger.Error("Failed to register maintenance job", "job", job.name, "error", err)
		}
	}

	c.Start()
	logger.Info("Maintenance jobs scheduled",
		"rollover", scheduleRollover,
		"sweep", scheduleSweep,
		"compaction", scheduleCompaction)
	return c
}
