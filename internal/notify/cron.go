package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/robfig/cron/v3"
)

// Cron schedules for the periodic queue flushes.
const (
	dailyFlushSpec  = "0 6 * * *" // 06:00 UTC every day
	weeklyFlushSpec = "0 6 * * 1" // 06:00 UTC every Monday
)

// Flusher drives the daily and weekly pending-queue flushes.
type Flusher struct {
	cron      *cron.Cron
	scheduler *Scheduler
	tenantIDs []string
	timeout   time.Duration
}

// NewFlusher creates a cron-driven flusher for the given tenants.
func NewFlusher(scheduler *Scheduler, tenantIDs []string) *Flusher {
	return &Flusher{
		cron:      cron.New(cron.WithLocation(time.UTC)),
		scheduler: scheduler,
		tenantIDs: tenantIDs,
		timeout:   2 * time.Minute,
	}
}

// Start registers the flush jobs and starts the cron loop.
func (f *Flusher) Start() error {
	if _, err := f.cron.AddFunc(dailyFlushSpec, func() {
		f.flushAll(domain.FrequencyDaily)
	}); err != nil {
		return err
	}
	if _, err := f.cron.AddFunc(weeklyFlushSpec, func() {
		f.flushAll(domain.FrequencyWeekly)
	}); err != nil {
		return err
	}

	f.cron.Start()
	slog.Info("notification flusher started",
		"tenant_count", len(f.tenantIDs),
		"daily", dailyFlushSpec,
		"weekly", weeklyFlushSpec,
	)
	return nil
}

// Stop halts the cron loop and waits for running jobs.
func (f *Flusher) Stop() {
	ctx := f.cron.Stop()
	<-ctx.Done()
	slog.Info("notification flusher stopped")
}

func (f *Flusher) flushAll(cadence domain.NotificationFrequency) {
	for _, tenantID := range f.tenantIDs {
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		ready, err := f.scheduler.Flush(ctx, tenantID, cadence)
		cancel()
		if err != nil {
			slog.Error("scheduled flush failed",
				"tenant_id", tenantID,
				"cadence", cadence,
				"error", err,
			)
			continue
		}
		slog.Debug("scheduled flush complete",
			"tenant_id", tenantID,
			"cadence", cadence,
			"dispatched", len(ready),
		)
	}
}
