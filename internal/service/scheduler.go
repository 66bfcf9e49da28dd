package service

import (
	"context"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/prewarm/internal/model"
)

func newScheduler(ctx context.Context, cfgp *model.Schedule, task func()) (gocron.Scheduler, error) {
	if cfgp == nil {
		return nil, fmt.Errorf("cleanup.schedule is nil")
	}
	cfg := *cfgp
	interval, err := cfg.Interval()
	if err != nil {
		return nil, fmt.Errorf("cleanup.schedule: %w", err)
	}

	job := gocron.DurationJob(interval)
	if cfg.Cron != "" {
		job = gocron.CronJob(cfg.Cron, false)
	}
	slog.DebugContext(ctx, "cleanup scheduled", "cron", cfg.Cron, "interval", interval.String())

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
