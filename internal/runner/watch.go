package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"
)

// ParseSchedule accepts a Go duration ("15m") or a standard five-field cron
// expression.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil, fmt.Errorf("schedule is required")
	}
	if interval, err := time.ParseDuration(schedule); err == nil {
		if interval <= 0 {
			return nil, fmt.Errorf("interval must be > 0")
		}
		return cron.Every(interval), nil
	}
	spec, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", schedule, err)
	}
	return spec, nil
}

// Watch calls fn immediately and then on every tick of schedule until ctx is
// cancelled. Calls never overlap; a tick that passes while fn is running is
// skipped. Errors from fn are logged and do not stop the loop.
func Watch(ctx context.Context, schedule string, log logr.Logger, fn func(context.Context) error) error {
	spec, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	log = log.WithName("watch")

	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			log.Error(err, "Scheduled run failed")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		next := spec.Next(time.Now())
		log.Info("Next run scheduled", "at", next)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
