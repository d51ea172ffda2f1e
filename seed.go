package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

type SeedResult struct {
	Users       int
	Created     int
	Updated     int
	Unchanged   int
	Deactivated int
}

// Seed upserts every user and monitor in config and brings the queue in line with the
// stored monitors. Invalid monitors are skipped and reported in the returned error.
func Seed(ctx context.Context, store Store, scheduler *Scheduler, config MonitorConfig) (SeedResult, error) {
	var result SeedResult
	var errs []error

	for _, entry := range config.Users {
		if entry.ID == "" {
			errs = append(errs, errors.New("user id is required"))
			continue
		}
		if err := store.UpsertUser(ctx, entry.User()); err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", entry.ID, err))
			continue
		}
		if err := store.UpsertNotificationSettings(ctx, entry.Settings()); err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", entry.ID, err))
			continue
		}
		result.Users++
	}

	for _, entry := range config.Monitors {
		monitor, err := entry.Monitor()
		if err != nil {
			errs = append(errs, err)
			continue
		}

		previous, err := store.UpsertMonitor(ctx, monitor)
		if err != nil {
			errs = append(errs, fmt.Errorf("monitor %s: %w", monitor.ID, err))
			continue
		}

		switch {
		case previous == nil:
			err = scheduler.Schedule(ctx, monitor)
			result.Created++
		case !monitor.Active:
			if previous.Active {
				result.Deactivated++
			} else {
				result.Unchanged++
			}
			err = scheduler.Unschedule(ctx, monitor.ID)
		case !previous.Active:
			err = scheduler.Schedule(ctx, monitor)
			result.Updated++
		case previous.scheduleChanged(monitor):
			err = scheduler.Reschedule(ctx, monitor)
			result.Updated++
		default:
			// Covers a job lost from the queue; AddRecurring is a no-op otherwise.
			err = scheduler.Schedule(ctx, monitor)
			result.Unchanged++
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}

		slog.DebugContext(ctx, "seeded monitor",
			slog.String("monitor_id", monitor.ID),
			slog.Bool("active", monitor.Active))
	}

	return result, errors.Join(errs...)
}
