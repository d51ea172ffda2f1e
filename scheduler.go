package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const DefaultReconcileInterval = time.Minute

// ReconcileResult counts what one reconciliation pass saw and did.
type ReconcileResult struct {
	Active   int
	Existing int
	Enqueued int
}

// Scheduler keeps one recurring probe job in the queue for every active monitor.
// It only ever adds jobs; removal belongs to the monitor mutation path.
type Scheduler struct {
	store            Store
	queue            JobQueue
	tick             time.Duration
	operationTimeout time.Duration

	shutdown chan struct{}
	stopOnce sync.Once
}

func NewScheduler(store Store, queue JobQueue, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = DefaultReconcileInterval
	}
	return &Scheduler{
		store:            store,
		queue:            queue,
		tick:             tick,
		operationTimeout: 30 * time.Second,
		shutdown:         make(chan struct{}),
	}
}

// Start reconciles once right away and then on every tick.
// It is a blocking call.
func (s *Scheduler) Start() error {
	s.reconcileAndLog()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return nil
		case <-ticker.C:
			s.reconcileAndLog()
		}
	}
}

func (s *Scheduler) Stop() error {
	s.stopOnce.Do(func() {
		close(s.shutdown)
	})
	return nil
}

func (s *Scheduler) reconcileAndLog() {
	ctx, cancel := context.WithTimeout(context.Background(), s.operationTimeout)
	defer cancel()

	result, err := s.Reconcile(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "reconciling scheduled jobs", slog.String("error", err.Error()))
	}
	slog.DebugContext(ctx, "reconciled scheduled jobs",
		slog.Int("active_monitors", result.Active),
		slog.Int("existing_jobs", result.Existing),
		slog.Int("enqueued_jobs", result.Enqueued))
}

// Reconcile enqueues a recurring job for every active monitor that has none.
func (s *Scheduler) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var result ReconcileResult

	monitors, err := s.store.ListActiveMonitors(ctx)
	if err != nil {
		return result, fmt.Errorf("listing active monitors: %w", err)
	}
	result.Active = len(monitors)

	jobs, err := s.queue.List(ctx, JobStateWaiting, JobStateDelayed, JobStateActive)
	if err != nil {
		return result, fmt.Errorf("listing scheduled jobs: %w", err)
	}
	result.Existing = len(jobs)

	jobsPerMonitor := make(map[string]int, len(jobs))
	for _, job := range jobs {
		jobsPerMonitor[job.Job.MonitorID]++
	}

	var errs []error
	for _, monitor := range monitors {
		switch count := jobsPerMonitor[monitor.ID]; {
		case count == 1:
			continue
		case count > 1:
			slog.WarnContext(ctx, "monitor has more than one scheduled job",
				slog.String("monitor_id", monitor.ID),
				slog.Int("jobs", count),
				slog.String("error", ErrSchedulingConflict.Error()))
			continue
		}

		added, err := s.queue.AddRecurring(ctx, NewProbeJob(monitor))
		if err != nil {
			errs = append(errs, fmt.Errorf("scheduling monitor %s: %w", monitor.ID, err))
			continue
		}
		if added {
			result.Enqueued++
			slog.InfoContext(ctx, "scheduled monitor",
				slog.String("monitor_id", monitor.ID),
				slog.Duration("interval", monitor.Interval))
		}
	}

	return result, errors.Join(errs...)
}

// Schedule adds the job of a newly created or reactivated monitor.
func (s *Scheduler) Schedule(ctx context.Context, monitor Monitor) error {
	if !monitor.Active {
		return nil
	}
	if _, err := s.queue.AddRecurring(ctx, NewProbeJob(monitor)); err != nil {
		return fmt.Errorf("scheduling monitor %s: %w", monitor.ID, err)
	}
	return nil
}

// Reschedule applies a changed monitor to its job in one step, or removes the job of a
// monitor that is no longer active.
func (s *Scheduler) Reschedule(ctx context.Context, monitor Monitor) error {
	if !monitor.Active {
		return s.Unschedule(ctx, monitor.ID)
	}
	if err := s.queue.Replace(ctx, NewProbeJob(monitor)); err != nil {
		return fmt.Errorf("rescheduling monitor %s: %w", monitor.ID, err)
	}
	return nil
}

// Unschedule removes the job of a deleted or deactivated monitor.
func (s *Scheduler) Unschedule(ctx context.Context, monitorID string) error {
	if _, err := s.queue.Remove(ctx, JobIDForMonitor(monitorID)); err != nil {
		return fmt.Errorf("unscheduling monitor %s: %w", monitorID, err)
	}
	return nil
}
