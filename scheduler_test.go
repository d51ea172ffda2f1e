package main

import (
	"context"
	"testing"
	"time"
)

func TestScheduler_Reconcile(t *testing.T) {
	t.Run("enqueues once per active monitor", func(t *testing.T) {
		store := newTestSQLiteStore(t)
		queue := NewMemoryQueue(0)
		scheduler := NewScheduler(store, queue, time.Minute)

		monitor := seedMonitor(t, store, "https://example.com")

		result, err := scheduler.Reconcile(t.Context())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Active != 1 || result.Existing != 0 || result.Enqueued != 1 {
			t.Errorf("unexpected first pass: %+v", result)
		}

		result, err = scheduler.Reconcile(t.Context())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Existing != 1 || result.Enqueued != 0 {
			t.Errorf("expected the second pass to enqueue nothing, got %+v", result)
		}

		jobs, err := queue.List(t.Context())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(jobs) != 1 {
			t.Fatalf("expected 1 job, got %d", len(jobs))
		}
		job := jobs[0].Job
		if job.ID != JobIDForMonitor(monitor.ID) || job.URL != monitor.URL || job.Every() != monitor.Interval || job.Timeout() != monitor.Timeout {
			t.Errorf("job does not describe the monitor: %+v", job)
		}
	})

	t.Run("inactive monitors are ignored", func(t *testing.T) {
		store := newTestSQLiteStore(t)
		queue := NewMemoryQueue(0)
		scheduler := NewScheduler(store, queue, time.Minute)

		monitor := seedMonitor(t, store, "https://example.com")
		monitor.Active = false
		if _, err := store.UpsertMonitor(t.Context(), monitor); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		result, err := scheduler.Reconcile(t.Context())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Active != 0 || result.Enqueued != 0 {
			t.Errorf("expected nothing to be scheduled, got %+v", result)
		}
	})

	t.Run("a running job counts as scheduled", func(t *testing.T) {
		store := newTestSQLiteStore(t)
		queue := NewMemoryQueue(0)
		scheduler := NewScheduler(store, queue, time.Minute)
		seedMonitor(t, store, "https://example.com")

		if _, err := scheduler.Reconcile(t.Context()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		claimed, err := queue.Claim(t.Context())
		if err != nil || claimed == nil {
			t.Fatalf("expected a claimed job, got %v (error: %v)", claimed, err)
		}

		result, err := scheduler.Reconcile(t.Context())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Enqueued != 0 {
			t.Errorf("expected no job while one is active, got %+v", result)
		}
	})

	t.Run("duplicate jobs are left alone", func(t *testing.T) {
		store := newTestSQLiteStore(t)
		queue := NewMemoryQueue(0)
		scheduler := NewScheduler(store, queue, time.Minute)
		monitor := seedMonitor(t, store, "https://example.com")

		for _, id := range []string{JobIDForMonitor(monitor.ID), "legacy-" + monitor.ID} {
			job := NewProbeJob(monitor)
			job.ID = id
			if _, err := queue.AddRecurring(t.Context(), job); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}

		result, err := scheduler.Reconcile(t.Context())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Enqueued != 0 || result.Existing != 2 {
			t.Errorf("expected the conflict to be reported only, got %+v", result)
		}
	})
}

func TestScheduler_MutationPath(t *testing.T) {
	queue := NewMemoryQueue(0)
	scheduler := NewScheduler(nil, queue, time.Minute)
	monitor := Monitor{ID: "m1", UserID: "u1", URL: "https://example.com", Active: true}.WithDefaults()

	if err := scheduler.Schedule(t.Context(), monitor); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	changed := monitor
	changed.Interval = 5 * time.Minute
	if err := scheduler.Reschedule(t.Context(), changed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	jobs, err := queue.List(t.Context())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Job.Every() != 5*time.Minute {
		t.Fatalf("expected one job with the new interval, got %+v", jobs)
	}

	changed.Active = false
	if err := scheduler.Reschedule(t.Context(), changed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	jobs, err = queue.List(t.Context())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("expected deactivation to remove the job, got %+v", jobs)
	}

	if err := scheduler.Schedule(t.Context(), changed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	jobs, _ = queue.List(t.Context())
	if len(jobs) != 0 {
		t.Error("expected an inactive monitor not to be scheduled")
	}

	if err := scheduler.Schedule(t.Context(), monitor); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := scheduler.Unschedule(t.Context(), monitor.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	jobs, _ = queue.List(t.Context())
	if len(jobs) != 0 {
		t.Errorf("expected no jobs after unscheduling, got %d", len(jobs))
	}
}

func TestScheduler_StartStop(t *testing.T) {
	store := newTestSQLiteStore(t)
	queue := NewMemoryQueue(0)
	scheduler := NewScheduler(store, queue, time.Hour)
	seedMonitor(t, store, "https://example.com")

	done := make(chan error, 1)
	go func() { done <- scheduler.Start() }()

	waitFor(t, 5*time.Second, func() bool {
		jobs, err := queue.List(context.Background())
		return err == nil && len(jobs) == 1
	})

	if err := scheduler.Stop(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
