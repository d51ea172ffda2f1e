package main

import (
	"context"
	"slices"
	"strings"
	"time"
)

const jobIDPrefix = "monitor-"

const defaultFailureHistory = 1000

// JobIDForMonitor is the deterministic queue key of a monitor's recurring probe job.
func JobIDForMonitor(monitorID string) string {
	return jobIDPrefix + monitorID
}

// ProbeJob is the definition of a recurring probe, stored in the queue.
type ProbeJob struct {
	ID             string `json:"id"`
	MonitorID      string `json:"monitor_id"`
	UserID         string `json:"user_id,omitempty"`
	URL            string `json:"url"`
	Method         string `json:"method"`
	ExpectedStatus int    `json:"expected_status"`
	TimeoutMs      int64  `json:"timeout_ms"`
	EveryMs        int64  `json:"every_ms"`
}

func NewProbeJob(monitor Monitor) ProbeJob {
	return ProbeJob{
		ID:             JobIDForMonitor(monitor.ID),
		MonitorID:      monitor.ID,
		UserID:         monitor.UserID,
		URL:            monitor.URL,
		Method:         monitor.Method,
		ExpectedStatus: monitor.ExpectedStatus,
		TimeoutMs:      monitor.Timeout.Milliseconds(),
		EveryMs:        monitor.Interval.Milliseconds(),
	}
}

func (j ProbeJob) Every() time.Duration {
	return time.Duration(j.EveryMs) * time.Millisecond
}

func (j ProbeJob) Timeout() time.Duration {
	return time.Duration(j.TimeoutMs) * time.Millisecond
}

// monitorIDFromJobID recovers the monitor id of jobs that do not carry one.
func monitorIDFromJobID(jobID string) string {
	return strings.TrimPrefix(jobID, jobIDPrefix)
}

type JobState string

const (
	// JobStateWaiting is a job whose next run is due.
	JobStateWaiting JobState = "waiting"
	// JobStateDelayed is a job whose next run is in the future.
	JobStateDelayed JobState = "delayed"
	// JobStateActive is a job currently claimed by a worker.
	JobStateActive JobState = "active"
)

type JobInfo struct {
	Job       ProbeJob
	State     JobState
	NextRunAt time.Time
}

// ClaimedJob is a job handed to a worker. It must be given back with Complete, Fail or Release.
type ClaimedJob struct {
	Job       ProbeJob
	DueAt     time.Time
	ClaimedAt time.Time
}

type JobFailure struct {
	JobID     string    `json:"job_id"`
	MonitorID string    `json:"monitor_id"`
	Error     string    `json:"error"`
	DueAt     time.Time `json:"due_at"`
	FailedAt  time.Time `json:"failed_at"`
}

// JobQueue holds recurring probe jobs. A job is never delayed and active at the same
// time, so one monitor's job is not handed to two workers at once.
type JobQueue interface {
	Ping(ctx context.Context) error

	// AddRecurring registers the job unless one with the same id is already scheduled.
	// It reports whether the job was added. The first run is due immediately, unless a
	// removed instance is still running: that run's Complete or Fail schedules the next.
	AddRecurring(ctx context.Context, job ProbeJob) (bool, error)
	// Replace swaps the definition of a job in one step. A job that is not running is
	// due immediately with the new definition; a running job picks it up on its next run.
	Replace(ctx context.Context, job ProbeJob) error
	// Remove deletes the job. A running instance finishes but is not rescheduled.
	Remove(ctx context.Context, jobID string) (bool, error)
	// List returns jobs in the given states, or in every state when none are given.
	List(ctx context.Context, states ...JobState) ([]JobInfo, error)

	// Claim hands out the earliest due job, or nil when nothing is due.
	Claim(ctx context.Context) (*ClaimedJob, error)
	// Complete schedules the next run of a claimed job one period after its due time.
	Complete(ctx context.Context, claimed ClaimedJob) error
	// Fail records the failure and schedules the next run like Complete.
	Fail(ctx context.Context, claimed ClaimedJob, cause error) error
	// Release puts a claimed job back without running it, keeping its due time.
	Release(ctx context.Context, claimed ClaimedJob) error
	// RecoverStalled makes jobs claimed before the cutoff due again. It returns how many.
	RecoverStalled(ctx context.Context, claimedBefore time.Time) (int, error)

	// Failures returns the most recent failures, newest first.
	Failures(ctx context.Context, limit int) ([]JobFailure, error)
}

// nextRunAfter is the first slot on the job's period grid that is strictly after now.
// Missed slots are skipped rather than run back to back.
func nextRunAfter(dueAt time.Time, every time.Duration, now time.Time) time.Time {
	if every <= 0 {
		every = MinMonitorInterval
	}
	next := dueAt.Add(every)
	if next.After(now) {
		return next
	}
	missed := now.Sub(next)/every + 1
	return next.Add(missed * every)
}

func matchesStates(state JobState, states []JobState) bool {
	return len(states) == 0 || slices.Contains(states, state)
}
