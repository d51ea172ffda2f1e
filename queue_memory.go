package main

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is a process-local JobQueue. Schedules are lost on restart, so it only
// fits single-process deployments and tests.
type MemoryQueue struct {
	mu          sync.Mutex
	jobs        map[string]ProbeJob
	delayed     map[string]time.Time
	active      map[string]time.Time
	failures    []JobFailure
	maxFailures int
	now         func() time.Time
}

func NewMemoryQueue(maxFailures int) *MemoryQueue {
	if maxFailures <= 0 {
		maxFailures = defaultFailureHistory
	}
	return &MemoryQueue{
		jobs:        make(map[string]ProbeJob),
		delayed:     make(map[string]time.Time),
		active:      make(map[string]time.Time),
		maxFailures: maxFailures,
		now:         time.Now,
	}
}

func (q *MemoryQueue) Ping(ctx context.Context) error {
	return nil
}

func (q *MemoryQueue) AddRecurring(ctx context.Context, job ProbeJob) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.jobs[job.ID]; ok {
		_, delayed := q.delayed[job.ID]
		_, active := q.active[job.ID]
		if delayed || active {
			return false, nil
		}
	}

	q.jobs[job.ID] = job
	// A removed job that is still running comes back through Complete or Fail.
	if _, active := q.active[job.ID]; !active {
		q.delayed[job.ID] = q.now()
	}
	return true, nil
}

func (q *MemoryQueue) Replace(ctx context.Context, job ProbeJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.jobs[job.ID] = job
	if _, active := q.active[job.ID]; active {
		return nil
	}
	q.delayed[job.ID] = q.now()
	return nil
}

func (q *MemoryQueue) Remove(ctx context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, existed := q.jobs[jobID]
	delete(q.jobs, jobID)
	delete(q.delayed, jobID)
	return existed, nil
}

func (q *MemoryQueue) List(ctx context.Context, states ...JobState) ([]JobInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var infos []JobInfo
	for id, job := range q.jobs {
		var info JobInfo
		if claimedAt, ok := q.active[id]; ok {
			info = JobInfo{Job: job, State: JobStateActive, NextRunAt: claimedAt}
		} else if dueAt, ok := q.delayed[id]; ok {
			state := JobStateDelayed
			if !dueAt.After(now) {
				state = JobStateWaiting
			}
			info = JobInfo{Job: job, State: state, NextRunAt: dueAt}
		} else {
			continue
		}

		if matchesStates(info.State, states) {
			infos = append(infos, info)
		}
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Job.ID < infos[j].Job.ID
	})
	return infos, nil
}

func (q *MemoryQueue) Claim(ctx context.Context) (*ClaimedJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var selectedID string
	var selectedDue time.Time
	for id, dueAt := range q.delayed {
		if dueAt.After(now) {
			continue
		}
		if selectedID == "" || dueAt.Before(selectedDue) || (dueAt.Equal(selectedDue) && id < selectedID) {
			selectedID = id
			selectedDue = dueAt
		}
	}
	if selectedID == "" {
		return nil, nil
	}

	delete(q.delayed, selectedID)
	job, ok := q.jobs[selectedID]
	if !ok {
		return nil, nil
	}
	q.active[selectedID] = now

	return &ClaimedJob{Job: job, DueAt: selectedDue, ClaimedAt: now}, nil
}

// reschedule must be called with the lock held.
func (q *MemoryQueue) reschedule(jobID string, dueAt time.Time) {
	if _, ok := q.active[jobID]; !ok {
		return
	}
	delete(q.active, jobID)
	if _, ok := q.jobs[jobID]; !ok {
		return
	}
	q.delayed[jobID] = dueAt
}

func (q *MemoryQueue) Complete(ctx context.Context, claimed ClaimedJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.reschedule(claimed.Job.ID, nextRunAfter(claimed.DueAt, claimed.Job.Every(), q.now()))
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, claimed ClaimedJob, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	failure := JobFailure{
		JobID:     claimed.Job.ID,
		MonitorID: claimed.Job.MonitorID,
		DueAt:     claimed.DueAt,
		FailedAt:  now,
	}
	if cause != nil {
		failure.Error = cause.Error()
	}
	q.failures = append([]JobFailure{failure}, q.failures...)
	if len(q.failures) > q.maxFailures {
		q.failures = q.failures[:q.maxFailures]
	}

	q.reschedule(claimed.Job.ID, nextRunAfter(claimed.DueAt, claimed.Job.Every(), now))
	return nil
}

func (q *MemoryQueue) Release(ctx context.Context, claimed ClaimedJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.reschedule(claimed.Job.ID, claimed.DueAt)
	return nil
}

func (q *MemoryQueue) RecoverStalled(ctx context.Context, claimedBefore time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	recovered := 0
	for id, claimedAt := range q.active {
		if claimedAt.After(claimedBefore) {
			continue
		}
		recovered++
		q.reschedule(id, now)
	}
	return recovered, nil
}

func (q *MemoryQueue) Failures(ctx context.Context, limit int) ([]JobFailure, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit <= 0 || limit > len(q.failures) {
		limit = len(q.failures)
	}
	return append([]JobFailure(nil), q.failures[:limit]...), nil
}
