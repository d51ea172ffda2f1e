package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Every state transition runs as a single script so a job id is never in the
// delayed set and the active set at the same time.

var addRecurringScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
	if redis.call('ZSCORE', KEYS[2], ARGV[1]) or redis.call('ZSCORE', KEYS[3], ARGV[1]) then
		return 0
	end
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
end
if redis.call('ZSCORE', KEYS[3], ARGV[1]) then
	return 1
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

var replaceScript = redis.NewScript(`
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
if redis.call('ZSCORE', KEYS[3], ARGV[1]) then
	return 0
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
local due = redis.call('ZSCORE', KEYS[1], id)
redis.call('ZREM', KEYS[1], id)
local body = redis.call('HGET', KEYS[3], id)
if not body then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
return {id, due, body}
`)

var rescheduleScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 0 then
	return 0
end
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return 1
`)

var recoverStalledScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	if redis.call('HEXISTS', KEYS[2], id) == 1 then
		redis.call('ZADD', KEYS[3], ARGV[2], id)
	end
end
return #ids
`)

// RedisQueue keeps recurring jobs in redis:
//
//	<prefix>:jobs      HASH  job id -> job definition (JSON)
//	<prefix>:delayed   ZSET  job id scored by next due time (unix ms)
//	<prefix>:active    ZSET  job id scored by claim time (unix ms)
//	<prefix>:failed    LIST  recent failures (JSON), newest first
type RedisQueue struct {
	client      redis.UniversalClient
	jobsKey     string
	delayedKey  string
	activeKey   string
	failedKey   string
	maxFailures int
	now         func() time.Time
}

type RedisQueueOptions struct {
	Client redis.UniversalClient
	// Name namespaces the keys. Defaults to "health-check".
	Name        string
	MaxFailures int
}

func NewRedisQueue(options RedisQueueOptions) (*RedisQueue, error) {
	if options.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if options.Name == "" {
		options.Name = "health-check"
	}
	if options.MaxFailures <= 0 {
		options.MaxFailures = defaultFailureHistory
	}

	// The hash tag keeps every key of one queue in the same cluster slot.
	prefix := "{uptimeguard:" + options.Name + "}"
	return &RedisQueue{
		client:      options.Client,
		jobsKey:     prefix + ":jobs",
		delayedKey:  prefix + ":delayed",
		activeKey:   prefix + ":active",
		failedKey:   prefix + ":failed",
		maxFailures: options.MaxFailures,
		now:         time.Now,
	}, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) AddRecurring(ctx context.Context, job ProbeJob) (bool, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshaling job: %w", err)
	}

	added, err := addRecurringScript.Run(ctx, q.client,
		[]string{q.jobsKey, q.delayedKey, q.activeKey},
		job.ID, body, q.now().UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("adding recurring job: %w", err)
	}
	return added == 1, nil
}

func (q *RedisQueue) Replace(ctx context.Context, job ProbeJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}

	err = replaceScript.Run(ctx, q.client,
		[]string{q.jobsKey, q.delayedKey, q.activeKey},
		job.ID, body, q.now().UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("replacing job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Remove(ctx context.Context, jobID string) (bool, error) {
	var removed *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.HDel(ctx, q.jobsKey, jobID)
		pipe.ZRem(ctx, q.delayedKey, jobID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("removing job: %w", err)
	}
	return removed.Val() > 0, nil
}

func (q *RedisQueue) List(ctx context.Context, states ...JobState) ([]JobInfo, error) {
	var definitions *redis.MapStringStringCmd
	var delayed, active *redis.ZSliceCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		definitions = pipe.HGetAll(ctx, q.jobsKey)
		delayed = pipe.ZRangeWithScores(ctx, q.delayedKey, 0, -1)
		active = pipe.ZRangeWithScores(ctx, q.activeKey, 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	now := q.now()
	var infos []JobInfo
	appendState := func(members []redis.Z, stateOf func(at time.Time) JobState) {
		for _, member := range members {
			id, ok := member.Member.(string)
			if !ok {
				continue
			}
			body, ok := definitions.Val()[id]
			if !ok {
				continue
			}
			job, err := decodeProbeJob(id, body)
			if err != nil {
				continue
			}
			at := time.UnixMilli(int64(member.Score))
			state := stateOf(at)
			if matchesStates(state, states) {
				infos = append(infos, JobInfo{Job: job, State: state, NextRunAt: at})
			}
		}
	}

	appendState(delayed.Val(), func(at time.Time) JobState {
		if at.After(now) {
			return JobStateDelayed
		}
		return JobStateWaiting
	})
	appendState(active.Val(), func(time.Time) JobState {
		return JobStateActive
	})

	return infos, nil
}

func decodeProbeJob(id string, body string) (ProbeJob, error) {
	var job ProbeJob
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return ProbeJob{}, fmt.Errorf("decoding job %s: %w", id, err)
	}
	job.ID = id
	if job.MonitorID == "" {
		job.MonitorID = monitorIDFromJobID(id)
	}
	return job, nil
}

func (q *RedisQueue) Claim(ctx context.Context) (*ClaimedJob, error) {
	now := q.now()
	result, err := claimScript.Run(ctx, q.client,
		[]string{q.delayedKey, q.activeKey, q.jobsKey},
		now.UnixMilli(),
	).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	if len(result) != 3 {
		return nil, fmt.Errorf("claiming job: unexpected script reply of length %d", len(result))
	}

	id, _ := result[0].(string)
	dueRaw, _ := result[1].(string)
	body, _ := result[2].(string)

	dueMs, err := strconv.ParseFloat(dueRaw, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing due time of job %s: %w", id, err)
	}
	job, err := decodeProbeJob(id, body)
	if err != nil {
		// The job is parked in active and will come back through stall recovery.
		return nil, err
	}

	return &ClaimedJob{
		Job:       job,
		DueAt:     time.UnixMilli(int64(dueMs)),
		ClaimedAt: now,
	}, nil
}

func (q *RedisQueue) reschedule(ctx context.Context, jobID string, dueAt time.Time) error {
	return rescheduleScript.Run(ctx, q.client,
		[]string{q.activeKey, q.jobsKey, q.delayedKey},
		jobID, dueAt.UnixMilli(),
	).Err()
}

func (q *RedisQueue) Complete(ctx context.Context, claimed ClaimedJob) error {
	next := nextRunAfter(claimed.DueAt, claimed.Job.Every(), q.now())
	if err := q.reschedule(ctx, claimed.Job.ID, next); err != nil {
		return fmt.Errorf("completing job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, claimed ClaimedJob, cause error) error {
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
	body, err := json.Marshal(failure)
	if err != nil {
		return fmt.Errorf("marshaling job failure: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, q.failedKey, body)
		pipe.LTrim(ctx, q.failedKey, 0, int64(q.maxFailures-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording job failure: %w", err)
	}

	if err := q.reschedule(ctx, claimed.Job.ID, nextRunAfter(claimed.DueAt, claimed.Job.Every(), now)); err != nil {
		return fmt.Errorf("rescheduling failed job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Release(ctx context.Context, claimed ClaimedJob) error {
	if err := q.reschedule(ctx, claimed.Job.ID, claimed.DueAt); err != nil {
		return fmt.Errorf("releasing job: %w", err)
	}
	return nil
}

func (q *RedisQueue) RecoverStalled(ctx context.Context, claimedBefore time.Time) (int, error) {
	recovered, err := recoverStalledScript.Run(ctx, q.client,
		[]string{q.activeKey, q.jobsKey, q.delayedKey},
		claimedBefore.UnixMilli(), q.now().UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("recovering stalled jobs: %w", err)
	}
	return recovered, nil
}

func (q *RedisQueue) Failures(ctx context.Context, limit int) ([]JobFailure, error) {
	if limit <= 0 {
		limit = q.maxFailures
	}

	entries, err := q.client.LRange(ctx, q.failedKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing job failures: %w", err)
	}

	failures := make([]JobFailure, 0, len(entries))
	for _, entry := range entries {
		var failure JobFailure
		if err := json.Unmarshal([]byte(entry), &failure); err != nil {
			continue
		}
		failures = append(failures, failure)
	}
	return failures, nil
}
