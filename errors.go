package main

import "errors"

// Probe outcomes. These classify a persisted Check and are never returned as job failures.
var (
	ErrNetworkTimeout   = errors.New("network timeout")
	ErrNetworkError     = errors.New("network error")
	ErrUnexpectedStatus = errors.New("unexpected status")
)

// ErrPersistenceFailure aborts the remaining steps of a job and is reported to the queue.
var ErrPersistenceFailure = errors.New("persistence failure")

// ErrNotificationChannelFailure is logged per channel and never aborts a job.
var ErrNotificationChannelFailure = errors.New("notification channel failure")

// ErrBroadcastFailure is logged per publish and never aborts a job.
var ErrBroadcastFailure = errors.New("broadcast failure")

// ErrSchedulingConflict marks more than one recurring job found for a single monitor.
var ErrSchedulingConflict = errors.New("scheduling conflict")
