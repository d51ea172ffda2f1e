package main

import (
	"context"
	"errors"
	"time"
)

var ErrMonitorNotFound = errors.New("monitor not found")

var ErrIncidentNotFound = errors.New("incident not found")

// Store is the durable record of monitors, checks, metrics and incidents.
// Every method must be safe for concurrent use by many worker goroutines.
type Store interface {
	Ping(ctx context.Context) error

	ListActiveMonitors(ctx context.Context) ([]Monitor, error)
	GetMonitor(ctx context.Context, monitorID string) (Monitor, error)
	// UpsertMonitor inserts or replaces a monitor and returns the previous version, if any.
	UpsertMonitor(ctx context.Context, monitor Monitor) (*Monitor, error)
	DeleteMonitor(ctx context.Context, monitorID string) error

	UpsertUser(ctx context.Context, user User) error
	UpsertNotificationSettings(ctx context.Context, settings NotificationSettings) error
	// GetNotificationTarget loads the monitor with its owner and the owner's settings.
	// An owner without stored settings gets the zero value (all channels off).
	GetNotificationTarget(ctx context.Context, monitorID string) (NotificationTarget, error)

	InsertCheck(ctx context.Context, check Check) error
	InsertMetric(ctx context.Context, metric Metric) error
	// PreviousCheck returns the most recent check of the monitor other than excludeCheckID,
	// or nil when there is none.
	PreviousCheck(ctx context.Context, monitorID string, excludeCheckID string) (*Check, error)
	LatestCheck(ctx context.Context, monitorID string) (*Check, error)
	ListMetrics(ctx context.Context, monitorID string, since time.Time) ([]Metric, error)

	// LatestOpenIncident returns the most recently started OPEN incident, or nil.
	LatestOpenIncident(ctx context.Context, monitorID string) (*Incident, error)
	InsertIncident(ctx context.Context, incident Incident) error
	// ResolveIncident marks an OPEN incident as RESOLVED. It reports false when the
	// incident was no longer open, leaving the stored row untouched.
	ResolveIncident(ctx context.Context, incidentID string, resolvedAt time.Time, downtimeMs int64) (bool, error)
	GetIncident(ctx context.Context, incidentID string) (Incident, error)
	// ListIncidents returns the incidents started at or after since, newest first.
	ListIncidents(ctx context.Context, monitorID string, since time.Time, limit int) ([]Incident, error)
	IncidentStats(ctx context.Context, monitorID string, since time.Time) (IncidentStats, error)
}
