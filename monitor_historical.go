package main

import (
	"time"

	"github.com/guregu/null/v5"
)

type CheckStatus string

const (
	CheckStatusUp      CheckStatus = "UP"
	CheckStatusDown    CheckStatus = "DOWN"
	CheckStatusTimeout CheckStatus = "TIMEOUT"
	CheckStatusError   CheckStatus = "ERROR"
)

// IsDown reports whether the status counts as an outage for incident tracking.
func (s CheckStatus) IsDown() bool {
	switch s {
	case CheckStatusDown, CheckStatusTimeout, CheckStatusError:
		return true
	default:
		return false
	}
}

// Check is one immutable probe outcome of a monitor.
type Check struct {
	ID             string      `db:"id" json:"id"`
	MonitorID      string      `db:"monitor_id" json:"monitor_id"`
	Status         CheckStatus `db:"status" json:"status"`
	StatusCode     null.Int    `db:"status_code" json:"status_code"`
	ResponseTimeMs null.Int    `db:"response_time_ms" json:"response_time_ms"`
	Error          null.String `db:"error" json:"error,omitempty"`
	CheckedAt      time.Time   `db:"checked_at" json:"checked_at"`
}

// Metric is the latency sample derived from a Check that received a response.
type Metric struct {
	ID             string    `db:"id" json:"id"`
	MonitorID      string    `db:"monitor_id" json:"monitor_id"`
	ResponseTimeMs int64     `db:"response_time_ms" json:"response_time_ms"`
	RecordedAt     time.Time `db:"recorded_at" json:"recorded_at"`
}

type IncidentStatus string

const (
	IncidentStatusOpen     IncidentStatus = "OPEN"
	IncidentStatusResolved IncidentStatus = "RESOLVED"
)

type Incident struct {
	ID          string         `db:"id" json:"id"`
	MonitorID   string         `db:"monitor_id" json:"monitor_id"`
	Status      IncidentStatus `db:"status" json:"status"`
	StartedAt   time.Time      `db:"started_at" json:"started_at"`
	ResolvedAt  null.Time      `db:"resolved_at" json:"resolved_at"`
	DowntimeMs  null.Int       `db:"downtime_ms" json:"downtime_ms"`
	Description string         `db:"description" json:"description"`
}

// IncidentStats summarises the incidents of a monitor that started inside a period.
type IncidentStats struct {
	MonitorID         string    `json:"monitor_id"`
	Since             time.Time `json:"since"`
	TotalIncidents    int       `json:"total_incidents"`
	OpenIncidents     int       `json:"open_incidents"`
	TotalDowntimeMs   int64     `json:"total_downtime_ms"`
	AverageDowntimeMs int64     `json:"average_downtime_ms"`
}

func summarizeIncidents(monitorID string, since time.Time, incidents []Incident) IncidentStats {
	stats := IncidentStats{
		MonitorID:      monitorID,
		Since:          since,
		TotalIncidents: len(incidents),
	}
	for _, incident := range incidents {
		if incident.Status == IncidentStatusOpen {
			stats.OpenIncidents++
		}
		stats.TotalDowntimeMs += incident.DowntimeMs.ValueOrZero()
	}
	if stats.TotalIncidents > 0 {
		stats.AverageDowntimeMs = stats.TotalDowntimeMs / int64(stats.TotalIncidents)
	}
	return stats
}
