package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v5"
)

type IncidentTransition int

const (
	IncidentUnchanged IncidentTransition = iota
	IncidentOpened
	IncidentResolved
)

func (t IncidentTransition) String() string {
	switch t {
	case IncidentOpened:
		return "opened"
	case IncidentResolved:
		return "resolved"
	default:
		return "unchanged"
	}
}

// IncidentOutcome is the tracker's decision. Incident is the open incident after an
// unchanged down check, the affected incident after a transition, and nil otherwise.
type IncidentOutcome struct {
	Transition IncidentTransition
	Incident   *Incident
}

func (o IncidentOutcome) Changed() bool {
	return o.Transition != IncidentUnchanged
}

// IncidentID returns the id of the incident in the outcome, if any.
func (o IncidentOutcome) IncidentID() null.String {
	if o.Incident == nil {
		return null.String{}
	}
	return null.StringFrom(o.Incident.ID)
}

// IncidentTracker derives open and resolved incidents from classified checks. It keeps
// no state of its own and re-reads the open incident on every call.
type IncidentTracker struct {
	store Store
	now   func() time.Time
}

func NewIncidentTracker(store Store) *IncidentTracker {
	return &IncidentTracker{
		store: store,
		now:   time.Now,
	}
}

func (t *IncidentTracker) Process(ctx context.Context, monitorID string, status CheckStatus) (IncidentOutcome, error) {
	open, err := t.store.LatestOpenIncident(ctx, monitorID)
	if err != nil {
		return IncidentOutcome{}, fmt.Errorf("loading open incident: %w", err)
	}

	now := t.now().UTC().Truncate(time.Microsecond)

	switch {
	case status.IsDown() && open == nil:
		return t.open(ctx, monitorID, status, now)
	case !status.IsDown() && open != nil:
		return t.resolve(ctx, *open, now)
	default:
		return IncidentOutcome{Transition: IncidentUnchanged, Incident: open}, nil
	}
}

func (t *IncidentTracker) open(ctx context.Context, monitorID string, status CheckStatus, now time.Time) (IncidentOutcome, error) {
	incident := Incident{
		ID:          uuid.NewString(),
		MonitorID:   monitorID,
		Status:      IncidentStatusOpen,
		StartedAt:   now,
		Description: fmt.Sprintf("Monitor went down. Status: %s", status),
	}

	if err := t.store.InsertIncident(ctx, incident); err != nil {
		// A concurrent check of the same monitor may have opened one first; the unique
		// index on open incidents rejects ours in that case.
		winner, readErr := t.store.LatestOpenIncident(ctx, monitorID)
		if readErr == nil && winner != nil {
			slog.DebugContext(ctx, "lost race to open incident",
				slog.String("monitor_id", monitorID),
				slog.String("incident_id", winner.ID))
			return IncidentOutcome{Transition: IncidentUnchanged, Incident: winner}, nil
		}
		return IncidentOutcome{}, fmt.Errorf("opening incident: %w", err)
	}

	slog.InfoContext(ctx, "incident opened",
		slog.String("monitor_id", monitorID),
		slog.String("incident_id", incident.ID),
		slog.String("status", string(status)))
	return IncidentOutcome{Transition: IncidentOpened, Incident: &incident}, nil
}

func (t *IncidentTracker) resolve(ctx context.Context, incident Incident, now time.Time) (IncidentOutcome, error) {
	resolvedAt := now
	if resolvedAt.Before(incident.StartedAt) {
		resolvedAt = incident.StartedAt
	}
	downtimeMs := resolvedAt.Sub(incident.StartedAt).Milliseconds()

	resolved, err := t.store.ResolveIncident(ctx, incident.ID, resolvedAt, downtimeMs)
	if err != nil {
		return IncidentOutcome{}, fmt.Errorf("resolving incident: %w", err)
	}
	if !resolved {
		// Someone else resolved it between our read and write.
		return IncidentOutcome{Transition: IncidentUnchanged}, nil
	}

	incident.Status = IncidentStatusResolved
	incident.ResolvedAt = null.TimeFrom(resolvedAt)
	incident.DowntimeMs = null.IntFrom(downtimeMs)

	slog.InfoContext(ctx, "incident resolved",
		slog.String("monitor_id", incident.MonitorID),
		slog.String("incident_id", incident.ID),
		slog.Int64("downtime_ms", downtimeMs))
	return IncidentOutcome{Transition: IncidentResolved, Incident: &incident}, nil
}
