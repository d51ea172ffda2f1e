package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestIncidentTracker(store Store, clock *fakeClock) *IncidentTracker {
	tracker := NewIncidentTracker(store)
	tracker.now = clock.Now
	return tracker
}

func TestIncidentTracker_Process(t *testing.T) {
	store := NewSQLStore(db, DialectDuckDB)

	t.Run("state machine over a sequence of checks", func(t *testing.T) {
		monitor := seedMonitor(t, store, "https://example.com")
		clock := newFakeClock()
		tracker := newTestIncidentTracker(store, clock)

		steps := []struct {
			status         CheckStatus
			wantTransition IncidentTransition
			wantIncident   bool
		}{
			{status: CheckStatusUp, wantTransition: IncidentUnchanged, wantIncident: false},
			{status: CheckStatusDown, wantTransition: IncidentOpened, wantIncident: true},
			{status: CheckStatusTimeout, wantTransition: IncidentUnchanged, wantIncident: true},
			{status: CheckStatusError, wantTransition: IncidentUnchanged, wantIncident: true},
			{status: CheckStatusUp, wantTransition: IncidentResolved, wantIncident: true},
			{status: CheckStatusUp, wantTransition: IncidentUnchanged, wantIncident: false},
			{status: CheckStatusError, wantTransition: IncidentOpened, wantIncident: true},
		}

		var openedID string
		for i, step := range steps {
			clock.Advance(30 * time.Second)

			outcome, err := tracker.Process(t.Context(), monitor.ID, step.status)
			if err != nil {
				t.Fatalf("step %d: unexpected error: %v", i, err)
			}
			if outcome.Transition != step.wantTransition {
				t.Errorf("step %d (%s): expected transition %s, got %s", i, step.status, step.wantTransition, outcome.Transition)
			}
			if (outcome.Incident != nil) != step.wantIncident {
				t.Errorf("step %d (%s): expected incident present=%v, got %+v", i, step.status, step.wantIncident, outcome.Incident)
			}

			if outcome.Transition == IncidentOpened {
				openedID = outcome.Incident.ID
			}
			if step.status.IsDown() && outcome.Incident != nil && outcome.Incident.ID != openedID {
				t.Errorf("step %d: expected the open incident %s to be returned, got %s", i, openedID, outcome.Incident.ID)
			}

			incidents, err := store.ListIncidents(t.Context(), monitor.ID, time.Time{}, 0)
			if err != nil {
				t.Fatalf("step %d: unexpected error: %v", i, err)
			}
			open := 0
			for _, incident := range incidents {
				if incident.Status == IncidentStatusOpen {
					open++
				}
			}
			if open > 1 {
				t.Fatalf("step %d: found %d open incidents", i, open)
			}
		}

		incidents, err := store.ListIncidents(t.Context(), monitor.ID, time.Time{}, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(incidents) != 2 {
			t.Errorf("expected 2 incidents in total, got %d", len(incidents))
		}
	})

	t.Run("downtime is exact", func(t *testing.T) {
		monitor := seedMonitor(t, store, "https://example.com")
		clock := newFakeClock()
		tracker := newTestIncidentTracker(store, clock)

		opened, err := tracker.Process(t.Context(), monitor.ID, CheckStatusDown)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if opened.Incident.Description != "Monitor went down. Status: DOWN" {
			t.Errorf("unexpected description: %q", opened.Incident.Description)
		}

		clock.Advance(90*time.Second + 500*time.Millisecond)
		resolved, err := tracker.Process(t.Context(), monitor.ID, CheckStatusUp)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resolved.Transition != IncidentResolved {
			t.Fatalf("expected resolution, got %s", resolved.Transition)
		}
		if resolved.Incident.ID != opened.Incident.ID {
			t.Errorf("expected incident %s to be resolved, got %s", opened.Incident.ID, resolved.Incident.ID)
		}

		stored, err := store.GetIncident(t.Context(), opened.Incident.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if stored.Status != IncidentStatusResolved {
			t.Errorf("expected RESOLVED, got %s", stored.Status)
		}
		if stored.DowntimeMs.ValueOrZero() != 90_500 {
			t.Errorf("expected downtime of 90500ms, got %v", stored.DowntimeMs)
		}
		wantDowntime := stored.ResolvedAt.ValueOrZero().Sub(stored.StartedAt).Milliseconds()
		if stored.DowntimeMs.ValueOrZero() != wantDowntime {
			t.Errorf("expected downtime to equal resolved_at - started_at (%d), got %d", wantDowntime, stored.DowntimeMs.ValueOrZero())
		}
	})

	t.Run("downtime is never negative", func(t *testing.T) {
		monitor := seedMonitor(t, store, "https://example.com")
		clock := newFakeClock()
		tracker := newTestIncidentTracker(store, clock)

		if _, err := tracker.Process(t.Context(), monitor.ID, CheckStatusDown); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		clock.Advance(-5 * time.Second)
		resolved, err := tracker.Process(t.Context(), monitor.ID, CheckStatusUp)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resolved.Incident.DowntimeMs.ValueOrZero() != 0 {
			t.Errorf("expected zero downtime, got %v", resolved.Incident.DowntimeMs)
		}
		if !resolved.Incident.ResolvedAt.ValueOrZero().Equal(resolved.Incident.StartedAt) {
			t.Errorf("expected resolved_at to be clamped to started_at")
		}
	})
}

// staleResolveStore reports every resolution as already done by someone else.
type staleResolveStore struct {
	Store
}

func (s staleResolveStore) ResolveIncident(ctx context.Context, incidentID string, resolvedAt time.Time, downtimeMs int64) (bool, error) {
	return false, nil
}

func TestIncidentTracker_ConcurrentResolution(t *testing.T) {
	store := NewSQLStore(db, DialectDuckDB)
	monitor := seedMonitor(t, store, "https://example.com")
	clock := newFakeClock()

	if _, err := newTestIncidentTracker(store, clock).Process(t.Context(), monitor.ID, CheckStatusDown); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clock.Advance(time.Minute)
	outcome, err := newTestIncidentTracker(staleResolveStore{Store: store}, clock).Process(t.Context(), monitor.ID, CheckStatusUp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Changed() {
		t.Errorf("expected a lost resolution to be reported as unchanged, got %s", outcome.Transition)
	}
}

// racingOpenStore lets a competing incident win between the tracker's read and insert.
type racingOpenStore struct {
	Store
	reads  int
	winner Incident
}

func (s *racingOpenStore) LatestOpenIncident(ctx context.Context, monitorID string) (*Incident, error) {
	s.reads++
	if s.reads == 1 {
		return nil, nil
	}
	return &s.winner, nil
}

func (s *racingOpenStore) InsertIncident(ctx context.Context, incident Incident) error {
	return errors.New("UNIQUE constraint failed: incidents.monitor_id")
}

func TestIncidentTracker_LostOpenRace(t *testing.T) {
	winner := Incident{ID: uuid.NewString(), MonitorID: "m1", Status: IncidentStatusOpen, StartedAt: time.Now().UTC()}
	store := &racingOpenStore{Store: NewSQLStore(db, DialectDuckDB), winner: winner}

	outcome, err := newTestIncidentTracker(store, newFakeClock()).Process(t.Context(), "m1", CheckStatusDown)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Changed() {
		t.Errorf("expected the loser to report unchanged, got %s", outcome.Transition)
	}
	if outcome.Incident == nil || outcome.Incident.ID != winner.ID {
		t.Errorf("expected the winning incident to be returned, got %+v", outcome.Incident)
	}
}
