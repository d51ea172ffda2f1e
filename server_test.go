package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v5"
)

func newTestServer(t *testing.T, store Store, queue JobQueue) *Server {
	t.Helper()

	server, err := NewServer(ServerOptions{
		Store: store,
		Queue: queue,
		Hub:   NewRealtimeHub(nil, nil),
		Host:  "localhost",
		Port:  8600,
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return server
}

type unreachableQueue struct {
	*MemoryQueue
}

func (unreachableQueue) Ping(context.Context) error {
	return errors.New("connection refused")
}

func TestHealthHandler(t *testing.T) {
	store := NewSQLStore(db, DialectDuckDB)

	t.Run("healthy", func(t *testing.T) {
		server := newTestServer(t, store, NewMemoryQueue(0))

		recorder := httptest.NewRecorder()
		server.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))

		if recorder.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", recorder.Code)
		}
		var response HealthResponse
		if err := json.NewDecoder(recorder.Body).Decode(&response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if response.Status != "ok" {
			t.Errorf("expected ok, got %+v", response)
		}
	})

	t.Run("queue unavailable", func(t *testing.T) {
		server := newTestServer(t, store, unreachableQueue{NewMemoryQueue(0)})

		recorder := httptest.NewRecorder()
		server.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))

		if recorder.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", recorder.Code)
		}
		var response HealthResponse
		if err := json.NewDecoder(recorder.Body).Decode(&response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if response.Database != "ok" || response.Queue != "connection refused" {
			t.Errorf("unexpected response: %+v", response)
		}
	})
}

func TestMonitorHandler(t *testing.T) {
	ctx := context.Background()
	store := NewSQLStore(db, DialectDuckDB)
	server := newTestServer(t, store, NewMemoryQueue(0))
	monitor := seedMonitor(t, store, "https://example.com")

	now := time.Now().UTC()
	for i, status := range []CheckStatus{CheckStatusUp, CheckStatusDown} {
		checkedAt := now.Add(time.Duration(i-2) * time.Minute)
		check := Check{
			ID:             uuid.NewString(),
			MonitorID:      monitor.ID,
			Status:         status,
			StatusCode:     null.IntFrom(200),
			ResponseTimeMs: null.IntFrom(120),
			CheckedAt:      checkedAt,
		}
		if status == CheckStatusDown {
			check.StatusCode = null.IntFrom(503)
		}
		if err := store.InsertCheck(ctx, check); err != nil {
			t.Fatalf("failed to insert check: %v", err)
		}
		if err := store.InsertMetric(ctx, Metric{ID: uuid.NewString(), MonitorID: monitor.ID, ResponseTimeMs: 120, RecordedAt: checkedAt}); err != nil {
			t.Fatalf("failed to insert metric: %v", err)
		}
	}
	if err := store.InsertIncident(ctx, Incident{
		ID:          uuid.NewString(),
		MonitorID:   monitor.ID,
		Status:      IncidentStatusOpen,
		StartedAt:   now.Add(-time.Minute),
		Description: "Monitor went down. Status: DOWN",
	}); err != nil {
		t.Fatalf("failed to insert incident: %v", err)
	}

	t.Run("found", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		server.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/monitors/"+monitor.ID, nil))

		if recorder.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", recorder.Code, recorder.Body.String())
		}
		if contentType := recorder.Header().Get("content-type"); contentType != "application/json" {
			t.Errorf("expected application/json, got %s", contentType)
		}

		var response MonitorResponse
		if err := json.NewDecoder(recorder.Body).Decode(&response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if response.Monitor.ID != monitor.ID || response.Monitor.IntervalSeconds != 30 {
			t.Errorf("unexpected monitor: %+v", response.Monitor)
		}
		if response.LatestCheck == nil || response.LatestCheck.Status != CheckStatusDown {
			t.Errorf("expected the latest check to be DOWN, got %+v", response.LatestCheck)
		}
		if len(response.Metrics) != 2 {
			t.Errorf("expected 2 metrics, got %d", len(response.Metrics))
		}
		if len(response.Incidents) != 1 || response.Incidents[0].Status != IncidentStatusOpen {
			t.Errorf("expected one open incident, got %+v", response.Incidents)
		}
	})

	t.Run("not found", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		server.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/monitors/"+uuid.NewString(), nil))

		if recorder.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", recorder.Code)
		}
	})
}

func TestIncidentStatsHandler(t *testing.T) {
	ctx := context.Background()
	store := NewSQLStore(db, DialectDuckDB)
	server := newTestServer(t, store, NewMemoryQueue(0))
	monitor := seedMonitor(t, store, "https://example.com")

	now := time.Now().UTC()
	for _, startedAgo := range []time.Duration{2 * time.Hour, 40 * 24 * time.Hour} {
		startedAt := now.Add(-startedAgo)
		incident := Incident{
			ID:          uuid.NewString(),
			MonitorID:   monitor.ID,
			Status:      IncidentStatusOpen,
			StartedAt:   startedAt,
			Description: "Monitor went down. Status: TIMEOUT",
		}
		if err := store.InsertIncident(ctx, incident); err != nil {
			t.Fatalf("failed to insert incident: %v", err)
		}
		if _, err := store.ResolveIncident(ctx, incident.ID, startedAt.Add(time.Minute), time.Minute.Milliseconds()); err != nil {
			t.Fatalf("failed to resolve incident: %v", err)
		}
	}

	testCases := []struct {
		name       string
		query      string
		wantStatus int
		wantTotal  int
	}{
		{name: "default window", query: "", wantStatus: http.StatusOK, wantTotal: 1},
		{name: "wider window", query: "?days=60", wantStatus: http.StatusOK, wantTotal: 2},
		{name: "invalid days", query: "?days=0", wantStatus: http.StatusBadRequest},
		{name: "non-numeric days", query: "?days=many", wantStatus: http.StatusBadRequest},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			server.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/monitors/"+monitor.ID+"/incidents/stats"+testCase.query, nil))

			if recorder.Code != testCase.wantStatus {
				t.Fatalf("expected status %d, got %d", testCase.wantStatus, recorder.Code)
			}
			if testCase.wantStatus != http.StatusOK {
				return
			}

			var stats IncidentStats
			if err := json.NewDecoder(recorder.Body).Decode(&stats); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if stats.TotalIncidents != testCase.wantTotal {
				t.Errorf("expected %d incidents, got %d", testCase.wantTotal, stats.TotalIncidents)
			}
			if stats.TotalDowntimeMs != int64(testCase.wantTotal)*time.Minute.Milliseconds() {
				t.Errorf("unexpected downtime: %d", stats.TotalDowntimeMs)
			}
		})
	}
}

func TestJobFailuresHandler(t *testing.T) {
	store := NewSQLStore(db, DialectDuckDB)
	queue := NewMemoryQueue(0)
	server := newTestServer(t, store, queue)

	for _, monitorID := range []string{"m1", "m2"} {
		job := NewProbeJob(Monitor{ID: monitorID, URL: "https://example.com", Method: "GET", Interval: time.Minute, Timeout: 5 * time.Second})
		if _, err := queue.AddRecurring(t.Context(), job); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		claimed, err := queue.Claim(t.Context())
		if err != nil || claimed == nil {
			t.Fatalf("expected a claimed job, got %v (error: %v)", claimed, err)
		}
		if err := queue.Fail(t.Context(), *claimed, errors.New("database is locked")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	testCases := []struct {
		name       string
		query      string
		wantStatus int
		wantIDs    []string
	}{
		{name: "default limit", query: "", wantStatus: http.StatusOK, wantIDs: []string{"m2", "m1"}},
		{name: "limited", query: "?limit=1", wantStatus: http.StatusOK, wantIDs: []string{"m2"}},
		{name: "zero limit", query: "?limit=0", wantStatus: http.StatusBadRequest},
		{name: "non-numeric limit", query: "?limit=all", wantStatus: http.StatusBadRequest},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			server.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/jobs/failures"+testCase.query, nil))

			if recorder.Code != testCase.wantStatus {
				t.Fatalf("expected status %d, got %d", testCase.wantStatus, recorder.Code)
			}
			if testCase.wantStatus != http.StatusOK {
				return
			}

			var response JobFailuresResponse
			if err := json.NewDecoder(recorder.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			var ids []string
			for _, failure := range response.Failures {
				ids = append(ids, failure.MonitorID)
				if failure.Error != "database is locked" {
					t.Errorf("expected the failure cause, got %q", failure.Error)
				}
			}
			if !slices.Equal(ids, testCase.wantIDs) {
				t.Errorf("expected failures for %v, got %v", testCase.wantIDs, ids)
			}
		})
	}
}
