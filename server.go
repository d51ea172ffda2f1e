package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/rs/cors"
)

const (
	defaultStatsDays     = 30
	maxStatsDays         = 365
	recentIncidents      = 10
	recentMetricWindow   = 24 * time.Hour
	defaultFailuresLimit = 50
	maxFailuresLimit     = 1000
)

type Server struct {
	*http.Server
	store Store
	queue JobQueue
	hub   *RealtimeHub
	now   func() time.Time
}

type ServerOptions struct {
	Store          Store
	Queue          JobQueue
	Hub            *RealtimeHub
	Host           string
	Port           int
	AllowedOrigins []string
}

func NewServer(options ServerOptions) (*Server, error) {
	if options.Store == nil {
		return nil, errors.New("store is required")
	}

	s := &Server{
		store: options.Store,
		queue: options.Queue,
		hub:   options.Hub,
		now:   time.Now,
	}

	sentryMiddleware := sentryhttp.New(sentryhttp.Options{
		Repanic:         true,
		WaitForDelivery: true,
		Timeout:         2 * time.Second,
	})

	allowedOrigins := options.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet},
	})

	mux := http.NewServeMux()
	mux.Handle("GET /health", sentryMiddleware.HandleFunc(s.HealthHandler))
	mux.Handle("GET /monitors/{id}", corsMiddleware.Handler(sentryMiddleware.HandleFunc(s.MonitorHandler)))
	mux.Handle("GET /monitors/{id}/incidents/stats", corsMiddleware.Handler(sentryMiddleware.HandleFunc(s.IncidentStatsHandler)))
	mux.Handle("GET /jobs/failures", sentryMiddleware.HandleFunc(s.JobFailuresHandler))
	if s.hub != nil {
		// The websocket upgrade needs the raw ResponseWriter, so it skips the middlewares.
		mux.Handle("GET /ws", s.hub)
	}

	s.Server = &http.Server{
		Addr:              net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

type CommonErrorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Queue    string `json:"queue"`
}

type MonitorView struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Name            string    `json:"name"`
	URL             string    `json:"url"`
	Method          string    `json:"method"`
	ExpectedStatus  int       `json:"expected_status"`
	IntervalSeconds int64     `json:"interval_seconds"`
	TimeoutSeconds  int64     `json:"timeout_seconds"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func newMonitorView(monitor Monitor) MonitorView {
	return MonitorView{
		ID:              monitor.ID,
		UserID:          monitor.UserID,
		Name:            monitor.Name,
		URL:             monitor.URL,
		Method:          monitor.Method,
		ExpectedStatus:  monitor.ExpectedStatus,
		IntervalSeconds: int64(monitor.Interval / time.Second),
		TimeoutSeconds:  int64(monitor.Timeout / time.Second),
		Active:          monitor.Active,
		CreatedAt:       monitor.CreatedAt,
		UpdatedAt:       monitor.UpdatedAt,
	}
}

type MonitorResponse struct {
	Monitor     MonitorView `json:"monitor"`
	LatestCheck *Check      `json:"latest_check"`
	Metrics     []Metric    `json:"metrics"`
	Incidents   []Incident  `json:"incidents"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, message string, err error) {
	ctx := r.Context()
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.CaptureException(fmt.Errorf("%s: %w", message, err))
	}
	slog.ErrorContext(ctx, message, slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, CommonErrorResponse{Error: "failed to " + message})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{Status: "ok", Database: "ok", Queue: "ok"}
	if err := s.store.Ping(ctx); err != nil {
		slog.WarnContext(ctx, "database health check failed", slog.String("error", err.Error()))
		response.Status = "unavailable"
		response.Database = err.Error()
	}
	if s.queue != nil {
		if err := s.queue.Ping(ctx); err != nil {
			slog.WarnContext(ctx, "queue health check failed", slog.String("error", err.Error()))
			response.Status = "unavailable"
			response.Queue = err.Error()
		}
	}

	status := http.StatusOK
	if response.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}

func (s *Server) MonitorHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	monitorID := r.PathValue("id")

	monitor, err := s.store.GetMonitor(ctx, monitorID)
	if err != nil {
		if errors.Is(err, ErrMonitorNotFound) {
			writeJSON(w, http.StatusNotFound, CommonErrorResponse{Error: "monitor not found"})
			return
		}
		s.internalError(w, r, "fetch monitor", err)
		return
	}

	latestCheck, err := s.store.LatestCheck(ctx, monitorID)
	if err != nil {
		s.internalError(w, r, "fetch latest check", err)
		return
	}

	now := s.now()
	metrics, err := s.store.ListMetrics(ctx, monitorID, now.Add(-recentMetricWindow))
	if err != nil {
		s.internalError(w, r, "fetch metrics", err)
		return
	}

	incidents, err := s.store.ListIncidents(ctx, monitorID, time.Unix(0, 0), recentIncidents)
	if err != nil {
		s.internalError(w, r, "fetch incidents", err)
		return
	}

	if metrics == nil {
		metrics = []Metric{}
	}
	if incidents == nil {
		incidents = []Incident{}
	}

	writeJSON(w, http.StatusOK, MonitorResponse{
		Monitor:     newMonitorView(monitor),
		LatestCheck: latestCheck,
		Metrics:     metrics,
		Incidents:   incidents,
	})
}

func (s *Server) IncidentStatsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	monitorID := r.PathValue("id")

	days := defaultStatsDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxStatsDays {
			writeJSON(w, http.StatusBadRequest, CommonErrorResponse{Error: fmt.Sprintf("days must be between 1 and %d", maxStatsDays)})
			return
		}
		days = parsed
	}

	if _, err := s.store.GetMonitor(ctx, monitorID); err != nil {
		if errors.Is(err, ErrMonitorNotFound) {
			writeJSON(w, http.StatusNotFound, CommonErrorResponse{Error: "monitor not found"})
			return
		}
		s.internalError(w, r, "fetch monitor", err)
		return
	}

	stats, err := s.store.IncidentStats(ctx, monitorID, s.now().AddDate(0, 0, -days))
	if err != nil {
		s.internalError(w, r, "fetch incident stats", err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

type JobFailuresResponse struct {
	Failures []JobFailure `json:"failures"`
}

// JobFailuresHandler lists the most recent probe jobs that failed, newest first.
func (s *Server) JobFailuresHandler(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeJSON(w, http.StatusServiceUnavailable, CommonErrorResponse{Error: "queue is not configured"})
		return
	}

	limit := defaultFailuresLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxFailuresLimit {
			writeJSON(w, http.StatusBadRequest, CommonErrorResponse{Error: fmt.Sprintf("limit must be between 1 and %d", maxFailuresLimit)})
			return
		}
		limit = parsed
	}

	failures, err := s.queue.Failures(r.Context(), limit)
	if err != nil {
		s.internalError(w, r, "fetch job failures", err)
		return
	}
	if failures == nil {
		failures = []JobFailure{}
	}

	writeJSON(w, http.StatusOK, JobFailuresResponse{Failures: failures})
}
