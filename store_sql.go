package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/guregu/null/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb/v2"
	_ "modernc.org/sqlite"
)

// Dialect is the database/sql driver name the store talks to.
type Dialect string

const (
	DialectDuckDB   Dialect = "duckdb"
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "pgx"
)

func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "duckdb":
		return DialectDuckDB, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "pgx", "postgres", "postgresql":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// rebind rewrites `?` placeholders into `$n` for postgres.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}

	var builder strings.Builder
	builder.Grow(len(query) + 8)
	position := 0
	for _, r := range query {
		if r == '?' {
			position++
			builder.WriteByte('$')
			builder.WriteString(strconv.Itoa(position))
			continue
		}
		builder.WriteRune(r)
	}
	return builder.String()
}

// OpenDatabase opens and pings the database behind the given driver.
func OpenDatabase(ctx context.Context, driver string, dsn string) (*sql.DB, Dialect, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, "", err
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, "", fmt.Errorf("opening %s database: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		// SQLite allows a single writer; serialising on one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("pinging %s database: %w", dialect, err)
	}

	return db, dialect, nil
}

var _ Store = (*SQLStore)(nil)

type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: dialect,
		now:     time.Now,
	}
}

// dbTime normalises timestamps to what every supported engine can store losslessly.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const monitorColumns = `id, user_id, name, url, method, expected_status, interval_ms, timeout_ms, is_active, created_at, updated_at`

func scanMonitor(row rowScanner) (Monitor, error) {
	var monitor Monitor
	var intervalMs, timeoutMs int64
	err := row.Scan(
		&monitor.ID,
		&monitor.UserID,
		&monitor.Name,
		&monitor.URL,
		&monitor.Method,
		&monitor.ExpectedStatus,
		&intervalMs,
		&timeoutMs,
		&monitor.Active,
		&monitor.CreatedAt,
		&monitor.UpdatedAt,
	)
	if err != nil {
		return Monitor{}, err
	}
	monitor.Interval = time.Duration(intervalMs) * time.Millisecond
	monitor.Timeout = time.Duration(timeoutMs) * time.Millisecond
	return monitor, nil
}

func (s *SQLStore) ListActiveMonitors(ctx context.Context) ([]Monitor, error) {
	rows, err := s.query(ctx, `SELECT `+monitorColumns+` FROM monitors WHERE is_active = ? ORDER BY created_at, id`, true)
	if err != nil {
		return nil, fmt.Errorf("querying active monitors: %w", err)
	}
	defer rows.Close()

	var monitors []Monitor
	for rows.Next() {
		monitor, err := scanMonitor(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning monitor: %w", err)
		}
		monitors = append(monitors, monitor)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating monitors: %w", err)
	}

	return monitors, nil
}

func (s *SQLStore) GetMonitor(ctx context.Context, monitorID string) (Monitor, error) {
	monitor, err := scanMonitor(s.queryRow(ctx, `SELECT `+monitorColumns+` FROM monitors WHERE id = ?`, monitorID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Monitor{}, ErrMonitorNotFound
		}
		return Monitor{}, fmt.Errorf("querying monitor: %w", err)
	}
	return monitor, nil
}

func (s *SQLStore) UpsertMonitor(ctx context.Context, monitor Monitor) (*Monitor, error) {
	var previous *Monitor
	existing, err := s.GetMonitor(ctx, monitor.ID)
	switch {
	case err == nil:
		previous = &existing
	case errors.Is(err, ErrMonitorNotFound):
	default:
		return nil, err
	}

	now := dbTime(s.now())
	createdAt := now
	if previous != nil {
		createdAt = previous.CreatedAt
	}

	_, err = s.exec(ctx, `
		INSERT INTO monitors (`+monitorColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			name = EXCLUDED.name,
			url = EXCLUDED.url,
			method = EXCLUDED.method,
			expected_status = EXCLUDED.expected_status,
			interval_ms = EXCLUDED.interval_ms,
			timeout_ms = EXCLUDED.timeout_ms,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at
	`,
		monitor.ID,
		monitor.UserID,
		monitor.Name,
		monitor.URL,
		monitor.Method,
		monitor.ExpectedStatus,
		monitor.Interval.Milliseconds(),
		monitor.Timeout.Milliseconds(),
		monitor.Active,
		createdAt,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("upserting monitor: %w", err)
	}

	return previous, nil
}

func (s *SQLStore) DeleteMonitor(ctx context.Context, monitorID string) error {
	result, err := s.exec(ctx, `DELETE FROM monitors WHERE id = ?`, monitorID)
	if err != nil {
		return fmt.Errorf("deleting monitor: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrMonitorNotFound
	}
	return nil
}

func (s *SQLStore) UpsertUser(ctx context.Context, user User) error {
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	_, err := s.exec(ctx, `
		INSERT INTO users (id, email, name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			name = EXCLUDED.name
	`, user.ID, user.Email, user.Name, dbTime(createdAt))
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}
	return nil
}

func (s *SQLStore) UpsertNotificationSettings(ctx context.Context, settings NotificationSettings) error {
	_, err := s.exec(ctx, `
		INSERT INTO notification_settings (user_id, email, telegram, telegram_chat_id, webhook, webhook_url)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			email = EXCLUDED.email,
			telegram = EXCLUDED.telegram,
			telegram_chat_id = EXCLUDED.telegram_chat_id,
			webhook = EXCLUDED.webhook,
			webhook_url = EXCLUDED.webhook_url
	`,
		settings.UserID,
		settings.Email,
		settings.Telegram,
		settings.TelegramChatID,
		settings.Webhook,
		settings.WebhookURL,
	)
	if err != nil {
		return fmt.Errorf("upserting notification settings: %w", err)
	}
	return nil
}

func (s *SQLStore) GetNotificationTarget(ctx context.Context, monitorID string) (NotificationTarget, error) {
	var target NotificationTarget
	var intervalMs, timeoutMs int64
	var ownerID, ownerEmail, ownerName null.String
	var ownerCreatedAt null.Time
	var emailEnabled, telegramEnabled, webhookEnabled null.Bool

	err := s.queryRow(ctx, `
		SELECT
			m.id, m.user_id, m.name, m.url, m.method, m.expected_status, m.interval_ms, m.timeout_ms, m.is_active, m.created_at, m.updated_at,
			u.id, u.email, u.name, u.created_at,
			ns.email, ns.telegram, ns.telegram_chat_id, ns.webhook, ns.webhook_url
		FROM monitors m
		LEFT JOIN users u ON u.id = m.user_id
		LEFT JOIN notification_settings ns ON ns.user_id = m.user_id
		WHERE m.id = ?
	`, monitorID).Scan(
		&target.Monitor.ID,
		&target.Monitor.UserID,
		&target.Monitor.Name,
		&target.Monitor.URL,
		&target.Monitor.Method,
		&target.Monitor.ExpectedStatus,
		&intervalMs,
		&timeoutMs,
		&target.Monitor.Active,
		&target.Monitor.CreatedAt,
		&target.Monitor.UpdatedAt,
		&ownerID,
		&ownerEmail,
		&ownerName,
		&ownerCreatedAt,
		&emailEnabled,
		&telegramEnabled,
		&target.Settings.TelegramChatID,
		&webhookEnabled,
		&target.Settings.WebhookURL,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NotificationTarget{}, ErrMonitorNotFound
		}
		return NotificationTarget{}, fmt.Errorf("querying notification target: %w", err)
	}

	target.Monitor.Interval = time.Duration(intervalMs) * time.Millisecond
	target.Monitor.Timeout = time.Duration(timeoutMs) * time.Millisecond
	target.Owner = User{
		ID:        ownerID.ValueOrZero(),
		Email:     ownerEmail.ValueOrZero(),
		Name:      ownerName.ValueOrZero(),
		CreatedAt: ownerCreatedAt.ValueOrZero(),
	}
	target.Settings.UserID = target.Monitor.UserID
	target.Settings.Email = emailEnabled.ValueOrZero()
	target.Settings.Telegram = telegramEnabled.ValueOrZero()
	target.Settings.Webhook = webhookEnabled.ValueOrZero()

	return target, nil
}

func (s *SQLStore) InsertCheck(ctx context.Context, check Check) error {
	_, err := s.exec(ctx, `
		INSERT INTO checks (id, monitor_id, status, status_code, response_time_ms, error, checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		check.ID,
		check.MonitorID,
		string(check.Status),
		check.StatusCode,
		check.ResponseTimeMs,
		check.Error,
		dbTime(check.CheckedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting check: %w", err)
	}
	return nil
}

func (s *SQLStore) InsertMetric(ctx context.Context, metric Metric) error {
	_, err := s.exec(ctx, `
		INSERT INTO metrics (id, monitor_id, response_time_ms, recorded_at)
		VALUES (?, ?, ?, ?)
	`, metric.ID, metric.MonitorID, metric.ResponseTimeMs, dbTime(metric.RecordedAt))
	if err != nil {
		return fmt.Errorf("inserting metric: %w", err)
	}
	return nil
}

const checkColumns = `id, monitor_id, status, status_code, response_time_ms, error, checked_at`

func scanCheck(row rowScanner) (Check, error) {
	var check Check
	var status string
	if err := row.Scan(&check.ID, &check.MonitorID, &status, &check.StatusCode, &check.ResponseTimeMs, &check.Error, &check.CheckedAt); err != nil {
		return Check{}, err
	}
	check.Status = CheckStatus(status)
	return check, nil
}

func (s *SQLStore) PreviousCheck(ctx context.Context, monitorID string, excludeCheckID string) (*Check, error) {
	check, err := scanCheck(s.queryRow(ctx, `
		SELECT `+checkColumns+`
		FROM checks
		WHERE monitor_id = ? AND id <> ?
		ORDER BY checked_at DESC, id DESC
		LIMIT 1
	`, monitorID, excludeCheckID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying previous check: %w", err)
	}
	return &check, nil
}

func (s *SQLStore) LatestCheck(ctx context.Context, monitorID string) (*Check, error) {
	check, err := scanCheck(s.queryRow(ctx, `
		SELECT `+checkColumns+`
		FROM checks
		WHERE monitor_id = ?
		ORDER BY checked_at DESC, id DESC
		LIMIT 1
	`, monitorID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying latest check: %w", err)
	}
	return &check, nil
}

func (s *SQLStore) ListMetrics(ctx context.Context, monitorID string, since time.Time) ([]Metric, error) {
	rows, err := s.query(ctx, `
		SELECT id, monitor_id, response_time_ms, recorded_at
		FROM metrics
		WHERE monitor_id = ? AND recorded_at >= ?
		ORDER BY recorded_at ASC
	`, monitorID, dbTime(since))
	if err != nil {
		return nil, fmt.Errorf("querying metrics: %w", err)
	}
	defer rows.Close()

	var metrics []Metric
	for rows.Next() {
		var metric Metric
		if err := rows.Scan(&metric.ID, &metric.MonitorID, &metric.ResponseTimeMs, &metric.RecordedAt); err != nil {
			return nil, fmt.Errorf("scanning metric: %w", err)
		}
		metrics = append(metrics, metric)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating metrics: %w", err)
	}

	return metrics, nil
}

const incidentColumns = `id, monitor_id, status, started_at, resolved_at, downtime_ms, description`

func scanIncident(row rowScanner) (Incident, error) {
	var incident Incident
	var status string
	if err := row.Scan(&incident.ID, &incident.MonitorID, &status, &incident.StartedAt, &incident.ResolvedAt, &incident.DowntimeMs, &incident.Description); err != nil {
		return Incident{}, err
	}
	incident.Status = IncidentStatus(status)
	return incident, nil
}

func (s *SQLStore) LatestOpenIncident(ctx context.Context, monitorID string) (*Incident, error) {
	incident, err := scanIncident(s.queryRow(ctx, `
		SELECT `+incidentColumns+`
		FROM incidents
		WHERE monitor_id = ? AND status = ?
		ORDER BY started_at DESC
		LIMIT 1
	`, monitorID, string(IncidentStatusOpen)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying open incident: %w", err)
	}
	return &incident, nil
}

func (s *SQLStore) InsertIncident(ctx context.Context, incident Incident) error {
	_, err := s.exec(ctx, `
		INSERT INTO incidents (`+incidentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		incident.ID,
		incident.MonitorID,
		string(incident.Status),
		dbTime(incident.StartedAt),
		incident.ResolvedAt,
		incident.DowntimeMs,
		incident.Description,
	)
	if err != nil {
		return fmt.Errorf("inserting incident: %w", err)
	}
	return nil
}

func (s *SQLStore) ResolveIncident(ctx context.Context, incidentID string, resolvedAt time.Time, downtimeMs int64) (bool, error) {
	result, err := s.exec(ctx, `
		UPDATE incidents
		SET status = ?, resolved_at = ?, downtime_ms = ?
		WHERE id = ? AND status = ?
	`, string(IncidentStatusResolved), dbTime(resolvedAt), downtimeMs, incidentID, string(IncidentStatusOpen))
	if err != nil {
		return false, fmt.Errorf("resolving incident: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading affected rows: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLStore) GetIncident(ctx context.Context, incidentID string) (Incident, error) {
	incident, err := scanIncident(s.queryRow(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = ?`, incidentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Incident{}, ErrIncidentNotFound
		}
		return Incident{}, fmt.Errorf("querying incident: %w", err)
	}
	return incident, nil
}

func (s *SQLStore) ListIncidents(ctx context.Context, monitorID string, since time.Time, limit int) ([]Incident, error) {
	query := `
		SELECT ` + incidentColumns + `
		FROM incidents
		WHERE monitor_id = ? AND started_at >= ?
		ORDER BY started_at DESC`
	args := []any{monitorID, dbTime(since)}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying incidents: %w", err)
	}
	defer rows.Close()

	var incidents []Incident
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning incident: %w", err)
		}
		incidents = append(incidents, incident)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating incidents: %w", err)
	}

	return incidents, nil
}

func (s *SQLStore) IncidentStats(ctx context.Context, monitorID string, since time.Time) (IncidentStats, error) {
	incidents, err := s.ListIncidents(ctx, monitorID, since, 0)
	if err != nil {
		return IncidentStats{}, err
	}
	return summarizeIncidents(monitorID, dbTime(since), incidents), nil
}
