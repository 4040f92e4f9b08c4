// Package sqlite is the single-node Store backed by modernc.org/sqlite.
// Event rows are append-only; summary and team rows are stored as JSON
// documents keyed by their natural primary key, with the hourly counters as
// plain columns so increments stay atomic upserts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/adimStrong/csr-breaktime/internal/models"
	"github.com/adimStrong/csr-breaktime/internal/store"
)

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// New opens (or creates) the database at dbPath and applies the schema.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewMemory creates an in-memory store for testing.
func NewMemory() (*Store, error) {
	return New(":memory:")
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			last_active_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS break_events (
			event_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			break_type TEXT NOT NULL,
			action TEXT NOT NULL,
			occurred_at TEXT NOT NULL,
			log_date TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			duration_minutes REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_break_events_agent_date ON break_events(agent_id, log_date)`,
		`CREATE INDEX IF NOT EXISTS idx_break_events_date ON break_events(log_date)`,
		`CREATE TABLE IF NOT EXISTS active_sessions (
			agent_id TEXT PRIMARY KEY,
			break_type TEXT NOT NULL,
			started_at TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			alert_sent INTEGER NOT NULL DEFAULT 0,
			last_alert_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS applied_events (
			event_id TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS daily_summaries (
			agent_id TEXT NOT NULL,
			summary_date TEXT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (agent_id, summary_date)
		)`,
		`CREATE TABLE IF NOT EXISTS hourly_metrics (
			metric_date TEXT NOT NULL,
			hour INTEGER NOT NULL,
			break_outs INTEGER NOT NULL DEFAULT 0,
			break_backs INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (metric_date, hour)
		)`,
		`CREATE TABLE IF NOT EXISTS team_summaries (
			summary_date TEXT PRIMARY KEY,
			payload TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS compliance_alerts (
			alert_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL DEFAULT '',
			log_date TEXT NOT NULL,
			kind TEXT NOT NULL,
			raised_at TEXT NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_compliance_alerts_date ON compliance_alerts(log_date)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) UpsertAgent(ctx context.Context, agent models.Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, display_name, active, last_active_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			display_name = excluded.display_name,
			active = excluded.active,
			last_active_at = excluded.last_active_at
	`, agent.AgentID, agent.DisplayName, boolInt(agent.Active), agent.LastActiveAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (models.Agent, bool, error) {
	var agent models.Agent
	var active int
	var lastActive string
	err := s.db.QueryRowContext(ctx,
		`SELECT agent_id, display_name, active, last_active_at FROM agents WHERE agent_id = ?`, agentID,
	).Scan(&agent.AgentID, &agent.DisplayName, &active, &lastActive)
	if err == sql.ErrNoRows {
		return models.Agent{}, false, nil
	}
	if err != nil {
		return models.Agent{}, false, fmt.Errorf("get agent: %w", err)
	}
	agent.Active = active != 0
	agent.LastActiveAt, _ = time.Parse(time.RFC3339Nano, lastActive)
	return agent, true, nil
}

func (s *Store) AppendEvent(ctx context.Context, event models.BreakEvent) error {
	var duration interface{}
	if event.DurationMinutes != nil {
		duration = *event.DurationMinutes
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO break_events (event_id, agent_id, break_type, action, occurred_at, log_date, reason, duration_minutes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, event.EventID, event.AgentID, event.BreakTypeCode, event.Action,
		event.OccurredAt.Format(time.RFC3339Nano), event.LogDate, event.Reason, duration)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

const eventColumns = `event_id, agent_id, break_type, action, occurred_at, log_date, reason, duration_minutes`

func (s *Store) ListEventsForAgentDate(ctx context.Context, agentID, date string) ([]models.BreakEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM break_events
		WHERE agent_id = ? AND log_date = ?
		ORDER BY rowid
	`, agentID, date)
	if err != nil {
		return nil, fmt.Errorf("list agent events: %w", err)
	}
	return scanEvents(rows)
}

func (s *Store) ListEventsForDate(ctx context.Context, date string) ([]models.BreakEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM break_events
		WHERE log_date = ?
		ORDER BY rowid
	`, date)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return scanEvents(rows)
}

func (s *Store) ListOpenSessions(ctx context.Context) ([]models.BreakEvent, error) {
	// An agent is on break when their newest event is an OUT. rowid is the
	// append order, which per agent is the occurrence order.
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.event_id, e.agent_id, e.break_type, e.action, e.occurred_at, e.log_date, e.reason, e.duration_minutes FROM break_events e
		JOIN (SELECT agent_id, MAX(rowid) AS last_rowid FROM break_events GROUP BY agent_id) latest
			ON e.agent_id = latest.agent_id AND e.rowid = latest.last_rowid
		WHERE e.action = 'OUT'
		ORDER BY e.occurred_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}
	return scanEvents(rows)
}

func (s *Store) ReplaceActiveSession(ctx context.Context, session models.ActiveSession) error {
	var lastAlert interface{}
	if session.LastAlertAt != nil {
		lastAlert = session.LastAlertAt.Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO active_sessions (agent_id, break_type, started_at, reason, alert_sent, last_alert_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			break_type = excluded.break_type,
			started_at = excluded.started_at,
			reason = excluded.reason,
			alert_sent = excluded.alert_sent,
			last_alert_at = excluded.last_alert_at
	`, session.AgentID, session.BreakTypeCode, session.StartedAt.Format(time.RFC3339Nano),
		session.Reason, boolInt(session.AlertSent), lastAlert)
	if err != nil {
		return fmt.Errorf("replace active session: %w", err)
	}
	return nil
}

func (s *Store) DeleteActiveSession(ctx context.Context, agentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM active_sessions WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("delete active session: %w", err)
	}
	return nil
}

func (s *Store) ListActiveSessions(ctx context.Context) ([]models.ActiveSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, break_type, started_at, reason, alert_sent, last_alert_at
		FROM active_sessions ORDER BY started_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.ActiveSession
	for rows.Next() {
		var session models.ActiveSession
		var startedAt string
		var alertSent int
		var lastAlert sql.NullString
		if err := rows.Scan(&session.AgentID, &session.BreakTypeCode, &startedAt, &session.Reason, &alertSent, &lastAlert); err != nil {
			return nil, fmt.Errorf("scan active session: %w", err)
		}
		session.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		session.AlertSent = alertSent != 0
		if lastAlert.Valid {
			parsed, err := time.Parse(time.RFC3339Nano, lastAlert.String)
			if err == nil {
				session.LastAlertAt = &parsed
			}
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// ApplyHourly runs the applied-event guard and the hourly increment in one
// transaction so a failure leaves the event unconsumed.
func (s *Store) ApplyHourly(ctx context.Context, eventID, date string, hour, outs, backs int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("apply hourly: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO applied_events (event_id) VALUES (?)`, eventID)
	if err != nil {
		return false, fmt.Errorf("apply hourly: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("apply hourly: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO hourly_metrics (metric_date, hour, break_outs, break_backs)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(metric_date, hour) DO UPDATE SET
			break_outs = break_outs + excluded.break_outs,
			break_backs = break_backs + excluded.break_backs
	`, date, hour, outs, backs); err != nil {
		return false, fmt.Errorf("apply hourly: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("apply hourly: %w", err)
	}
	return true, nil
}

func (s *Store) UpsertDailySummary(ctx context.Context, summary models.DailySummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal daily summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO daily_summaries (agent_id, summary_date, payload)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_id, summary_date) DO UPDATE SET payload = excluded.payload
	`, summary.AgentID, summary.Date, string(payload))
	if err != nil {
		return fmt.Errorf("upsert daily summary: %w", err)
	}
	return nil
}

func (s *Store) GetDailySummary(ctx context.Context, agentID, date string) (models.DailySummary, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM daily_summaries WHERE agent_id = ? AND summary_date = ?`, agentID, date,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return models.DailySummary{}, false, nil
	}
	if err != nil {
		return models.DailySummary{}, false, fmt.Errorf("get daily summary: %w", err)
	}
	var summary models.DailySummary
	if err := json.Unmarshal([]byte(payload), &summary); err != nil {
		return models.DailySummary{}, false, fmt.Errorf("decode daily summary: %w", err)
	}
	return summary, true, nil
}

func (s *Store) ListDailySummaries(ctx context.Context, date string) ([]models.DailySummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM daily_summaries WHERE summary_date = ? ORDER BY agent_id`, date)
	if err != nil {
		return nil, fmt.Errorf("list daily summaries: %w", err)
	}
	defer rows.Close()

	var summaries []models.DailySummary
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan daily summary: %w", err)
		}
		var summary models.DailySummary
		if err := json.Unmarshal([]byte(payload), &summary); err != nil {
			return nil, fmt.Errorf("decode daily summary: %w", err)
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

func (s *Store) ReplaceHourly(ctx context.Context, date string, metrics []models.HourlyMetric) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace hourly: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM hourly_metrics WHERE metric_date = ?`, date); err != nil {
		return fmt.Errorf("replace hourly: %w", err)
	}
	for _, metric := range metrics {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO hourly_metrics (metric_date, hour, break_outs, break_backs) VALUES (?, ?, ?, ?)
		`, date, metric.Hour, metric.BreakOuts, metric.BreakBacks); err != nil {
			return fmt.Errorf("replace hourly: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListHourly(ctx context.Context, date string) ([]models.HourlyMetric, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT metric_date, hour, break_outs, break_backs
		FROM hourly_metrics WHERE metric_date = ? ORDER BY hour
	`, date)
	if err != nil {
		return nil, fmt.Errorf("list hourly: %w", err)
	}
	defer rows.Close()

	var metrics []models.HourlyMetric
	for rows.Next() {
		var metric models.HourlyMetric
		if err := rows.Scan(&metric.Date, &metric.Hour, &metric.BreakOuts, &metric.BreakBacks); err != nil {
			return nil, fmt.Errorf("scan hourly: %w", err)
		}
		metrics = append(metrics, metric)
	}
	return metrics, rows.Err()
}

func (s *Store) UpsertTeamSummary(ctx context.Context, summary models.TeamDailySummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal team summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO team_summaries (summary_date, payload) VALUES (?, ?)
		ON CONFLICT(summary_date) DO UPDATE SET payload = excluded.payload
	`, summary.Date, string(payload))
	if err != nil {
		return fmt.Errorf("upsert team summary: %w", err)
	}
	return nil
}

func (s *Store) GetTeamSummary(ctx context.Context, date string) (models.TeamDailySummary, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM team_summaries WHERE summary_date = ?`, date).Scan(&payload)
	if err == sql.ErrNoRows {
		return models.TeamDailySummary{}, false, nil
	}
	if err != nil {
		return models.TeamDailySummary{}, false, fmt.Errorf("get team summary: %w", err)
	}
	var summary models.TeamDailySummary
	if err := json.Unmarshal([]byte(payload), &summary); err != nil {
		return models.TeamDailySummary{}, false, fmt.Errorf("decode team summary: %w", err)
	}
	return summary, true, nil
}

func (s *Store) InsertAlert(ctx context.Context, alert models.ComplianceAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO compliance_alerts (alert_id, agent_id, log_date, kind, raised_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`, alert.AlertID, alert.AgentID, alert.LogDate, alert.Kind,
		alert.RaisedAt.Format(time.RFC3339Nano), string(payload))
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (s *Store) ListAlertsForDate(ctx context.Context, date string) ([]models.ComplianceAlert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM compliance_alerts WHERE log_date = ? ORDER BY raised_at`, date)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.ComplianceAlert
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		var alert models.ComplianceAlert
		if err := json.Unmarshal([]byte(payload), &alert); err != nil {
			return nil, fmt.Errorf("decode alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]models.BreakEvent, error) {
	defer rows.Close()
	var events []models.BreakEvent
	for rows.Next() {
		var event models.BreakEvent
		var occurredAt string
		var duration sql.NullFloat64
		if err := rows.Scan(&event.EventID, &event.AgentID, &event.BreakTypeCode, &event.Action,
			&occurredAt, &event.LogDate, &event.Reason, &duration); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, occurredAt)
		if err != nil {
			return nil, fmt.Errorf("parse event time: %w", err)
		}
		event.OccurredAt = parsed
		if duration.Valid {
			value := duration.Float64
			event.DurationMinutes = &value
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func boolInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
