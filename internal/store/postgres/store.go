// Package postgres is the shared-deployment Store backed by pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adimStrong/csr-breaktime/internal/models"
	"github.com/adimStrong/csr-breaktime/internal/store"
)

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the engine's tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			last_active_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS break_events (
			id BIGSERIAL PRIMARY KEY,
			event_id TEXT UNIQUE NOT NULL,
			agent_id TEXT NOT NULL,
			break_type TEXT NOT NULL,
			action TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			log_date TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			duration_minutes DOUBLE PRECISION
		)`,
		`CREATE INDEX IF NOT EXISTS idx_break_events_agent_date ON break_events(agent_id, log_date)`,
		`CREATE INDEX IF NOT EXISTS idx_break_events_date ON break_events(log_date)`,
		`CREATE TABLE IF NOT EXISTS active_sessions (
			agent_id TEXT PRIMARY KEY,
			break_type TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			alert_sent BOOLEAN NOT NULL DEFAULT FALSE,
			last_alert_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS applied_events (
			event_id TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS daily_summaries (
			agent_id TEXT NOT NULL,
			summary_date TEXT NOT NULL,
			payload JSONB NOT NULL,
			PRIMARY KEY (agent_id, summary_date)
		)`,
		`CREATE TABLE IF NOT EXISTS hourly_metrics (
			metric_date TEXT NOT NULL,
			hour INT NOT NULL,
			break_outs INT NOT NULL DEFAULT 0,
			break_backs INT NOT NULL DEFAULT 0,
			PRIMARY KEY (metric_date, hour)
		)`,
		`CREATE TABLE IF NOT EXISTS team_summaries (
			summary_date TEXT PRIMARY KEY,
			payload JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS compliance_alerts (
			alert_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL DEFAULT '',
			log_date TEXT NOT NULL,
			kind TEXT NOT NULL,
			raised_at TIMESTAMPTZ NOT NULL,
			payload JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_compliance_alerts_date ON compliance_alerts(log_date)`,
	}
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Store) UpsertAgent(ctx context.Context, agent models.Agent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (agent_id, display_name, active, last_active_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (agent_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			active = EXCLUDED.active,
			last_active_at = EXCLUDED.last_active_at
	`, agent.AgentID, agent.DisplayName, agent.Active, agent.LastActiveAt)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (models.Agent, bool, error) {
	var agent models.Agent
	err := s.pool.QueryRow(ctx,
		`SELECT agent_id, display_name, active, last_active_at FROM agents WHERE agent_id = $1`, agentID,
	).Scan(&agent.AgentID, &agent.DisplayName, &agent.Active, &agent.LastActiveAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Agent{}, false, nil
	}
	if err != nil {
		return models.Agent{}, false, fmt.Errorf("get agent: %w", err)
	}
	return agent, true, nil
}

func (s *Store) AppendEvent(ctx context.Context, event models.BreakEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO break_events (event_id, agent_id, break_type, action, occurred_at, log_date, reason, duration_minutes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, event.EventID, event.AgentID, event.BreakTypeCode, event.Action,
		event.OccurredAt, event.LogDate, event.Reason, event.DurationMinutes)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

const eventColumns = `event_id, agent_id, break_type, action, occurred_at, log_date, reason, duration_minutes`

func (s *Store) ListEventsForAgentDate(ctx context.Context, agentID, date string) ([]models.BreakEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM break_events
		WHERE agent_id = $1 AND log_date = $2
		ORDER BY id
	`, agentID, date)
	if err != nil {
		return nil, fmt.Errorf("list agent events: %w", err)
	}
	return scanEvents(rows)
}

func (s *Store) ListEventsForDate(ctx context.Context, date string) ([]models.BreakEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM break_events
		WHERE log_date = $1
		ORDER BY id
	`, date)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return scanEvents(rows)
}

func (s *Store) ListOpenSessions(ctx context.Context) ([]models.BreakEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM break_events e
		JOIN (SELECT agent_id, MAX(id) AS last_id FROM break_events GROUP BY agent_id) latest
			ON e.agent_id = latest.agent_id AND e.id = latest.last_id
		WHERE e.action = 'OUT'
		ORDER BY e.occurred_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}
	return scanEvents(rows)
}

func (s *Store) ReplaceActiveSession(ctx context.Context, session models.ActiveSession) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO active_sessions (agent_id, break_type, started_at, reason, alert_sent, last_alert_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (agent_id) DO UPDATE SET
			break_type = EXCLUDED.break_type,
			started_at = EXCLUDED.started_at,
			reason = EXCLUDED.reason,
			alert_sent = EXCLUDED.alert_sent,
			last_alert_at = EXCLUDED.last_alert_at
	`, session.AgentID, session.BreakTypeCode, session.StartedAt, session.Reason, session.AlertSent, session.LastAlertAt)
	if err != nil {
		return fmt.Errorf("replace active session: %w", err)
	}
	return nil
}

func (s *Store) DeleteActiveSession(ctx context.Context, agentID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM active_sessions WHERE agent_id = $1`, agentID); err != nil {
		return fmt.Errorf("delete active session: %w", err)
	}
	return nil
}

func (s *Store) ListActiveSessions(ctx context.Context) ([]models.ActiveSession, error) {
	rows, err := s.pool.Query(ctx, `
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
		if err := rows.Scan(&session.AgentID, &session.BreakTypeCode, &session.StartedAt,
			&session.Reason, &session.AlertSent, &session.LastAlertAt); err != nil {
			return nil, fmt.Errorf("scan active session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// ApplyHourly runs the applied-event guard and the hourly increment in one
// transaction so a failure leaves the event unconsumed.
func (s *Store) ApplyHourly(ctx context.Context, eventID, date string, hour, outs, backs int) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("apply hourly: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO applied_events (event_id) VALUES ($1) ON CONFLICT DO NOTHING`, eventID)
	if err != nil {
		return false, fmt.Errorf("apply hourly: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO hourly_metrics (metric_date, hour, break_outs, break_backs)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (metric_date, hour) DO UPDATE SET
			break_outs = hourly_metrics.break_outs + EXCLUDED.break_outs,
			break_backs = hourly_metrics.break_backs + EXCLUDED.break_backs
	`, date, hour, outs, backs); err != nil {
		return false, fmt.Errorf("apply hourly: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("apply hourly: %w", err)
	}
	return true, nil
}

func (s *Store) UpsertDailySummary(ctx context.Context, summary models.DailySummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal daily summary: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO daily_summaries (agent_id, summary_date, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (agent_id, summary_date) DO UPDATE SET payload = EXCLUDED.payload
	`, summary.AgentID, summary.Date, payload)
	if err != nil {
		return fmt.Errorf("upsert daily summary: %w", err)
	}
	return nil
}

func (s *Store) GetDailySummary(ctx context.Context, agentID, date string) (models.DailySummary, bool, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM daily_summaries WHERE agent_id = $1 AND summary_date = $2`, agentID, date,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DailySummary{}, false, nil
	}
	if err != nil {
		return models.DailySummary{}, false, fmt.Errorf("get daily summary: %w", err)
	}
	var summary models.DailySummary
	if err := json.Unmarshal(payload, &summary); err != nil {
		return models.DailySummary{}, false, fmt.Errorf("decode daily summary: %w", err)
	}
	return summary, true, nil
}

func (s *Store) ListDailySummaries(ctx context.Context, date string) ([]models.DailySummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM daily_summaries WHERE summary_date = $1 ORDER BY agent_id`, date)
	if err != nil {
		return nil, fmt.Errorf("list daily summaries: %w", err)
	}
	defer rows.Close()

	var summaries []models.DailySummary
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan daily summary: %w", err)
		}
		var summary models.DailySummary
		if err := json.Unmarshal(payload, &summary); err != nil {
			return nil, fmt.Errorf("decode daily summary: %w", err)
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

func (s *Store) ReplaceHourly(ctx context.Context, date string, metrics []models.HourlyMetric) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("replace hourly: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM hourly_metrics WHERE metric_date = $1`, date); err != nil {
		return fmt.Errorf("replace hourly: %w", err)
	}
	for _, metric := range metrics {
		if _, err := tx.Exec(ctx, `
			INSERT INTO hourly_metrics (metric_date, hour, break_outs, break_backs) VALUES ($1, $2, $3, $4)
		`, date, metric.Hour, metric.BreakOuts, metric.BreakBacks); err != nil {
			return fmt.Errorf("replace hourly: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) ListHourly(ctx context.Context, date string) ([]models.HourlyMetric, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT metric_date, hour, break_outs, break_backs
		FROM hourly_metrics WHERE metric_date = $1 ORDER BY hour
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
	_, err = s.pool.Exec(ctx, `
		INSERT INTO team_summaries (summary_date, payload) VALUES ($1, $2)
		ON CONFLICT (summary_date) DO UPDATE SET payload = EXCLUDED.payload
	`, summary.Date, payload)
	if err != nil {
		return fmt.Errorf("upsert team summary: %w", err)
	}
	return nil
}

func (s *Store) GetTeamSummary(ctx context.Context, date string) (models.TeamDailySummary, bool, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM team_summaries WHERE summary_date = $1`, date).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TeamDailySummary{}, false, nil
	}
	if err != nil {
		return models.TeamDailySummary{}, false, fmt.Errorf("get team summary: %w", err)
	}
	var summary models.TeamDailySummary
	if err := json.Unmarshal(payload, &summary); err != nil {
		return models.TeamDailySummary{}, false, fmt.Errorf("decode team summary: %w", err)
	}
	return summary, true, nil
}

func (s *Store) InsertAlert(ctx context.Context, alert models.ComplianceAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO compliance_alerts (alert_id, agent_id, log_date, kind, raised_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, alert.AlertID, alert.AgentID, alert.LogDate, alert.Kind, alert.RaisedAt, payload)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (s *Store) ListAlertsForDate(ctx context.Context, date string) ([]models.ComplianceAlert, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM compliance_alerts WHERE log_date = $1 ORDER BY raised_at`, date)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.ComplianceAlert
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		var alert models.ComplianceAlert
		if err := json.Unmarshal(payload, &alert); err != nil {
			return nil, fmt.Errorf("decode alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

func scanEvents(rows pgx.Rows) ([]models.BreakEvent, error) {
	defer rows.Close()
	var events []models.BreakEvent
	for rows.Next() {
		var event models.BreakEvent
		if err := rows.Scan(&event.EventID, &event.AgentID, &event.BreakTypeCode, &event.Action,
			&event.OccurredAt, &event.LogDate, &event.Reason, &event.DurationMinutes); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
