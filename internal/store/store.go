package store

import (
	"context"

	"github.com/adimStrong/csr-breaktime/internal/models"
)

// Store is the durable contract the engine requires: an append-only event
// log, keyed upserts for the aggregate tables, and an insert-if-absent guard
// used for exactly-once-effective aggregation. The active session rows are a
// cache only; recovery always rebuilds them from the event log.
type Store interface {
	UpsertAgent(ctx context.Context, agent models.Agent) error
	GetAgent(ctx context.Context, agentID string) (models.Agent, bool, error)

	AppendEvent(ctx context.Context, event models.BreakEvent) error
	ListEventsForAgentDate(ctx context.Context, agentID, date string) ([]models.BreakEvent, error)
	ListEventsForDate(ctx context.Context, date string) ([]models.BreakEvent, error)
	// ListOpenSessions returns, per agent, the OUT event with no later BACK.
	ListOpenSessions(ctx context.Context) ([]models.BreakEvent, error)

	ReplaceActiveSession(ctx context.Context, session models.ActiveSession) error
	DeleteActiveSession(ctx context.Context, agentID string) error
	ListActiveSessions(ctx context.Context) ([]models.ActiveSession, error)

	// ApplyHourly records that the aggregator consumed an event and
	// increments the OUT/BACK counters for its hourly bucket as one atomic
	// step. It returns false without touching the counters when the event
	// was already applied; on error nothing is recorded, so a retry of the
	// same event is safe.
	ApplyHourly(ctx context.Context, eventID, date string, hour, outs, backs int) (bool, error)

	UpsertDailySummary(ctx context.Context, summary models.DailySummary) error
	GetDailySummary(ctx context.Context, agentID, date string) (models.DailySummary, bool, error)
	ListDailySummaries(ctx context.Context, date string) ([]models.DailySummary, error)
	ReplaceHourly(ctx context.Context, date string, metrics []models.HourlyMetric) error
	ListHourly(ctx context.Context, date string) ([]models.HourlyMetric, error)

	UpsertTeamSummary(ctx context.Context, summary models.TeamDailySummary) error
	GetTeamSummary(ctx context.Context, date string) (models.TeamDailySummary, bool, error)

	InsertAlert(ctx context.Context, alert models.ComplianceAlert) error
	ListAlertsForDate(ctx context.Context, date string) ([]models.ComplianceAlert, error)
}
