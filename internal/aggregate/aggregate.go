// Package aggregate folds break events into the daily, hourly, and team
// summary tables. Every fold is a deterministic function of the event log,
// so the tables can be rebuilt from the log alone after corruption.
package aggregate

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/adimStrong/csr-breaktime/internal/breaktypes"
	"github.com/adimStrong/csr-breaktime/internal/compliance"
	"github.com/adimStrong/csr-breaktime/internal/models"
	"github.com/adimStrong/csr-breaktime/internal/store"
)

// Publisher mirrors the engine's notification hook.
type Publisher interface {
	Publish(eventType string, payload interface{})
}

type Aggregator struct {
	store     store.Store
	registry  *breaktypes.Registry
	loc       *time.Location
	publisher Publisher
}

func New(st store.Store, registry *breaktypes.Registry, loc *time.Location, publisher Publisher) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{store: st, registry: registry, loc: loc, publisher: publisher}
}

// Apply consumes one appended event. Reapplying the same event is a no-op:
// the applied-event guard commits atomically with the hourly increment, so a
// failed apply leaves the event unconsumed for redelivery, and the daily
// summary is a full recomputation over the (agent, date) slice of the log
// rather than a blind increment.
func (a *Aggregator) Apply(ctx context.Context, event models.BreakEvent) error {
	outs, backs := 0, 0
	if event.Action == models.ActionOut {
		outs = 1
	} else {
		backs = 1
	}
	applied, err := a.store.ApplyHourly(ctx, event.EventID, event.LogDate,
		models.HourOf(event.OccurredAt, a.loc), outs, backs)
	if err != nil {
		return fmt.Errorf("apply hourly: %w", err)
	}
	if !applied {
		return nil
	}

	if event.Action == models.ActionBack {
		if err := a.RecomputeDaily(ctx, event.AgentID, event.LogDate); err != nil {
			return err
		}
	}
	return nil
}

// RecomputeDaily rebuilds one (agent, date) summary from the event log.
func (a *Aggregator) RecomputeDaily(ctx context.Context, agentID, date string) error {
	events, err := a.store.ListEventsForAgentDate(ctx, agentID, date)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	summary := a.foldDaily(agentID, date, events)
	if err := a.store.UpsertDailySummary(ctx, summary); err != nil {
		return fmt.Errorf("upsert daily summary: %w", err)
	}
	return nil
}

func (a *Aggregator) foldDaily(agentID, date string, events []models.BreakEvent) models.DailySummary {
	summary := models.DailySummary{
		AgentID: agentID,
		Date:    date,
		ByType:  make(map[string]models.TypeTotal),
	}
	for _, bt := range a.registry.All() {
		summary.ByType[bt.Code] = models.TypeTotal{}
	}

	outs, backs := 0, 0
	for _, event := range events {
		if event.Action == models.ActionOut {
			outs++
			continue
		}
		backs++
		if event.DurationMinutes == nil {
			continue
		}
		duration := *event.DurationMinutes
		breakType, known := a.registry.Get(event.BreakTypeCode)
		if !known {
			// Tolerated on replay of historical data; the lifecycle path
			// rejects unknown codes before they reach the log.
			log.Printf("summary fold: unknown break type %q for agent %s", event.BreakTypeCode, agentID)
			continue
		}

		totals := summary.ByType[breakType.Code]
		totals.Count++
		totals.TotalMinutes += duration
		totals.AvgMinutes = totals.TotalMinutes / float64(totals.Count)
		summary.ByType[breakType.Code] = totals

		summary.TotalBreaks++
		summary.TotalDurationAll += duration
		if breakType.CountsInTotal {
			summary.TotalDuration += duration
		}
		if compliance.IsWithinLimit(breakType, duration) {
			summary.BreaksWithinLimit++
		} else {
			summary.BreaksOverLimit++
			if over := compliance.OverMinutes(breakType, duration); over > summary.MaxOverdueMinutes {
				summary.MaxOverdueMinutes = over
			}
		}
	}

	if missing := outs - backs; missing > 0 {
		summary.MissingClockBacks = missing
	}
	summary.ComplianceRate = compliance.Rate(summary.BreaksWithinLimit, summary.BreaksOverLimit)
	return summary
}

// RollupTeam folds the day's per-agent summaries and hourly metrics into the
// team summary and persists it.
func (a *Aggregator) RollupTeam(ctx context.Context, date string) (models.TeamDailySummary, error) {
	dailies, err := a.store.ListDailySummaries(ctx, date)
	if err != nil {
		return models.TeamDailySummary{}, fmt.Errorf("list daily summaries: %w", err)
	}

	team := models.TeamDailySummary{Date: date, Agents: len(dailies)}
	for _, daily := range dailies {
		team.TotalBreaks += daily.TotalBreaks
		team.TotalDuration += daily.TotalDuration
		team.TotalDurationAll += daily.TotalDurationAll
		team.BreaksWithinLimit += daily.BreaksWithinLimit
		team.BreaksOverLimit += daily.BreaksOverLimit
	}
	team.ComplianceRate = compliance.Rate(team.BreaksWithinLimit, team.BreaksOverLimit)

	hourly, err := a.store.ListHourly(ctx, date)
	if err != nil {
		return models.TeamDailySummary{}, fmt.Errorf("list hourly: %w", err)
	}
	for _, metric := range hourly {
		if metric.BreakOuts > team.PeakHourBreaks {
			hour := metric.Hour
			team.PeakHour = &hour
			team.PeakHourBreaks = metric.BreakOuts
		}
	}

	if err := a.store.UpsertTeamSummary(ctx, team); err != nil {
		return models.TeamDailySummary{}, fmt.Errorf("upsert team summary: %w", err)
	}
	return team, nil
}

// RebuildDate reconstructs every aggregate for one date from the event log.
func (a *Aggregator) RebuildDate(ctx context.Context, date string) error {
	events, err := a.store.ListEventsForDate(ctx, date)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}

	buckets := make(map[int]models.HourlyMetric)
	agents := make(map[string][]models.BreakEvent)
	for _, event := range events {
		hour := models.HourOf(event.OccurredAt, a.loc)
		metric := buckets[hour]
		metric.Hour = hour
		if event.Action == models.ActionOut {
			metric.BreakOuts++
		} else {
			metric.BreakBacks++
		}
		buckets[hour] = metric
		agents[event.AgentID] = append(agents[event.AgentID], event)
	}

	metrics := make([]models.HourlyMetric, 0, len(buckets))
	for _, metric := range buckets {
		metrics = append(metrics, metric)
	}
	if err := a.store.ReplaceHourly(ctx, date, metrics); err != nil {
		return fmt.Errorf("replace hourly: %w", err)
	}

	for agentID, agentEvents := range agents {
		summary := a.foldDaily(agentID, date, agentEvents)
		if err := a.store.UpsertDailySummary(ctx, summary); err != nil {
			return fmt.Errorf("upsert daily summary: %w", err)
		}
	}

	if _, err := a.RollupTeam(ctx, date); err != nil {
		return err
	}
	return nil
}

// EndOfDay closes out a date: team rollup, one missing_back alert per still
// open session, and a single daily_summary alert with the team line.
func (a *Aggregator) EndOfDay(ctx context.Context, date string, open []models.ActiveBreak, now time.Time) error {
	team, err := a.RollupTeam(ctx, date)
	if err != nil {
		return err
	}

	for _, session := range open {
		alert := models.ComplianceAlert{
			AlertID:         uuid.NewString(),
			AgentID:         session.AgentID,
			DisplayName:     session.DisplayName,
			BreakTypeCode:   session.BreakTypeCode,
			Kind:            models.AlertMissingBack,
			Severity:        models.SeverityWarning,
			RaisedAt:        now,
			LogDate:         date,
			SessionStart:    session.StartedAt,
			DurationMinutes: session.ElapsedMinutes,
			OverMinutes:     session.OverMinutes,
			Message: fmt.Sprintf("%s never clocked back from %s started at %s",
				session.DisplayName, session.BreakTypeName, session.StartedAt.Format("15:04")),
		}
		if err := a.store.InsertAlert(ctx, alert); err != nil {
			log.Printf("missing-back alert insert error agent=%s: %v", session.AgentID, err)
			continue
		}
		a.publish(alert)
	}

	rate := "n/a"
	if team.ComplianceRate != nil {
		rate = fmt.Sprintf("%.1f%%", *team.ComplianceRate)
	}
	alert := models.ComplianceAlert{
		AlertID:  uuid.NewString(),
		Kind:     models.AlertDailySummary,
		Severity: models.SeverityWarning,
		RaisedAt: now,
		LogDate:  date,
		Message: fmt.Sprintf("Daily report %s: %d breaks by %d agents, compliance %s, %d over limit",
			date, team.TotalBreaks, team.Agents, rate, team.BreaksOverLimit),
	}
	if err := a.store.InsertAlert(ctx, alert); err != nil {
		return fmt.Errorf("daily summary alert: %w", err)
	}
	a.publish(alert)
	return nil
}

func (a *Aggregator) publish(alert models.ComplianceAlert) {
	if a.publisher == nil {
		return
	}
	a.publisher.Publish("alert.raised", alert)
}
