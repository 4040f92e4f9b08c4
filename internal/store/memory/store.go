// Package memory is an in-memory Store used by tests and local development.
// It honors the same semantics as the SQL implementations, including the
// applied-event guard and atomic hourly increments.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/adimStrong/csr-breaktime/internal/models"
	"github.com/adimStrong/csr-breaktime/internal/store"
)

type Store struct {
	mu       sync.Mutex
	agents   map[string]models.Agent
	events   []models.BreakEvent
	eventIDs map[string]struct{}
	sessions map[string]models.ActiveSession
	applied  map[string]struct{}
	dailies  map[string]models.DailySummary          // agentID + "|" + date
	hourly   map[string]map[int]models.HourlyMetric  // date -> hour
	teams    map[string]models.TeamDailySummary      // date
	alerts   map[string][]models.ComplianceAlert     // date
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		agents:   make(map[string]models.Agent),
		eventIDs: make(map[string]struct{}),
		sessions: make(map[string]models.ActiveSession),
		applied:  make(map[string]struct{}),
		dailies:  make(map[string]models.DailySummary),
		hourly:   make(map[string]map[int]models.HourlyMetric),
		teams:    make(map[string]models.TeamDailySummary),
		alerts:   make(map[string][]models.ComplianceAlert),
	}
}

func dailyKey(agentID, date string) string { return agentID + "|" + date }

func (s *Store) UpsertAgent(ctx context.Context, agent models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.AgentID] = agent
	return nil
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (models.Agent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[agentID]
	return agent, ok, nil
}

func (s *Store) AppendEvent(ctx context.Context, event models.BreakEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.eventIDs[event.EventID]; exists {
		return store.ErrDuplicateEvent
	}
	s.eventIDs[event.EventID] = struct{}{}
	s.events = append(s.events, event)
	return nil
}

func (s *Store) ListEventsForAgentDate(ctx context.Context, agentID, date string) ([]models.BreakEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.BreakEvent
	for _, event := range s.events {
		if event.AgentID == agentID && event.LogDate == date {
			out = append(out, event)
		}
	}
	sortEvents(out)
	return out, nil
}

func (s *Store) ListEventsForDate(ctx context.Context, date string) ([]models.BreakEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.BreakEvent
	for _, event := range s.events {
		if event.LogDate == date {
			out = append(out, event)
		}
	}
	sortEvents(out)
	return out, nil
}

func (s *Store) ListOpenSessions(ctx context.Context) ([]models.BreakEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := make(map[string]models.BreakEvent)
	for _, event := range s.events {
		last[event.AgentID] = event
	}
	var out []models.BreakEvent
	for _, event := range last {
		if event.Action == models.ActionOut {
			out = append(out, event)
		}
	}
	sortEvents(out)
	return out, nil
}

func (s *Store) ReplaceActiveSession(ctx context.Context, session models.ActiveSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.AgentID] = session
	return nil
}

func (s *Store) DeleteActiveSession(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, agentID)
	return nil
}

func (s *Store) ListActiveSessions(ctx context.Context) ([]models.ActiveSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ActiveSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *Store) ApplyHourly(ctx context.Context, eventID, date string, hour, outs, backs int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.applied[eventID]; exists {
		return false, nil
	}
	s.applied[eventID] = struct{}{}
	day := s.hourly[date]
	if day == nil {
		day = make(map[int]models.HourlyMetric)
		s.hourly[date] = day
	}
	metric := day[hour]
	metric.Date = date
	metric.Hour = hour
	metric.BreakOuts += outs
	metric.BreakBacks += backs
	day[hour] = metric
	return true, nil
}

func (s *Store) UpsertDailySummary(ctx context.Context, summary models.DailySummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dailies[dailyKey(summary.AgentID, summary.Date)] = copySummary(summary)
	return nil
}

func (s *Store) GetDailySummary(ctx context.Context, agentID, date string) (models.DailySummary, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	summary, ok := s.dailies[dailyKey(agentID, date)]
	if !ok {
		return models.DailySummary{}, false, nil
	}
	return copySummary(summary), true, nil
}

func (s *Store) ListDailySummaries(ctx context.Context, date string) ([]models.DailySummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DailySummary
	for _, summary := range s.dailies {
		if summary.Date == date {
			out = append(out, copySummary(summary))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (s *Store) ReplaceHourly(ctx context.Context, date string, metrics []models.HourlyMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	day := make(map[int]models.HourlyMetric, len(metrics))
	for _, metric := range metrics {
		metric.Date = date
		day[metric.Hour] = metric
	}
	s.hourly[date] = day
	return nil
}

func (s *Store) ListHourly(ctx context.Context, date string) ([]models.HourlyMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.HourlyMetric
	for _, metric := range s.hourly[date] {
		out = append(out, metric)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour < out[j].Hour })
	return out, nil
}

func (s *Store) UpsertTeamSummary(ctx context.Context, summary models.TeamDailySummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teams[summary.Date] = summary
	return nil
}

func (s *Store) GetTeamSummary(ctx context.Context, date string) (models.TeamDailySummary, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	summary, ok := s.teams[date]
	return summary, ok, nil
}

func (s *Store) InsertAlert(ctx context.Context, alert models.ComplianceAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[alert.LogDate] = append(s.alerts[alert.LogDate], alert)
	return nil
}

func (s *Store) ListAlertsForDate(ctx context.Context, date string) ([]models.ComplianceAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ComplianceAlert, len(s.alerts[date]))
	copy(out, s.alerts[date])
	return out, nil
}

func sortEvents(events []models.BreakEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].OccurredAt.Before(events[j].OccurredAt)
	})
}

func copySummary(summary models.DailySummary) models.DailySummary {
	byType := make(map[string]models.TypeTotal, len(summary.ByType))
	for code, totals := range summary.ByType {
		byType[code] = totals
	}
	summary.ByType = byType
	return summary
}
