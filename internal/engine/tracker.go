// Package engine implements the break lifecycle: it owns the active session
// per agent, appends OUT/BACK facts to the event log, and hands completed
// events to the aggregator. All mutations for one agent are serialized by a
// per-agent mutex; the in-memory session map is the runtime authority and is
// rebuilt from the event log on startup.
package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adimStrong/csr-breaktime/internal/breaktypes"
	"github.com/adimStrong/csr-breaktime/internal/compliance"
	"github.com/adimStrong/csr-breaktime/internal/models"
	"github.com/adimStrong/csr-breaktime/internal/store"
)

// Applier consumes appended events and folds them into the summary tables.
type Applier interface {
	Apply(ctx context.Context, event models.BreakEvent) error
}

// Publisher receives state-change notifications for the dashboard stream.
// Delivery is fire-and-forget; it must never block the lifecycle path.
type Publisher interface {
	Publish(eventType string, payload interface{})
}

const (
	EventBreakStarted = "break.started"
	EventBreakEnded   = "break.ended"
	EventAlertRaised  = "alert.raised"
	EventDegraded     = "engine.degraded"
)

type Tracker struct {
	store     store.Store
	registry  *breaktypes.Registry
	applier   Applier
	publisher Publisher
	loc       *time.Location
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]models.ActiveSession
	locks    map[string]*sync.Mutex
}

type Options struct {
	Applier   Applier
	Publisher Publisher
	Location  *time.Location
	Now       func() time.Time
}

func NewTracker(st store.Store, registry *breaktypes.Registry, options Options) *Tracker {
	loc := options.Location
	if loc == nil {
		loc = time.UTC
	}
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().In(loc) }
	}
	return &Tracker{
		store:     st,
		registry:  registry,
		applier:   options.Applier,
		publisher: options.Publisher,
		loc:       loc,
		now:       now,
		sessions:  make(map[string]models.ActiveSession),
		locks:     make(map[string]*sync.Mutex),
	}
}

type StartBreakInput struct {
	AgentID     string
	DisplayName string
	BreakType   string
	Reason      string
	OccurredAt  time.Time
}

type EndBreakInput struct {
	AgentID    string
	OccurredAt time.Time
}

func (t *Tracker) StartBreak(ctx context.Context, input StartBreakInput) (models.ActiveSession, error) {
	breakType, ok := t.registry.Get(input.BreakType)
	if !ok {
		return models.ActiveSession{}, fmt.Errorf("%w: %s", ErrUnknownBreakType, input.BreakType)
	}
	if breakType.RequiresReason && strings.TrimSpace(input.Reason) == "" {
		return models.ActiveSession{}, fmt.Errorf("%w: break type %s", ErrReasonRequired, breakType.Code)
	}

	lock := t.agentLock(input.AgentID)
	lock.Lock()
	defer lock.Unlock()

	if _, exists := t.getSession(input.AgentID); exists {
		return models.ActiveSession{}, ErrAlreadyOnBreak
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = t.now()
	}
	occurredAt = occurredAt.In(t.loc)

	if err := t.store.UpsertAgent(ctx, models.Agent{
		AgentID:      input.AgentID,
		DisplayName:  input.DisplayName,
		Active:       true,
		LastActiveAt: occurredAt,
	}); err != nil {
		return models.ActiveSession{}, fmt.Errorf("%w: upsert agent: %v", ErrStoreUnavailable, err)
	}

	event := models.BreakEvent{
		EventID:       uuid.NewString(),
		AgentID:       input.AgentID,
		BreakTypeCode: breakType.Code,
		Action:        models.ActionOut,
		OccurredAt:    occurredAt,
		LogDate:       models.DateOf(occurredAt, t.loc),
		Reason:        strings.TrimSpace(input.Reason),
	}
	if err := t.store.AppendEvent(ctx, event); err != nil {
		return models.ActiveSession{}, fmt.Errorf("%w: append event: %v", ErrStoreUnavailable, err)
	}

	session := models.ActiveSession{
		AgentID:       input.AgentID,
		BreakTypeCode: breakType.Code,
		StartedAt:     occurredAt,
		Reason:        event.Reason,
	}
	t.setSession(session)
	if err := t.store.ReplaceActiveSession(ctx, session); err != nil {
		log.Printf("session cache write error agent=%s: %v", input.AgentID, err)
	}

	t.apply(ctx, event)
	t.publish(EventBreakStarted, t.project(session, input.DisplayName, occurredAt))
	return session, nil
}

func (t *Tracker) EndBreak(ctx context.Context, input EndBreakInput) (models.BreakEvent, error) {
	lock := t.agentLock(input.AgentID)
	lock.Lock()
	defer lock.Unlock()

	session, exists := t.getSession(input.AgentID)
	if !exists {
		return models.BreakEvent{}, ErrNotOnBreak
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = t.now()
	}
	occurredAt = occurredAt.In(t.loc)

	// Clock skew is surfaced, never clamped.
	if occurredAt.Before(session.StartedAt) {
		return models.BreakEvent{}, fmt.Errorf("%w: BACK at %s precedes OUT at %s",
			ErrInvalidTiming, occurredAt.Format(time.RFC3339), session.StartedAt.Format(time.RFC3339))
	}
	duration := compliance.Elapsed(session.StartedAt, occurredAt)

	event := models.BreakEvent{
		EventID:         uuid.NewString(),
		AgentID:         input.AgentID,
		BreakTypeCode:   session.BreakTypeCode,
		Action:          models.ActionBack,
		OccurredAt:      occurredAt,
		LogDate:         models.DateOf(occurredAt, t.loc),
		Reason:          session.Reason,
		DurationMinutes: &duration,
	}
	if err := t.store.AppendEvent(ctx, event); err != nil {
		return models.BreakEvent{}, fmt.Errorf("%w: append event: %v", ErrStoreUnavailable, err)
	}

	t.deleteSession(input.AgentID)
	if err := t.store.DeleteActiveSession(ctx, input.AgentID); err != nil {
		log.Printf("session cache delete error agent=%s: %v", input.AgentID, err)
	}

	t.apply(ctx, event)
	t.publish(EventBreakEnded, event)
	return event, nil
}

// ActiveBreaks returns a point-in-time projection of every active session
// with elapsed and overdue status computed against the registry. It takes no
// per-agent locks and is safe to call concurrently with transitions.
func (t *Tracker) ActiveBreaks(ctx context.Context) []models.ActiveBreak {
	now := t.now()

	t.mu.Lock()
	sessions := make([]models.ActiveSession, 0, len(t.sessions))
	for _, session := range t.sessions {
		sessions = append(sessions, session)
	}
	t.mu.Unlock()

	out := make([]models.ActiveBreak, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, t.projectAt(ctx, session, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// RaiseAlert re-checks under the agent lock that the session identified by
// agent and start time still exists and is eligible, then runs persist with
// the session. The alert bookkeeping is recorded only after persist succeeds,
// so a failed insert leaves the session eligible for the next scan.
// realertAfter <= 0 means at most one alert per session. The bool return is
// false when the session has ended, was replaced, or is not yet eligible
// under the re-alert policy.
func (t *Tracker) RaiseAlert(ctx context.Context, agentID string, startedAt, at time.Time, realertAfter time.Duration, persist func(models.ActiveSession) error) (bool, error) {
	lock := t.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	session, exists := t.getSession(agentID)
	if !exists || !session.StartedAt.Equal(startedAt) {
		return false, nil
	}
	if session.AlertSent {
		if realertAfter <= 0 || session.LastAlertAt == nil || at.Sub(*session.LastAlertAt) < realertAfter {
			return false, nil
		}
	}

	if err := persist(session); err != nil {
		return false, err
	}

	session.AlertSent = true
	alertAt := at
	session.LastAlertAt = &alertAt
	t.setSession(session)
	if err := t.store.ReplaceActiveSession(ctx, session); err != nil {
		log.Printf("session cache write error agent=%s: %v", agentID, err)
	}
	return true, nil
}

// Recover rebuilds the session map from unmatched OUT events. The event log
// is the only authority for which sessions exist; the cached rows contribute
// the alert bookkeeping when they match the log-derived session, then the
// cache is rewritten. An open session with a code missing from the registry
// aborts startup.
func (t *Tracker) Recover(ctx context.Context) error {
	open, err := t.store.ListOpenSessions(ctx)
	if err != nil {
		return fmt.Errorf("%w: list open sessions: %v", ErrStoreUnavailable, err)
	}
	cached, err := t.store.ListActiveSessions(ctx)
	if err != nil {
		log.Printf("session cache list error: %v", err)
		cached = nil
	}
	cachedByAgent := make(map[string]models.ActiveSession, len(cached))
	for _, row := range cached {
		cachedByAgent[row.AgentID] = row
	}

	sessions := make(map[string]models.ActiveSession, len(open))
	for _, event := range open {
		if _, ok := t.registry.Get(event.BreakTypeCode); !ok {
			return fmt.Errorf("%w: open session for agent %s references break type %q",
				ErrRecoveryInconsistency, event.AgentID, event.BreakTypeCode)
		}
		session := models.ActiveSession{
			AgentID:       event.AgentID,
			BreakTypeCode: event.BreakTypeCode,
			StartedAt:     event.OccurredAt.In(t.loc),
			Reason:        event.Reason,
		}
		if row, ok := cachedByAgent[event.AgentID]; ok && row.StartedAt.Equal(session.StartedAt) {
			session.AlertSent = row.AlertSent
			session.LastAlertAt = row.LastAlertAt
		}
		sessions[event.AgentID] = session
	}

	t.mu.Lock()
	t.sessions = sessions
	t.mu.Unlock()

	// Reconcile the cache: stale rows go, rebuilt rows are rewritten.
	for _, stale := range cached {
		if _, ok := sessions[stale.AgentID]; !ok {
			if err := t.store.DeleteActiveSession(ctx, stale.AgentID); err != nil {
				log.Printf("session cache delete error agent=%s: %v", stale.AgentID, err)
			}
		}
	}
	for _, session := range sessions {
		if err := t.store.ReplaceActiveSession(ctx, session); err != nil {
			log.Printf("session cache write error agent=%s: %v", session.AgentID, err)
		}
	}

	log.Printf("recovered %d active sessions from event log", len(sessions))
	return nil
}

func (t *Tracker) Location() *time.Location { return t.loc }

func (t *Tracker) Registry() *breaktypes.Registry { return t.registry }

func (t *Tracker) agentLock(agentID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	lock, ok := t.locks[agentID]
	if !ok {
		lock = &sync.Mutex{}
		t.locks[agentID] = lock
	}
	return lock
}

func (t *Tracker) getSession(agentID string) (models.ActiveSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	session, ok := t.sessions[agentID]
	return session, ok
}

func (t *Tracker) setSession(session models.ActiveSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[session.AgentID] = session
}

func (t *Tracker) deleteSession(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, agentID)
}

func (t *Tracker) apply(ctx context.Context, event models.BreakEvent) {
	if t.applier == nil {
		return
	}
	// At-least-once: a failed apply is healed by the next BACK for the same
	// agent and date, or by an explicit rebuild.
	if err := t.applier.Apply(ctx, event); err != nil {
		log.Printf("aggregate apply error event=%s: %v", event.EventID, err)
	}
}

func (t *Tracker) publish(eventType string, payload interface{}) {
	if t.publisher == nil {
		return
	}
	t.publisher.Publish(eventType, payload)
}

func (t *Tracker) project(session models.ActiveSession, displayName string, now time.Time) models.ActiveBreak {
	breakType, _ := t.registry.Get(session.BreakTypeCode)
	elapsed := compliance.Elapsed(session.StartedAt, now)
	overdue := breakType.LimitMinutes != nil && elapsed > float64(*breakType.LimitMinutes)
	projected := models.ActiveBreak{
		AgentID:        session.AgentID,
		DisplayName:    displayName,
		BreakTypeCode:  session.BreakTypeCode,
		BreakTypeName:  breakType.DisplayName,
		StartedAt:      session.StartedAt,
		Reason:         session.Reason,
		ElapsedMinutes: elapsed,
		Overdue:        overdue,
		AlertSent:      session.AlertSent,
	}
	if overdue {
		projected.OverMinutes = elapsed - float64(*breakType.LimitMinutes)
	}
	return projected
}

func (t *Tracker) projectAt(ctx context.Context, session models.ActiveSession, now time.Time) models.ActiveBreak {
	displayName := session.AgentID
	if agent, ok, err := t.store.GetAgent(ctx, session.AgentID); err == nil && ok {
		displayName = agent.DisplayName
	}
	return t.project(session, displayName, now)
}
