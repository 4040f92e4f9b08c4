package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/adimStrong/csr-breaktime/internal/breaktypes"
	"github.com/adimStrong/csr-breaktime/internal/models"
	"github.com/adimStrong/csr-breaktime/internal/store/memory"
)

type capturedEvent struct {
	Type    string
	Payload interface{}
}

type capturePublisher struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (p *capturePublisher) Publish(eventType string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, capturedEvent{Type: eventType, Payload: payload})
}

func (p *capturePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.Type)
	}
	return out
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestTracker(t *testing.T) (*Tracker, *memory.Store, *clock, *capturePublisher) {
	t.Helper()
	st := memory.New()
	clk := &clock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	pub := &capturePublisher{}
	tracker := NewTracker(st, breaktypes.Defaults(), Options{
		Publisher: pub,
		Location:  time.UTC,
		Now:       clk.now,
	})
	return tracker, st, clk, pub
}

func TestStartEndBreak(t *testing.T) {
	tracker, st, clk, pub := newTestTracker(t)
	ctx := context.Background()

	session, err := tracker.StartBreak(ctx, StartBreakInput{
		AgentID:     "agent-1",
		DisplayName: "Alice",
		BreakType:   "b",
	})
	if err != nil {
		t.Fatalf("StartBreak: %v", err)
	}
	if session.BreakTypeCode != "B" {
		t.Fatalf("break type = %s, want B", session.BreakTypeCode)
	}
	if !session.StartedAt.Equal(clk.now()) {
		t.Fatalf("started at %v, want %v", session.StartedAt, clk.now())
	}

	clk.advance(22*time.Minute + 30*time.Second)
	event, err := tracker.EndBreak(ctx, EndBreakInput{AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("EndBreak: %v", err)
	}
	if event.DurationMinutes == nil || *event.DurationMinutes != 22.5 {
		t.Fatalf("duration = %v, want 22.5", event.DurationMinutes)
	}
	if event.Action != models.ActionBack {
		t.Fatalf("action = %s, want BACK", event.Action)
	}

	events, err := st.ListEventsForAgentDate(ctx, "agent-1", "2026-03-02")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Action != models.ActionOut || events[1].Action != models.ActionBack {
		t.Fatalf("unexpected log contents: %+v", events)
	}

	types := pub.types()
	if len(types) != 2 || types[0] != EventBreakStarted || types[1] != EventBreakEnded {
		t.Fatalf("published %v", types)
	}
	if len(tracker.ActiveBreaks(ctx)) != 0 {
		t.Fatal("session should be gone after EndBreak")
	}
}

func TestStartBreakAlreadyOnBreak(t *testing.T) {
	tracker, _, _, _ := newTestTracker(t)
	ctx := context.Background()

	if _, err := tracker.StartBreak(ctx, StartBreakInput{AgentID: "agent-1", BreakType: "B"}); err != nil {
		t.Fatal(err)
	}
	_, err := tracker.StartBreak(ctx, StartBreakInput{AgentID: "agent-1", BreakType: "W"})
	if !errors.Is(err, ErrAlreadyOnBreak) {
		t.Fatalf("err = %v, want ErrAlreadyOnBreak", err)
	}
}

func TestEndBreakNotOnBreak(t *testing.T) {
	tracker, _, _, _ := newTestTracker(t)
	_, err := tracker.EndBreak(context.Background(), EndBreakInput{AgentID: "agent-1"})
	if !errors.Is(err, ErrNotOnBreak) {
		t.Fatalf("err = %v, want ErrNotOnBreak", err)
	}
}

func TestStartBreakUnknownType(t *testing.T) {
	tracker, _, _, _ := newTestTracker(t)
	_, err := tracker.StartBreak(context.Background(), StartBreakInput{AgentID: "agent-1", BreakType: "X"})
	if !errors.Is(err, ErrUnknownBreakType) {
		t.Fatalf("err = %v, want ErrUnknownBreakType", err)
	}
}

func TestStartBreakReasonRequired(t *testing.T) {
	tracker, _, _, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tracker.StartBreak(ctx, StartBreakInput{AgentID: "agent-1", BreakType: "O", Reason: "   "})
	if !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("err = %v, want ErrReasonRequired", err)
	}
	if _, err := tracker.StartBreak(ctx, StartBreakInput{AgentID: "agent-1", BreakType: "O", Reason: "coaching"}); err != nil {
		t.Fatalf("StartBreak with reason: %v", err)
	}
}

func TestEndBreakInvalidTiming(t *testing.T) {
	tracker, st, clk, _ := newTestTracker(t)
	ctx := context.Background()

	if _, err := tracker.StartBreak(ctx, StartBreakInput{AgentID: "agent-1", BreakType: "B"}); err != nil {
		t.Fatal(err)
	}
	_, err := tracker.EndBreak(ctx, EndBreakInput{
		AgentID:    "agent-1",
		OccurredAt: clk.now().Add(-time.Minute),
	})
	if !errors.Is(err, ErrInvalidTiming) {
		t.Fatalf("err = %v, want ErrInvalidTiming", err)
	}

	// The session must survive a rejected BACK.
	if len(tracker.ActiveBreaks(ctx)) != 1 {
		t.Fatal("session lost after rejected BACK")
	}
	events, _ := st.ListEventsForAgentDate(ctx, "agent-1", "2026-03-02")
	if len(events) != 1 {
		t.Fatalf("log has %d events, want 1", len(events))
	}
}

type failingStore struct {
	*memory.Store
	failAppend bool
}

func (f *failingStore) AppendEvent(ctx context.Context, event models.BreakEvent) error {
	if f.failAppend {
		return errors.New("disk full")
	}
	return f.Store.AppendEvent(ctx, event)
}

func TestStartBreakStoreUnavailable(t *testing.T) {
	st := &failingStore{Store: memory.New(), failAppend: true}
	tracker := NewTracker(st, breaktypes.Defaults(), Options{Location: time.UTC})
	ctx := context.Background()

	_, err := tracker.StartBreak(ctx, StartBreakInput{AgentID: "agent-1", BreakType: "B"})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
	// No session may exist when the OUT never reached the log.
	if len(tracker.ActiveBreaks(ctx)) != 0 {
		t.Fatal("session created despite append failure")
	}

	st.failAppend = false
	if _, err := tracker.StartBreak(ctx, StartBreakInput{AgentID: "agent-1", BreakType: "B"}); err != nil {
		t.Fatalf("StartBreak after recovery: %v", err)
	}
}

func TestActiveBreaksProjection(t *testing.T) {
	tracker, _, clk, _ := newTestTracker(t)
	ctx := context.Background()

	if _, err := tracker.StartBreak(ctx, StartBreakInput{AgentID: "agent-1", DisplayName: "Alice", BreakType: "W"}); err != nil {
		t.Fatal(err)
	}
	clk.advance(2 * time.Minute)
	if _, err := tracker.StartBreak(ctx, StartBreakInput{AgentID: "agent-2", DisplayName: "Bob", BreakType: "B"}); err != nil {
		t.Fatal(err)
	}
	clk.advance(11 * time.Minute)

	active := tracker.ActiveBreaks(ctx)
	if len(active) != 2 {
		t.Fatalf("active = %d, want 2", len(active))
	}
	// Sorted by start time: agent-1 first.
	first := active[0]
	if first.AgentID != "agent-1" {
		t.Fatalf("first active = %s, want agent-1", first.AgentID)
	}
	if first.ElapsedMinutes != 13 || !first.Overdue || first.OverMinutes != 8 {
		t.Fatalf("projection = %+v, want elapsed 13 overdue by 8", first)
	}
	second := active[1]
	if second.Overdue {
		t.Fatalf("agent-2 at 11 of 30 minutes must not be overdue: %+v", second)
	}
	if second.DisplayName != "Bob" {
		t.Fatalf("display name = %s, want Bob", second.DisplayName)
	}
}

func noPersist(models.ActiveSession) error { return nil }

func TestRaiseAlertOncePerSession(t *testing.T) {
	tracker, _, clk, _ := newTestTracker(t)
	ctx := context.Background()

	session, err := tracker.StartBreak(ctx, StartBreakInput{AgentID: "agent-1", BreakType: "B"})
	if err != nil {
		t.Fatal(err)
	}
	clk.advance(40 * time.Minute)

	if ok, err := tracker.RaiseAlert(ctx, "agent-1", session.StartedAt, clk.now(), 0, noPersist); err != nil || !ok {
		t.Fatalf("first RaiseAlert = %v, %v, want raised", ok, err)
	}
	if ok, _ := tracker.RaiseAlert(ctx, "agent-1", session.StartedAt, clk.now(), 0, noPersist); ok {
		t.Fatal("second RaiseAlert without re-alert policy must be refused")
	}

	// Re-alert policy: eligible again only after the interval.
	clk.advance(3 * time.Minute)
	if ok, _ := tracker.RaiseAlert(ctx, "agent-1", session.StartedAt, clk.now(), 5*time.Minute, noPersist); ok {
		t.Fatal("re-alert before the interval must be refused")
	}
	clk.advance(2 * time.Minute)
	if ok, err := tracker.RaiseAlert(ctx, "agent-1", session.StartedAt, clk.now(), 5*time.Minute, noPersist); err != nil || !ok {
		t.Fatalf("re-alert after the interval = %v, %v, want raised", ok, err)
	}
}

func TestRaiseAlertStaleSession(t *testing.T) {
	tracker, _, clk, _ := newTestTracker(t)
	ctx := context.Background()

	session, err := tracker.StartBreak(ctx, StartBreakInput{AgentID: "agent-1", BreakType: "B"})
	if err != nil {
		t.Fatal(err)
	}
	clk.advance(40 * time.Minute)
	if _, err := tracker.EndBreak(ctx, EndBreakInput{AgentID: "agent-1"}); err != nil {
		t.Fatal(err)
	}

	// The scanner's snapshot is stale now; the re-check must refuse.
	if ok, _ := tracker.RaiseAlert(ctx, "agent-1", session.StartedAt, clk.now(), 0, noPersist); ok {
		t.Fatal("RaiseAlert after EndBreak must be refused")
	}

	// Same for a replacement session with a different start.
	if _, err := tracker.StartBreak(ctx, StartBreakInput{AgentID: "agent-1", BreakType: "B"}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := tracker.RaiseAlert(ctx, "agent-1", session.StartedAt, clk.now(), 0, noPersist); ok {
		t.Fatal("RaiseAlert against a replaced session must be refused")
	}
}

func TestRaiseAlertPersistFailureLeavesEligible(t *testing.T) {
	tracker, _, clk, _ := newTestTracker(t)
	ctx := context.Background()

	session, err := tracker.StartBreak(ctx, StartBreakInput{AgentID: "agent-1", BreakType: "B"})
	if err != nil {
		t.Fatal(err)
	}
	clk.advance(40 * time.Minute)

	boom := errors.New("insert failed")
	ok, err := tracker.RaiseAlert(ctx, "agent-1", session.StartedAt, clk.now(), 0,
		func(models.ActiveSession) error { return boom })
	if ok || !errors.Is(err, boom) {
		t.Fatalf("RaiseAlert = %v, %v, want refused with persist error", ok, err)
	}

	// The bookkeeping must not flip on a failed persist: the session stays
	// eligible and the next attempt raises the alert.
	if active := tracker.ActiveBreaks(ctx); len(active) != 1 || active[0].AlertSent {
		t.Fatalf("session marked alerted despite persist failure: %+v", active)
	}
	persisted := 0
	ok, err = tracker.RaiseAlert(ctx, "agent-1", session.StartedAt, clk.now(), 0,
		func(models.ActiveSession) error { persisted++; return nil })
	if err != nil || !ok {
		t.Fatalf("retry after persist failure = %v, %v, want raised", ok, err)
	}
	if persisted != 1 {
		t.Fatalf("persist ran %d times, want 1", persisted)
	}
}

func TestRecoverRebuildsFromLog(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	loc := time.UTC
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, loc)

	appendEvent := func(agentID, code, action string, at time.Time) {
		t.Helper()
		err := st.AppendEvent(ctx, models.BreakEvent{
			EventID:       uuid.NewString(),
			AgentID:       agentID,
			BreakTypeCode: code,
			Action:        action,
			OccurredAt:    at,
			LogDate:       models.DateOf(at, loc),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	// agent-1 finished a break, agent-2 is still out, agent-3 went out twice.
	appendEvent("agent-1", "B", models.ActionOut, base)
	appendEvent("agent-1", "B", models.ActionBack, base.Add(20*time.Minute))
	appendEvent("agent-2", "W", models.ActionOut, base.Add(30*time.Minute))
	appendEvent("agent-3", "B", models.ActionOut, base.Add(5*time.Minute))
	appendEvent("agent-3", "B", models.ActionBack, base.Add(25*time.Minute))
	appendEvent("agent-3", "P", models.ActionOut, base.Add(40*time.Minute))

	// A stale cache row that the log no longer supports.
	if err := st.ReplaceActiveSession(ctx, models.ActiveSession{AgentID: "agent-1", BreakTypeCode: "B", StartedAt: base}); err != nil {
		t.Fatal(err)
	}

	tracker := NewTracker(st, breaktypes.Defaults(), Options{
		Location: loc,
		Now:      func() time.Time { return base.Add(time.Hour) },
	})
	if err := tracker.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	active := tracker.ActiveBreaks(ctx)
	if len(active) != 2 {
		t.Fatalf("recovered %d sessions, want 2", len(active))
	}
	if active[0].AgentID != "agent-2" || active[0].BreakTypeCode != "W" {
		t.Fatalf("unexpected first recovered session: %+v", active[0])
	}
	if active[1].AgentID != "agent-3" || active[1].BreakTypeCode != "P" {
		t.Fatalf("unexpected second recovered session: %+v", active[1])
	}

	cached, err := st.ListActiveSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, session := range cached {
		if session.AgentID == "agent-1" {
			t.Fatal("stale cache row for agent-1 must be removed")
		}
	}
}

func TestRecoverPreservesAlertBookkeeping(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	now := base.Add(45 * time.Minute)

	first := NewTracker(st, breaktypes.Defaults(), Options{
		Location: time.UTC,
		Now:      func() time.Time { return now },
	})
	session, err := first.StartBreak(ctx, StartBreakInput{AgentID: "agent-1", BreakType: "B", OccurredAt: base})
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := first.RaiseAlert(ctx, "agent-1", session.StartedAt, now, 0, noPersist); err != nil || !ok {
		t.Fatalf("RaiseAlert = %v, %v, want raised", ok, err)
	}

	// A restarted tracker over the same store must carry the alert
	// bookkeeping forward, not alert the same session again.
	second := NewTracker(st, breaktypes.Defaults(), Options{
		Location: time.UTC,
		Now:      func() time.Time { return now },
	})
	if err := second.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	active := second.ActiveBreaks(ctx)
	if len(active) != 1 || !active[0].AlertSent {
		t.Fatalf("recovered session lost alert bookkeeping: %+v", active)
	}
	if ok, _ := second.RaiseAlert(ctx, "agent-1", session.StartedAt, now, 0, noPersist); ok {
		t.Fatal("already-alerted session re-alerted after restart")
	}

	// A fresh session for the same agent starts with clean bookkeeping.
	clkNow := now.Add(time.Minute)
	if _, err := second.EndBreak(ctx, EndBreakInput{AgentID: "agent-1", OccurredAt: clkNow}); err != nil {
		t.Fatal(err)
	}
	replacement, err := second.StartBreak(ctx, StartBreakInput{AgentID: "agent-1", BreakType: "B", OccurredAt: clkNow})
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := second.RaiseAlert(ctx, "agent-1", replacement.StartedAt, clkNow, 0, noPersist); err != nil || !ok {
		t.Fatalf("replacement session RaiseAlert = %v, %v, want raised", ok, err)
	}
}

func TestRecoverUnknownTypeFails(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	err := st.AppendEvent(ctx, models.BreakEvent{
		EventID:       uuid.NewString(),
		AgentID:       "agent-1",
		BreakTypeCode: "Z",
		Action:        models.ActionOut,
		OccurredAt:    at,
		LogDate:       models.DateOf(at, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}

	tracker := NewTracker(st, breaktypes.Defaults(), Options{Location: time.UTC})
	if err := tracker.Recover(ctx); !errors.Is(err, ErrRecoveryInconsistency) {
		t.Fatalf("err = %v, want ErrRecoveryInconsistency", err)
	}
}

func TestConcurrentStartSingleSession(t *testing.T) {
	tracker, st, _, _ := newTestTracker(t)
	ctx := context.Background()

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = tracker.StartBreak(ctx, StartBreakInput{AgentID: "agent-1", BreakType: "B"})
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrAlreadyOnBreak):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("%d starts won, want exactly 1", won)
	}

	events, err := st.ListEventsForAgentDate(ctx, "agent-1", "2026-03-02")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("log has %d OUT events, want 1", len(events))
	}
}

func TestConcurrentStartEndCycles(t *testing.T) {
	tracker, st, _, _ := newTestTracker(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, err := tracker.StartBreak(ctx, StartBreakInput{AgentID: "agent-1", BreakType: "W"}); err != nil {
					continue
				}
				if _, err := tracker.EndBreak(ctx, EndBreakInput{AgentID: "agent-1"}); err != nil {
					t.Errorf("EndBreak after winning StartBreak: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	events, err := st.ListEventsForAgentDate(ctx, "agent-1", "2026-03-02")
	if err != nil {
		t.Fatal(err)
	}
	outs, backs := 0, 0
	for i, event := range events {
		if event.Action == models.ActionOut {
			outs++
		} else {
			backs++
		}
		// The log must strictly alternate for a single agent.
		if i > 0 && events[i-1].Action == event.Action {
			t.Fatalf("log does not alternate at index %d", i)
		}
	}
	if outs != backs {
		t.Fatalf("outs=%d backs=%d, want equal", outs, backs)
	}
}
