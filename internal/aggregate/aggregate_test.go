package aggregate

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/adimStrong/csr-breaktime/internal/breaktypes"
	"github.com/adimStrong/csr-breaktime/internal/models"
	"github.com/adimStrong/csr-breaktime/internal/store/memory"
)

func floatPtr(v float64) *float64 { return &v }

func newAggregator(st *memory.Store) *Aggregator {
	return New(st, breaktypes.Defaults(), time.UTC, nil)
}

func makeEvent(agentID, code, action string, at time.Time, duration *float64) models.BreakEvent {
	return models.BreakEvent{
		EventID:         uuid.NewString(),
		AgentID:         agentID,
		BreakTypeCode:   code,
		Action:          action,
		OccurredAt:      at,
		LogDate:         models.DateOf(at, time.UTC),
		DurationMinutes: duration,
	}
}

// appendAndApply mirrors the tracker's path: log first, fold second.
func appendAndApply(t *testing.T, st *memory.Store, agg *Aggregator, event models.BreakEvent) {
	t.Helper()
	ctx := context.Background()
	if err := st.AppendEvent(ctx, event); err != nil {
		t.Fatal(err)
	}
	if err := agg.Apply(ctx, event); err != nil {
		t.Fatal(err)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	st := memory.New()
	agg := newAggregator(st)
	ctx := context.Background()

	at := time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)
	event := makeEvent("agent-1", "B", models.ActionOut, at, nil)
	appendAndApply(t, st, agg, event)

	// Redelivery of the same event must not double-count.
	if err := agg.Apply(ctx, event); err != nil {
		t.Fatalf("reapply: %v", err)
	}

	metrics, err := st.ListHourly(ctx, "2026-03-02")
	if err != nil {
		t.Fatal(err)
	}
	if len(metrics) != 1 || metrics[0].Hour != 10 || metrics[0].BreakOuts != 1 || metrics[0].BreakBacks != 0 {
		t.Fatalf("hourly after reapply: %+v", metrics)
	}
}

type flakyHourlyStore struct {
	*memory.Store
	fail bool
}

func (f *flakyHourlyStore) ApplyHourly(ctx context.Context, eventID, date string, hour, outs, backs int) (bool, error) {
	if f.fail {
		return false, errors.New("connection reset")
	}
	return f.Store.ApplyHourly(ctx, eventID, date, hour, outs, backs)
}

func TestApplyRetriesAfterHourlyFailure(t *testing.T) {
	st := &flakyHourlyStore{Store: memory.New(), fail: true}
	agg := New(st, breaktypes.Defaults(), time.UTC, nil)
	ctx := context.Background()

	at := time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)
	event := makeEvent("agent-1", "B", models.ActionOut, at, nil)
	if err := st.AppendEvent(ctx, event); err != nil {
		t.Fatal(err)
	}
	if err := agg.Apply(ctx, event); err == nil {
		t.Fatal("Apply should fail while the store is down")
	}

	// A failed apply must leave the event unconsumed: redelivery after the
	// store recovers lands the increment exactly once.
	st.fail = false
	if err := agg.Apply(ctx, event); err != nil {
		t.Fatalf("reapply after recovery: %v", err)
	}
	metrics, err := st.ListHourly(ctx, "2026-03-02")
	if err != nil {
		t.Fatal(err)
	}
	if len(metrics) != 1 || metrics[0].Hour != 10 || metrics[0].BreakOuts != 1 {
		t.Fatalf("hourly after retry = %+v, want one OUT in hour 10", metrics)
	}

	if err := agg.Apply(ctx, event); err != nil {
		t.Fatalf("second reapply: %v", err)
	}
	metrics, _ = st.ListHourly(ctx, "2026-03-02")
	if len(metrics) != 1 || metrics[0].BreakOuts != 1 {
		t.Fatalf("hourly after duplicate delivery = %+v, want unchanged", metrics)
	}
}

func TestDailySummaryFold(t *testing.T) {
	st := memory.New()
	agg := newAggregator(st)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	// A compliant 25 min Break, a 12 min WC (7 over its 5 min limit, not
	// counted in total_duration), and an unmatched OUT.
	appendAndApply(t, st, agg, makeEvent("agent-1", "B", models.ActionOut, base, nil))
	appendAndApply(t, st, agg, makeEvent("agent-1", "B", models.ActionBack, base.Add(25*time.Minute), floatPtr(25)))
	appendAndApply(t, st, agg, makeEvent("agent-1", "W", models.ActionOut, base.Add(time.Hour), nil))
	appendAndApply(t, st, agg, makeEvent("agent-1", "W", models.ActionBack, base.Add(time.Hour+12*time.Minute), floatPtr(12)))
	appendAndApply(t, st, agg, makeEvent("agent-1", "P", models.ActionOut, base.Add(2*time.Hour), nil))

	summary, found, err := st.GetDailySummary(ctx, "agent-1", "2026-03-02")
	if err != nil || !found {
		t.Fatalf("summary missing: found=%v err=%v", found, err)
	}

	if summary.TotalBreaks != 2 {
		t.Errorf("TotalBreaks = %d, want 2", summary.TotalBreaks)
	}
	if summary.TotalDuration != 25 {
		t.Errorf("TotalDuration = %v, want 25 (WC excluded)", summary.TotalDuration)
	}
	if summary.TotalDurationAll != 37 {
		t.Errorf("TotalDurationAll = %v, want 37", summary.TotalDurationAll)
	}
	if summary.BreaksWithinLimit != 1 || summary.BreaksOverLimit != 1 {
		t.Errorf("within=%d over=%d, want 1/1", summary.BreaksWithinLimit, summary.BreaksOverLimit)
	}
	if summary.ComplianceRate == nil || *summary.ComplianceRate != 50 {
		t.Errorf("ComplianceRate = %v, want 50", summary.ComplianceRate)
	}
	if summary.MaxOverdueMinutes != 7 {
		t.Errorf("MaxOverdueMinutes = %v, want 7", summary.MaxOverdueMinutes)
	}
	if summary.MissingClockBacks != 1 {
		t.Errorf("MissingClockBacks = %d, want 1", summary.MissingClockBacks)
	}

	wc := summary.ByType["W"]
	if wc.Count != 1 || wc.TotalMinutes != 12 || wc.AvgMinutes != 12 {
		t.Errorf("ByType[W] = %+v", wc)
	}
	// Every catalog code is present even with no usage.
	if _, ok := summary.ByType["O"]; !ok {
		t.Error("ByType must include unused catalog codes")
	}
}

func TestDailySummaryNoCompletedBreaks(t *testing.T) {
	st := memory.New()
	agg := newAggregator(st)

	summary := agg.foldDaily("agent-1", "2026-03-02", []models.BreakEvent{
		makeEvent("agent-1", "B", models.ActionOut, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), nil),
	})
	if summary.ComplianceRate != nil {
		t.Fatalf("ComplianceRate = %v, want nil with no completed breaks", *summary.ComplianceRate)
	}
	if summary.MissingClockBacks != 1 {
		t.Fatalf("MissingClockBacks = %d, want 1", summary.MissingClockBacks)
	}
}

func TestHourlyBucketsCrossHourBreak(t *testing.T) {
	st := memory.New()
	agg := newAggregator(st)
	ctx := context.Background()

	out := time.Date(2026, 3, 2, 9, 50, 0, 0, time.UTC)
	back := time.Date(2026, 3, 2, 10, 10, 0, 0, time.UTC)
	appendAndApply(t, st, agg, makeEvent("agent-1", "B", models.ActionOut, out, nil))
	appendAndApply(t, st, agg, makeEvent("agent-1", "B", models.ActionBack, back, floatPtr(20)))

	metrics, err := st.ListHourly(ctx, "2026-03-02")
	if err != nil {
		t.Fatal(err)
	}
	want := []models.HourlyMetric{
		{Date: "2026-03-02", Hour: 9, BreakOuts: 1, BreakBacks: 0},
		{Date: "2026-03-02", Hour: 10, BreakOuts: 0, BreakBacks: 1},
	}
	if !reflect.DeepEqual(metrics, want) {
		t.Fatalf("hourly = %+v, want %+v", metrics, want)
	}
}

func TestRollupTeam(t *testing.T) {
	st := memory.New()
	agg := newAggregator(st)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	appendAndApply(t, st, agg, makeEvent("agent-1", "B", models.ActionOut, base, nil))
	appendAndApply(t, st, agg, makeEvent("agent-1", "B", models.ActionBack, base.Add(20*time.Minute), floatPtr(20)))
	appendAndApply(t, st, agg, makeEvent("agent-2", "B", models.ActionOut, base.Add(10*time.Minute), nil))
	appendAndApply(t, st, agg, makeEvent("agent-2", "B", models.ActionBack, base.Add(48*time.Minute), floatPtr(38)))
	appendAndApply(t, st, agg, makeEvent("agent-2", "W", models.ActionOut, base.Add(3*time.Hour), nil))
	appendAndApply(t, st, agg, makeEvent("agent-2", "W", models.ActionBack, base.Add(3*time.Hour+4*time.Minute), floatPtr(4)))

	team, err := agg.RollupTeam(ctx, "2026-03-02")
	if err != nil {
		t.Fatalf("RollupTeam: %v", err)
	}
	if team.Agents != 2 || team.TotalBreaks != 3 {
		t.Fatalf("agents=%d breaks=%d, want 2/3", team.Agents, team.TotalBreaks)
	}
	if team.TotalDuration != 58 || team.TotalDurationAll != 62 {
		t.Fatalf("duration=%v all=%v, want 58/62", team.TotalDuration, team.TotalDurationAll)
	}
	if team.ComplianceRate == nil || *team.ComplianceRate != 66.7 {
		t.Fatalf("ComplianceRate = %v, want 66.7", team.ComplianceRate)
	}
	// Two OUTs land in hour 9, one in hour 12.
	if team.PeakHour == nil || *team.PeakHour != 9 || team.PeakHourBreaks != 2 {
		t.Fatalf("peak = %v/%d, want 9/2", team.PeakHour, team.PeakHourBreaks)
	}

	stored, found, err := st.GetTeamSummary(ctx, "2026-03-02")
	if err != nil || !found {
		t.Fatalf("team summary not persisted: found=%v err=%v", found, err)
	}
	if !reflect.DeepEqual(stored, team) {
		t.Fatalf("stored %+v != returned %+v", stored, team)
	}
}

func TestRebuildDateMatchesIncremental(t *testing.T) {
	st := memory.New()
	agg := newAggregator(st)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	events := []models.BreakEvent{
		makeEvent("agent-1", "B", models.ActionOut, base, nil),
		makeEvent("agent-1", "B", models.ActionBack, base.Add(31*time.Minute), floatPtr(31)),
		makeEvent("agent-2", "P", models.ActionOut, base.Add(time.Hour), nil),
		makeEvent("agent-2", "P", models.ActionBack, base.Add(time.Hour+8*time.Minute), floatPtr(8)),
		makeEvent("agent-1", "O", models.ActionOut, base.Add(2*time.Hour), nil),
		makeEvent("agent-1", "O", models.ActionBack, base.Add(2*time.Hour+50*time.Minute), floatPtr(50)),
	}
	for _, event := range events {
		appendAndApply(t, st, agg, event)
	}
	if _, err := agg.RollupTeam(ctx, "2026-03-02"); err != nil {
		t.Fatal(err)
	}

	incrementalDaily, _, _ := st.GetDailySummary(ctx, "agent-1", "2026-03-02")
	incrementalTeam, _, _ := st.GetTeamSummary(ctx, "2026-03-02")
	incrementalHourly, _ := st.ListHourly(ctx, "2026-03-02")

	// A rebuild over the same log must land on identical aggregates.
	if err := agg.RebuildDate(ctx, "2026-03-02"); err != nil {
		t.Fatalf("RebuildDate: %v", err)
	}

	rebuiltDaily, _, _ := st.GetDailySummary(ctx, "agent-1", "2026-03-02")
	rebuiltTeam, _, _ := st.GetTeamSummary(ctx, "2026-03-02")
	rebuiltHourly, _ := st.ListHourly(ctx, "2026-03-02")

	if !reflect.DeepEqual(incrementalDaily, rebuiltDaily) {
		t.Errorf("daily diverged:\nincremental %+v\nrebuilt     %+v", incrementalDaily, rebuiltDaily)
	}
	if !reflect.DeepEqual(incrementalTeam, rebuiltTeam) {
		t.Errorf("team diverged:\nincremental %+v\nrebuilt     %+v", incrementalTeam, rebuiltTeam)
	}
	if !reflect.DeepEqual(incrementalHourly, rebuiltHourly) {
		t.Errorf("hourly diverged:\nincremental %+v\nrebuilt     %+v", incrementalHourly, rebuiltHourly)
	}
}

type alertRecorder struct {
	events []string
}

func (r *alertRecorder) Publish(eventType string, payload interface{}) {
	r.events = append(r.events, eventType)
}

func TestEndOfDay(t *testing.T) {
	st := memory.New()
	recorder := &alertRecorder{}
	agg := New(st, breaktypes.Defaults(), time.UTC, recorder)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	appendAndApply(t, st, agg, makeEvent("agent-1", "B", models.ActionOut, base, nil))
	appendAndApply(t, st, agg, makeEvent("agent-1", "B", models.ActionBack, base.Add(20*time.Minute), floatPtr(20)))

	open := []models.ActiveBreak{{
		AgentID:       "agent-2",
		DisplayName:   "Bob",
		BreakTypeCode: "B",
		BreakTypeName: "Break",
		StartedAt:     base.Add(12 * time.Hour),
	}}
	midnight := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	if err := agg.EndOfDay(ctx, "2026-03-02", open, midnight); err != nil {
		t.Fatalf("EndOfDay: %v", err)
	}

	alerts, err := st.ListAlertsForDate(ctx, "2026-03-02")
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 2 {
		t.Fatalf("alerts = %d, want missing_back + daily_summary", len(alerts))
	}
	if alerts[0].Kind != models.AlertMissingBack || alerts[0].AgentID != "agent-2" {
		t.Fatalf("first alert = %+v", alerts[0])
	}
	if alerts[1].Kind != models.AlertDailySummary {
		t.Fatalf("second alert = %+v", alerts[1])
	}
	if len(recorder.events) != 2 {
		t.Fatalf("published %d events, want 2", len(recorder.events))
	}
}
