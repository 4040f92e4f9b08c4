// Package scanner drives the recurring overdue check. Each tick reads the
// tracker's live snapshot, re-confirms candidate sessions under the same
// per-agent serialization used by lifecycle calls, and emits de-duplicated
// overdue alerts. Ticks run synchronously and never overlap; when a tick
// overruns the interval, the ticker drops the missed fires and the overrun
// is logged (skip semantics, no backlog).
package scanner

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/adimStrong/csr-breaktime/internal/compliance"
	"github.com/adimStrong/csr-breaktime/internal/engine"
	"github.com/adimStrong/csr-breaktime/internal/models"
	"github.com/adimStrong/csr-breaktime/internal/store"
)

var (
	scanTicks    = expvar.NewInt("scan_ticks_total")
	alertsRaised = expvar.NewInt("alerts_raised_total")
	scanFailures = expvar.NewInt("scan_failures_total")
)

type Config struct {
	Interval time.Duration
	// RealertInterval enables escalation when positive: an already alerted
	// session is alerted again each time this much time has passed since the
	// last alert. Zero keeps the default at-most-one-alert-per-session policy.
	RealertInterval time.Duration
	// DegradedAfter is the number of consecutive failed ticks before the
	// scanner raises a degraded-mode signal. Zero disables the signal.
	DegradedAfter int
	Now           func() time.Time
}

type Scanner struct {
	tracker   *engine.Tracker
	store     store.Store
	publisher engine.Publisher
	cfg       Config
	now       func() time.Time

	consecutiveFailures int
	degraded            bool
}

func New(tracker *engine.Tracker, st store.Store, publisher engine.Publisher, cfg Config) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().In(tracker.Location()) }
	}
	return &Scanner{tracker: tracker, store: st, publisher: publisher, cfg: cfg, now: now}
}

// Run blocks until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			started := s.now()
			if err := s.Tick(ctx); err != nil {
				log.Printf("scan tick error: %v", err)
			}
			if elapsed := s.now().Sub(started); elapsed > s.cfg.Interval {
				log.Printf("scan tick overran interval: took %s, skipping missed ticks", elapsed)
			}
		}
	}
}

// Tick performs one scan. Per-agent evaluation errors are isolated; the
// returned error reflects store-level failure of the tick as a whole and is
// retried on the next tick rather than escalated immediately.
func (s *Scanner) Tick(ctx context.Context) error {
	scanTicks.Add(1)
	now := s.now()

	var tickErr error
	for _, active := range s.tracker.ActiveBreaks(ctx) {
		if !active.Overdue {
			continue
		}
		severity := compliance.Severity(active.OverMinutes)
		if severity == "" {
			// Minor overage, surfaced in the snapshot but not alerted.
			continue
		}

		// Re-check under the agent lock so a concurrent EndBreak wins. The
		// insert runs before the bookkeeping flips: a failed insert leaves
		// the session unmarked so the next tick retries it.
		var alert models.ComplianceAlert
		raised, err := s.tracker.RaiseAlert(ctx, active.AgentID, active.StartedAt, now, s.cfg.RealertInterval,
			func(session models.ActiveSession) error {
				alert = s.buildAlert(active, session, severity, now)
				return s.store.InsertAlert(ctx, alert)
			})
		if err != nil {
			log.Printf("alert insert error agent=%s: %v", active.AgentID, err)
			tickErr = fmt.Errorf("insert alert: %w", err)
			continue
		}
		if !raised {
			continue
		}
		alertsRaised.Add(1)
		log.Printf("overdue alert agent=%s type=%s over=%.1fmin severity=%s",
			active.AgentID, active.BreakTypeCode, active.OverMinutes, severity)
		if s.publisher != nil {
			s.publisher.Publish(engine.EventAlertRaised, alert)
		}
	}

	s.trackHealth(tickErr)
	return tickErr
}

func (s *Scanner) buildAlert(active models.ActiveBreak, session models.ActiveSession, severity string, now time.Time) models.ComplianceAlert {
	// Overdue implies the type has a limit.
	limit, _ := s.registryLimit(active.BreakTypeCode)
	message := fmt.Sprintf("%s is %.0f minutes over the %d min limit for %s",
		active.DisplayName, active.OverMinutes, limit, active.BreakTypeName)
	return models.ComplianceAlert{
		AlertID:         uuid.NewString(),
		AgentID:         active.AgentID,
		DisplayName:     active.DisplayName,
		BreakTypeCode:   active.BreakTypeCode,
		Kind:            models.AlertOverdue,
		Severity:        severity,
		RaisedAt:        now,
		LogDate:         models.DateOf(now, s.tracker.Location()),
		SessionStart:    session.StartedAt,
		DurationMinutes: active.ElapsedMinutes,
		OverMinutes:     active.OverMinutes,
		Message:         message,
	}
}

func (s *Scanner) registryLimit(code string) (int, bool) {
	bt, ok := s.tracker.Registry().Get(code)
	if !ok || bt.LimitMinutes == nil {
		return 0, false
	}
	return *bt.LimitMinutes, true
}

func (s *Scanner) trackHealth(tickErr error) {
	if tickErr == nil {
		if s.degraded {
			log.Printf("scanner recovered after %d failed ticks", s.consecutiveFailures)
		}
		s.consecutiveFailures = 0
		s.degraded = false
		return
	}
	scanFailures.Add(1)
	s.consecutiveFailures++
	if s.cfg.DegradedAfter > 0 && s.consecutiveFailures >= s.cfg.DegradedAfter && !s.degraded {
		s.degraded = true
		log.Printf("scanner degraded: %d consecutive failed ticks", s.consecutiveFailures)
		if s.publisher != nil {
			s.publisher.Publish(engine.EventDegraded, map[string]interface{}{
				"consecutive_failures": s.consecutiveFailures,
			})
		}
	}
}

// Degraded reports whether the scanner is currently in degraded mode.
func (s *Scanner) Degraded() bool { return s.degraded }
