package models

import "time"

const (
	ActionOut  = "OUT"
	ActionBack = "BACK"
)

const (
	AlertOverdue      = "overdue"
	AlertMissingBack  = "missing_back"
	AlertDailySummary = "daily_summary"
)

const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// DateFormat is the wire format for log dates (engine timezone, not UTC).
const DateFormat = "2006-01-02"

func DateOf(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateFormat)
}

func HourOf(t time.Time, loc *time.Location) int {
	return t.In(loc).Hour()
}

type Agent struct {
	AgentID      string    `json:"agent_id"`
	DisplayName  string    `json:"display_name"`
	Active       bool      `json:"active"`
	LastActiveAt time.Time `json:"last_active_at"`
}

type BreakType struct {
	Code           string `json:"code" yaml:"code"`
	DisplayName    string `json:"display_name" yaml:"display_name"`
	LimitMinutes   *int   `json:"limit_minutes,omitempty" yaml:"limit_minutes"`
	RequiresReason bool   `json:"requires_reason" yaml:"requires_reason"`
	CountsInTotal  bool   `json:"counts_in_total" yaml:"counts_in_total"`
}

type BreakEvent struct {
	EventID         string    `json:"event_id"`
	AgentID         string    `json:"agent_id"`
	BreakTypeCode   string    `json:"break_type"`
	Action          string    `json:"action"`
	OccurredAt      time.Time `json:"occurred_at"`
	LogDate         string    `json:"log_date"`
	Reason          string    `json:"reason,omitempty"`
	DurationMinutes *float64  `json:"duration_minutes,omitempty"`
}

type ActiveSession struct {
	AgentID       string     `json:"agent_id"`
	BreakTypeCode string     `json:"break_type"`
	StartedAt     time.Time  `json:"started_at"`
	Reason        string     `json:"reason,omitempty"`
	AlertSent     bool       `json:"alert_sent"`
	LastAlertAt   *time.Time `json:"last_alert_at,omitempty"`
}

// ActiveBreak is the read-only projection returned by the tracker snapshot.
type ActiveBreak struct {
	AgentID        string    `json:"agent_id"`
	DisplayName    string    `json:"display_name"`
	BreakTypeCode  string    `json:"break_type"`
	BreakTypeName  string    `json:"break_type_name"`
	StartedAt      time.Time `json:"started_at"`
	Reason         string    `json:"reason,omitempty"`
	ElapsedMinutes float64   `json:"elapsed_minutes"`
	Overdue        bool      `json:"overdue"`
	OverMinutes    float64   `json:"over_minutes,omitempty"`
	AlertSent      bool      `json:"alert_sent"`
}

type TypeTotal struct {
	Count        int     `json:"count"`
	TotalMinutes float64 `json:"total_minutes"`
	AvgMinutes   float64 `json:"avg_minutes"`
}

type DailySummary struct {
	AgentID           string               `json:"agent_id"`
	Date              string               `json:"date"`
	ByType            map[string]TypeTotal `json:"by_type"`
	TotalBreaks       int                  `json:"total_breaks"`
	TotalDuration     float64              `json:"total_duration"`
	TotalDurationAll  float64              `json:"total_duration_all"`
	BreaksWithinLimit int                  `json:"breaks_within_limit"`
	BreaksOverLimit   int                  `json:"breaks_over_limit"`
	ComplianceRate    *float64             `json:"compliance_rate"`
	MaxOverdueMinutes float64              `json:"max_overdue_minutes"`
	MissingClockBacks int                  `json:"missing_clock_backs"`
}

type TeamDailySummary struct {
	Date              string   `json:"date"`
	Agents            int      `json:"agents"`
	TotalBreaks       int      `json:"total_breaks"`
	TotalDuration     float64  `json:"total_duration"`
	TotalDurationAll  float64  `json:"total_duration_all"`
	BreaksWithinLimit int      `json:"breaks_within_limit"`
	BreaksOverLimit   int      `json:"breaks_over_limit"`
	ComplianceRate    *float64 `json:"compliance_rate"`
	PeakHour          *int     `json:"peak_hour,omitempty"`
	PeakHourBreaks    int      `json:"peak_hour_breaks"`
}

type HourlyMetric struct {
	Date       string `json:"date"`
	Hour       int    `json:"hour"`
	BreakOuts  int    `json:"break_outs"`
	BreakBacks int    `json:"break_backs"`
}

type ComplianceAlert struct {
	AlertID         string    `json:"alert_id"`
	AgentID         string    `json:"agent_id"`
	DisplayName     string    `json:"display_name"`
	BreakTypeCode   string    `json:"break_type"`
	Kind            string    `json:"kind"`
	Severity        string    `json:"severity"`
	RaisedAt        time.Time `json:"raised_at"`
	LogDate         string    `json:"log_date"`
	SessionStart    time.Time `json:"session_start"`
	DurationMinutes float64   `json:"duration_minutes"`
	OverMinutes     float64   `json:"over_minutes"`
	Message         string    `json:"message"`
}
