// Package compliance holds the pure limit arithmetic shared by the session
// tracker, the overdue scanner, and the aggregator.
package compliance

import (
	"math"
	"time"

	"github.com/adimStrong/csr-breaktime/internal/models"
)

// Severity thresholds in minutes over the limit.
const (
	WarningOverMinutes  = 5
	CriticalOverMinutes = 15
)

// Elapsed returns the minutes between start and now, rounded to one decimal.
func Elapsed(start, now time.Time) float64 {
	return math.Round(now.Sub(start).Minutes()*10) / 10
}

// IsWithinLimit reports whether a completed duration complies with the break
// type's limit. Types without a limit are always compliant.
func IsWithinLimit(bt models.BreakType, minutes float64) bool {
	if bt.LimitMinutes == nil {
		return true
	}
	return minutes <= float64(*bt.LimitMinutes)
}

// OverMinutes returns how far past the limit a duration is, or 0 when the
// type has no limit or the duration complies.
func OverMinutes(bt models.BreakType, minutes float64) float64 {
	if bt.LimitMinutes == nil {
		return 0
	}
	over := minutes - float64(*bt.LimitMinutes)
	if over <= 0 {
		return 0
	}
	return math.Round(over*10) / 10
}

// Rate returns the compliance percentage, or nil when no breaks completed.
func Rate(within, over int) *float64 {
	total := within + over
	if total == 0 {
		return nil
	}
	rate := math.Round(1000*float64(within)/float64(total)) / 10
	return &rate
}

// Severity classifies an overage. Overages under the warning threshold return
// an empty string and should not raise an alert.
func Severity(overMinutes float64) string {
	switch {
	case overMinutes >= CriticalOverMinutes:
		return models.SeverityCritical
	case overMinutes >= WarningOverMinutes:
		return models.SeverityWarning
	default:
		return ""
	}
}
