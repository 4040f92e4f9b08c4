package engine

import "errors"

var (
	ErrAlreadyOnBreak        = errors.New("agent already on break")
	ErrNotOnBreak            = errors.New("agent not on break")
	ErrUnknownBreakType      = errors.New("unknown break type")
	ErrReasonRequired        = errors.New("reason required")
	ErrInvalidTiming         = errors.New("invalid timing")
	ErrStoreUnavailable      = errors.New("store unavailable")
	ErrRecoveryInconsistency = errors.New("recovery inconsistency")
)
