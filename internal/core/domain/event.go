package domain

import "time"

// TriggerReason says why capital-preservation mode was entered.
type TriggerReason string

const (
	TriggerConnectionExhausted  TriggerReason = "connection_exhausted"
	TriggerDataStale            TriggerReason = "data_stale"
	TriggerAuthenticationFailed TriggerReason = "authentication_failed"
	TriggerManualOverride       TriggerReason = "manual_override"
)

// DegradationEvent records one entry into, and optionally exit from,
// capital-preservation mode. An event with nil RecoveredAt is open and
// vetoes all order-submitting action.
type DegradationEvent struct {
	ID          string        `json:"id"`
	Reason      TriggerReason `json:"reason"`
	Detail      string        `json:"detail,omitempty"`
	EnteredAt   time.Time     `json:"entered_at"`
	RecoveredAt *time.Time    `json:"recovered_at,omitempty"`
}

// Open reports whether the event is still in force.
func (e *DegradationEvent) Open() bool {
	return e.RecoveredAt == nil
}
