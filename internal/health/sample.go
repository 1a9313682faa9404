// Package health runs the independent probe loop against the active
// session and classifies it as healthy, degrading, or stale.
package health

import "time"

// SampleStatus is the outcome of one probe.
type SampleStatus string

const (
	StatusOK      SampleStatus = "ok"
	StatusTimeout SampleStatus = "timeout"
	StatusError   SampleStatus = "error"
)

// Sample is one probe result. Samples are kept in a bounded ring; nothing
// is persisted.
type Sample struct {
	At     time.Time     `json:"at"`
	RTT    time.Duration `json:"rtt"`
	Status SampleStatus  `json:"status"`
}

// Verdict is a health signal delivered to the session manager. Both
// verdicts arrive through the same SignalFunc so the manager does not
// need to distinguish their origin.
type Verdict int

const (
	// VerdictDegrading means consecutive probe failures crossed the threshold.
	VerdictDegrading Verdict = iota
	// VerdictStale means market data stopped flowing even though the
	// transport may look healthy.
	VerdictStale
)

func (v Verdict) String() string {
	switch v {
	case VerdictDegrading:
		return "degrading"
	case VerdictStale:
		return "stale"
	default:
		return "unknown"
	}
}

// SignalFunc receives health verdicts. Called from the monitor goroutine;
// implementations must not block.
type SignalFunc func(Verdict)

// Report is an immutable snapshot of monitor state for the ops server.
type Report struct {
	Samples             []Sample      `json:"samples"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	ConsecutiveHealthy  int           `json:"consecutive_healthy"`
	LastDataAt          time.Time     `json:"last_data_at"`
	DataAge             time.Duration `json:"data_age"`
}
