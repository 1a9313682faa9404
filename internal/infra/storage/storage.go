// Package storage defines the persistence surface for the audit journal.
package storage

import (
	"context"
	"time"

	"github.com/vietddude/gwcore/internal/core/domain"
)

// EventJournal records session transitions and degradation events for
// audit. The core never reads the journal on its hot path; failures to
// append are logged, not fatal.
type EventJournal interface {
	// AppendStateChange records one session state transition.
	AppendStateChange(ctx context.Context, ev domain.StateChange) error

	// AppendDegradation records entry into capital-preservation mode.
	AppendDegradation(ctx context.Context, ev *domain.DegradationEvent) error

	// MarkRecovered closes a degradation event.
	MarkRecovered(ctx context.Context, id string, at time.Time) error

	// RecentDegradations lists the most recent degradation events,
	// newest first.
	RecentDegradations(ctx context.Context, limit int) ([]domain.DegradationEvent, error)

	// Close releases underlying resources.
	Close() error
}
