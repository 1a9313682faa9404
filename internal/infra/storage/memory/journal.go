// Package memory provides an in-memory journal for deployments without a
// database.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/gwcore/internal/core/domain"
)

const maxEntries = 1000

// Journal keeps a bounded in-memory record of events.
type Journal struct {
	mu           sync.Mutex
	transitions  []domain.StateChange
	degradations []domain.DegradationEvent
}

// NewJournal creates an empty in-memory journal.
func NewJournal() *Journal {
	return &Journal{}
}

// AppendStateChange records one session state transition.
func (j *Journal) AppendStateChange(ctx context.Context, ev domain.StateChange) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.transitions = append(j.transitions, ev)
	if len(j.transitions) > maxEntries {
		j.transitions = j.transitions[len(j.transitions)-maxEntries:]
	}
	return nil
}

// AppendDegradation records entry into capital-preservation mode.
func (j *Journal) AppendDegradation(ctx context.Context, ev *domain.DegradationEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.degradations = append(j.degradations, *ev)
	if len(j.degradations) > maxEntries {
		j.degradations = j.degradations[len(j.degradations)-maxEntries:]
	}
	return nil
}

// MarkRecovered closes a degradation event.
func (j *Journal) MarkRecovered(ctx context.Context, id string, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := range j.degradations {
		if j.degradations[i].ID == id {
			t := at
			j.degradations[i].RecoveredAt = &t
		}
	}
	return nil
}

// RecentDegradations lists the most recent degradation events, newest first.
func (j *Journal) RecentDegradations(
	ctx context.Context,
	limit int,
) ([]domain.DegradationEvent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	n := len(j.degradations)
	if limit > n {
		limit = n
	}
	out := make([]domain.DegradationEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, j.degradations[i])
	}
	return out, nil
}

// Close is a no-op for the in-memory journal.
func (j *Journal) Close() error { return nil }
