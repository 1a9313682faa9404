package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vietddude/gwcore/internal/core/domain"
)

// JournalRepo implements storage.EventJournal using PostgreSQL.
type JournalRepo struct {
	db *DB
}

// NewJournalRepo creates a new PostgreSQL journal repository.
func NewJournalRepo(db *DB) *JournalRepo {
	return &JournalRepo{db: db}
}

// AppendStateChange records one session state transition.
func (r *JournalRepo) AppendStateChange(ctx context.Context, ev domain.StateChange) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_transitions (client_num, client_nonce, from_state, to_state, reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.Identity.Num, ev.Identity.Nonce,
		string(ev.From), string(ev.To), ev.Reason, ev.At)
	if err != nil {
		return fmt.Errorf("failed to append state change: %w", err)
	}
	return nil
}

// AppendDegradation records entry into capital-preservation mode.
func (r *JournalRepo) AppendDegradation(
	ctx context.Context,
	ev *domain.DegradationEvent,
) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO degradation_events (id, reason, detail, entered_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, string(ev.Reason), ev.Detail, ev.EnteredAt)
	if err != nil {
		return fmt.Errorf("failed to append degradation event: %w", err)
	}
	return nil
}

// MarkRecovered closes a degradation event.
func (r *JournalRepo) MarkRecovered(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE degradation_events SET recovered_at = $2 WHERE id = $1`,
		id, at)
	if err != nil {
		return fmt.Errorf("failed to mark recovered: %w", err)
	}
	return nil
}

type degradationRow struct {
	ID          string       `db:"id"`
	Reason      string       `db:"reason"`
	Detail      string       `db:"detail"`
	EnteredAt   time.Time    `db:"entered_at"`
	RecoveredAt sql.NullTime `db:"recovered_at"`
}

// RecentDegradations lists the most recent degradation events, newest first.
func (r *JournalRepo) RecentDegradations(
	ctx context.Context,
	limit int,
) ([]domain.DegradationEvent, error) {
	var rows []degradationRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, reason, detail, entered_at, recovered_at
		FROM degradation_events
		ORDER BY entered_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list degradation events: %w", err)
	}

	out := make([]domain.DegradationEvent, 0, len(rows))
	for _, row := range rows {
		ev := domain.DegradationEvent{
			ID:        row.ID,
			Reason:    domain.TriggerReason(row.Reason),
			Detail:    row.Detail,
			EnteredAt: row.EnteredAt,
		}
		if row.RecoveredAt.Valid {
			t := row.RecoveredAt.Time
			ev.RecoveredAt = &t
		}
		out = append(out, ev)
	}
	return out, nil
}

// Close closes the underlying connection pool.
func (r *JournalRepo) Close() error {
	return r.db.Close()
}
