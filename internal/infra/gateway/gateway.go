// Package gateway talks to the exchange-facing gateway process. The rest
// of the core depends only on the Transport interface; the concrete
// client speaks the gateway's REST API plus a websocket session channel.
package gateway

import (
	"context"
	"time"

	"github.com/vietddude/gwcore/internal/core/domain"
)

// Transport is the outbound surface to the gateway. Every call takes a
// context whose deadline bounds the round trip.
type Transport interface {
	// Connect establishes the session channel for the given identity.
	Connect(ctx context.Context, id domain.ClientIdentity) error

	// Authenticate completes the gateway handshake. Returns *domain.AuthError
	// when credentials are rejected or 2FA approval is pending.
	Authenticate(ctx context.Context) error

	// QualifyContract asks the gateway to confirm a contract is valid and
	// tradable. A definitive negative answer is a result, not an error;
	// errors mean the question could not be answered.
	QualifyContract(ctx context.Context, key domain.ContractKey) (*domain.QualificationResult, error)

	// SnapshotQuote requests a one-shot market data snapshot.
	SnapshotQuote(ctx context.Context, key domain.ContractKey) (*domain.Quote, error)

	// HistoricalBars requests bars for a bounded window.
	HistoricalBars(ctx context.Context, key domain.ContractKey, w domain.HistoricalWindow) ([]domain.Bar, error)

	// Ping probes gateway liveness and returns the round-trip latency.
	Ping(ctx context.Context) (time.Duration, error)

	// LastHeartbeat returns when the gateway last sent a heartbeat frame
	// on the session channel. Zero before the first heartbeat.
	LastHeartbeat() time.Time

	// Close tears down the session channel. Safe to call when not connected.
	Close() error
}
