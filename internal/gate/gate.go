// Package gate is the sole path to the gateway for data requests. It
// enforces the request discipline the gateway demands: snapshot-only
// mode, qualification before data, bounded historical windows, explicit
// deadlines.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/vietddude/gwcore/internal/core/domain"
	"github.com/vietddude/gwcore/internal/health"
	"github.com/vietddude/gwcore/internal/infra/gateway"
	"github.com/vietddude/gwcore/internal/metrics"
)

// Config holds gate limits.
type Config struct {
	MaxInFlight       int64
	HistoricalMaxSpan time.Duration
	HistoricalMaxBars int
	DefaultTimeout    time.Duration
}

// SessionView is the session surface the gate consults. Satisfied by
// *session.Manager.
type SessionView interface {
	CurrentState() domain.SessionState
	IsQualified(key domain.ContractKey) bool
	Qualify(ctx context.Context, key domain.ContractKey) (*domain.QualificationResult, error)
	// Context is cancelled when the session leaves READY.
	Context() context.Context
}

// Observer receives per-request health inputs. Satisfied by
// *health.Monitor.
type Observer interface {
	Observe(status health.SampleStatus, rtt time.Duration)
	MarkDataReceived()
}

// Gate validates and executes data requests. Requests for the same
// contract are coalesced; distinct contracts run concurrently up to
// MaxInFlight.
type Gate struct {
	cfg       Config
	sess      SessionView
	transport gateway.Transport
	obs       Observer
	log       *slog.Logger

	group singleflight.Group
	sem   *semaphore.Weighted
}

// New creates a gate. obs may be nil in tests.
func New(
	cfg Config,
	sess SessionView,
	transport gateway.Transport,
	obs Observer,
	log *slog.Logger,
) *Gate {
	return &Gate{
		cfg:       cfg,
		sess:      sess,
		transport: transport,
		obs:       obs,
		log:       log,
		sem:       semaphore.NewWeighted(cfg.MaxInFlight),
	}
}

// Submit validates the request and executes it against the gateway.
// Validation fails fast with no network call; see the per-error docs in
// the domain package for caller semantics.
func (g *Gate) Submit(ctx context.Context, req domain.DataRequest) (*domain.MarketData, error) {
	// (1) session must be READY
	if g.sess.CurrentState() != domain.StateReady {
		metrics.GateRejections.WithLabelValues("session_not_ready").Inc()
		return nil, domain.ErrSessionNotReady
	}

	// (2) snapshot-only, fail closed on anything else
	if req.Mode != domain.ModeSnapshot {
		metrics.GateRejections.WithLabelValues("unsafe_mode").Inc()
		return nil, fmt.Errorf("mode %q: %w", req.Mode, domain.ErrUnsafeMode)
	}

	// (3) contract must be qualified; qualify transparently once
	if !g.sess.IsQualified(req.Contract) {
		res, err := g.sess.Qualify(ctx, req.Contract)
		if err != nil {
			return nil, err
		}
		if !res.Qualified {
			metrics.GateRejections.WithLabelValues("not_qualified").Inc()
			return nil, &domain.QualificationError{Contract: req.Contract, Msg: res.Detail}
		}
	}

	// (4) historical windows stay inside the gateway limits; oversized
	// requests are rejected, never silently truncated
	if req.Kind == domain.KindHistorical {
		if err := g.validateWindow(req.Window); err != nil {
			metrics.GateRejections.WithLabelValues("window_too_large").Inc()
			return nil, err
		}
	}

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire request slot: %w", err)
	}
	defer g.sem.Release(1)

	return g.execute(ctx, req)
}

func (g *Gate) validateWindow(w *domain.HistoricalWindow) error {
	if w == nil {
		return fmt.Errorf("historical request without window: %w", domain.ErrWindowTooLarge)
	}
	if w.Span() <= 0 {
		return fmt.Errorf("empty window: %w", domain.ErrWindowTooLarge)
	}
	if w.Span() > g.cfg.HistoricalMaxSpan {
		return fmt.Errorf("span %s exceeds %s: %w",
			w.Span(), g.cfg.HistoricalMaxSpan, domain.ErrWindowTooLarge)
	}
	if w.Bars() > g.cfg.HistoricalMaxBars {
		return fmt.Errorf("%d bars exceeds %d: %w",
			w.Bars(), g.cfg.HistoricalMaxBars, domain.ErrWindowTooLarge)
	}
	return nil
}

func coalesceKey(req domain.DataRequest) string {
	if req.Kind == domain.KindHistorical && req.Window != nil {
		return fmt.Sprintf("%s|hist|%d|%d|%s",
			req.Contract, req.Window.Start.Unix(), req.Window.End.Unix(), req.Window.BarSize)
	}
	return fmt.Sprintf("%s|md", req.Contract)
}

// execute runs the transport call behind singleflight so concurrent
// requests for the same contract share one round trip.
func (g *Gate) execute(ctx context.Context, req domain.DataRequest) (*domain.MarketData, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = g.cfg.DefaultTimeout
	}

	ch := g.group.DoChan(coalesceKey(req), func() (any, error) {
		// Deadline derives from the session context, not the first
		// caller's, so a coalesced result is valid for every waiter and
		// dies with the session.
		sessCtx := g.sess.Context()
		callCtx, cancel := context.WithTimeout(sessCtx, timeout)
		defer cancel()

		start := time.Now()
		data, err := g.call(callCtx, req)
		rtt := time.Since(start)

		if err != nil {
			return nil, g.mapError(sessCtx, callCtx, rtt, err)
		}

		metrics.RequestLatency.WithLabelValues(string(req.Kind)).Observe(rtt.Seconds())
		if g.obs != nil {
			g.obs.MarkDataReceived()
		}
		return data, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			metrics.RequestsTotal.WithLabelValues(string(req.Kind), "error").Inc()
			return nil, res.Err
		}
		metrics.RequestsTotal.WithLabelValues(string(req.Kind), "ok").Inc()
		return res.Val.(*domain.MarketData), nil
	}
}

func (g *Gate) call(ctx context.Context, req domain.DataRequest) (*domain.MarketData, error) {
	switch req.Kind {
	case domain.KindHistorical:
		bars, err := g.transport.HistoricalBars(ctx, req.Contract, *req.Window)
		if err != nil {
			return nil, err
		}
		return &domain.MarketData{
			Contract:   req.Contract,
			Bars:       bars,
			ReceivedAt: time.Now(),
		}, nil
	default:
		quote, err := g.transport.SnapshotQuote(ctx, req.Contract)
		if err != nil {
			return nil, err
		}
		return &domain.MarketData{
			Contract:   req.Contract,
			Quote:      quote,
			ReceivedAt: time.Now(),
		}, nil
	}
}

// mapError distinguishes "we cancelled this" from "the gateway failed".
func (g *Gate) mapError(
	sessCtx, callCtx context.Context,
	rtt time.Duration,
	err error,
) error {
	// Session torn down (shutdown or degradation): the session is known
	// not to be usable, unlike a timeout.
	if sessCtx.Err() != nil {
		return fmt.Errorf("%w: %v", domain.ErrSessionClosed, err)
	}

	if callCtx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
		// visible to the health monitor, not just to the caller
		if g.obs != nil {
			g.obs.Observe(health.StatusTimeout, rtt)
		}
		return fmt.Errorf("%w after %s", domain.ErrRequestTimeout, rtt.Round(time.Millisecond))
	}

	if g.obs != nil {
		g.obs.Observe(health.StatusError, rtt)
	}
	return err
}
