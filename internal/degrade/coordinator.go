// Package degrade holds the process-wide arbiter of "is it safe to act".
// The coordinator's flag is the single source of truth consulted by the
// strategy layer before any order-affecting action.
package degrade

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/gwcore/internal/core/domain"
	"github.com/vietddude/gwcore/internal/infra/storage"
	"github.com/vietddude/gwcore/internal/metrics"
)

// Config holds capital-preservation policy settings.
type Config struct {
	// RecoveryHealthySamples is how many consecutive healthy probes are
	// required after the session returns to READY. One healthy sample is
	// not enough; that flaps.
	RecoveryHealthySamples int
	EvalInterval           time.Duration
	// StaleGracePeriod is how long data may stay past the staleness
	// threshold before degradation triggers.
	StaleGracePeriod time.Duration
}

// OperatorSignals is the out-of-band operator surface, typically backed
// by redis. All methods are polled; nil disables operator signals.
type OperatorSignals interface {
	ManualOverrideActive(ctx context.Context) (bool, string, error)
	AuthAcknowledged(ctx context.Context) (bool, error)
	ClearAuthAck(ctx context.Context) error
	MirrorDegradation(ctx context.Context, ev *domain.DegradationEvent) error
}

// Coordinator owns the safe-mode flag and the currently open
// degradation event.
type Coordinator struct {
	cfg     Config
	journal storage.EventJournal
	signals OperatorSignals
	log     *slog.Logger

	// inputs read each evaluation tick
	sessionState func() domain.SessionState
	healthyCount func() int
	staleFor     func() time.Duration
	// interrupt tears down the live session so in-flight requests die
	// with a session-closed error instead of running to completion
	interrupt func(cause string)

	safeMode atomic.Bool

	mu       sync.Mutex
	open     *domain.DegradationEvent
	localAck bool
	subs     []chan domain.DegradationEvent

	stop chan struct{}
	done chan struct{}
}

// New creates a coordinator. signals and interrupt may be nil; journal
// must not be.
func New(
	cfg Config,
	journal storage.EventJournal,
	signals OperatorSignals,
	sessionState func() domain.SessionState,
	healthyCount func() int,
	staleFor func() time.Duration,
	interrupt func(cause string),
	log *slog.Logger,
) *Coordinator {
	return &Coordinator{
		cfg:          cfg,
		journal:      journal,
		signals:      signals,
		sessionState: sessionState,
		healthyCount: healthyCount,
		staleFor:     staleFor,
		interrupt:    interrupt,
		log:          log,
	}
}

// SafeModeActive reports whether capital-preservation mode is in force.
// Non-blocking; the strategy layer must treat true as an absolute veto.
func (c *Coordinator) SafeModeActive() bool {
	return c.safeMode.Load()
}

// OpenEvent returns a copy of the currently open degradation event, if any.
func (c *Coordinator) OpenEvent() *domain.DegradationEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open == nil {
		return nil
	}
	ev := *c.open
	return &ev
}

// Trigger enters capital-preservation mode. Immediate and fail-safe: the
// flag flips before any journaling, and triggering never blocks on the
// condition resolving. A second trigger while an event is open only logs.
func (c *Coordinator) Trigger(reason domain.TriggerReason, detail string) {
	c.safeMode.Store(true)
	metrics.SafeMode.Set(1)

	c.mu.Lock()
	if c.open != nil {
		open := c.open.Reason
		c.mu.Unlock()
		c.log.Warn("degradation trigger while already degraded",
			"reason", string(reason), "open", string(open))
		return
	}
	ev := &domain.DegradationEvent{
		ID:        uuid.NewString(),
		Reason:    reason,
		Detail:    detail,
		EnteredAt: time.Now(),
	}
	c.open = ev
	c.localAck = false
	subs := c.subs
	c.mu.Unlock()

	metrics.Degradations.WithLabelValues(string(reason)).Inc()
	c.log.Error("entering capital-preservation mode",
		"reason", string(reason), "detail", detail, "event_id", ev.ID)

	// In-flight requests must not outlive entry into safe mode. Triggers
	// raised by the session manager itself arrive with the session
	// already torn down; only a still-live session needs interrupting.
	if c.interrupt != nil && c.sessionState != nil &&
		c.sessionState() == domain.StateReady {
		c.interrupt(string(reason))
	}

	c.record(ev)
	c.publish(subs, *ev)
}

// Acknowledge marks an authentication-failure degradation as resolved by
// the operator. Transport health alone can never clear it; the 2FA
// approval happens out-of-band.
func (c *Coordinator) Acknowledge() {
	c.mu.Lock()
	c.localAck = true
	c.mu.Unlock()
	c.log.Info("degradation acknowledged by operator")
}

// Events returns a channel of degradation transitions (opened and
// recovered). Events are dropped if the subscriber falls behind.
func (c *Coordinator) Events() <-chan domain.DegradationEvent {
	ch := make(chan domain.DegradationEvent, 16)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()
	return ch
}

// Start launches the evaluation loop governing staleness triggering,
// manual override, and recovery.
func (c *Coordinator) Start(ctx context.Context) {
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.cfg.EvalInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.evaluate(ctx)
			}
		}
	}()
}

// Stop ends the evaluation loop.
func (c *Coordinator) Stop() {
	if c.stop == nil {
		return
	}
	close(c.stop)
	<-c.done
}

func (c *Coordinator) evaluate(ctx context.Context) {
	overrideActive := false
	overrideNote := ""
	if c.signals != nil {
		active, note, err := c.signals.ManualOverrideActive(ctx)
		if err != nil {
			c.log.Warn("override check failed", "error", err)
		} else {
			overrideActive, overrideNote = active, note
		}
	}

	if overrideActive && !c.SafeModeActive() {
		c.Trigger(domain.TriggerManualOverride, overrideNote)
		return
	}

	if c.staleFor != nil && c.staleFor() > c.cfg.StaleGracePeriod && !c.SafeModeActive() {
		c.Trigger(domain.TriggerDataStale, "no market data past staleness threshold")
		return
	}

	c.tryRecover(ctx, overrideActive)
}

// tryRecover clears safe mode when every recovery condition holds.
func (c *Coordinator) tryRecover(ctx context.Context, overrideActive bool) {
	c.mu.Lock()
	open := c.open
	acked := c.localAck
	c.mu.Unlock()

	if open == nil {
		return
	}

	if c.sessionState() != domain.StateReady {
		return
	}
	if c.healthyCount() < c.cfg.RecoveryHealthySamples {
		return
	}
	if c.staleFor != nil && c.staleFor() > 0 {
		return
	}

	switch open.Reason {
	case domain.TriggerManualOverride:
		if overrideActive {
			return
		}
	case domain.TriggerAuthenticationFailed:
		if !acked && !c.externalAck(ctx) {
			return
		}
	}

	now := time.Now()
	c.mu.Lock()
	c.open.RecoveredAt = &now
	recovered := *c.open
	c.open = nil
	c.localAck = false
	subs := c.subs
	c.mu.Unlock()

	c.safeMode.Store(false)
	metrics.SafeMode.Set(0)
	c.log.Info("recovered from capital-preservation mode",
		"reason", string(recovered.Reason),
		"degraded_for", now.Sub(recovered.EnteredAt).Round(time.Second))

	if err := c.journal.MarkRecovered(ctx, recovered.ID, now); err != nil {
		c.log.Warn("journal recovery update failed", "error", err)
	}
	if recovered.Reason == domain.TriggerAuthenticationFailed && c.signals != nil {
		if err := c.signals.ClearAuthAck(ctx); err != nil {
			c.log.Warn("clear auth ack failed", "error", err)
		}
	}
	c.publish(subs, recovered)
}

func (c *Coordinator) externalAck(ctx context.Context) bool {
	if c.signals == nil {
		return false
	}
	acked, err := c.signals.AuthAcknowledged(ctx)
	if err != nil {
		c.log.Warn("auth ack check failed", "error", err)
		return false
	}
	return acked
}

func (c *Coordinator) record(ev *domain.DegradationEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := c.journal.AppendDegradation(ctx, ev); err != nil {
		c.log.Warn("journal append failed", "error", err)
	}
	if c.signals != nil {
		if err := c.signals.MirrorDegradation(ctx, ev); err != nil {
			c.log.Warn("event mirror failed", "error", err)
		}
	}
}

func (c *Coordinator) publish(subs []chan domain.DegradationEvent, ev domain.DegradationEvent) {
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
