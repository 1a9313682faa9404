// Package session owns the single logical gateway connection: the state
// machine, the qualification cache, and the client identity allocator.
// All session mutations happen on one goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/gwcore/internal/core/domain"
	"github.com/vietddude/gwcore/internal/infra/gateway"
	"github.com/vietddude/gwcore/internal/metrics"
	"github.com/vietddude/gwcore/internal/retry"
)

var allStates = []domain.SessionState{
	domain.StateDisconnected,
	domain.StateConnecting,
	domain.StateAuthenticating,
	domain.StateReady,
	domain.StateReconnecting,
}

// Config holds session lifecycle settings.
type Config struct {
	ClientIDBase   int32
	StartupTimeout time.Duration
	QualifyTimeout time.Duration
}

// GiveUpFunc is invoked when the connect cycle abandons the session:
// attempt budget exhausted or a hard authentication failure.
type GiveUpFunc func(reason domain.TriggerReason, detail string)

// ReadyFunc is invoked each time a session reaches READY.
type ReadyFunc func()

type trigger struct {
	reconnect bool
	cause     string
	// gen is the session generation the reconnect signal was issued
	// against. A signal aimed at a session that has since been replaced
	// is stale and must not tear down its successor.
	gen uint64
}

// Manager drives the connection state machine. One run goroutine owns all
// transitions; everything else reads immutable snapshots.
type Manager struct {
	cfg       Config
	policy    retry.Policy
	transport gateway.Transport
	alloc     *Allocator
	log       *slog.Logger
	onGiveUp  GiveUpFunc
	onReady   ReadyFunc

	mu         sync.RWMutex
	state      domain.SessionState
	identity   domain.ClientIdentity
	createdAt  time.Time
	qualified  map[domain.ContractKey]domain.QualificationResult
	generation uint64
	sessCtx    context.Context
	sessCancel context.CancelFunc
	subs       []chan domain.StateChange

	triggers chan trigger
	stopCh   chan struct{}
	doneCh   chan struct{}
	// cancels the dial/handshake of the attempt in progress
	attemptCancel context.CancelFunc
}

// NewManager creates a session manager. onGiveUp and onReady may be nil.
func NewManager(
	cfg Config,
	policy retry.Policy,
	transport gateway.Transport,
	log *slog.Logger,
	onGiveUp GiveUpFunc,
	onReady ReadyFunc,
) *Manager {
	sessCtx, sessCancel := context.WithCancel(context.Background())
	sessCancel() // no live session yet

	return &Manager{
		cfg:        cfg,
		policy:     policy,
		transport:  transport,
		alloc:      NewAllocator(cfg.ClientIDBase),
		log:        log,
		onGiveUp:   onGiveUp,
		onReady:    onReady,
		state:      domain.StateDisconnected,
		qualified:  make(map[domain.ContractKey]domain.QualificationResult),
		sessCtx:    sessCtx,
		sessCancel: sessCancel,
		triggers:   make(chan trigger, 8),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start launches the supervisory goroutine.
func (m *Manager) Start() {
	go m.run()
}

// Stop shuts the manager down gracefully: in-flight requests are
// cancelled with a session-closed error, no degradation event is raised.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.mu.RLock()
	cancel := m.attemptCancel
	m.mu.RUnlock()
	if cancel != nil {
		// unblock a handshake in progress
		cancel()
	}
	<-m.doneCh
}

func (m *Manager) run() {
	defer close(m.doneCh)
	for {
		select {
		case <-m.stopCh:
			m.teardown("shutdown")
			return
		case tr := <-m.triggers:
			if !m.shouldAct(tr) {
				continue
			}
			if tr.reconnect && m.CurrentState() != domain.StateDisconnected {
				// The existing session is condemned before any teardown
				// or dialing begins, so observers see RECONNECTING as
				// the first transition of the cycle.
				m.setState(domain.StateReconnecting, tr.cause)
			}
			m.connectCycle(tr.cause)
		}
	}
}

func (m *Manager) shouldAct(tr trigger) bool {
	st := m.CurrentState()
	if tr.reconnect {
		m.mu.RLock()
		gen := m.generation
		m.mu.RUnlock()
		if tr.gen != gen {
			// Queued signal about a session that has already been
			// replaced; acting on it would churn the fresh one.
			m.log.Debug("discarding stale reconnect signal",
				"cause", tr.cause, "signal_gen", tr.gen, "current_gen", gen)
			return false
		}
		// Reconnect acts from any state: it tears down whatever session
		// exists, and after a give-up it is how an operator restarts.
		return true
	}
	// connect() is idempotent: no-op unless fully down
	return st == domain.StateDisconnected
}

// Connect requests a connection. Idempotent; returns immediately, the
// handshake runs on the supervisory goroutine.
func (m *Manager) Connect() {
	select {
	case m.triggers <- trigger{cause: "connect requested"}:
	default:
		m.log.Warn("connect request dropped, trigger queue full")
	}
}

// ForceReconnect tears the session down and re-runs the connect cycle.
// This is the delivery point for health verdicts and transport errors.
func (m *Manager) ForceReconnect(cause string) {
	m.mu.RLock()
	gen := m.generation
	m.mu.RUnlock()

	metrics.Reconnects.WithLabelValues(cause).Inc()
	select {
	case m.triggers <- trigger{reconnect: true, cause: cause, gen: gen}:
	default:
		m.log.Warn("reconnect request dropped, trigger queue full", "cause", cause)
	}
}

// connectCycle runs connection attempts until READY, budget exhaustion,
// or shutdown. A fresh Session (identity, qualification set) is created
// for every attempt; nothing survives a reconnect.
func (m *Manager) connectCycle(cause string) {
	attempt := 1

	for {
		id := m.alloc.Next()
		m.newSession(id, cause)

		err := m.attemptHandshake(id)
		if err == nil {
			m.setState(domain.StateReady, "handshake complete")
			metrics.ConnectionAttempts.WithLabelValues("success").Inc()
			if m.onReady != nil {
				m.onReady()
			}
			return
		}

		select {
		case <-m.stopCh:
			m.teardown("shutdown")
			return
		default:
		}

		metrics.ConnectionAttempts.WithLabelValues("failure").Inc()
		class := domain.ClassifyFailure(err)
		m.log.Warn("connection attempt failed",
			"attempt", attempt,
			"class", class.String(),
			"error", err)

		if class == domain.ClassAuthFatal {
			m.setState(domain.StateDisconnected, "authentication failed")
			if m.onGiveUp != nil {
				m.onGiveUp(domain.TriggerAuthenticationFailed, err.Error())
			}
			return
		}

		decision := m.policy.Decide(attempt, class)
		if decision.GiveUp {
			m.setState(domain.StateDisconnected, "attempt budget exhausted")
			if m.onGiveUp != nil {
				m.onGiveUp(domain.TriggerConnectionExhausted,
					fmt.Sprintf("gave up after %d attempts: %v", attempt, err))
			}
			return
		}

		m.setState(domain.StateReconnecting,
			fmt.Sprintf("attempt %d failed, retrying in %s", attempt, decision.Wait.Round(time.Millisecond)))

		select {
		case <-m.stopCh:
			m.teardown("shutdown")
			return
		case <-time.After(decision.Wait):
		}
		attempt++
	}
}

func (m *Manager) attemptHandshake(id domain.ClientIdentity) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StartupTimeout)
	defer cancel()

	m.mu.Lock()
	m.attemptCancel = cancel
	m.mu.Unlock()

	m.setState(domain.StateConnecting, "dialing gateway")
	if err := m.transport.Connect(ctx, id); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	m.setState(domain.StateAuthenticating, "session channel up")
	if err := m.transport.Authenticate(ctx); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	return nil
}

// newSession discards the previous session and installs a fresh one.
func (m *Manager) newSession(id domain.ClientIdentity, cause string) {
	m.mu.Lock()
	if m.sessCancel != nil {
		m.sessCancel()
	}
	m.sessCtx, m.sessCancel = context.WithCancel(context.Background())
	m.identity = id
	m.createdAt = time.Now()
	m.qualified = make(map[domain.ContractKey]domain.QualificationResult)
	m.generation++
	m.mu.Unlock()

	m.log.Info("new session", "identity", id.String(), "cause", cause)
}

func (m *Manager) teardown(reason string) {
	m.mu.Lock()
	if m.sessCancel != nil {
		m.sessCancel()
	}
	if m.attemptCancel != nil {
		m.attemptCancel()
	}
	m.mu.Unlock()

	if err := m.transport.Close(); err != nil {
		m.log.Debug("transport close", "error", err)
	}
	m.setState(domain.StateDisconnected, reason)
}

// setState commits a transition and fans the event out. Only called from
// the supervisory goroutine, so transitions are totally ordered.
func (m *Manager) setState(to domain.SessionState, reason string) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	if to != domain.StateReady && m.sessCancel != nil && from == domain.StateReady {
		// Leaving READY cancels in-flight requests with a session-closed
		// error rather than letting them time out.
		m.sessCancel()
	}
	ev := domain.StateChange{
		Identity: m.identity,
		From:     from,
		To:       to,
		Reason:   reason,
		At:       time.Now(),
	}
	subs := m.subs
	m.mu.Unlock()

	for _, s := range allStates {
		v := 0.0
		if s == to {
			v = 1.0
		}
		metrics.SessionState.WithLabelValues(string(s)).Set(v)
	}

	m.log.Info("session state change",
		"from", string(from), "to", string(to), "reason", reason)

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// slow subscriber drops events rather than stalling transitions
		}
	}
}

// Subscribe returns a channel of state changes. Events are dropped if the
// subscriber falls behind.
func (m *Manager) Subscribe() <-chan domain.StateChange {
	ch := make(chan domain.StateChange, 32)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// CurrentState is a non-blocking read of the session state.
func (m *Manager) CurrentState() domain.SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Context returns the current session's context. It is cancelled when the
// session leaves READY; request paths derive their deadlines from it so
// shutdown and degradation cancel in-flight calls promptly.
func (m *Manager) Context() context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessCtx
}

// Snapshot returns an immutable view of the session.
func (m *Manager) Snapshot() domain.SessionSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := domain.SessionSnapshot{
		Identity:        m.identity,
		State:           m.state,
		CreatedAt:       m.createdAt,
		LastHeartbeatAt: m.transport.LastHeartbeat(),
	}
	for k, res := range m.qualified {
		if res.Qualified {
			snap.Qualified = append(snap.Qualified, k)
		}
	}
	return snap
}

// IsQualified reports whether the contract has a cached positive
// qualification in the current session.
func (m *Manager) IsQualified(key domain.ContractKey) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.qualified[key]
	return ok && res.Qualified
}

// Qualify confirms a contract with the gateway, once per contract per
// session. Both positive and negative answers are cached so repeated
// requests for an invalid contract fail fast without another call.
func (m *Manager) Qualify(
	ctx context.Context,
	key domain.ContractKey,
) (*domain.QualificationResult, error) {
	m.mu.RLock()
	st := m.state
	gen := m.generation
	cached, ok := m.qualified[key]
	m.mu.RUnlock()

	if st != domain.StateReady {
		return nil, domain.ErrSessionNotReady
	}
	if ok {
		res := cached
		return &res, nil
	}

	qctx, cancel := context.WithTimeout(ctx, m.cfg.QualifyTimeout)
	defer cancel()

	res, err := m.transport.QualifyContract(qctx, key)
	if err != nil {
		metrics.Qualifications.WithLabelValues("error").Inc()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("qualify %s: %w", key, domain.ErrRequestTimeout)
		}
		return nil, fmt.Errorf("qualify %s: %w", key, err)
	}

	outcome := "rejected"
	if res.Qualified {
		outcome = "qualified"
	}
	metrics.Qualifications.WithLabelValues(outcome).Inc()

	// Commit only if the session that issued the call is still current;
	// a result from a dead session must not leak into the fresh one.
	m.mu.Lock()
	if m.generation == gen && m.state == domain.StateReady {
		m.qualified[key] = *res
	}
	m.mu.Unlock()

	return res, nil
}
