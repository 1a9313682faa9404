package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/gwcore/internal/core/domain"
	"github.com/vietddude/gwcore/internal/retry"
)

// fakeTransport scripts connect outcomes and counts calls.
type fakeTransport struct {
	mu           sync.Mutex
	connectErrs  []error
	connectCalls int
	connectHold  chan struct{}
	authErr      error
	qualifyCalls map[domain.ContractKey]int
	qualifyFail  map[domain.ContractKey]string
	identities   []domain.ClientIdentity
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		qualifyCalls: make(map[domain.ContractKey]int),
		qualifyFail:  make(map[domain.ContractKey]string),
	}
}

func (f *fakeTransport) Connect(ctx context.Context, id domain.ClientIdentity) error {
	f.mu.Lock()
	f.identities = append(f.identities, id)
	call := f.connectCalls
	f.connectCalls++
	hold := f.connectHold
	f.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if call < len(f.connectErrs) {
		return f.connectErrs[call]
	}
	return nil
}

// holdConnects makes Connect block until the returned channel is closed.
func (f *fakeTransport) holdConnects() chan struct{} {
	ch := make(chan struct{})
	f.mu.Lock()
	f.connectHold = ch
	f.mu.Unlock()
	return ch
}

func (f *fakeTransport) Authenticate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authErr
}

func (f *fakeTransport) QualifyContract(
	ctx context.Context,
	key domain.ContractKey,
) (*domain.QualificationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qualifyCalls[key]++
	if msg, bad := f.qualifyFail[key]; bad {
		return &domain.QualificationResult{Contract: key, Detail: msg}, nil
	}
	return &domain.QualificationResult{Contract: key, Qualified: true}, nil
}

func (f *fakeTransport) SnapshotQuote(
	ctx context.Context,
	key domain.ContractKey,
) (*domain.Quote, error) {
	return &domain.Quote{Last: 100, At: time.Now()}, nil
}

func (f *fakeTransport) HistoricalBars(
	ctx context.Context,
	key domain.ContractKey,
	w domain.HistoricalWindow,
) ([]domain.Bar, error) {
	return nil, nil
}

func (f *fakeTransport) Ping(ctx context.Context) (time.Duration, error) {
	return time.Millisecond, nil
}

func (f *fakeTransport) LastHeartbeat() time.Time { return time.Now() }
func (f *fakeTransport) Close() error             { return nil }

func (f *fakeTransport) ConnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

func (f *fakeTransport) QualifyCalls(key domain.ContractKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.qualifyCalls[key]
}

func (f *fakeTransport) Identities() []domain.ClientIdentity {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ClientIdentity, len(f.identities))
	copy(out, f.identities)
	return out
}

func testPolicy(maxAttempts int) retry.Policy {
	return retry.Policy{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		MaxAttempts:  maxAttempts,
	}
}

func testManager(
	t *testing.T,
	transport *fakeTransport,
	maxAttempts int,
	onGiveUp GiveUpFunc,
) *Manager {
	t.Helper()
	m := NewManager(
		Config{
			ClientIDBase:   100,
			StartupTimeout: time.Second,
			QualifyTimeout: time.Second,
		},
		testPolicy(maxAttempts),
		transport,
		slog.Default(),
		onGiveUp,
		nil,
	)
	m.Start()
	t.Cleanup(m.Stop)
	return m
}

func waitForState(t *testing.T, m *Manager, want domain.SessionState) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if m.CurrentState() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("state = %s, want %s", m.CurrentState(), want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestManager_ConnectReachesReady(t *testing.T) {
	ft := newFakeTransport()
	m := testManager(t, ft, 5, nil)

	m.Connect()
	waitForState(t, m, domain.StateReady)
}

func TestManager_TransientFailuresThenSuccess(t *testing.T) {
	// 5 transient failures, 6th attempt succeeds; budget allows 6.
	errs := make([]error, 5)
	for i := range errs {
		errs[i] = errors.New("connection reset by peer")
	}
	ft := newFakeTransport()
	ft.connectErrs = errs

	var gaveUp atomic.Bool
	m := testManager(t, ft, 10, func(domain.TriggerReason, string) { gaveUp.Store(true) })

	m.Connect()
	waitForState(t, m, domain.StateReady)

	if gaveUp.Load() {
		t.Error("degradation raised below the attempt budget")
	}
	if n := ft.ConnectCalls(); n != 6 {
		t.Errorf("connect calls = %d, want 6", n)
	}
}

func TestManager_BudgetExhaustedRaisesDegradation(t *testing.T) {
	ft := newFakeTransport()
	ft.connectErrs = []error{
		errors.New("refused"), errors.New("refused"),
		errors.New("refused"), errors.New("refused"),
	}

	gaveUp := make(chan domain.TriggerReason, 1)
	m := testManager(t, ft, 3, func(r domain.TriggerReason, _ string) {
		gaveUp <- r
	})

	m.Connect()

	select {
	case r := <-gaveUp:
		if r != domain.TriggerConnectionExhausted {
			t.Errorf("reason = %s, want connection_exhausted", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("give-up never signalled")
	}

	waitForState(t, m, domain.StateDisconnected)
	if n := ft.ConnectCalls(); n != 3 {
		t.Errorf("connect calls = %d, want 3 (budget)", n)
	}
}

func TestManager_AuthFatalNotRetried(t *testing.T) {
	ft := newFakeTransport()
	ft.authErr = &domain.AuthError{Msg: "bad credentials"}

	gaveUp := make(chan domain.TriggerReason, 1)
	m := testManager(t, ft, 5, func(r domain.TriggerReason, _ string) {
		gaveUp <- r
	})

	m.Connect()

	select {
	case r := <-gaveUp:
		if r != domain.TriggerAuthenticationFailed {
			t.Errorf("reason = %s, want authentication_failed", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("give-up never signalled")
	}

	if n := ft.ConnectCalls(); n != 1 {
		t.Errorf("connect calls = %d, hard auth failure must not retry", n)
	}
}

func TestManager_IdentitiesNeverReused(t *testing.T) {
	ft := newFakeTransport()
	ft.connectErrs = []error{errors.New("reset"), errors.New("reset")}

	m := testManager(t, ft, 5, nil)
	m.Connect()
	waitForState(t, m, domain.StateReady)

	seen := make(map[int32]bool)
	ids := ft.Identities()
	for _, id := range ids {
		if seen[id.Num] {
			t.Fatalf("client id %d reused across attempts", id.Num)
		}
		seen[id.Num] = true
	}
	if len(ids) != 3 {
		t.Errorf("identities = %d, want 3", len(ids))
	}
}

func TestManager_QualifyCachesPositive(t *testing.T) {
	ft := newFakeTransport()
	m := testManager(t, ft, 5, nil)
	m.Connect()
	waitForState(t, m, domain.StateReady)

	key := domain.ContractKey("SPY-20260206-C-450")

	res, err := m.Qualify(context.Background(), key)
	if err != nil {
		t.Fatalf("Qualify failed: %v", err)
	}
	if !res.Qualified {
		t.Fatal("expected qualified")
	}

	// Second call served from cache
	if _, err := m.Qualify(context.Background(), key); err != nil {
		t.Fatalf("cached Qualify failed: %v", err)
	}
	if n := ft.QualifyCalls(key); n != 1 {
		t.Errorf("gateway qualify calls = %d, want 1", n)
	}
	if !m.IsQualified(key) {
		t.Error("IsQualified should report cached positive")
	}
}

func TestManager_QualifyCachesNegative(t *testing.T) {
	ft := newFakeTransport()
	ft.qualifyFail["BOGUS"] = "unknown contract"
	m := testManager(t, ft, 5, nil)
	m.Connect()
	waitForState(t, m, domain.StateReady)

	for i := 0; i < 3; i++ {
		res, err := m.Qualify(context.Background(), "BOGUS")
		if err != nil {
			t.Fatalf("Qualify failed: %v", err)
		}
		if res.Qualified {
			t.Fatal("expected rejection")
		}
	}
	if n := ft.QualifyCalls("BOGUS"); n != 1 {
		t.Errorf("gateway calls = %d, negative result must be cached", n)
	}
}

func TestManager_QualificationClearedOnReconnect(t *testing.T) {
	ft := newFakeTransport()
	m := testManager(t, ft, 5, nil)
	m.Connect()
	waitForState(t, m, domain.StateReady)

	key := domain.ContractKey("ES-202603")
	if _, err := m.Qualify(context.Background(), key); err != nil {
		t.Fatalf("Qualify failed: %v", err)
	}

	m.ForceReconnect("health verdict")
	waitForState(t, m, domain.StateReady)
	// allow the cycle to settle on the new session
	time.Sleep(20 * time.Millisecond)

	if m.IsQualified(key) {
		t.Error("qualification must not survive a reconnect")
	}
}

func TestManager_QualifyRequiresReady(t *testing.T) {
	ft := newFakeTransport()
	m := testManager(t, ft, 5, nil)

	_, err := m.Qualify(context.Background(), "SPY")
	if !errors.Is(err, domain.ErrSessionNotReady) {
		t.Errorf("err = %v, want ErrSessionNotReady", err)
	}
}

func TestManager_StateChangeEvents(t *testing.T) {
	ft := newFakeTransport()
	m := testManager(t, ft, 5, nil)
	events := m.Subscribe()

	m.Connect()
	waitForState(t, m, domain.StateReady)

	var seq []domain.SessionState
	timeout := time.After(time.Second)
	for len(seq) < 3 {
		select {
		case ev := <-events:
			seq = append(seq, ev.To)
		case <-timeout:
			t.Fatalf("only %d events: %v", len(seq), seq)
		}
	}

	want := []domain.SessionState{
		domain.StateConnecting,
		domain.StateAuthenticating,
		domain.StateReady,
	}
	for i, st := range want {
		if seq[i] != st {
			t.Fatalf("event %d = %s, want %s (full: %v)", i, seq[i], st, seq)
		}
	}
}

func TestManager_ForcedReconnectEntersReconnectingFirst(t *testing.T) {
	ft := newFakeTransport()
	m := testManager(t, ft, 5, nil)

	m.Connect()
	waitForState(t, m, domain.StateReady)

	events := m.Subscribe()
	m.ForceReconnect("transport error")

	select {
	case ev := <-events:
		if ev.To != domain.StateReconnecting {
			t.Fatalf("first transition = %s, want %s", ev.To, domain.StateReconnecting)
		}
		if ev.From != domain.StateReady {
			t.Errorf("transition from = %s, want %s", ev.From, domain.StateReady)
		}
	case <-time.After(time.Second):
		t.Fatal("no state change after forced reconnect")
	}

	waitForState(t, m, domain.StateReady)
}

func TestManager_QueuedReconnectsCoalesce(t *testing.T) {
	ft := newFakeTransport()
	hold := ft.holdConnects()
	m := testManager(t, ft, 5, nil)

	// Block the first cycle inside Connect so repeated signals against
	// the same session pile up in the trigger queue.
	m.Connect()
	deadline := time.After(2 * time.Second)
	for ft.ConnectCalls() == 0 {
		select {
		case <-deadline:
			t.Fatal("first connect attempt never started")
		case <-time.After(time.Millisecond):
		}
	}
	for i := 0; i < 5; i++ {
		m.ForceReconnect("transport error")
	}
	close(hold)

	waitForState(t, m, domain.StateReady)
	time.Sleep(50 * time.Millisecond)

	// One reconnect replaces the session; the other four signals refer
	// to the replaced one and must be discarded, not replayed.
	if n := ft.ConnectCalls(); n != 2 {
		t.Errorf("connect calls = %d, want 2", n)
	}
	if st := m.CurrentState(); st != domain.StateReady {
		t.Errorf("state = %s, want %s", st, domain.StateReady)
	}
}

func TestManager_DroppedTriggerIsLogged(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	ft := newFakeTransport()
	m := NewManager(
		Config{
			ClientIDBase:   100,
			StartupTimeout: time.Second,
			QualifyTimeout: time.Second,
		},
		testPolicy(5),
		ft,
		log,
		nil,
		nil,
	)
	// Not started: nothing drains the queue, so it fills at capacity
	// and the overflow must leave a trace in the log.
	for i := 0; i < 9; i++ {
		m.ForceReconnect("transport error")
	}

	if !strings.Contains(buf.String(), "trigger queue full") {
		t.Errorf("overflow not logged; log output:\n%s", buf.String())
	}
}
