package degrade

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/gwcore/internal/core/domain"
	"github.com/vietddude/gwcore/internal/infra/storage/memory"
)

type fakeSignals struct {
	mu       sync.Mutex
	override bool
	note     string
	acked    bool
	mirrored []string
}

func (f *fakeSignals) ManualOverrideActive(ctx context.Context) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.override, f.note, nil
}

func (f *fakeSignals) AuthAcknowledged(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acked, nil
}

func (f *fakeSignals) ClearAuthAck(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = false
	return nil
}

func (f *fakeSignals) MirrorDegradation(ctx context.Context, ev *domain.DegradationEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mirrored = append(f.mirrored, ev.ID)
	return nil
}

type inputs struct {
	mu      sync.Mutex
	state   domain.SessionState
	healthy int
	stale   time.Duration
}

func (in *inputs) set(state domain.SessionState, healthy int, stale time.Duration) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.state, in.healthy, in.stale = state, healthy, stale
}

func (in *inputs) sessionState() domain.SessionState {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

func (in *inputs) healthyCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.healthy
}

func (in *inputs) staleFor() time.Duration {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.stale
}

func newTestCoordinator(t *testing.T, cfg Config, signals OperatorSignals) (*Coordinator, *inputs, *memory.Journal) {
	t.Helper()
	in := &inputs{state: domain.StateReady}
	journal := memory.NewJournal()
	c := New(cfg, journal, signals, in.sessionState, in.healthyCount, in.staleFor, nil,
		slog.New(slog.NewTextHandler(testWriter{t}, nil)))
	return c, in, journal
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestCoordinator_TriggerSetsFlagImmediately(t *testing.T) {
	c, _, journal := newTestCoordinator(t, Config{RecoveryHealthySamples: 3}, nil)

	if c.SafeModeActive() {
		t.Fatal("safe mode should start clear")
	}

	c.Trigger(domain.TriggerConnectionExhausted, "retry budget exhausted")

	if !c.SafeModeActive() {
		t.Fatal("safe mode not set after trigger")
	}
	ev := c.OpenEvent()
	if ev == nil || ev.Reason != domain.TriggerConnectionExhausted {
		t.Fatalf("open event = %+v", ev)
	}
	if ev.RecoveredAt != nil {
		t.Fatal("fresh event should not be recovered")
	}

	events, err := journal.RecentDegradations(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("journal has %d events, want 1", len(events))
	}
}

func TestCoordinator_SecondTriggerDoesNotReplaceOpenEvent(t *testing.T) {
	c, _, journal := newTestCoordinator(t, Config{RecoveryHealthySamples: 3}, nil)

	c.Trigger(domain.TriggerConnectionExhausted, "first")
	first := c.OpenEvent()
	c.Trigger(domain.TriggerDataStale, "second")

	ev := c.OpenEvent()
	if ev.ID != first.ID {
		t.Fatal("open event replaced by second trigger")
	}
	events, _ := journal.RecentDegradations(context.Background(), 10)
	if len(events) != 1 {
		t.Fatalf("journal has %d events, want 1", len(events))
	}
}

func TestCoordinator_RecoveryRequiresSustainedHealth(t *testing.T) {
	c, in, _ := newTestCoordinator(t, Config{
		RecoveryHealthySamples: 3,
		EvalInterval:           time.Second,
		StaleGracePeriod:       30 * time.Second,
	}, nil)
	ctx := context.Background()

	c.Trigger(domain.TriggerConnectionExhausted, "")

	// Ready but only one healthy sample: stays degraded.
	in.set(domain.StateReady, 1, 0)
	c.evaluate(ctx)
	if !c.SafeModeActive() {
		t.Fatal("recovered with insufficient healthy samples")
	}

	// Healthy enough but not READY: stays degraded.
	in.set(domain.StateReconnecting, 5, 0)
	c.evaluate(ctx)
	if !c.SafeModeActive() {
		t.Fatal("recovered while not READY")
	}

	in.set(domain.StateReady, 3, 0)
	c.evaluate(ctx)
	if c.SafeModeActive() {
		t.Fatal("did not recover with READY and 3 healthy samples")
	}
	if c.OpenEvent() != nil {
		t.Fatal("event still open after recovery")
	}
}

func TestCoordinator_StaleDataTriggersAfterGrace(t *testing.T) {
	c, in, _ := newTestCoordinator(t, Config{
		RecoveryHealthySamples: 3,
		StaleGracePeriod:       30 * time.Second,
	}, nil)
	ctx := context.Background()

	in.set(domain.StateReady, 10, 10*time.Second)
	c.evaluate(ctx)
	if c.SafeModeActive() {
		t.Fatal("triggered inside grace period")
	}

	in.set(domain.StateReady, 10, time.Minute)
	c.evaluate(ctx)
	if !c.SafeModeActive() {
		t.Fatal("stale data past grace did not trigger")
	}
	if ev := c.OpenEvent(); ev.Reason != domain.TriggerDataStale {
		t.Fatalf("reason = %s, want %s", ev.Reason, domain.TriggerDataStale)
	}
}

func TestCoordinator_StaleBlocksRecovery(t *testing.T) {
	c, in, _ := newTestCoordinator(t, Config{
		RecoveryHealthySamples: 3,
		StaleGracePeriod:       30 * time.Second,
	}, nil)
	ctx := context.Background()

	c.Trigger(domain.TriggerConnectionExhausted, "")

	// Healthy probes but data still stale: probe health alone is not
	// enough, fresh data must be flowing again.
	in.set(domain.StateReady, 5, 10*time.Second)
	c.evaluate(ctx)
	if !c.SafeModeActive() {
		t.Fatal("recovered while data still stale")
	}
}

func TestCoordinator_ManualOverride(t *testing.T) {
	signals := &fakeSignals{}
	c, in, _ := newTestCoordinator(t, Config{
		RecoveryHealthySamples: 3,
		StaleGracePeriod:       30 * time.Second,
	}, signals)
	ctx := context.Background()

	signals.mu.Lock()
	signals.override = true
	signals.note = "maintenance window"
	signals.mu.Unlock()

	in.set(domain.StateReady, 10, 0)
	c.evaluate(ctx)
	if !c.SafeModeActive() {
		t.Fatal("manual override did not trigger")
	}
	ev := c.OpenEvent()
	if ev.Reason != domain.TriggerManualOverride || ev.Detail != "maintenance window" {
		t.Fatalf("event = %+v", ev)
	}

	// Healthy session does not clear an active override.
	c.evaluate(ctx)
	if !c.SafeModeActive() {
		t.Fatal("recovered while override still set")
	}

	signals.mu.Lock()
	signals.override = false
	signals.mu.Unlock()
	c.evaluate(ctx)
	if c.SafeModeActive() {
		t.Fatal("did not recover after override cleared")
	}
}

func TestCoordinator_AuthFailureNeedsAcknowledgment(t *testing.T) {
	signals := &fakeSignals{}
	c, in, _ := newTestCoordinator(t, Config{
		RecoveryHealthySamples: 3,
		StaleGracePeriod:       30 * time.Second,
	}, signals)
	ctx := context.Background()

	c.Trigger(domain.TriggerAuthenticationFailed, "2fa rejected")

	// Transport health never clears an auth failure on its own.
	in.set(domain.StateReady, 100, 0)
	c.evaluate(ctx)
	if !c.SafeModeActive() {
		t.Fatal("auth failure recovered without acknowledgment")
	}

	signals.mu.Lock()
	signals.acked = true
	signals.mu.Unlock()
	c.evaluate(ctx)
	if c.SafeModeActive() {
		t.Fatal("did not recover after acknowledgment")
	}

	// Ack is consumed on recovery.
	signals.mu.Lock()
	acked := signals.acked
	signals.mu.Unlock()
	if acked {
		t.Fatal("acknowledgment not cleared after recovery")
	}
}

func TestCoordinator_LocalAcknowledge(t *testing.T) {
	c, in, _ := newTestCoordinator(t, Config{
		RecoveryHealthySamples: 3,
		StaleGracePeriod:       30 * time.Second,
	}, nil)
	ctx := context.Background()

	c.Trigger(domain.TriggerAuthenticationFailed, "")
	in.set(domain.StateReady, 5, 0)

	c.evaluate(ctx)
	if !c.SafeModeActive() {
		t.Fatal("recovered without acknowledgment")
	}

	c.Acknowledge()
	c.evaluate(ctx)
	if c.SafeModeActive() {
		t.Fatal("did not recover after local acknowledgment")
	}
}

func TestCoordinator_EventsPublished(t *testing.T) {
	c, in, _ := newTestCoordinator(t, Config{
		RecoveryHealthySamples: 1,
		StaleGracePeriod:       30 * time.Second,
	}, nil)
	ctx := context.Background()

	events := c.Events()
	c.Trigger(domain.TriggerConnectionExhausted, "")

	select {
	case ev := <-events:
		if ev.RecoveredAt != nil {
			t.Fatal("entry event should be open")
		}
	case <-time.After(time.Second):
		t.Fatal("no entry event published")
	}

	in.set(domain.StateReady, 1, 0)
	c.evaluate(ctx)

	select {
	case ev := <-events:
		if ev.RecoveredAt == nil {
			t.Fatal("recovery event missing RecoveredAt")
		}
	case <-time.After(time.Second):
		t.Fatal("no recovery event published")
	}
}

func TestCoordinator_MirrorsToSignals(t *testing.T) {
	signals := &fakeSignals{}
	c, _, _ := newTestCoordinator(t, Config{RecoveryHealthySamples: 3}, signals)

	c.Trigger(domain.TriggerConnectionExhausted, "")

	signals.mu.Lock()
	defer signals.mu.Unlock()
	if len(signals.mirrored) != 1 {
		t.Fatalf("mirrored %d events, want 1", len(signals.mirrored))
	}
}

func TestCoordinator_EvalLoop(t *testing.T) {
	c, in, _ := newTestCoordinator(t, Config{
		RecoveryHealthySamples: 1,
		EvalInterval:           10 * time.Millisecond,
		StaleGracePeriod:       30 * time.Second,
	}, nil)

	c.Trigger(domain.TriggerConnectionExhausted, "")
	in.set(domain.StateReady, 1, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for c.SafeModeActive() {
		if time.Now().After(deadline) {
			t.Fatal("eval loop never recovered")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCoordinator_TriggerInterruptsLiveSession(t *testing.T) {
	in := &inputs{state: domain.StateReady}
	var mu sync.Mutex
	var causes []string
	c := New(Config{RecoveryHealthySamples: 3}, memory.NewJournal(), nil,
		in.sessionState, in.healthyCount, in.staleFor,
		func(cause string) {
			mu.Lock()
			causes = append(causes, cause)
			mu.Unlock()
		},
		slog.New(slog.NewTextHandler(testWriter{t}, nil)))

	// A READY session carries in-flight requests; entering safe mode
	// must tear it down rather than let them run to completion.
	c.Trigger(domain.TriggerManualOverride, "operator kill switch")

	mu.Lock()
	got := append([]string(nil), causes...)
	mu.Unlock()
	if len(got) != 1 || got[0] != string(domain.TriggerManualOverride) {
		t.Fatalf("interrupt causes = %v, want [manual_override]", got)
	}

	// Triggers raised after the session is already down must not
	// restart it.
	in.set(domain.StateDisconnected, 0, 0)
	c2 := New(Config{RecoveryHealthySamples: 3}, memory.NewJournal(), nil,
		in.sessionState, in.healthyCount, in.staleFor,
		func(cause string) {
			mu.Lock()
			causes = append(causes, cause)
			mu.Unlock()
		},
		slog.New(slog.NewTextHandler(testWriter{t}, nil)))
	c2.Trigger(domain.TriggerConnectionExhausted, "retry budget exhausted")

	mu.Lock()
	defer mu.Unlock()
	if len(causes) != 1 {
		t.Fatalf("interrupt called for a torn-down session: %v", causes)
	}
}
