package health

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/gwcore/internal/core/domain"
	"github.com/vietddude/gwcore/internal/metrics"
)

// Prober is the minimal transport surface the monitor needs. Satisfied by
// gateway.Transport.
type Prober interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// Config holds monitor thresholds.
type Config struct {
	ProbeInterval      time.Duration
	ProbeTimeout       time.Duration
	FailureThreshold   int
	StalenessThreshold time.Duration
	SampleWindow       int
}

// Monitor probes the gateway on a fixed interval and tracks data
// staleness. It only signals the session manager; it never mutates
// session state directly.
type Monitor struct {
	cfg    Config
	prober Prober
	signal SignalFunc
	log    *slog.Logger

	mu         sync.RWMutex
	samples    []Sample
	consecFail int
	consecOK   int
	lastData   time.Time
	// one verdict per episode; cleared when the condition clears
	staleSignalled     bool
	degradingSignalled bool

	stop chan struct{}
	done chan struct{}
}

// NewMonitor creates a monitor. The signal function receives degrading
// and stale verdicts on the monitor goroutine.
func NewMonitor(cfg Config, prober Prober, signal SignalFunc, log *slog.Logger) *Monitor {
	return &Monitor{
		cfg:     cfg,
		prober:  prober,
		signal:  signal,
		log:     log,
		samples: make([]Sample, 0, cfg.SampleWindow),
	}
}

// Start launches the probe loop. Stop() or ctx cancellation ends it.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.ProbeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				m.probe(ctx)
			}
		}
	}()
}

// Stop ends the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	rtt, err := m.prober.Ping(probeCtx)
	cancel()

	status := StatusOK
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrRequestTimeout) {
			status = StatusTimeout
		} else {
			status = StatusError
		}
	}

	m.Observe(status, rtt)
	m.checkStaleness()
}

// Observe records one health sample. Besides the probe loop, the request
// gate reports its timeouts here so per-call failures feed the same
// consecutive-failure count.
func (m *Monitor) Observe(status SampleStatus, rtt time.Duration) {
	m.mu.Lock()

	s := Sample{At: time.Now(), RTT: rtt, Status: status}
	if len(m.samples) >= m.cfg.SampleWindow && m.cfg.SampleWindow > 0 {
		copy(m.samples, m.samples[1:])
		m.samples[len(m.samples)-1] = s
	} else {
		m.samples = append(m.samples, s)
	}

	degrading := false
	if status == StatusOK {
		m.consecFail = 0
		m.degradingSignalled = false
		m.consecOK++
		metrics.ProbeLatency.Observe(rtt.Seconds())
	} else {
		m.consecOK = 0
		m.consecFail++
		metrics.ProbeFailures.Inc()
		// one verdict per failure episode; samples past the threshold
		// do not re-signal until an ok sample ends the episode
		degrading = m.consecFail >= m.cfg.FailureThreshold && !m.degradingSignalled
		if degrading {
			m.degradingSignalled = true
		}
	}
	failures := m.consecFail
	m.mu.Unlock()

	if degrading && m.signal != nil {
		m.log.Warn("session degrading",
			"consecutive_failures", failures,
			"threshold", m.cfg.FailureThreshold)
		m.signal(VerdictDegrading)
	}
}

// MarkDataReceived stamps receipt of a market data response. Called by
// the request gate on every successful data call.
func (m *Monitor) MarkDataReceived() {
	m.mu.Lock()
	m.lastData = time.Now()
	m.staleSignalled = false
	m.mu.Unlock()
	metrics.DataStaleness.Set(0)
}

func (m *Monitor) checkStaleness() {
	m.mu.Lock()
	last := m.lastData
	signalled := m.staleSignalled
	stale := !last.IsZero() && time.Since(last) > m.cfg.StalenessThreshold
	if stale {
		m.staleSignalled = true
	}
	m.mu.Unlock()

	if last.IsZero() {
		return
	}

	age := time.Since(last)
	metrics.DataStaleness.Set(age.Seconds())

	if stale && !signalled && m.signal != nil {
		m.log.Warn("market data stale",
			"age", age.Round(time.Second),
			"threshold", m.cfg.StalenessThreshold)
		m.signal(VerdictStale)
	}
}

// Reset clears the probe counters after a reconnect so recovery counts
// start fresh. The staleness clock is NOT restarted: a reconnect does not
// make old data new, and staleness must keep accruing across reconnects
// or a session that reconnects cleanly but delivers nothing would never
// be caught. The clock starts on the first session instead of at
// construction so an idle process is not declared stale before it ever
// had data to receive.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecFail = 0
	m.consecOK = 0
	m.degradingSignalled = false
	if m.lastData.IsZero() {
		m.lastData = time.Now()
	}
}

// ConsecutiveHealthy returns the current run of ok samples. The
// degradation coordinator uses this for its recovery count.
func (m *Monitor) ConsecutiveHealthy() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.consecOK
}

// StaleFor returns how long data has been older than the threshold, or 0.
func (m *Monitor) StaleFor() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastData.IsZero() {
		return 0
	}
	over := time.Since(m.lastData) - m.cfg.StalenessThreshold
	if over < 0 {
		return 0
	}
	return over
}

// Snapshot returns a copy of the current monitor state.
func (m *Monitor) Snapshot() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r := Report{
		Samples:             make([]Sample, len(m.samples)),
		ConsecutiveFailures: m.consecFail,
		ConsecutiveHealthy:  m.consecOK,
		LastDataAt:          m.lastData,
	}
	copy(r.Samples, m.samples)
	if !m.lastData.IsZero() {
		r.DataAge = time.Since(m.lastData)
	}
	return r
}
