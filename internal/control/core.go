package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/vietddude/gwcore/internal/core/config"
	"github.com/vietddude/gwcore/internal/core/domain"
	"github.com/vietddude/gwcore/internal/degrade"
	"github.com/vietddude/gwcore/internal/gate"
	"github.com/vietddude/gwcore/internal/health"
	"github.com/vietddude/gwcore/internal/infra/gateway"
	redisclient "github.com/vietddude/gwcore/internal/infra/redis"
	"github.com/vietddude/gwcore/internal/infra/storage"
	"github.com/vietddude/gwcore/internal/infra/storage/memory"
	"github.com/vietddude/gwcore/internal/infra/storage/postgres"
	"github.com/vietddude/gwcore/internal/retry"
	"github.com/vietddude/gwcore/internal/session"
)

// Core is the main application struct that wires the session manager,
// request gate, health monitor, and degradation coordinator together and
// manages their lifecycle.
type Core struct {
	cfg         config.AppConfig
	transport   gateway.Transport
	manager     *session.Manager
	monitor     *health.Monitor
	gate        *gate.Gate
	coordinator *degrade.Coordinator
	opsServer   *Server
	journal     storage.EventJournal
	db          *postgres.DB
	redisClient *redisclient.Client
	log         *slog.Logger
}

// New creates a Core instance with all dependencies initialized.
// PostgreSQL and Redis are optional; without them the journal is
// in-memory and operator signals come through the ops HTTP server only.
func New(cfg config.AppConfig) (*Core, error) {
	log := slog.Default()

	// 1. Storage for the audit journal
	var journal storage.EventJournal
	var db *postgres.DB

	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := goose.SetDialect("postgres"); err != nil {
			return nil, err
		}
		if err := goose.Up(db.DB.DB, "migrations"); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		journal = postgres.NewJournalRepo(db)
		log.Info("Using PostgreSQL journal")
	} else {
		journal = memory.NewJournal()
		log.Info("Using in-memory journal")
	}

	// 2. Operator signal store
	var redisClient *redisclient.Client
	var signals degrade.OperatorSignals
	if cfg.Redis.URL != "" {
		var err error
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			log.Warn("Failed to connect to Redis, operator signals disabled", "error", err)
		} else {
			signals = redisClient
		}
	}

	// 3. Gateway transport
	transport := gateway.NewClient(gateway.Config{
		Host:   cfg.Gateway.Host,
		Port:   cfg.Gateway.Port,
		UseTLS: cfg.Gateway.UseTLS,
	}, cfg.Gateway.RequestTimeout, log)

	// 4. Health monitor. Wiring to the session manager happens below;
	// the signal closure captures the manager variable.
	var manager *session.Manager
	monitor := health.NewMonitor(health.Config{
		ProbeInterval:      cfg.Health.ProbeInterval,
		ProbeTimeout:       cfg.Health.ProbeTimeout,
		FailureThreshold:   cfg.Health.FailureThreshold,
		StalenessThreshold: cfg.Health.StalenessThreshold,
		SampleWindow:       cfg.Health.SampleWindow,
	}, transport, func(v health.Verdict) {
		// Probe failures and staleness both mean the session cannot be
		// trusted; either way the cure is a fresh session. Persistent
		// staleness past the grace period additionally enters safe mode
		// via the coordinator's own evaluation loop.
		manager.ForceReconnect(v.String())
	}, log)

	// 5. Degradation coordinator
	coordinator := degrade.New(degrade.Config{
		RecoveryHealthySamples: cfg.Degrade.RecoveryHealthySamples,
		EvalInterval:           cfg.Degrade.EvalInterval,
		StaleGracePeriod:       cfg.Degrade.StaleGracePeriod,
	}, journal, signals, func() domain.SessionState { return manager.CurrentState() },
		monitor.ConsecutiveHealthy, monitor.StaleFor,
		func(cause string) { manager.ForceReconnect(cause) }, log)

	// 6. Session manager
	manager = session.NewManager(session.Config{
		ClientIDBase:   cfg.Session.ClientIDBase,
		StartupTimeout: cfg.Gateway.StartupTimeout,
		QualifyTimeout: cfg.Session.QualifyTimeout,
	}, retry.Policy{
		InitialDelay:    cfg.Session.InitialBackoff,
		MaxDelay:        cfg.Session.MaxBackoff,
		MaxAttempts:     cfg.Session.MaxAttempts,
		AuthPendingWait: cfg.Session.AuthPendingWait,
		JitterFraction:  retry.DefaultPolicy.JitterFraction,
	}, transport, log, coordinator.Trigger, monitor.Reset)

	// 7. Request gate
	requestGate := gate.New(gate.Config{
		MaxInFlight:       cfg.Gate.MaxInFlight,
		HistoricalMaxSpan: cfg.Gate.HistoricalMaxSpan,
		HistoricalMaxBars: cfg.Gate.HistoricalMaxBars,
		DefaultTimeout:    cfg.Gate.DefaultTimeout,
	}, manager, transport, monitor, log)

	c := &Core{
		cfg:         cfg,
		transport:   transport,
		manager:     manager,
		monitor:     monitor,
		gate:        requestGate,
		coordinator: coordinator,
		journal:     journal,
		db:          db,
		redisClient: redisClient,
		log:         log,
	}
	c.opsServer = NewServer(c, cfg.Server.Port)
	return c, nil
}

// Gate returns the validated request surface for strategy code.
func (c *Core) Gate() *gate.Gate { return c.gate }

// SafeModeActive reports whether capital-preservation mode is in force.
func (c *Core) SafeModeActive() bool { return c.coordinator.SafeModeActive() }

// Start brings the whole stack up and initiates the first connection.
func (c *Core) Start(ctx context.Context) error {
	go func() {
		if err := c.opsServer.Start(); err != nil {
			c.log.Error("Ops server failed", "error", err)
		}
	}()

	if c.db != nil {
		c.db.StartMetricsCollector(ctx)
	}

	c.manager.Start()
	c.monitor.Start(ctx)
	c.coordinator.Start(ctx)
	go c.journalTransitions(ctx)

	c.manager.Connect()
	return nil
}

// Stop shuts the stack down in dependency order: stop initiating new
// work first, then tear the session down, then close the stores.
func (c *Core) Stop(ctx context.Context) error {
	c.log.Info("Stopping core...")

	c.coordinator.Stop()
	c.monitor.Stop()
	c.manager.Stop()

	if c.redisClient != nil {
		if err := c.redisClient.Close(); err != nil {
			c.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if err := c.journal.Close(); err != nil {
		c.log.Warn("Failed to close journal", "error", err)
	}
	return c.opsServer.Stop(ctx)
}

// journalTransitions records every session state change for audit.
func (c *Core) journalTransitions(ctx context.Context) {
	changes := c.manager.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := c.journal.AppendStateChange(wctx, ch); err != nil {
				c.log.Warn("journal state change failed", "error", err)
			}
			cancel()
		}
	}
}
