// Package database composes settings, the service-isolated manager and
// the health monitor into one lifecycle: probe, initialize, monitor,
// drain, close.
package database

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/kynara/pg-service-pools/pkg/health"
	"github.com/kynara/pg-service-pools/pkg/manager"
	"github.com/kynara/pg-service-pools/pkg/model"
	"github.com/kynara/pg-service-pools/pkg/pool"
	"go.uber.org/zap"
)

// Database is the composition root for the pool layer. Construct one
// explicitly and pass it down; there is deliberately no package-level
// singleton.
type Database struct {
	settings *model.Settings
	logger   *zap.Logger
	emitter  pool.MetricsEmitterFunction

	mu          sync.Mutex
	manager     *manager.Manager
	monitor     *health.Monitor
	legacyDB    *sql.DB
	initialized bool

	shuttingDown atomic.Bool
	sigCh        chan os.Signal
	stopShutdown chan struct{}
	shutdownOnce sync.Once
	stopOnce     sync.Once
}

func New(settings *model.Settings, logger *zap.Logger, emitter pool.MetricsEmitterFunction) *Database {
	return &Database{
		settings: settings,
		logger:   logger,
		emitter:  emitter,
	}
}

// Initialize runs a fast connectivity probe before building anything;
// an unreachable database costs one short timeout, not a hung boot. On
// probe or pool failure it returns false and leaves no partial state,
// supporting a degraded-mode boot that retries later.
func (d *Database) Initialize(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initialized {
		return true
	}

	dsn := d.settings.DSN()
	probeCtx, cancel := context.WithTimeout(ctx, d.settings.ConnectionTimeout)
	defer cancel()
	conn, err := pgx.Connect(probeCtx, dsn)
	if err != nil {
		d.logger.Error("database connectivity probe failed, entering degraded mode", zap.Error(err))
		return false
	}
	_ = conn.Close(probeCtx)

	configs, err := pool.BuildConfigs(d.settings.PoolOverrides())
	if err != nil {
		d.logger.Error("invalid pool configuration", zap.Error(err))
		return false
	}

	mgr := manager.New(dsn, configs, d.settings.QueryTimeout, d.logger, d.emitter)
	if err := mgr.Initialize(ctx); err != nil {
		d.logger.Error("service-isolated pool initialization failed", zap.Error(err))
		mgr.Close()
		return false
	}

	legacy, err := sql.Open("pgx", dsn)
	if err != nil {
		d.logger.Warn("legacy plain pool unavailable", zap.Error(err))
		legacy = nil
	}

	d.manager = mgr
	d.legacyDB = legacy
	d.monitor = health.NewMonitor(mgr, health.Options{
		MaxConnectionFailures: d.settings.MaxConnectionFailures,
		RetryDelay:            d.settings.ConnectionRetryDelay,
	}, d.logger)
	d.initialized = true
	d.logger.Info("database layer initialized")
	return true
}

// Manager exposes the pool manager for callers acquiring sessions.
// Nil until Initialize succeeds.
func (d *Database) Manager() *manager.Manager {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.manager
}

// StartMonitoring starts the background loop. Also invoked lazily by
// the first health query, so deferring it costs nothing.
func (d *Database) StartMonitoring() {
	d.mu.Lock()
	mon := d.monitor
	d.mu.Unlock()
	if mon != nil && !mon.Running() {
		mon.Start(d.settings.HealthCheckInterval)
	}
}

// SetupGracefulShutdown registers SIGTERM/SIGINT handling: flag, drain
// window, ordered close. No-op when disabled by configuration.
func (d *Database) SetupGracefulShutdown() {
	if !d.settings.EnableGracefulShutdown {
		return
	}
	d.shutdownOnce.Do(func() {
		d.sigCh = make(chan os.Signal, 1)
		d.stopShutdown = make(chan struct{})
		signal.Notify(d.sigCh, syscall.SIGTERM, syscall.SIGINT)
		go func() {
			select {
			case sig := <-d.sigCh:
				d.shuttingDown.Store(true)
				d.logger.Info("shutdown signal received, draining",
					zap.String("signal", sig.String()),
					zap.Duration("drain_window", d.settings.ShutdownTimeout))
				time.Sleep(d.settings.ShutdownTimeout)
				d.Cleanup()
			case <-d.stopShutdown:
			}
		}()
	})
}

// ShuttingDown reports whether a termination signal has been observed.
func (d *Database) ShuttingDown() bool {
	return d.shuttingDown.Load()
}

// Cleanup tears everything down in order: shutdown task, monitor,
// manager, legacy pool. Idempotent, tolerates components that were
// never initialized and never returns an error; per-step failures are
// logged and swallowed so a process exit handler can call it
// unconditionally.
func (d *Database) Cleanup() {
	d.stopOnce.Do(func() {
		if d.sigCh != nil {
			signal.Stop(d.sigCh)
		}
		if d.stopShutdown != nil {
			close(d.stopShutdown)
		}
	})

	d.mu.Lock()
	mon := d.monitor
	mgr := d.manager
	legacy := d.legacyDB
	d.monitor = nil
	d.manager = nil
	d.legacyDB = nil
	d.initialized = false
	d.mu.Unlock()

	if mon != nil {
		d.safely("stop health monitor", mon.Stop)
	}
	if mgr != nil {
		d.safely("close pool manager", mgr.Close)
	}
	if legacy != nil {
		d.safely("close legacy pool", func() {
			if err := legacy.Close(); err != nil {
				d.logger.Warn("legacy pool close failed", zap.Error(err))
			}
		})
	}
	d.logger.Info("database cleanup complete")
}

func (d *Database) safely(step string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("cleanup step panicked", zap.String("step", step), zap.Any("panic", r))
		}
	}()
	fn()
}

// Health produces the outbound health payload. During an outage it
// still returns a well-formed unavailable payload; callers never see an
// error from this path.
func (d *Database) Health(ctx context.Context) model.HealthPayload {
	payload := model.HealthPayload{
		Status:        string(health.StatusUnavailable),
		Configuration: d.settings.Public(),
	}
	d.mu.Lock()
	mon := d.monitor
	mgr := d.manager
	d.mu.Unlock()
	if mon == nil || mgr == nil {
		payload.PoolInfo.PoolStatus = "uninitialized"
		return payload
	}

	d.StartMonitoring()
	agg := mon.Check(ctx)

	payload.Status = string(agg.Overall)
	payload.Healthy = agg.Overall == model.OverallHealthy
	if snap, ok := agg.Services[pool.Default]; ok {
		payload.ResponseTimeMS = snap.ResponseTimeMS
	}

	pm := mgr.PoolMetrics(pool.Default)
	payload.PoolInfo = model.PoolInfo{
		PoolSize:          int(pm.Size),
		ActiveConnections: int(pm.CheckedOut + pm.CheckedIn),
		CheckedOut:        int(pm.CheckedOut),
		Overflow:          int(pm.Overflow),
		PoolStatus:        string(mon.Status()),
	}
	return payload
}

// Check runs an on-demand aggregate health check through the monitor's
// code path.
func (d *Database) Check(ctx context.Context) (model.AggregateHealth, bool) {
	d.mu.Lock()
	mon := d.monitor
	d.mu.Unlock()
	if mon == nil {
		return model.AggregateHealth{}, false
	}
	return mon.Check(ctx), true
}

// Interference evaluates the interference rules against the most recent
// snapshot, running a fresh check when none exists yet.
func (d *Database) Interference(ctx context.Context) (model.InterferenceReport, bool) {
	d.mu.Lock()
	mon := d.monitor
	d.mu.Unlock()
	if mon == nil {
		return model.InterferenceReport{}, false
	}
	agg, ok := mon.Latest()
	if !ok {
		agg = mon.Check(ctx)
	}
	return health.DetectInterference(agg, health.DefaultThresholds()), true
}

// History exposes the monitor's trailing-window snapshots.
func (d *Database) History(window time.Duration) []model.AggregateHealth {
	d.mu.Lock()
	mon := d.monitor
	d.mu.Unlock()
	if mon == nil {
		return nil
	}
	return mon.History(window)
}
