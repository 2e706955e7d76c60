// Package manager owns one isolated connection pool per service
// classification and mediates all access to them.
package manager

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kynara/pg-service-pools/pkg/model"
	"github.com/kynara/pg-service-pools/pkg/pool"
	"go.uber.org/zap"
)

var (
	ErrManagerClosed         = errors.New("manager is closed")
	ErrNotInitialized        = errors.New("manager is not initialized")
	ErrUnknownClassification = errors.New("unknown service classification")
)

var healthQuery = `SELECT 1`

// Pool is the per-classification handle surface the manager drives.
// *pool.ServicePool satisfies it; tests inject fakes.
type Pool interface {
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
	AcquireFunc(ctx context.Context, f func(*pgxpool.Conn) error) error
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Stat() *pgxpool.Stat
	Sync() *sql.DB
	PoolConfig() pool.Config
	EmitStats()
	Close()
}

// Manager holds exactly one Pool per classification. A session obtained
// for one classification can never draw from another's pool; the lookup
// is by enum key into an exclusively owned handle.
type Manager struct {
	dsn          string
	configs      map[pool.Classification]pool.Config
	queryTimeout time.Duration
	logger       *zap.Logger
	emitter      pool.MetricsEmitterFunction

	openPool func(ctx context.Context, class pool.Classification, cfg pool.Config) (Pool, error)

	mu       sync.RWMutex
	pools    map[pool.Classification]Pool
	failures map[pool.Classification]*atomic.Int64

	closed atomic.Bool
	once   sync.Once
}

func New(dsn string, configs map[pool.Classification]pool.Config, queryTimeout time.Duration,
	logger *zap.Logger, emitter pool.MetricsEmitterFunction,
) *Manager {
	m := &Manager{
		dsn:          dsn,
		configs:      configs,
		queryTimeout: queryTimeout,
		logger:       logger,
		emitter:      emitter,
		failures:     make(map[pool.Classification]*atomic.Int64),
	}
	for _, class := range pool.Classifications() {
		m.failures[class] = &atomic.Int64{}
	}
	m.openPool = func(ctx context.Context, class pool.Classification, cfg pool.Config) (Pool, error) {
		return pool.Open(ctx, dsn, class, cfg, logger, emitter)
	}
	return m
}

// Initialize builds every classification's pool and probes each with a
// round trip. Fail-closed: any probe failure disposes everything built
// so far and leaves the manager without handles; the caller may retry.
func (m *Manager) Initialize(ctx context.Context) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pools != nil {
		return nil
	}

	built := make(map[pool.Classification]Pool, len(m.configs))
	for _, class := range pool.Classifications() {
		cfg, ok := m.configs[class]
		if !ok {
			closeAll(built)
			return fmt.Errorf("no pool config for classification %s", class)
		}
		p, err := m.openPool(ctx, class, cfg)
		if err != nil {
			closeAll(built)
			return fmt.Errorf("initialize pool for %s: %w", class, err)
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			closeAll(built)
			return fmt.Errorf("connectivity probe for %s: %w", class, err)
		}
		built[class] = p
	}

	m.pools = built
	m.logger.Info("service-isolated pools initialized", zap.Int("pools", len(built)))
	return nil
}

func closeAll(pools map[pool.Classification]Pool) {
	for _, p := range pools {
		p.Close()
	}
}

func (m *Manager) poolFor(class pool.Classification) (Pool, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.pools == nil {
		return nil, ErrNotInitialized
	}
	p, ok := m.pools[class]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClassification, class)
	}
	return p, nil
}

// WithSession runs fn with a connection from the classification's pool.
// The connection is released on every exit path.
func (m *Manager) WithSession(ctx context.Context, class pool.Classification, fn func(*pgxpool.Conn) error) error {
	p, err := m.poolFor(class)
	if err != nil {
		return err
	}
	return p.AcquireFunc(ctx, fn)
}

// Acquire hands out a connection the caller must Release.
func (m *Manager) Acquire(ctx context.Context, class pool.Classification) (*pgxpool.Conn, error) {
	p, err := m.poolFor(class)
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx)
}

// Sync returns the classification's synchronous engine.
func (m *Manager) Sync(class pool.Classification) (*sql.DB, error) {
	p, err := m.poolFor(class)
	if err != nil {
		return nil, err
	}
	return p.Sync(), nil
}

// HealthCheck issues a timed round trip against one classification's
// pool. Never returns an error; failures are folded into the snapshot
// and the classification's rolling failure counter.
func (m *Manager) HealthCheck(ctx context.Context, class pool.Classification) model.HealthSnapshot {
	start := time.Now()
	snap := model.HealthSnapshot{Service: class, Timestamp: start}

	p, err := m.poolFor(class)
	if err != nil {
		snap.Error = err.Error()
		snap.ConsecutiveFailures = m.bumpFailure(class)
		return snap
	}

	qCtx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()
	var one int
	err = p.QueryRow(qCtx, healthQuery).Scan(&one)
	snap.ResponseTimeMS = float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		snap.Error = err.Error()
		snap.ConsecutiveFailures = m.bumpFailure(class)
		m.logger.Warn("health check failed",
			zap.String("classification", string(class)), zap.Error(err))
	} else {
		snap.Healthy = true
		m.failures[class].Store(0)
	}

	snap.Pool = m.PoolMetrics(class)
	p.EmitStats()
	return snap
}

// HealthCheckAll checks every classification concurrently; each one
// owns an exclusive handle so there is no shared mutable state to
// order around.
func (m *Manager) HealthCheckAll(ctx context.Context) model.AggregateHealth {
	var wg sync.WaitGroup
	var mu sync.Mutex
	services := make(map[pool.Classification]model.HealthSnapshot, len(pool.Classifications()))

	for _, class := range pool.Classifications() {
		wg.Add(1)
		go func(class pool.Classification) {
			defer wg.Done()
			snap := m.HealthCheck(ctx, class)
			mu.Lock()
			services[class] = snap
			mu.Unlock()
		}(class)
	}
	wg.Wait()

	return model.Aggregate(services)
}

// PoolMetrics reads occupancy counters without issuing a query.
// Counters the pool does not expose yield zero.
func (m *Manager) PoolMetrics(class pool.Classification) model.PoolMetrics {
	p, err := m.poolFor(class)
	if err != nil {
		return model.PoolMetrics{}
	}
	cfg := p.PoolConfig()
	metrics := model.PoolMetrics{Size: int32(cfg.PoolSize)}

	stat := p.Stat()
	if stat == nil {
		return metrics
	}
	metrics.CheckedOut = stat.AcquiredConns()
	metrics.CheckedIn = stat.IdleConns()
	if over := stat.TotalConns() - int32(cfg.PoolSize); over > 0 {
		metrics.Overflow = over
	}
	metrics.Invalidated = stat.MaxLifetimeDestroyCount() + stat.MaxIdleDestroyCount()
	return metrics
}

func (m *Manager) bumpFailure(class pool.Classification) int {
	c, ok := m.failures[class]
	if !ok {
		return 1
	}
	return int(c.Add(1))
}

// FailureCount reports the rolling consecutive-failure counter for one
// classification.
func (m *Manager) FailureCount(class pool.Classification) int {
	c, ok := m.failures[class]
	if !ok {
		return 0
	}
	return int(c.Load())
}

// Close disposes every classification's engines. Idempotent; new
// acquisitions are refused once teardown begins.
func (m *Manager) Close() {
	m.once.Do(func() {
		m.closed.Store(true)
		m.mu.Lock()
		defer m.mu.Unlock()
		for class, p := range m.pools {
			p.Close()
			m.logger.Debug("disposed pool", zap.String("classification", string(class)))
		}
		m.pools = nil
		m.logger.Info("service-isolated manager closed")
	})
}
