package pool

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

// PGXConnPool is the subset of the pgxpool surface the manager needs.
// Kept as an interface so health-check logic can be tested against
// fakes without a live database.
type PGXConnPool interface {
	Close()
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
	AcquireFunc(ctx context.Context, f func(*pgxpool.Conn) error) error
	Config() *pgxpool.Config
	Stat() *pgxpool.Stat
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

type (
	Metric struct {
		Key   string
		Value float64
	}
	MetricsTag struct {
		Key   string
		Value string
	}
	// MetricsEmitterFunction receives either a *pgxpool.Stat or a raw Metric.
	MetricsEmitterFunction func(metrics interface{}, tags []MetricsTag)
)

// innerPoolHealthCheckPeriod keeps pgxpool's own background check
// unaggressive since the monitor runs its own validation loop.
const innerPoolHealthCheckPeriod = time.Minute * 5

var _ PGXConnPool = (*ServicePool)(nil)

// ServicePool owns the connection handles for one classification: a
// pgxpool.Pool for async call sites and a database/sql handle over the
// pgx stdlib driver for synchronous callers. Both are bound to the same
// DSN and Config and are never shared across classifications.
type ServicePool struct {
	class          Classification
	cfg            Config
	innerPool      *pgxpool.Pool
	syncDB         *sql.DB
	logger         *zap.Logger
	metricsEmitter MetricsEmitterFunction
	closeOnce      sync.Once
}

// Open builds both engines for a classification and verifies
// connectivity with a round trip before returning. The returned pool is
// fully usable or an error; never half-constructed.
func Open(ctx context.Context, dsn string, class Classification, cfg Config,
	logger *zap.Logger, emitter MetricsEmitterFunction,
) (*ServicePool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pool config for %s: %w", class, err)
	}
	pgxCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn for %s: %w", class, err)
	}
	pgxCfg.MaxConns = cfg.MaxConns()
	pgxCfg.MinConns = int32(cfg.PoolSize)
	pgxCfg.MaxConnLifetime = cfg.Recycle
	pgxCfg.HealthCheckPeriod = innerPoolHealthCheckPeriod
	if cfg.PrePing {
		pgxCfg.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
			return conn.Ping(ctx) == nil
		}
	}

	inner, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool for %s: %w", class, err)
	}
	if err := inner.Ping(ctx); err != nil {
		inner.Close()
		return nil, fmt.Errorf("ping pool for %s: %w", class, err)
	}

	syncDB := stdlib.OpenDB(*pgxCfg.ConnConfig)
	syncDB.SetMaxOpenConns(int(cfg.MaxConns()))
	syncDB.SetMaxIdleConns(cfg.PoolSize)
	syncDB.SetConnMaxLifetime(cfg.Recycle)

	logger.Info("opened service pool",
		zap.String("classification", string(class)),
		zap.Int("pool_size", cfg.PoolSize),
		zap.Int("max_overflow", cfg.MaxOverflow),
		zap.String("priority", string(cfg.Priority)))

	return &ServicePool{
		class:          class,
		cfg:            cfg,
		innerPool:      inner,
		syncDB:         syncDB,
		logger:         logger,
		metricsEmitter: emitter,
	}, nil
}

func (p *ServicePool) Classification() Classification { return p.class }

func (p *ServicePool) PoolConfig() Config { return p.cfg }

// Sync exposes the synchronous engine.
func (p *ServicePool) Sync() *sql.DB { return p.syncDB }

// Acquire hands out a pooled connection, bounded by the classification's
// acquire timeout so a starved pool fails the caller instead of hanging.
func (p *ServicePool) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	tCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()
	return p.innerPool.Acquire(tCtx)
}

// AcquireFunc runs f with a pooled connection and releases it on every
// exit path, including panics inside f.
func (p *ServicePool) AcquireFunc(ctx context.Context, f func(*pgxpool.Conn) error) error {
	tCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()
	return p.innerPool.AcquireFunc(tCtx, f)
}

func (p *ServicePool) Config() *pgxpool.Config { return p.innerPool.Config() }

func (p *ServicePool) Stat() *pgxpool.Stat { return p.innerPool.Stat() }

func (p *ServicePool) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return p.innerPool.Exec(ctx, sql, arguments...)
}

func (p *ServicePool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.innerPool.Query(ctx, sql, args...)
}

func (p *ServicePool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.innerPool.QueryRow(ctx, sql, args...)
}

func (p *ServicePool) Ping(ctx context.Context) error {
	return p.innerPool.Ping(ctx)
}

// EmitStats logs current pool occupancy and forwards it to the metrics
// emitter when one is wired.
func (p *ServicePool) EmitStats() {
	stats := p.Stat()
	p.logger.Debug("pool stats",
		zap.String("classification", string(p.class)),
		zap.Int64("acquired", int64(stats.AcquiredConns())),
		zap.Int64("idle", int64(stats.IdleConns())),
		zap.Int64("max", int64(stats.MaxConns())))
	if p.metricsEmitter != nil {
		tags := []MetricsTag{{"service", string(p.class)}}
		p.metricsEmitter(stats, tags)
	}
}

// Close disposes both engines. Idempotent.
func (p *ServicePool) Close() {
	p.closeOnce.Do(func() {
		p.innerPool.Close()
		if err := p.syncDB.Close(); err != nil {
			p.logger.Warn("sync engine close resulted in error",
				zap.String("classification", string(p.class)), zap.Error(err))
		}
		p.logger.Info("closed service pool", zap.String("classification", string(p.class)))
	})
}
