package manager

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kynara/pg-service-pools/pkg/model"
	"github.com/kynara/pg-service-pools/pkg/pool"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRow struct{ err error }

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) > 0 {
		if p, ok := dest[0].(*int); ok {
			*p = 1
		}
	}
	return nil
}

type fakePool struct {
	cfg      pool.Config
	queryErr error
	pingErr  error
	closed   bool
}

func (f *fakePool) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	return nil, errors.New("fake pool cannot acquire")
}

func (f *fakePool) AcquireFunc(ctx context.Context, fn func(*pgxpool.Conn) error) error {
	return fn(nil)
}

func (f *fakePool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{err: f.queryErr}
}

func (f *fakePool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, f.queryErr
}

func (f *fakePool) Ping(ctx context.Context) error { return f.pingErr }
func (f *fakePool) Stat() *pgxpool.Stat            { return nil }
func (f *fakePool) Sync() *sql.DB                  { return nil }
func (f *fakePool) PoolConfig() pool.Config        { return f.cfg }
func (f *fakePool) EmitStats()                     {}
func (f *fakePool) Close()                         { f.closed = true }

func newFakeManager(t *testing.T) (*Manager, map[pool.Classification]*fakePool) {
	t.Helper()
	configs, err := pool.BuildConfigs(nil)
	require.NoError(t, err)

	fakes := make(map[pool.Classification]*fakePool)
	m := New("postgres://ignored", configs, time.Second, zap.NewNop(), nil)
	m.openPool = func(ctx context.Context, class pool.Classification, cfg pool.Config) (Pool, error) {
		f := &fakePool{cfg: cfg}
		fakes[class] = f
		return f, nil
	}
	require.NoError(t, m.Initialize(context.Background()))
	return m, fakes
}

func TestInitializeFailsClosed(t *testing.T) {
	configs, err := pool.BuildConfigs(nil)
	require.NoError(t, err)

	built := make([]*fakePool, 0)
	m := New("postgres://ignored", configs, time.Second, zap.NewNop(), nil)
	m.openPool = func(ctx context.Context, class pool.Classification, cfg pool.Config) (Pool, error) {
		if class == pool.UsageTracking {
			return nil, errors.New("connection refused")
		}
		f := &fakePool{cfg: cfg}
		built = append(built, f)
		return f, nil
	}

	err = m.Initialize(context.Background())
	require.Error(t, err)

	// No partially-usable manager: everything built so far is disposed.
	for _, f := range built {
		require.True(t, f.closed)
	}
	err = m.WithSession(context.Background(), pool.Authentication, func(*pgxpool.Conn) error { return nil })
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestInitializeFailsClosedOnProbeFailure(t *testing.T) {
	configs, err := pool.BuildConfigs(nil)
	require.NoError(t, err)

	built := make([]*fakePool, 0)
	m := New("postgres://ignored", configs, time.Second, zap.NewNop(), nil)
	m.openPool = func(ctx context.Context, class pool.Classification, cfg pool.Config) (Pool, error) {
		f := &fakePool{cfg: cfg}
		if class == pool.BackgroundTasks {
			f.pingErr = errors.New("timeout")
		}
		built = append(built, f)
		return f, nil
	}

	require.Error(t, m.Initialize(context.Background()))
	for _, f := range built {
		require.True(t, f.closed)
	}
}

func TestHealthCheckCapturesErrorWithoutThrowing(t *testing.T) {
	m, fakes := newFakeManager(t)
	fakes[pool.LLM].queryErr = errors.New("connection reset by peer")

	snap := m.HealthCheck(context.Background(), pool.LLM)
	require.False(t, snap.Healthy)
	require.Contains(t, snap.Error, "connection reset")
	require.Equal(t, 1, snap.ConsecutiveFailures)
	require.Equal(t, pool.LLM, snap.Service)
}

func TestConsecutiveFailureCounterResetsOnSuccess(t *testing.T) {
	m, fakes := newFakeManager(t)
	fakes[pool.Authentication].queryErr = errors.New("down")

	for i := 1; i <= 3; i++ {
		snap := m.HealthCheck(context.Background(), pool.Authentication)
		require.Equal(t, i, snap.ConsecutiveFailures)
	}

	fakes[pool.Authentication].queryErr = nil
	snap := m.HealthCheck(context.Background(), pool.Authentication)
	require.True(t, snap.Healthy)
	require.Equal(t, 0, snap.ConsecutiveFailures)
	require.Equal(t, 0, m.FailureCount(pool.Authentication))
}

func TestHealthCheckAllCriticalRule(t *testing.T) {
	cases := []struct {
		name    string
		failing []pool.Classification
		want    model.OverallHealth
	}{
		{"all healthy", nil, model.OverallHealthy},
		{"llm down is degraded", []pool.Classification{pool.LLM}, model.OverallDegraded},
		{"usage and background down is degraded",
			[]pool.Classification{pool.UsageTracking, pool.BackgroundTasks}, model.OverallDegraded},
		{"auth down is critical", []pool.Classification{pool.Authentication}, model.OverallCritical},
		{"extension down is critical", []pool.Classification{pool.Extension}, model.OverallCritical},
		{"auth down among others is critical",
			[]pool.Classification{pool.Authentication, pool.LLM}, model.OverallCritical},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, fakes := newFakeManager(t)
			for _, class := range tc.failing {
				fakes[class].queryErr = errors.New("down")
			}
			agg := m.HealthCheckAll(context.Background())
			require.Equal(t, tc.want, agg.Overall)
			require.Len(t, agg.Services, len(pool.Classifications()))
		})
	}
}

func TestPoolMetricsTolerateMissingCounters(t *testing.T) {
	m, _ := newFakeManager(t)
	// The fake pool exposes no stat object at all; every counter reads
	// zero and the configured size is still reported.
	metrics := m.PoolMetrics(pool.Extension)
	require.Equal(t, int32(8), metrics.Size)
	require.Zero(t, metrics.CheckedOut)
	require.Zero(t, metrics.Overflow)
	require.Zero(t, metrics.Invalidated)
}

func TestCloseIsIdempotentAndRefusesSessions(t *testing.T) {
	m, fakes := newFakeManager(t)
	m.Close()
	m.Close()
	for _, f := range fakes {
		require.True(t, f.closed)
	}
	err := m.WithSession(context.Background(), pool.LLM, func(*pgxpool.Conn) error { return nil })
	require.ErrorIs(t, err, ErrManagerClosed)
	_, err = m.Acquire(context.Background(), pool.LLM)
	require.ErrorIs(t, err, ErrManagerClosed)
}

func TestHealthCheckUnknownClassification(t *testing.T) {
	m, _ := newFakeManager(t)
	snap := m.HealthCheck(context.Background(), pool.Classification("bogus"))
	require.False(t, snap.Healthy)
	require.NotEmpty(t, snap.Error)
}

func TestSessionsDrawFromOwnPoolOnly(t *testing.T) {
	m, fakes := newFakeManager(t)
	// Break every pool except authentication; an auth session must not
	// be affected by any other classification's pool state.
	for class, f := range fakes {
		if class != pool.Authentication {
			f.queryErr = errors.New("down")
		}
	}
	err := m.WithSession(context.Background(), pool.Authentication, func(*pgxpool.Conn) error { return nil })
	require.NoError(t, err)
	snap := m.HealthCheck(context.Background(), pool.Authentication)
	require.True(t, snap.Healthy)
}
