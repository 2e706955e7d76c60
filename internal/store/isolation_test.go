package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kynara/pg-service-pools/pkg/manager"
	"github.com/kynara/pg-service-pools/pkg/model"
	"github.com/kynara/pg-service-pools/pkg/pool"
	"github.com/stretchr/testify/require"
)

// Exhausting one classification's pool must not block acquisition for a
// different classification; the isolation is the whole point.
func TestPoolIsolationUnderExhaustion(t *testing.T) {
	if testing.Short() {
		return
	}
	dbContainer, dsn, err := SetupTestDatabase("../../migrations")
	require.NoError(t, err)
	defer dbContainer.Terminate(context.Background())

	logger, err := SetupLogging("info")
	require.NoError(t, err)

	configs, err := pool.BuildConfigs(nil)
	require.NoError(t, err)
	// Small LLM pool with a short acquire timeout keeps the test fast.
	configs[pool.LLM] = pool.Config{
		PoolSize: 2, MaxOverflow: 1, Recycle: time.Hour,
		AcquireTimeout: 2 * time.Second, Priority: pool.PriorityMedium,
	}

	ctx := context.Background()
	mgr := manager.New(dsn, configs, 5*time.Second, logger, nil)
	require.NoError(t, mgr.Initialize(ctx))
	defer mgr.Close()

	// Drain the LLM pool completely: pool_size + max_overflow holds.
	held := make([]*pgxpool.Conn, 0, 3)
	for i := 0; i < 3; i++ {
		conn, err := mgr.Acquire(ctx, pool.LLM)
		require.NoError(t, err)
		held = append(held, conn)
	}
	defer func() {
		for _, c := range held {
			c.Release()
		}
	}()

	// A further LLM acquire times out...
	_, err = mgr.Acquire(ctx, pool.LLM)
	require.Error(t, err)

	// ...while authentication remains immediately serviceable.
	start := time.Now()
	err = mgr.WithSession(ctx, pool.Authentication, func(conn *pgxpool.Conn) error {
		var one int
		return conn.QueryRow(ctx, "SELECT 1").Scan(&one)
	})
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestHealthCheckAllAgainstLiveDatabase(t *testing.T) {
	if testing.Short() {
		return
	}
	dbContainer, dsn, err := SetupTestDatabase("../../migrations")
	require.NoError(t, err)
	defer dbContainer.Terminate(context.Background())

	logger, err := SetupLogging("info")
	require.NoError(t, err)

	configs, err := pool.BuildConfigs(nil)
	require.NoError(t, err)

	ctx := context.Background()
	mgr := manager.New(dsn, configs, 5*time.Second, logger, nil)
	require.NoError(t, mgr.Initialize(ctx))
	defer mgr.Close()

	agg := mgr.HealthCheckAll(ctx)
	require.Equal(t, model.OverallHealthy, agg.Overall)
	require.True(t, agg.AuthHealthy)
	require.True(t, agg.ExtensionHealthy)
	require.Len(t, agg.Services, len(pool.Classifications()))

	// Record the result through a scoped session; the log table comes
	// from the repo migrations.
	for _, class := range pool.Classifications() {
		snap := agg.Services[class]
		err := mgr.WithSession(ctx, pool.UsageTracking, func(conn *pgxpool.Conn) error {
			_, err := conn.Exec(ctx,
				`INSERT INTO service_health_log (service, healthy, response_ms) VALUES ($1, $2, $3)`,
				string(snap.Service), snap.Healthy, snap.ResponseTimeMS)
			return err
		})
		require.NoError(t, err)
	}

	var logged int
	err = mgr.WithSession(ctx, pool.Default, func(conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx, `SELECT COUNT(*) FROM service_health_log`).Scan(&logged)
	})
	require.NoError(t, err)
	require.Equal(t, len(pool.Classifications()), logged)
}

func TestManagerRefusesSessionsAfterClose(t *testing.T) {
	if testing.Short() {
		return
	}
	dbContainer, dsn, err := SetupTestDatabase("../../migrations")
	require.NoError(t, err)
	defer dbContainer.Terminate(context.Background())

	logger, err := SetupLogging("info")
	require.NoError(t, err)

	configs, err := pool.BuildConfigs(nil)
	require.NoError(t, err)

	ctx := context.Background()
	mgr := manager.New(dsn, configs, 5*time.Second, logger, nil)
	require.NoError(t, mgr.Initialize(ctx))

	mgr.Close()
	mgr.Close() // idempotent

	err = mgr.WithSession(ctx, pool.Authentication, func(conn *pgxpool.Conn) error { return nil })
	require.ErrorIs(t, err, manager.ErrManagerClosed)
}
