package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kynara/pg-service-pools/pkg/database"
	"github.com/kynara/pg-service-pools/pkg/metrics"
	"github.com/kynara/pg-service-pools/pkg/model"
	"github.com/kynara/pg-service-pools/pkg/pool"
	"go.uber.org/zap"
)

type appContext struct {
	DB     *database.Database
	Logger *zap.Logger
}

func main() {
	settings, err := model.LoadSettings()
	if err != nil {
		log.Fatal(err)
	}
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	logger, err := SetupLogging(logLevel)
	if err != nil {
		log.Fatal(err)
	}
	if err := metrics.Configure("", "pg_service_pools.", logger); err != nil {
		logger.Warn("metrics disabled", zap.Error(err))
	}

	db := database.New(settings, logger, statsEmitter(logger))
	if !db.Initialize(context.Background()) {
		// Degraded-mode boot: keep serving so the health endpoint can
		// report the outage instead of the process flapping.
		logger.Warn("starting in degraded mode, database unavailable")
	} else {
		db.StartMonitoring()
	}
	db.SetupGracefulShutdown()
	defer db.Cleanup()

	ac := &appContext{
		DB:     db,
		Logger: logger,
	}
	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = "0.0.0.0:8080"
	}
	ac.Logger.Info("Application is running", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, ac.routes()); err != nil {
		logger.Error("server exited", zap.Error(err))
	}
}

// statsEmitter forwards pool stats to DogStatsD.
func statsEmitter(logger *zap.Logger) pool.MetricsEmitterFunction {
	return func(m interface{}, tags []pool.MetricsTag) {
		statsdTags := make([]string, 0, len(tags))
		for _, t := range tags {
			statsdTags = append(statsdTags, t.Key+":"+t.Value)
		}
		switch v := m.(type) {
		case pool.Metric:
			go metrics.Gauge(v.Key, v.Value, statsdTags...)
		case *pgxpool.Stat:
			go func() {
				metrics.Gauge("pool_acquired_conns", float64(v.AcquiredConns()), statsdTags...)
				metrics.Gauge("pool_idle_conns", float64(v.IdleConns()), statsdTags...)
				metrics.Gauge("pool_total_conns", float64(v.TotalConns()), statsdTags...)
			}()
		default:
			logger.Debug("unhandled metrics payload")
		}
	}
}
