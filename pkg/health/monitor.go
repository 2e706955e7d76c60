// Package health runs the periodic database health loop and derives
// status transitions from aggregate check results.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kynara/pg-service-pools/pkg/metrics"
	"github.com/kynara/pg-service-pools/pkg/model"
	"github.com/kynara/pg-service-pools/pkg/pool"
	"go.uber.org/zap"
)

// Status is the monitor's view of the database layer as a whole.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
)

const defaultHistoryCapacity = 100

// Checker produces one aggregate health result. manager.Manager is the
// production implementation.
type Checker interface {
	HealthCheckAll(ctx context.Context) model.AggregateHealth
}

// Options tunes the monitor's state machine.
type Options struct {
	MaxConnectionFailures int
	RetryDelay            time.Duration
	HistoryCapacity       int
}

// Monitor polls a Checker on a fixed interval, keeps a bounded history
// of aggregate snapshots and transitions between healthy, degraded and
// unavailable on consecutive failures.
type Monitor struct {
	checker     Checker
	logger      *zap.Logger
	maxFailures int
	retryDelay  backoff.BackOff
	historyCap  int

	mu                  sync.Mutex
	status              Status
	consecutiveFailures int
	lastSuccess         time.Time
	recoveryAttempts    int
	nextRecoveryAttempt time.Time
	history             []model.AggregateHealth

	loopMu sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

func NewMonitor(checker Checker, opts Options, logger *zap.Logger) *Monitor {
	maxFailures := opts.MaxConnectionFailures
	if maxFailures <= 0 {
		maxFailures = 5
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 10 * time.Second
	}
	historyCap := opts.HistoryCapacity
	if historyCap <= 0 {
		historyCap = defaultHistoryCapacity
	}
	return &Monitor{
		checker:     checker,
		logger:      logger,
		maxFailures: maxFailures,
		// Fixed-delay recovery scheduling; no exponential multiplier.
		retryDelay: backoff.NewConstantBackOff(retryDelay),
		historyCap: historyCap,
		status:     StatusHealthy,
	}
}

// Start begins the background polling loop. Starting an already-running
// monitor is a no-op; there is never more than one loop.
func (m *Monitor) Start(interval time.Duration) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.stopCh != nil {
		return
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.loop(interval, m.stopCh, m.doneCh)
	m.logger.Info("health monitor started", zap.Duration("interval", interval))
}

// Stop cancels the loop and waits for it to exit. After Stop returns no
// further checks fire and no snapshot is appended to history.
func (m *Monitor) Stop() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	<-m.doneCh
	m.stopCh = nil
	m.doneCh = nil
	m.logger.Info("health monitor stopped")
}

// Running reports whether the polling loop is live.
func (m *Monitor) Running() bool {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	return m.stopCh != nil
}

func (m *Monitor) loop(interval time.Duration, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			m.logger.Info("health monitor loop exited")
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Monitor) tick() {
	m.mu.Lock()
	if m.status == StatusUnavailable {
		if time.Now().Before(m.nextRecoveryAttempt) {
			m.mu.Unlock()
			return
		}
		m.recoveryAttempts++
		m.logger.Info("attempting database recovery",
			zap.Int("attempt", m.recoveryAttempts))
	}
	m.mu.Unlock()

	m.Check(context.Background())
}

// Check runs one aggregate health check and applies the state machine.
// Shared by the background loop and on-demand callers so both follow
// the same code path. A panicking checker degrades the result instead
// of escaping.
func (m *Monitor) Check(ctx context.Context) model.AggregateHealth {
	agg := m.safeCheck(ctx)
	m.observe(agg)
	return agg
}

func (m *Monitor) safeCheck(ctx context.Context) (agg model.AggregateHealth) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health check panicked", zap.Any("panic", r))
			agg = model.AggregateHealth{
				Overall:   model.OverallCritical,
				Services:  map[pool.Classification]model.HealthSnapshot{},
				Timestamp: time.Now(),
			}
		}
	}()
	return m.checker.HealthCheckAll(ctx)
}

func (m *Monitor) observe(agg model.AggregateHealth) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, agg)
	if len(m.history) > m.historyCap {
		m.history = m.history[len(m.history)-m.historyCap:]
	}

	if agg.Overall == model.OverallHealthy {
		if m.status != StatusHealthy {
			m.logger.Info("database recovered", zap.String("from", string(m.status)))
		}
		m.status = StatusHealthy
		m.consecutiveFailures = 0
		m.recoveryAttempts = 0
		m.lastSuccess = agg.Timestamp
		go metrics.Gauge("db_monitor_consecutive_failures", 0, "status:healthy")
		return
	}

	m.consecutiveFailures++
	switch {
	case m.consecutiveFailures >= m.maxFailures:
		if m.status != StatusUnavailable {
			m.logger.Error("database unavailable",
				zap.Int("consecutive_failures", m.consecutiveFailures))
		}
		m.status = StatusUnavailable
		m.nextRecoveryAttempt = time.Now().Add(m.retryDelay.NextBackOff())
	default:
		if m.status == StatusHealthy {
			m.logger.Warn("database degraded", zap.String("overall", string(agg.Overall)))
		}
		m.status = StatusDegraded
	}
	go metrics.Gauge("db_monitor_consecutive_failures",
		float64(m.consecutiveFailures), "status:"+string(m.status))
}

// Status returns the current monitor state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// ConsecutiveFailures returns the current failure streak.
func (m *Monitor) ConsecutiveFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveFailures
}

// RecoveryAttempts counts checks fired while unavailable.
func (m *Monitor) RecoveryAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recoveryAttempts
}

// LastSuccess is the timestamp of the most recent healthy aggregate.
func (m *Monitor) LastSuccess() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSuccess
}

// History returns snapshots within the trailing window, oldest first.
// Safe to call repeatedly; never mutates the ring.
func (m *Monitor) History(window time.Duration) []model.AggregateHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-window)
	out := make([]model.AggregateHealth, 0, len(m.history))
	for _, agg := range m.history {
		if agg.Timestamp.After(cutoff) {
			out = append(out, agg)
		}
	}
	return out
}

// Latest returns the most recent snapshot and whether one exists.
func (m *Monitor) Latest() (model.AggregateHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return model.AggregateHealth{}, false
	}
	return m.history[len(m.history)-1], true
}
