package model

import (
	"time"

	"github.com/kynara/pg-service-pools/pkg/pool"
)

// OverallHealth summarizes all classifications into one status.
type OverallHealth string

const (
	OverallHealthy  OverallHealth = "healthy"
	OverallDegraded OverallHealth = "degraded"
	OverallCritical OverallHealth = "critical"
)

// PoolMetrics mirrors the accounting counters of one classification's
// pool. Counters the underlying pool does not expose read as zero.
type PoolMetrics struct {
	Size        int32 `json:"size"`
	CheckedOut  int32 `json:"checked_out"`
	Overflow    int32 `json:"overflow"`
	CheckedIn   int32 `json:"checked_in"`
	Invalidated int64 `json:"invalidated"`
}

// Utilization is checked-out connections over the steady-state pool
// size, the ratio the interference rules evaluate.
func (m PoolMetrics) Utilization() float64 {
	if m.Size <= 0 {
		return 0
	}
	return float64(m.CheckedOut) / float64(m.Size)
}

// HealthSnapshot is the result of one timed round trip against one
// classification's pool. Immutable once recorded.
type HealthSnapshot struct {
	Service             pool.Classification `json:"service"`
	Healthy             bool                `json:"healthy"`
	ResponseTimeMS      float64             `json:"response_time_ms"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	Error               string              `json:"error,omitempty"`
	Pool                PoolMetrics         `json:"pool_metrics"`
	Timestamp           time.Time           `json:"timestamp"`
}

// AggregateHealth combines per-service snapshots. Overall is critical
// whenever extension or authentication is unhealthy; those two gate
// request authorization and are never allowed silent degradation.
type AggregateHealth struct {
	Overall          OverallHealth                           `json:"overall_health"`
	Services         map[pool.Classification]HealthSnapshot `json:"services"`
	ExtensionHealthy bool                                    `json:"extension_healthy"`
	AuthHealthy      bool                                    `json:"auth_healthy"`
	Timestamp        time.Time                               `json:"timestamp"`
}

// Aggregate derives the overall status from per-service snapshots.
func Aggregate(services map[pool.Classification]HealthSnapshot) AggregateHealth {
	authHealthy := services[pool.Authentication].Healthy
	extHealthy := services[pool.Extension].Healthy

	overall := OverallHealthy
	for _, snap := range services {
		if !snap.Healthy {
			overall = OverallDegraded
			break
		}
	}
	if !authHealthy || !extHealthy {
		overall = OverallCritical
	}

	return AggregateHealth{
		Overall:          overall,
		Services:         services,
		ExtensionHealthy: extHealthy,
		AuthHealthy:      authHealthy,
		Timestamp:        time.Now(),
	}
}

// InterferenceReport flags cross-service resource contention. Derived
// from a single AggregateHealth on demand, never stored.
type InterferenceReport struct {
	Detected         bool     `json:"detected"`
	Sources          []string `json:"sources"`
	MitigationActive bool     `json:"mitigation_active"`
	Recommendations  []string `json:"recommendations,omitempty"`
}

// PoolInfo is the pool section of the outbound health payload.
type PoolInfo struct {
	PoolSize          int    `json:"pool_size"`
	ActiveConnections int    `json:"active_connections"`
	CheckedOut        int    `json:"checked_out"`
	Overflow          int    `json:"overflow"`
	PoolStatus        string `json:"pool_status"`
}

// HealthPayload is the structured health object handed to the HTTP
// layer. The core produces it fully formed; rendering is the caller's
// job.
type HealthPayload struct {
	Status         string                 `json:"status"`
	Healthy        bool                   `json:"healthy"`
	ResponseTimeMS float64                `json:"response_time_ms"`
	PoolInfo       PoolInfo               `json:"pool_info"`
	Configuration  map[string]interface{} `json:"configuration"`
}
