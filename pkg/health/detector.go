package health

import (
	"fmt"

	"github.com/kynara/pg-service-pools/pkg/model"
	"github.com/kynara/pg-service-pools/pkg/pool"
)

// Thresholds configure interference detection.
type Thresholds struct {
	ResponseTimeMS          float64
	ConnectionFailures      int
	PoolUtilization         float64
	MonopolizationThreshold float64
}

// DefaultThresholds returns the tuned production values.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ResponseTimeMS:          1000,
		ConnectionFailures:      3,
		PoolUtilization:         0.8,
		MonopolizationThreshold: 0.9,
	}
}

// criticalClassifications are the services whose degradation is treated
// as interference evidence on its own; they gate request authorization.
var criticalClassifications = []pool.Classification{pool.Extension, pool.Authentication}

// DetectInterference inspects one aggregate snapshot for cross-service
// resource contention. Pure: it never mutates pool configuration; the
// recommendations are advisory and acted on by operators.
func DetectInterference(agg model.AggregateHealth, th Thresholds) model.InterferenceReport {
	report := model.InterferenceReport{Sources: []string{}}

	for _, class := range criticalClassifications {
		snap, ok := agg.Services[class]
		if !ok {
			continue
		}
		if snap.ResponseTimeMS > th.ResponseTimeMS {
			report.Sources = append(report.Sources, fmt.Sprintf("%s_slow_response", class))
			report.Recommendations = append(report.Recommendations,
				fmt.Sprintf("investigate latency on %s pool (%.0fms round trip)", class, snap.ResponseTimeMS))
		}
		if snap.ConsecutiveFailures > th.ConnectionFailures {
			report.Sources = append(report.Sources, fmt.Sprintf("%s_connection_failures", class))
			report.Recommendations = append(report.Recommendations,
				fmt.Sprintf("check connectivity for %s (%d consecutive failures)", class, snap.ConsecutiveFailures))
		}
	}

	for _, class := range pool.Classifications() {
		snap, ok := agg.Services[class]
		if !ok {
			continue
		}
		if snap.Pool.Utilization() > th.PoolUtilization {
			report.Sources = append(report.Sources, fmt.Sprintf("%s_pool_exhaustion", class))
			report.Recommendations = append(report.Recommendations,
				fmt.Sprintf("consider raising pool_size for %s (utilization %.0f%%)", class, snap.Pool.Utilization()*100))
		}
	}

	// Cross-service attribution: a saturated LLM pool while an
	// authorization-critical service is unhealthy is the signature
	// symptom this detector exists to catch.
	if llm, ok := agg.Services[pool.LLM]; ok {
		if llm.Pool.Utilization() > th.MonopolizationThreshold &&
			(!agg.ExtensionHealthy || !agg.AuthHealthy) {
			report.Sources = append(report.Sources, "llm_resource_monopolization")
			report.Recommendations = append(report.Recommendations,
				"cap llm pool overflow or shed llm load; critical services are degraded while llm saturates its pool")
		}
	}

	report.Detected = len(report.Sources) > 0
	return report
}
