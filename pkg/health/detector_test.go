package health

import (
	"testing"
	"time"

	"github.com/kynara/pg-service-pools/pkg/model"
	"github.com/kynara/pg-service-pools/pkg/pool"
	"github.com/matryer/is"
)

func healthyServices() map[pool.Classification]model.HealthSnapshot {
	services := make(map[pool.Classification]model.HealthSnapshot)
	for _, class := range pool.Classifications() {
		services[class] = model.HealthSnapshot{
			Service:        class,
			Healthy:        true,
			ResponseTimeMS: 10,
			Pool:           model.PoolMetrics{Size: 10, CheckedOut: 2, CheckedIn: 8},
			Timestamp:      time.Now(),
		}
	}
	return services
}

func contains(sources []string, tag string) bool {
	for _, s := range sources {
		if s == tag {
			return true
		}
	}
	return false
}

func TestNoInterferenceOnCleanSnapshot(t *testing.T) {
	is := is.New(t)
	agg := model.Aggregate(healthyServices())
	report := DetectInterference(agg, DefaultThresholds())
	is.True(!report.Detected)
	is.Equal(len(report.Sources), 0)
}

func TestSlowCriticalServiceResponse(t *testing.T) {
	is := is.New(t)
	services := healthyServices()
	snap := services[pool.Authentication]
	snap.ResponseTimeMS = 1500
	services[pool.Authentication] = snap

	report := DetectInterference(model.Aggregate(services), DefaultThresholds())
	is.True(report.Detected)
	is.True(contains(report.Sources, "authentication_slow_response"))

	// Latency on a non-critical service is not an interference source.
	services = healthyServices()
	snap = services[pool.LLM]
	snap.ResponseTimeMS = 5000
	services[pool.LLM] = snap
	report = DetectInterference(model.Aggregate(services), DefaultThresholds())
	is.True(!contains(report.Sources, "llm_slow_response"))
}

func TestCriticalServiceConnectionFailures(t *testing.T) {
	is := is.New(t)
	services := healthyServices()
	snap := services[pool.Extension]
	snap.ConsecutiveFailures = 4
	services[pool.Extension] = snap

	report := DetectInterference(model.Aggregate(services), DefaultThresholds())
	is.True(report.Detected)
	is.True(contains(report.Sources, "extension_connection_failures"))
}

func TestPoolExhaustionFlagsAnyService(t *testing.T) {
	is := is.New(t)
	services := healthyServices()
	snap := services[pool.UsageTracking]
	snap.Pool = model.PoolMetrics{Size: 10, CheckedOut: 9}
	services[pool.UsageTracking] = snap

	report := DetectInterference(model.Aggregate(services), DefaultThresholds())
	is.True(report.Detected)
	is.True(contains(report.Sources, "usage_tracking_pool_exhaustion"))
}

func TestLLMMonopolizationRequiresCriticalDegradation(t *testing.T) {
	is := is.New(t)

	// Saturated LLM pool while both critical services are healthy: the
	// monopolization rule must stay quiet.
	services := healthyServices()
	snap := services[pool.LLM]
	snap.Pool = model.PoolMetrics{Size: 10, CheckedOut: 10}
	services[pool.LLM] = snap
	report := DetectInterference(model.Aggregate(services), DefaultThresholds())
	is.True(!contains(report.Sources, "llm_resource_monopolization"))

	// The same saturation with extension unhealthy is the signature
	// cross-service symptom.
	snap = services[pool.Extension]
	snap.Healthy = false
	services[pool.Extension] = snap
	report = DetectInterference(model.Aggregate(services), DefaultThresholds())
	is.True(report.Detected)
	is.True(contains(report.Sources, "llm_resource_monopolization"))

	// High-but-not-monopolizing utilization does not fire rule 4 even
	// with a critical service down.
	snap = services[pool.LLM]
	snap.Pool = model.PoolMetrics{Size: 20, CheckedOut: 17}
	services[pool.LLM] = snap
	report = DetectInterference(model.Aggregate(services), DefaultThresholds())
	is.True(!contains(report.Sources, "llm_resource_monopolization"))
}

func TestRecommendationsAccompanySources(t *testing.T) {
	is := is.New(t)
	services := healthyServices()
	snap := services[pool.Authentication]
	snap.ResponseTimeMS = 2000
	snap.ConsecutiveFailures = 5
	services[pool.Authentication] = snap

	report := DetectInterference(model.Aggregate(services), DefaultThresholds())
	is.True(report.Detected)
	is.True(len(report.Recommendations) >= len(report.Sources))
	is.True(!report.MitigationActive) // detector is advisory only
}
