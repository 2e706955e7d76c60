// Package metrics is a thin package-level wrapper over the DogStatsD
// client. When no agent is configured every call is a no-op, so callers
// emit unconditionally.
package metrics

import (
	"fmt"
	"os"
	"sync"

	"github.com/DataDog/datadog-go/v5/statsd"
	"go.uber.org/zap"
)

var (
	mu     sync.RWMutex
	client statsd.ClientInterface
)

// Configure dials the statsd agent. Address defaults to
// DD_AGENT_HOST:8125 when addr is empty; if no host is set the package
// stays a no-op.
func Configure(addr, namespace string, logger *zap.Logger) error {
	if addr == "" {
		host := os.Getenv("DD_AGENT_HOST")
		if host == "" {
			logger.Info("statsd not configured, metrics disabled")
			return nil
		}
		addr = fmt.Sprintf("%s:8125", host)
	}
	c, err := statsd.New(addr, statsd.WithNamespace(namespace))
	if err != nil {
		return fmt.Errorf("create statsd client: %w", err)
	}
	mu.Lock()
	client = c
	mu.Unlock()
	logger.Info("statsd metrics enabled", zap.String("addr", addr))
	return nil
}

func Gauge(name string, value float64, tags ...string) {
	mu.RLock()
	c := client
	mu.RUnlock()
	if c == nil {
		return
	}
	_ = c.Gauge(name, value, tags, 1)
}

func Count(name string, value int64, tags ...string) {
	mu.RLock()
	c := client
	mu.RUnlock()
	if c == nil {
		return
	}
	_ = c.Count(name, value, tags, 1)
}

// Close flushes and shuts the client down. Safe when unconfigured.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if client != nil {
		_ = client.Close()
		client = nil
	}
}
