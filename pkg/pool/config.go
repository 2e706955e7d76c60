package pool

import (
	"fmt"
	"time"
)

// Classification identifies a logical consumer of the database. Every
// classification gets its own isolated connection pool so that one
// service's connection churn cannot starve another's.
type Classification string

const (
	Authentication  Classification = "authentication"
	Extension       Classification = "extension"
	LLM             Classification = "llm"
	UsageTracking   Classification = "usage_tracking"
	BackgroundTasks Classification = "background_tasks"
	Default         Classification = "default"
)

// Classifications returns every known classification. Pool construction
// iterates this list, so adding a new classification here is enough to
// get it a pool.
func Classifications() []Classification {
	return []Classification{
		Authentication,
		Extension,
		LLM,
		UsageTracking,
		BackgroundTasks,
		Default,
	}
}

// Priority orders classifications for interference attribution.
type Priority string

const (
	PriorityHighest Priority = "highest"
	PriorityHigh    Priority = "high"
	PriorityMedium  Priority = "medium"
	PriorityLow     Priority = "low"
)

// Config holds the pool parameters for a single classification. Configs
// are built once at startup and never mutated afterwards; resizing a
// pool means recreating it.
type Config struct {
	PoolSize       int
	MaxOverflow    int
	Recycle        time.Duration
	PrePing        bool
	AcquireTimeout time.Duration
	Priority       Priority
}

// MaxConns is the hard connection ceiling: the steady-state pool plus
// the overflow allowance.
func (c Config) MaxConns() int32 {
	return int32(c.PoolSize + c.MaxOverflow)
}

func (c Config) Validate() error {
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	if c.MaxOverflow < 0 {
		return fmt.Errorf("max_overflow cannot be negative, got %d", c.MaxOverflow)
	}
	if c.AcquireTimeout <= 0 {
		return fmt.Errorf("acquire_timeout must be positive, got %s", c.AcquireTimeout)
	}
	return nil
}

// Overrides carries environment-derived pool settings. They replace the
// tuned defaults for the default classification only; the specialized
// classifications keep their static sizing.
type Overrides struct {
	PoolSize    int
	MaxOverflow int
	Recycle     time.Duration
	PrePing     bool
	Timeout     time.Duration
}

func defaultConfig(class Classification) Config {
	switch class {
	case Authentication:
		return Config{PoolSize: 10, MaxOverflow: 5, Recycle: time.Hour,
			PrePing: true, AcquireTimeout: 30 * time.Second, Priority: PriorityHighest}
	case Extension:
		return Config{PoolSize: 8, MaxOverflow: 4, Recycle: time.Hour,
			PrePing: true, AcquireTimeout: 30 * time.Second, Priority: PriorityHigh}
	case LLM:
		return Config{PoolSize: 6, MaxOverflow: 10, Recycle: 30 * time.Minute,
			PrePing: true, AcquireTimeout: 60 * time.Second, Priority: PriorityMedium}
	case UsageTracking:
		return Config{PoolSize: 4, MaxOverflow: 2, Recycle: time.Hour,
			PrePing: false, AcquireTimeout: 20 * time.Second, Priority: PriorityLow}
	case BackgroundTasks:
		return Config{PoolSize: 3, MaxOverflow: 2, Recycle: 2 * time.Hour,
			PrePing: false, AcquireTimeout: 45 * time.Second, Priority: PriorityLow}
	case Default:
		return Config{PoolSize: 5, MaxOverflow: 10, Recycle: time.Hour,
			PrePing: true, AcquireTimeout: 30 * time.Second, Priority: PriorityMedium}
	}
	panic(fmt.Sprintf("no default config for classification %q", class))
}

// BuildConfigs produces the full per-classification config table,
// applying overrides to the default classification. Fails fast on
// invalid parameters so no pool is ever created from a bad config.
func BuildConfigs(ov *Overrides) (map[Classification]Config, error) {
	configs := make(map[Classification]Config, len(Classifications()))
	for _, class := range Classifications() {
		cfg := defaultConfig(class)
		if class == Default && ov != nil {
			if ov.PoolSize > 0 {
				cfg.PoolSize = ov.PoolSize
			}
			if ov.MaxOverflow > 0 {
				cfg.MaxOverflow = ov.MaxOverflow
			}
			if ov.Recycle > 0 {
				cfg.Recycle = ov.Recycle
			}
			if ov.Timeout > 0 {
				cfg.AcquireTimeout = ov.Timeout
			}
			cfg.PrePing = ov.PrePing
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config for %s: %w", class, err)
		}
		configs[class] = cfg
	}
	return configs, nil
}
