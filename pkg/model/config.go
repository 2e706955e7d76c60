package model

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/kynara/pg-service-pools/pkg/pool"
)

// Settings is the environment-derived configuration for the database
// layer: connection credentials plus pool, health-monitor and shutdown
// tuning. Loaded once at startup; pools are rebuilt, not re-tuned, on
// change.
type Settings struct {
	user           string
	database       string
	password       string
	hostURL        string
	roHostURL      string
	port           string
	enableTLS      bool
	caBundleFSPath string

	PoolSize    int
	MaxOverflow int
	PoolRecycle time.Duration
	PoolPrePing bool
	PoolTimeout time.Duration

	HealthCheckInterval   time.Duration
	MaxConnectionFailures int
	ConnectionRetryDelay  time.Duration
	ConnectionTimeout     time.Duration
	QueryTimeout          time.Duration

	ShutdownTimeout        time.Duration
	EnableGracefulShutdown bool
}

var dsnNoTLS = "postgres://%s:%s@%s:%s/%s?sslmode=disable"

var dsnTLS = "postgres://%s:%s@%s:%s/%s?sslmode=verify-ca&sslrootcert=%s"

const caBundleFSPath = "/config/ca_certs/aws-postgres-cabundle-secret"

func validate(s *Settings) error {
	if s.user == "" {
		return fmt.Errorf("env variable PG_USER cannot be empty")
	}
	if s.password == "" {
		return fmt.Errorf("env variable PG_PASSWORD cannot be empty")
	}
	if s.hostURL == "" {
		return fmt.Errorf("env variable PG_HOST cannot be empty")
	}
	if s.port == "" {
		return fmt.Errorf("env variable PG_PORT cannot be empty")
	}
	if s.database == "" {
		return fmt.Errorf("env variable PG_DATABASE cannot be empty")
	}
	if s.MaxConnectionFailures <= 0 {
		return fmt.Errorf("DB_MAX_CONNECTION_FAILURES must be positive")
	}
	if s.HealthCheckInterval <= 0 {
		return fmt.Errorf("DB_HEALTH_CHECK_INTERVAL must be positive")
	}
	return nil
}

// LoadSettings reads the full database configuration from the
// environment. Missing tuning values fall back to defaults; missing
// credentials are an error.
func LoadSettings() (*Settings, error) {
	isSecure := os.Getenv("ENABLE_TLS")
	var tls = false
	if isSecure == "yes" || isSecure == "true" {
		tls = true
	}

	s := &Settings{
		user:           os.Getenv("PG_USER"),
		password:       os.Getenv("PG_PASSWORD"),
		hostURL:        os.Getenv("PG_HOST"),
		roHostURL:      os.Getenv("PG_RO_HOST"),
		port:           os.Getenv("PG_PORT"),
		database:       os.Getenv("PG_DATABASE"),
		enableTLS:      tls,
		caBundleFSPath: caBundleFSPath,

		PoolSize:    envInt("DB_POOL_SIZE", 0),
		MaxOverflow: envInt("DB_MAX_OVERFLOW", 0),
		PoolRecycle: envSeconds("DB_POOL_RECYCLE", 0),
		PoolPrePing: envBool("DB_POOL_PRE_PING", true),
		PoolTimeout: envSeconds("DB_POOL_TIMEOUT", 0),

		HealthCheckInterval:   envSeconds("DB_HEALTH_CHECK_INTERVAL", 30*time.Second),
		MaxConnectionFailures: envInt("DB_MAX_CONNECTION_FAILURES", 5),
		ConnectionRetryDelay:  envSeconds("DB_CONNECTION_RETRY_DELAY", 10*time.Second),
		ConnectionTimeout:     envSeconds("DB_CONNECTION_TIMEOUT", 2*time.Second),
		QueryTimeout:          envSeconds("DB_QUERY_TIMEOUT", 5*time.Second),

		ShutdownTimeout:        envSeconds("SHUTDOWN_TIMEOUT", 2*time.Second),
		EnableGracefulShutdown: envBool("ENABLE_GRACEFUL_SHUTDOWN", true),
	}

	if err := validate(s); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSettings builds settings programmatically with the same tuning
// defaults the environment loader applies. For embedders and tests that
// do not configure via environment variables.
func NewSettings(user, password, host, port, database string) *Settings {
	return &Settings{
		user:     user,
		password: password,
		hostURL:  host,
		port:     port,
		database: database,

		PoolPrePing:            true,
		HealthCheckInterval:    30 * time.Second,
		MaxConnectionFailures:  5,
		ConnectionRetryDelay:   10 * time.Second,
		ConnectionTimeout:      2 * time.Second,
		QueryTimeout:           5 * time.Second,
		ShutdownTimeout:        2 * time.Second,
		EnableGracefulShutdown: true,
	}
}

// DSN renders the shared write connection string.
func (s *Settings) DSN() string {
	if !s.enableTLS {
		return fmt.Sprintf(dsnNoTLS, s.user, s.password, s.hostURL, s.port, s.database)
	}
	return fmt.Sprintf(dsnTLS, s.user, s.password, s.hostURL, s.port, s.database, s.caBundleFSPath)
}

// RODSN renders the read-only connection string, falling back to the
// write host when no read replica is configured.
func (s *Settings) RODSN() string {
	host := s.roHostURL
	if host == "" {
		host = s.hostURL
	}
	if !s.enableTLS {
		return fmt.Sprintf(dsnNoTLS, s.user, s.password, host, s.port, s.database)
	}
	return fmt.Sprintf(dsnTLS, s.user, s.password, host, s.port, s.database, s.caBundleFSPath)
}

// PoolOverrides maps the DB_POOL_* environment values onto pool
// overrides for the default classification.
func (s *Settings) PoolOverrides() *pool.Overrides {
	return &pool.Overrides{
		PoolSize:    s.PoolSize,
		MaxOverflow: s.MaxOverflow,
		Recycle:     s.PoolRecycle,
		PrePing:     s.PoolPrePing,
		Timeout:     s.PoolTimeout,
	}
}

// Public exposes the non-secret tuning values for the health payload's
// configuration section.
func (s *Settings) Public() map[string]interface{} {
	return map[string]interface{}{
		"host":                      s.hostURL,
		"database":                  s.database,
		"health_check_interval_s":   s.HealthCheckInterval.Seconds(),
		"max_connection_failures":   s.MaxConnectionFailures,
		"connection_retry_delay_s":  s.ConnectionRetryDelay.Seconds(),
		"connection_timeout_s":      s.ConnectionTimeout.Seconds(),
		"query_timeout_s":           s.QueryTimeout.Seconds(),
		"shutdown_timeout_s":        s.ShutdownTimeout.Seconds(),
		"graceful_shutdown_enabled": s.EnableGracefulShutdown,
	}
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// envSeconds parses an integer number of seconds.
func envSeconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Second
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "yes" || v == "true" || v == "1"
}
