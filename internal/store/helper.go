package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SetupTestDatabase starts a throwaway Postgres container, applies the
// repo migrations and returns the container plus a DSN the tests can
// build managers from.
func SetupTestDatabase(migrationsPath string) (testcontainers.Container, string, error) {
	containerReq := testcontainers.ContainerRequest{
		Image:        "postgres:latest",
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp"),
		Env: map[string]string{
			"POSTGRES_DB":       "pools",
			"POSTGRES_PASSWORD": "pools",
			"POSTGRES_USER":     "pools",
		},
	}
	dbContainer, err := testcontainers.GenericContainer(
		context.Background(),
		testcontainers.GenericContainerRequest{
			ContainerRequest: containerReq,
			Started:          true,
		})
	if err != nil {
		return nil, "", err
	}
	port, err := dbContainer.MappedPort(context.Background(), "5432")
	if err != nil {
		return nil, "", err
	}
	host, err := dbContainer.Host(context.Background())
	if err != nil {
		return nil, "", err
	}

	dbURI := fmt.Sprintf("postgres://pools:pools@%v:%v/pools?sslmode=disable", host, port.Port())
	if err := MigrateDb(dbURI, migrationsPath); err != nil {
		return nil, "", err
	}
	return dbContainer, dbURI, nil
}

// MigrateDb applies all up migrations through the pgx driver.
func MigrateDb(dbURI, migrationsPath string) error {
	// golang-migrate picks its database driver from the URL scheme.
	pgxURI := strings.Replace(dbURI, "postgres://", "pgx://", 1)
	m, err := migrate.New("file://"+migrationsPath, pgxURI)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

var Logger *zap.Logger

// SetupLogging configure parent logger with logLevel.
func SetupLogging(logLevel string) (*zap.Logger, error) {
	zapConfig := zap.NewDevelopmentConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	level, err := zapcore.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	zapConfig.Level.SetLevel(level)
	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	Logger = logger
	return logger, nil
}
