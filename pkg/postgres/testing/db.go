// Package pgtesting starts a disposable Postgres container and hands each
// test its own migrated database.
package pgtesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/nycdatalab/taxilake/pkg/postgres"
)

// PostgresDBConfig holds the Postgres test container configuration.
type PostgresDBConfig struct {
	Database       string
	Username       string
	Password       string
	Port           string
	ContainerImage string
}

func (cfg *PostgresDBConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "taxilake"
	}
	if cfg.Username == "" {
		cfg.Username = "taxi"
	}
	if cfg.Password == "" {
		cfg.Password = "taxi"
	}
	if cfg.Port == "" {
		cfg.Port = "5432"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "postgres:16-alpine"
	}
	return nil
}

// PostgresDB represents a Postgres test container.
type PostgresDB struct {
	log       *slog.Logger
	cfg       *PostgresDBConfig
	host      string
	port      string
	container *tcpg.PostgresContainer
}

// Host returns the container host.
func (db *PostgresDB) Host() string { return db.host }

// Port returns the mapped host port.
func (db *PostgresDB) Port() string { return db.port }

// Close terminates the Postgres container.
func (db *PostgresDB) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(terminateCtx); err != nil {
		db.log.Error("failed to terminate Postgres container", "error", err)
	}
}

// NewPostgresDB creates a new Postgres testcontainer.
func NewPostgresDB(ctx context.Context, log *slog.Logger, cfg *PostgresDBConfig) (*PostgresDB, error) {
	if cfg == nil {
		cfg = &PostgresDBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate Postgres DB config: %w", err)
	}

	// Retry container start up to 3 times for retryable errors
	var container *tcpg.PostgresContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcpg.Run(ctx,
			cfg.ContainerImage,
			tcpg.WithDatabase(cfg.Database),
			tcpg.WithUsername(cfg.Username),
			tcpg.WithPassword(cfg.Password),
			tcpg.BasicWaitStrategies(),
		)
		if err != nil {
			lastErr = err
			if isRetryableContainerStartErr(err) && attempt < 3 {
				time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
				continue
			}
			return nil, fmt.Errorf("failed to start Postgres container after retries: %w", lastErr)
		}
		break
	}

	if container == nil {
		return nil, fmt.Errorf("failed to start Postgres container after retries: %w", lastErr)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get Postgres container host: %w", err)
	}

	mappedPort, err := container.MappedPort(ctx, nat.Port(fmt.Sprintf("%s/tcp", cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed to get Postgres container mapped port: %w", err)
	}

	return &PostgresDB{
		log:       log,
		cfg:       cfg,
		host:      host,
		port:      mappedPort.Port(),
		container: container,
	}, nil
}

// Setup creates a unique database for the test, runs the schema migrations in
// it, and returns a pool connected to it. The database is dropped on cleanup.
func Setup(t *testing.T, log *slog.Logger, db *PostgresDB) *pgxpool.Pool {
	t.Helper()
	ctx := t.Context()

	randomSuffix := strings.ReplaceAll(uuid.New().String(), "-", "")
	databaseName := fmt.Sprintf("test_%s", randomSuffix)

	adminPool, err := connect(ctx, log, db, db.cfg.Database)
	require.NoError(t, err, "failed to create Postgres admin connection")

	_, err = adminPool.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", databaseName))
	require.NoError(t, err, "failed to create test database")

	testCfg := db.config(databaseName)
	err = postgres.RunMigrations(ctx, log, postgres.MigrationConfig{DSN: testCfg.DSN()})
	require.NoError(t, err, "failed to run migrations in test database")

	testPool, err := postgres.Connect(ctx, log, testCfg)
	require.NoError(t, err, "failed to create Postgres test connection")

	t.Cleanup(func() {
		testPool.Close()
		dropCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = adminPool.Exec(dropCtx, fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", databaseName))
		adminPool.Close()
	})

	return testPool
}

func connect(ctx context.Context, log *slog.Logger, db *PostgresDB, database string) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		pool, err = postgres.Connect(ctx, log, db.config(database))
		if err == nil {
			return pool, nil
		}
		if attempt < 3 {
			time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
		}
	}
	return nil, fmt.Errorf("failed to connect to Postgres after retries: %w", err)
}

func (db *PostgresDB) config(database string) postgres.Config {
	return postgres.Config{
		Host:     db.host,
		Port:     db.port,
		Database: database,
		Username: db.cfg.Username,
		Password: db.cfg.Password,
		SSLMode:  "disable",
	}
}

func isRetryableContainerStartErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded") ||
		strings.Contains(s, "/containers/") && strings.Contains(s, "json") ||
		strings.Contains(s, "Get \"http://%2Fvar%2Frun%2Fdocker.sock")
}
