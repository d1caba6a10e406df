// Package database opens the Postgres connection pool and applies the
// embedded schema migrations.
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/plaza/chat-service/internal/logging"
)

//go:embed migrations/*.sql migrations/platform/*.sql
var migrationsFS embed.FS

const (
	chatMigrations     = "migrations"
	platformMigrations = "migrations/platform"

	// Platform tables are versioned apart from the chat schema.
	platformMigrationsTable = "platform_schema_migrations"
)

// Config controls the connection pool.
type Config struct {
	URL          string
	MaxOpenConns int
	PingAttempts int
	PingInterval time.Duration
}

// DefaultConfig returns pool settings suitable for a single chat node.
func DefaultConfig(url string) Config {
	return Config{
		URL:          url,
		MaxOpenConns: 20,
		PingAttempts: 30,
		PingInterval: 2 * time.Second,
	}
}

// Open connects to Postgres and waits until the server answers a ping.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	log := logging.Component("database")
	attempts := cfg.PingAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 1; ; i++ {
		err = db.PingContext(ctx)
		if err == nil {
			break
		}
		if i >= attempts {
			db.Close()
			return nil, fmt.Errorf("database: not ready after %d attempts: %w", attempts, err)
		}
		log.Info().Err(err).Int("attempt", i).Msg("waiting for database")
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(cfg.PingInterval):
		}
	}
	return db, nil
}

// MigrateOptions selects which schemas Migrate applies.
type MigrateOptions struct {
	// PlatformTables also creates the users and roles tables the chat
	// schema references. Those belong to the platform; enable this only
	// for standalone or test databases.
	PlatformTables bool
}

// Migrate applies all pending up migrations. It uses its own connection so
// closing the migrator does not close the service pool.
func Migrate(url string, opts MigrateOptions) error {
	if opts.PlatformTables {
		if err := runMigrations(url, platformMigrations, platformMigrationsTable); err != nil {
			return err
		}
	}
	return runMigrations(url, chatMigrations, "")
}

func runMigrations(url, dir, table string) error {
	src, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("database: migration source %s: %w", dir, err)
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		return fmt.Errorf("database: open for migrate: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: table})
	if err != nil {
		db.Close()
		return fmt.Errorf("database: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		db.Close()
		return fmt.Errorf("database: migrator: %w", err)
	}
	defer m.Close()

	m.Log = migrateLogger{log: logging.Component("migrate").With().Str("schema", dir).Logger()}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("database: migrate up %s: %w", dir, err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("database: migration version: %w", err)
	}
	m.Log.Printf("schema at version %d (dirty=%t)", version, dirty)
	return nil
}

// migrateLogger adapts zerolog to migrate.Logger.
type migrateLogger struct {
	log zerolog.Logger
}

func (l migrateLogger) Printf(format string, v ...interface{}) {
	l.log.Info().Msgf(format, v...)
}

func (l migrateLogger) Verbose() bool {
	return l.log.GetLevel() <= zerolog.DebugLevel
}
