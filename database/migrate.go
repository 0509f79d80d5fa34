package database

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	log "github.com/sirupsen/logrus"
)

// MigrationsTable keeps raffler's schema version apart from other tools sharing the database
const MigrationsTable = "raffler_schema_migrations"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationStatus is the applied schema version
type MigrationStatus struct {
	Version uint
	Dirty   bool
	Applied bool
}

func (s MigrationStatus) String() string {
	switch {
	case !s.Applied:
		return "no migrations applied"
	case s.Dirty:
		return fmt.Sprintf("version %d (dirty)", s.Version)
	default:
		return fmt.Sprintf("version %d", s.Version)
	}
}

// Migrator applies the embedded schema migrations
type Migrator struct {
	m *migrate.Migrate
}

// NewMigrator opens a dedicated connection for migrating databaseURL
func NewMigrator(databaseURL string) (*Migrator, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	driver, err := postgres.WithInstance(stdlib.OpenDB(*cfg.ConnConfig), &postgres.Config{
		MigrationsTable: MigrationsTable,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return &Migrator{m: m}, nil
}

// Close releases the source and database handles
func (mg *Migrator) Close() {
	if srcErr, dbErr := mg.m.Close(); srcErr != nil || dbErr != nil {
		log.WithFields(log.Fields{"source": srcErr, "database": dbErr}).Warn("Error closing migrator")
	}
}

// Up applies every pending migration. Reports whether anything changed.
func (mg *Migrator) Up() (bool, error) {
	return mg.apply(mg.m.Up())
}

// Down rolls back steps migrations
func (mg *Migrator) Down(steps int) (bool, error) {
	if steps <= 0 {
		return false, fmt.Errorf("steps must be positive, got %d", steps)
	}
	return mg.apply(mg.m.Steps(-steps))
}

func (mg *Migrator) apply(err error) (bool, error) {
	if errors.Is(err, migrate.ErrNoChange) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Status reports the applied version
func (mg *Migrator) Status() (MigrationStatus, error) {
	version, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return MigrationStatus{}, nil
	}
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("failed to read migration version: %w", err)
	}
	return MigrationStatus{Version: version, Dirty: dirty, Applied: true}, nil
}

// MigrateUp applies pending migrations and logs the resulting version
func MigrateUp(databaseURL string) error {
	return withMigrator(databaseURL, func(mg *Migrator) error {
		changed, err := mg.Up()
		if err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		return logOutcome(mg, changed, "Migrated")
	})
}

// MigrateDown rolls back steps migrations and logs the resulting version
func MigrateDown(databaseURL string, steps int) error {
	return withMigrator(databaseURL, func(mg *Migrator) error {
		changed, err := mg.Down(steps)
		if err != nil {
			return fmt.Errorf("failed to roll back migrations: %w", err)
		}
		return logOutcome(mg, changed, "Rolled back")
	})
}

// MigrateStatus returns the applied schema version
func MigrateStatus(databaseURL string) (MigrationStatus, error) {
	var status MigrationStatus
	err := withMigrator(databaseURL, func(mg *Migrator) error {
		var err error
		status, err = mg.Status()
		return err
	})
	return status, err
}

// RunMigrationsWithURL applies pending migrations without logging. Used by test containers.
func RunMigrationsWithURL(databaseURL string) error {
	return withMigrator(databaseURL, func(mg *Migrator) error {
		mg.m.Log = nil
		_, err := mg.Up()
		return err
	})
}

func withMigrator(databaseURL string, fn func(*Migrator) error) error {
	mg, err := NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer mg.Close()
	return fn(mg)
}

func logOutcome(mg *Migrator, changed bool, action string) error {
	if !changed {
		log.Info("Schema already up to date")
		return nil
	}
	status, err := mg.Status()
	if err != nil {
		return err
	}
	log.WithField("status", status.String()).Info(action)
	return nil
}

// migrateLogger routes migrate's progress lines to logrus at debug level
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	log.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (migrateLogger) Verbose() bool {
	return log.IsLevelEnabled(log.DebugLevel)
}
