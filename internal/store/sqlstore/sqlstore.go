// Package sqlstore is the durable store.EventStore backend: GORM over
// SQLite (modernc, pure Go) or PostgreSQL, migrated with golang-migrate on
// startup. Adapted from the teacher's internal/db connection bootstrap —
// same driver switch, same embedded-migrations-via-iofs pattern, retargeted
// at a single append-only events table instead of the backup domain's
// normalized schema.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	_ "modernc.org/sqlite"

	"github.com/orbitmesh/orbitmesh/internal/orberrors"
	"github.com/orbitmesh/orbitmesh/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config mirrors the teacher's db.Config: driver defaults to sqlite.
type Config struct {
	Driver   string // "sqlite" or "postgres"
	DSN      string
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel
}

// eventRecord is the GORM model backing the events table.
type eventRecord struct {
	ID        string `gorm:"type:text;primaryKey"`
	StreamID  string `gorm:"column:stream_id;index"`
	Version   uint64
	Position  uint64 `gorm:"autoIncrement"`
	Type      string
	Data      []byte
	Metadata  []byte
	Timestamp time.Time
}

func (eventRecord) TableName() string { return "events" }

// Store is the GORM-backed EventStore implementation.
type Store struct {
	db *gorm.DB
}

var _ store.EventStore = (*Store)(nil)

// Open connects, applies migrations, and returns a ready-to-use Store.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("sqlstore: logger is required")
	}

	gormCfg := &gorm.Config{Logger: newZapGORMLogger(cfg.Logger, cfg.LogLevel)}

	var (
		database *gorm.DB
		sqlDB    *sql.DB
		err      error
		drvName  string
	)

	switch cfg.Driver {
	case "sqlite", "":
		sqlDB, err = sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: failed to open sqlite: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)

		database, err = gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: failed to initialize gorm with sqlite: %w", err)
		}
		drvName = "sqlite"

	case "postgres":
		database, err = gorm.Open(gormpostgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: failed to open postgres: %w", err)
		}
		sqlDB, err = database.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlstore: failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		drvName = "postgres"

	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q, use \"sqlite\" or \"postgres\"", cfg.Driver)
	}

	if err := runMigrations(sqlDB, drvName, cfg.Logger); err != nil {
		return nil, fmt.Errorf("sqlstore: migrations failed: %w", err)
	}

	return &Store{db: database}, nil
}

func runMigrations(sqlDB *sql.DB, driver string, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	var m *migrate.Migrate

	switch driver {
	case "sqlite":
		drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", drv)
		if err != nil {
			return fmt.Errorf("failed to create migrator: %w", err)
		}

	case "postgres":
		drv, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("failed to create postgres migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", drv)
		if err != nil {
			return fmt.Errorf("failed to create migrator: %w", err)
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Info("event store migrations applied successfully")
	return nil
}

// Append inserts events for streamID starting at expectedVersion+1. The
// unique (stream_id, version) index turns a lost optimistic-concurrency
// race into a constraint violation, which is mapped to
// orberrors.KindConcurrencyConflict.
func (s *Store) Append(ctx context.Context, streamID string, events []store.NewEvent, expectedVersion uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current uint64
		if err := tx.Model(&eventRecord{}).
			Where("stream_id = ?", streamID).
			Select("COALESCE(MAX(version), 0)").
			Scan(&current).Error; err != nil {
			return err
		}
		if current != expectedVersion {
			return orberrors.New(orberrors.KindConcurrencyConflict,
				"concurrent write to stream "+streamID)
		}

		var position uint64
		if err := tx.Model(&eventRecord{}).
			Select("COALESCE(MAX(position), 0)").
			Scan(&position).Error; err != nil {
			return err
		}

		now := time.Now().UTC()
		records := make([]eventRecord, len(events))
		for i, e := range events {
			current++
			position++
			records[i] = eventRecord{
				ID:        uuid.NewString(),
				StreamID:  streamID,
				Version:   current,
				Position:  position,
				Type:      e.Type,
				Data:      e.Data,
				Metadata:  e.Metadata,
				Timestamp: now,
			}
		}

		if err := tx.Create(&records).Error; err != nil {
			if isUniqueConstraintErr(err) {
				return orberrors.New(orberrors.KindConcurrencyConflict,
					"concurrent write to stream "+streamID)
			}
			return err
		}
		return nil
	})
}

// Close releases the underlying database connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Read(ctx context.Context, streamID string) ([]store.StoredEvent, error) {
	var records []eventRecord
	if err := s.db.WithContext(ctx).
		Where("stream_id = ?", streamID).
		Order("version asc").
		Find(&records).Error; err != nil {
		return nil, err
	}

	out := make([]store.StoredEvent, len(records))
	for i, r := range records {
		out[i] = store.StoredEvent{
			StreamID:  r.StreamID,
			Version:   r.Version,
			Type:      r.Type,
			Data:      r.Data,
			Metadata:  r.Metadata,
			Timestamp: r.Timestamp,
			Position:  r.Position,
		}
	}
	return out, nil
}

// isUniqueConstraintErr matches common unique-violation error text across
// the sqlite and postgres drivers this store supports.
func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}
