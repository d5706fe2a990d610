// Package repository persists sessions, messages, requests, comments and API
// keys in a relational database through GORM.
package repository

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fusion-data/bridge/pkg/logger"
)

var (
	// ErrNotFound is returned when a row does not exist or is not visible to
	// the caller.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a conditional update matched no row
	// because the row is in an incompatible state.
	ErrConflict = errors.New("record state conflict")
)

// Open connects to driver ("postgres" or "sqlite") and migrates the schema.
func Open(driver, dsn string, log *logger.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres", "":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: newGormLogger(log),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver != "sqlite" {
		if err := configureConnectionPool(db); err != nil {
			return nil, err
		}
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&sessionRecord{},
		&messageRecord{},
		&requestRecord{},
		&commentRecord{},
		&apiKeyRecord{},
	); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func newGormLogger(log *logger.Logger) gormlogger.Interface {
	if log == nil {
		log = logger.Global()
	}
	return gormlogger.New(
		zap.NewStdLog(log.Named("gorm")),
		gormlogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
		},
	)
}

func configureConnectionPool(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// OpenMemory opens a private in-memory SQLite database with the schema
// applied. Used by tests and local runs without Postgres.
func OpenMemory(name string) (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}
