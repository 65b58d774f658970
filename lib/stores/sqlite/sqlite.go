// Package sqlite is the gorm-backed event and relay store. SQLite is opened
// in WAL mode with a generous busy timeout so the websocket handlers and
// the broadcaster can hit the database concurrently.
package sqlite

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type SqliteStore struct {
	DB *gorm.DB
}

// InitStore opens (creating if needed) the database at path and migrates
// the schema.
func InitStore(path string) (*SqliteStore, error) {
	store := &SqliteStore{}

	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// - journal_mode=WAL enables Write-Ahead Logging for better concurrency
	// - busy_timeout waits instead of failing when the database is locked
	// - _txlock=immediate begins transactions sooner to reduce deadlocks
	// - _synchronous=normal balances safety and performance
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=30000&_txlock=immediate&_synchronous=normal", path)

	var err error
	store.DB, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:               logger.Default.LogMode(logger.Silent),
		PrepareStmt:          true,
		DisableAutomaticPing: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	sqlDB, err := store.DB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(30)
	sqlDB.SetConnMaxLifetime(60 * time.Minute)

	if err := store.Init(); err != nil {
		return nil, err
	}

	return store, nil
}

// InitMemoryStore opens an isolated in-memory database, used by tests.
func InitMemoryStore() (*SqliteStore, error) {
	store := &SqliteStore{}

	var err error
	store.DB, err = gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}

	// A second connection would see a different empty memory database, so
	// pin the pool to one.
	sqlDB, err := store.DB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := store.Init(); err != nil {
		return nil, err
	}

	return store, nil
}

// Init migrates the schema.
func (s *SqliteStore) Init() error {
	if err := s.DB.AutoMigrate(&EventRow{}, &EventTagRow{}, &RelayRow{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}
