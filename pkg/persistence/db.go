// Package persistence provides SQLite-based storage for checkpoints, the notification ledger,
// the ChangeRequest audit trail, the signal inbox and dead letters.
package persistence

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"ford/pkg/logx"
)

// DB is the singleton database manager.
// All database access from the service and the CLI goes through this instance.
//
//nolint:gochecknoglobals // Intentional singleton pattern for database access
var (
	globalDB     *sql.DB
	globalDBOnce sync.Once
	globalDBMu   sync.RWMutex
)

// Initialize sets up the singleton database connection.
// This must be called once at startup before any database operations.
// Subsequent calls are no-ops.
func Initialize(dbPath string) error {
	var initErr error

	globalDBOnce.Do(func() {
		logger := logx.NewLogger("persistence")

		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			initErr = fmt.Errorf("failed to create database directory: %w", err)
			return
		}

		db, err := InitializeDatabase(dbPath)
		if err != nil {
			initErr = err
			return
		}

		globalDBMu.Lock()
		globalDB = db
		globalDBMu.Unlock()
		logger.Info("📦 Database initialized: %s", dbPath)
	})

	return initErr
}

// GetDB returns the singleton database connection.
// Panics if Initialize has not been called.
func GetDB() *sql.DB {
	globalDBMu.RLock()
	defer globalDBMu.RUnlock()

	if globalDB == nil {
		panic("persistence.Initialize must be called before GetDB")
	}
	return globalDB
}

// Ops returns a DatabaseOperations instance using the singleton connection.
func Ops() *DatabaseOperations {
	return NewDatabaseOperations(GetDB())
}

// IsInitialized returns true if the database has been initialized.
func IsInitialized() bool {
	globalDBMu.RLock()
	defer globalDBMu.RUnlock()
	return globalDB != nil
}

// Close closes the database connection.
func Close() error {
	globalDBMu.Lock()
	defer globalDBMu.Unlock()

	if globalDB != nil {
		err := globalDB.Close()
		globalDB = nil
		if err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}
	return nil
}

// Reset closes the database and resets the singleton for testing.
func Reset() error {
	if err := Close(); err != nil {
		return fmt.Errorf("failed to close database during reset: %w", err)
	}
	globalDBOnce = sync.Once{}
	return nil
}
