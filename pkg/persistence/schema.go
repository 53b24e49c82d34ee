package persistence

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 2

// InitializeDatabase creates and initializes the SQLite database with the required schema.
// This function is idempotent and safe to call multiple times.
func InitializeDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return db, nil
}

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if currentVersion == 0 {
		return createSchema(db)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	if currentVersion > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", currentVersion, CurrentSchemaVersion)
	}
	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

// runMigrations applies database migrations from current version to target version.
func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(db *sql.DB, version int) error {
	switch version {
	case 2:
		return migrateToVersion2(db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion2 records why a signal was rejected, how often a dead letter was parked,
// and keeps classified feedback so notifications can reach authors.
func migrateToVersion2(db *sql.DB) error {
	migrations := []string{
		"ALTER TABLE signals ADD COLUMN error TEXT NOT NULL DEFAULT ''",
		"ALTER TABLE dead_letters ADD COLUMN parked_count INTEGER NOT NULL DEFAULT 1",
		feedbackItemsDDL,
	}
	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("failed to execute migration: %s: %w", migration, err)
		}
	}
	return nil
}

const feedbackItemsDDL = `CREATE TABLE IF NOT EXISTS feedback_items (
	id TEXT PRIMARY KEY,
	author TEXT NOT NULL DEFAULT '',
	classified TEXT NOT NULL,
	created_at INTEGER NOT NULL
)`

// createSchema creates all required tables and indices.
func createSchema(db *sql.DB) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Timestamps are unix nanoseconds so ordering never depends on string formats.
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL UNIQUE,
			created_at INTEGER NOT NULL,
			checksum TEXT NOT NULL,
			payload TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS notification_ledger (
			id TEXT PRIMARY KEY,
			feedback_id TEXT NOT NULL,
			pr_number INTEGER NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('sent','failed','skipped')),
			detail TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS cr_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			change_request_id TEXT NOT NULL,
			cluster_id TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS signals (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			target TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','applied','rejected')),
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			processed_at INTEGER
		)`,

		feedbackItemsDDL,

		`CREATE TABLE IF NOT EXISTS dead_letters (
			item_id TEXT PRIMARY KEY,
			item TEXT NOT NULL,
			stage TEXT NOT NULL,
			reason TEXT NOT NULL,
			parked_at INTEGER NOT NULL,
			parked_count INTEGER NOT NULL DEFAULT 1
		)`,
	}

	indices := []string{
		// At most one sent entry per (feedback, PR).
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_sent ON notification_ledger(feedback_id, pr_number) WHERE status = 'sent'",
		"CREATE INDEX IF NOT EXISTS idx_ledger_created ON notification_ledger(created_at)",
		"CREATE INDEX IF NOT EXISTS idx_checkpoints_created ON checkpoints(created_at)",
		"CREATE INDEX IF NOT EXISTS idx_transitions_cr ON cr_transitions(change_request_id)",
		"CREATE INDEX IF NOT EXISTS idx_signals_status ON signals(status, created_at)",
	}

	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	for _, ddl := range indices {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// setSchemaVersion records the current schema version.
func setSchemaVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version); err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
