package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite3 driver

	"video-overlay/internal/logging"
	"video-overlay/internal/metrics"
)

// Default timeout for database operations
const defaultTimeout = 5 * time.Second

// schemaVersion is stored in the metadata table and bumped by migrations.
const schemaVersion = 2

// Database stores job history.
type Database struct {
	db     *sql.DB
	dbPath string
}

// New opens (creating if needed) the job history database.
// dbPath is the database FILE; its parent directory must already exist and
// be writable. startup.LoadConfig validates that.
func New(ctx context.Context, dbPath string) (*Database, error) {
	logging.Info("Database path: %s", dbPath)

	if err := diagnoseDatabasePermissions(dbPath); err != nil {
		logging.Warn("Database permission diagnostics: %v", err)
	}

	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on", dbPath)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close database after ping failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Job updates are small and frequent; a handful of connections is plenty.
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	d := &Database{db: db, dbPath: dbPath}

	if err := d.initialize(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close database after initialization failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	logging.Info("Database initialized successfully at %s", dbPath)
	return d, nil
}

func (d *Database) initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		options TEXT NOT NULL DEFAULT '{}',
		cache_key TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		progress REAL NOT NULL DEFAULT 0,
		frames_decoded INTEGER NOT NULL DEFAULT 0,
		frames_encoded INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		error_kind TEXT NOT NULL DEFAULT '',
		output_path TEXT NOT NULL DEFAULT '',
		output_size INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
	CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT
	);
	`

	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return err
	}

	return d.runMigrations(ctx)
}

// runMigrations brings older databases up to schemaVersion.
func (d *Database) runMigrations(ctx context.Context) error {
	version := 1
	if raw, err := d.GetMetadata(ctx, "schema_version"); err == nil {
		if v, convErr := strconv.Atoi(raw); convErr == nil {
			version = v
		}
	}

	// Migration 2: cached outputs are looked up by key
	if version < 2 {
		var columnExists bool
		err := d.db.QueryRowContext(ctx, `
			SELECT COUNT(*) > 0
			FROM pragma_table_info('jobs')
			WHERE name='cache_key'
		`).Scan(&columnExists)
		if err != nil {
			return fmt.Errorf("failed to check for cache_key column: %w", err)
		}

		if !columnExists {
			logging.Info("Migrating database: adding cache_key column to jobs table")
			if _, err := d.db.ExecContext(ctx, `ALTER TABLE jobs ADD COLUMN cache_key TEXT NOT NULL DEFAULT ''`); err != nil {
				return fmt.Errorf("failed to add cache_key column: %w", err)
			}
		}
		if _, err := d.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_jobs_cache_key ON jobs(cache_key)`); err != nil {
			return fmt.Errorf("failed to index cache_key: %w", err)
		}
	}

	if version < schemaVersion {
		return d.SetMetadata(ctx, "schema_version", strconv.Itoa(schemaVersion))
	}
	return nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping verifies the database is reachable; used by readiness checks.
func (d *Database) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return d.db.PingContext(ctx)
}

// Vacuum reclaims space after large deletions.
func (d *Database) Vacuum(ctx context.Context) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("vacuum", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	_, err = d.db.ExecContext(ctx, "VACUUM")
	return err
}

// recordQuery records database query metrics
func recordQuery(operation string, start time.Time, err error) {
	duration := time.Since(start).Seconds()
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.DBQueryTotal.WithLabelValues(operation, status).Inc()
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(duration)
}

// UpdateDBMetrics updates database connection metrics
func (d *Database) UpdateDBMetrics() {
	stats := d.db.Stats()
	metrics.DBConnectionsOpen.Set(float64(stats.OpenConnections))
}

// diagnoseDatabasePermissions checks database directory and file permissions
func diagnoseDatabasePermissions(dbPath string) error {
	dir := filepath.Dir(dbPath)

	dirInfo, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("cannot stat database directory: %w", err)
	}
	logging.Debug("Database directory: %s (mode: %v)", dir, dirInfo.Mode())

	testFile := filepath.Join(dir, ".perm-test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return fmt.Errorf("database directory not writable: %w", err)
	}
	_ = os.Remove(testFile)

	// A read-only WAL or SHM file left by another user breaks every write.
	for _, path := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		logging.Debug("Database file: %s (mode: %v, size: %d bytes)", path, info.Mode(), info.Size())
		if info.Mode().Perm()&0o200 != 0 {
			continue
		}
		logging.Warn("%s is read-only (mode %v), writes will fail", path, info.Mode())
		if path == dbPath {
			continue
		}
		if chmodErr := os.Chmod(path, 0o600); chmodErr != nil {
			logging.Error("Failed to fix permissions on %s: %v", path, chmodErr)
		} else {
			logging.Info("Fixed permissions on %s", path)
		}
	}

	return nil
}
