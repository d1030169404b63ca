package database

import (
	"database/sql"
	"embed"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is one numbered schema step, loaded from migrations/NNN_name.sql
type Migration struct {
	Version int
	Name    string
	SQL     string
}

const migrationTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`

func appliedVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// loadMigrations parses the embedded files in version order; names that do not
// start with a number are ignored
func loadMigrations() ([]Migration, error) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		base, ok := strings.CutSuffix(entry.Name(), ".sql")
		if entry.IsDir() || !ok {
			continue
		}
		prefix, name, ok := strings.Cut(base, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}

		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		migrations = append(migrations, Migration{Version: version, Name: name, SQL: string(content)})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// hasUserTables reports whether the file already holds tables besides schema_migrations
func hasUserTables(db *sql.DB) (bool, error) {
	var count int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM sqlite_master
		WHERE type = 'table' AND name NOT IN ('schema_migrations') AND name NOT LIKE 'sqlite_%'
	`).Scan(&count)
	return count > 0, err
}

// backupDatabase snapshots the live database next to dbPath. VACUUM INTO includes
// pages still sitting in the WAL, which a plain file copy would miss.
func backupDatabase(db *sql.DB, dbPath string, version int) error {
	backupPath := fmt.Sprintf("%s.backup-v%d-%s", dbPath, version, time.Now().Format("20060102-150405"))
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		return err
	}
	log.Info().Str("backup", filepath.Base(backupPath)).Msg("created database backup")
	return nil
}

// runMigrations applies every embedded migration newer than the recorded version.
// Existing databases are backed up first.
func runMigrations(db *sql.DB, dbPath string) error {
	if _, err := db.Exec(migrationTable); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := appliedVersion(db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	all, err := loadMigrations()
	if err != nil {
		return err
	}
	pending := all[:0:0]
	for _, m := range all {
		if m.Version > current {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		log.Debug().Int("version", current).Msg("database schema up to date")
		return nil
	}

	populated, err := hasUserTables(db)
	if err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	if populated {
		if err := backupDatabase(db, dbPath, current); err != nil {
			return fmt.Errorf("backup database: %w", err)
		}
	}

	log.Info().
		Int("pending", len(pending)).
		Int("from", current).
		Int("to", pending[len(pending)-1].Version).
		Msg("running database migrations")

	for _, m := range pending {
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		log.Info().Int("version", m.Version).Str("name", m.Name).Msg("applied migration")
	}
	return nil
}

// applyMigration runs the SQL and records the version in one transaction
func applyMigration(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
		m.Version, m.Name, nowMillis(),
	); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}

// SchemaVersion reports the highest applied migration
func (db *DB) SchemaVersion() (int, error) {
	return appliedVersion(db.conn)
}
