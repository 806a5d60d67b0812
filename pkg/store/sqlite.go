// Package store keeps the records the clinic tools write during a call.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/harunnryd/callbridge/pkg/logging"
)

// DB wraps a SQLite database with migration support.
type DB struct {
	sql    *sql.DB
	logger *slog.Logger
}

type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "patient_records",
		SQL: `CREATE TABLE patient_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			call_sid TEXT NOT NULL DEFAULT '',
			patient_name TEXT NOT NULL,
			date_of_birth TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE INDEX idx_patient_records_call ON patient_records(call_sid);`,
	},
}

// Open opens (or creates) the database at path and applies pending
// migrations. ":memory:" opens a private in-memory database.
func Open(path string, logger *slog.Logger) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		sqlDB.SetMaxOpenConns(1)
	} else if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	db := &DB{sql: sqlDB, logger: logging.NewComponentLogger(logger, "store")}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	db.logger.Info("store_opened", "path", path)
	return db, nil
}

func (db *DB) Close() error {
	return db.sql.Close()
}

func (db *DB) migrate() error {
	if _, err := db.sql.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}
	for _, m := range migrations {
		var count int
		if err := db.sql.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.Version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}
		db.logger.Info("store_migration_applying", "version", m.Version, "name", m.Name)
		tx, err := db.sql.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// PatientRecord is one intake note taken during a call.
type PatientRecord struct {
	ID          int64
	CallSID     string
	PatientName string
	DateOfBirth string
	Reason      string
	Notes       string
	CreatedAt   time.Time
}

// LogPatient inserts rec and returns its id.
func (db *DB) LogPatient(ctx context.Context, rec PatientRecord) (int64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	res, err := db.sql.ExecContext(ctx,
		`INSERT INTO patient_records (call_sid, patient_name, date_of_birth, reason, notes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.CallSID, rec.PatientName, rec.DateOfBirth, rec.Reason, rec.Notes, rec.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("inserting patient record: %w", err)
	}
	return res.LastInsertId()
}

// PatientsForCall returns the records logged by one call, oldest first.
func (db *DB) PatientsForCall(ctx context.Context, callSID string) ([]PatientRecord, error) {
	rows, err := db.sql.QueryContext(ctx,
		`SELECT id, call_sid, patient_name, date_of_birth, reason, notes, created_at
		 FROM patient_records WHERE call_sid = ? ORDER BY id`, callSID)
	if err != nil {
		return nil, fmt.Errorf("querying patient records: %w", err)
	}
	defer rows.Close()
	var out []PatientRecord
	for rows.Next() {
		var rec PatientRecord
		var created string
		if err := rows.Scan(&rec.ID, &rec.CallSID, &rec.PatientName, &rec.DateOfBirth, &rec.Reason, &rec.Notes, &created); err != nil {
			return nil, err
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, rec)
	}
	return out, rows.Err()
}
