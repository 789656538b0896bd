package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:homesense.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// modernc sqlite is single-writer; serializing through one conn
	// avoids SQLITE_BUSY under concurrent shard workers.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS readings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			observed_at TEXT NOT NULL,
			received_at TEXT NOT NULL,
			source_topic TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			payload_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_device_observed ON readings(device_id, observed_at)`,
		`CREATE TABLE IF NOT EXISTS devices (
			device_id TEXT PRIMARY KEY,
			location TEXT NOT NULL DEFAULT '',
			last_seen TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sensors (
			device_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			total_readings INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (device_id, kind)
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			alert_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			evidence_json TEXT NOT NULL,
			triggered_at TEXT NOT NULL,
			acknowledged INTEGER NOT NULL DEFAULT 0,
			acknowledged_at TEXT NOT NULL DEFAULT '',
			acknowledged_by TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_device_triggered ON alerts(device_id, triggered_at)`,
		`CREATE TABLE IF NOT EXISTS incidents (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			severity_score REAL NOT NULL,
			verified INTEGER NOT NULL DEFAULT 0,
			factors_json TEXT NOT NULL,
			location TEXT NOT NULL DEFAULT '',
			detected_at TEXT NOT NULL,
			acknowledged INTEGER NOT NULL DEFAULT 0,
			acknowledged_at TEXT NOT NULL DEFAULT '',
			acknowledged_by TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_device_detected ON incidents(device_id, detected_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
