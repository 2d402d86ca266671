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
		dsn = "file:vibranium.db?_pragma=busy_timeout(5000)"
	}
	if !strings.Contains(dsn, "busy_timeout") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if strings.Contains(dsn, ":memory:") {
		// every connection would open its own empty database
		db.SetMaxOpenConns(1)
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS acquisitions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			endpoint_id TEXT NOT NULL,
			equip_id TEXT NOT NULL,
			station_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			xrms REAL NOT NULL, xcf REAL NOT NULL, xfreq REAL NOT NULL, xamp REAL NOT NULL,
			yrms REAL NOT NULL, ycf REAL NOT NULL, yfreq REAL NOT NULL, yamp REAL NOT NULL,
			zrms REAL NOT NULL, zcf REAL NOT NULL, zfreq REAL NOT NULL, zamp REAL NOT NULL,
			anomaly INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_acquisitions_endpoint ON acquisitions(endpoint_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_acquisitions_equip ON acquisitions(equip_id, seq)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			equip_id TEXT NOT NULL,
			endpoint_id TEXT NOT NULL,
			severity TEXT NOT NULL,
			alert_type TEXT NOT NULL,
			outliers_json TEXT NOT NULL,
			features_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts)`,
		`CREATE TABLE IF NOT EXISTS equipments (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			in_training INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS stations (
			mac TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS endpoints (
			mac TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			equip_id TEXT NOT NULL DEFAULT '',
			station_mac TEXT NOT NULL DEFAULT ''
		)`,
	})
}
