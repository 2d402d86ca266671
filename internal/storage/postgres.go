package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/vibranium?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, dollar: true}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS acquisitions (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			endpoint_id TEXT NOT NULL,
			equip_id TEXT NOT NULL,
			station_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			xrms DOUBLE PRECISION NOT NULL, xcf DOUBLE PRECISION NOT NULL, xfreq DOUBLE PRECISION NOT NULL, xamp DOUBLE PRECISION NOT NULL,
			yrms DOUBLE PRECISION NOT NULL, ycf DOUBLE PRECISION NOT NULL, yfreq DOUBLE PRECISION NOT NULL, yamp DOUBLE PRECISION NOT NULL,
			zrms DOUBLE PRECISION NOT NULL, zcf DOUBLE PRECISION NOT NULL, zfreq DOUBLE PRECISION NOT NULL, zamp DOUBLE PRECISION NOT NULL,
			anomaly BOOLEAN
		)`,
		`CREATE INDEX IF NOT EXISTS idx_acquisitions_endpoint ON acquisitions(endpoint_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_acquisitions_equip ON acquisitions(equip_id, seq)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			equip_id TEXT NOT NULL,
			endpoint_id TEXT NOT NULL,
			severity TEXT NOT NULL,
			alert_type TEXT NOT NULL,
			outliers_json JSONB NOT NULL,
			features_json JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts)`,
		`CREATE TABLE IF NOT EXISTS equipments (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			in_training BOOLEAN NOT NULL DEFAULT FALSE
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
