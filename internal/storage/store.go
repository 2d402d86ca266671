package storage

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"vibranium/internal/config"
	"vibranium/internal/model"
	"vibranium/internal/normalize"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	Init(ctx context.Context) error
	Close() error

	SaveAcquisition(ctx context.Context, acq model.Acquisition) error
	LastAcquisition(ctx context.Context, endpointID string) (model.Acquisition, error)
	RecentAcquisitions(ctx context.Context, equipmentID string, limit int) ([]model.Acquisition, error)
	RecentFeatures(ctx context.Context, equipmentID string, limit int) ([]model.FeatureSet, error)
	ExportCSV(ctx context.Context, w io.Writer, equipmentID string, limit int) error

	SaveAlert(ctx context.Context, alert model.Alert) error

	Equipment(ctx context.Context, id string) (model.Equipment, error)
	UpsertEquipment(ctx context.Context, eq model.Equipment) error
	Station(ctx context.Context, mac string) (model.Station, error)
	UpsertStation(ctx context.Context, st model.Station) error
	Endpoint(ctx context.Context, mac string) (model.Endpoint, error)
	UpsertEndpoint(ctx context.Context, ep model.Endpoint) error
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// baseStore carries the queries shared by both drivers. Statements are
// written with ? placeholders and rebound for drivers using $n.
type baseStore struct {
	db     *sql.DB
	dollar bool
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) q(query string) string {
	if !b.dollar {
		return query
	}
	return rebind(query)
}

func rebind(query string) string {
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *baseStore) exec(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const acquisitionColumns = `id, endpoint_id, equip_id, station_id, ts,
	xrms, xcf, xfreq, xamp, yrms, ycf, yfreq, yamp, zrms, zcf, zfreq, zamp, anomaly`

func (b *baseStore) SaveAcquisition(ctx context.Context, acq model.Acquisition) error {
	r := acq.Record
	var anomaly any
	if acq.Anomaly != nil {
		anomaly = *acq.Anomaly
	}
	_, err := b.db.ExecContext(ctx, b.q(`INSERT INTO acquisitions (`+acquisitionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		acq.ID, r.EndpointID, r.EquipmentID, r.StationID, formatTime(r.Timestamp),
		r.X.RMS, r.X.CrestFactor, r.X.DominantFreq, r.X.DominantAmp,
		r.Y.RMS, r.Y.CrestFactor, r.Y.DominantFreq, r.Y.DominantAmp,
		r.Z.RMS, r.Z.CrestFactor, r.Z.DominantFreq, r.Z.DominantAmp,
		anomaly,
	)
	if err != nil {
		return fmt.Errorf("save acquisition %s: %w", acq.ID, err)
	}
	return nil
}

func (b *baseStore) LastAcquisition(ctx context.Context, endpointID string) (model.Acquisition, error) {
	row := b.db.QueryRowContext(ctx, b.q(`SELECT `+acquisitionColumns+`
		FROM acquisitions WHERE endpoint_id = ? ORDER BY seq DESC LIMIT 1`), endpointID)
	acq, err := scanAcquisition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Acquisition{}, fmt.Errorf("acquisition for endpoint %s: %w", endpointID, ErrNotFound)
	}
	return acq, err
}

// RecentAcquisitions returns the last limit acquisitions of the equipment in
// chronological order. limit <= 0 returns all of them.
func (b *baseStore) RecentAcquisitions(ctx context.Context, equipmentID string, limit int) ([]model.Acquisition, error) {
	query := `SELECT ` + acquisitionColumns + ` FROM acquisitions WHERE equip_id = ? ORDER BY seq DESC`
	args := []any{equipmentID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := b.db.QueryContext(ctx, b.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query acquisitions for %s: %w", equipmentID, err)
	}
	defer rows.Close()
	var out []model.Acquisition
	for rows.Next() {
		acq, err := scanAcquisition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (b *baseStore) RecentFeatures(ctx context.Context, equipmentID string, limit int) ([]model.FeatureSet, error) {
	acqs, err := b.RecentAcquisitions(ctx, equipmentID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]model.FeatureSet, len(acqs))
	for i, a := range acqs {
		out[i] = a.Record.FeatureSet
	}
	return out, nil
}

var exportHeader = []string{
	"id", "timeStamp", "endpointID", "macStationID",
	"xrms", "xcf", "xfreq", "xamp",
	"yrms", "ycf", "yfreq", "yamp",
	"zrms", "zcf", "zfreq", "zamp",
	"anomaly",
}

// ExportCSV writes the last limit acquisitions of the equipment. The rms and
// cf columns use the names of a training table.
func (b *baseStore) ExportCSV(ctx context.Context, w io.Writer, equipmentID string, limit int) error {
	acqs, err := b.RecentAcquisitions(ctx, equipmentID, limit)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	for _, a := range acqs {
		r := a.Record
		anomaly := ""
		if a.Anomaly != nil {
			anomaly = strconv.FormatBool(*a.Anomaly)
		}
		row := []string{a.ID, r.Timestamp.String(), r.EndpointID, r.StationID}
		for _, axis := range model.Axes {
			af := r.Axis(axis)
			row = append(row, f(af.RMS), f(af.CrestFactor), f(af.DominantFreq), f(af.DominantAmp))
		}
		row = append(row, anomaly)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (b *baseStore) SaveAlert(ctx context.Context, alert model.Alert) error {
	_, err := b.db.ExecContext(ctx, b.q(`INSERT INTO alerts (ts, equip_id, endpoint_id, severity, alert_type, outliers_json, features_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		alert.Timestamp.UTC(),
		alert.EquipmentID,
		alert.EndpointID,
		alert.Severity,
		alert.AlertType,
		encodeJSON(alert.Outliers),
		encodeJSON(alert.Features),
	)
	return err
}

func (b *baseStore) Equipment(ctx context.Context, id string) (model.Equipment, error) {
	var eq model.Equipment
	err := b.db.QueryRowContext(ctx, b.q(`SELECT id, name, in_training FROM equipments WHERE id = ?`), id).
		Scan(&eq.ID, &eq.Name, &eq.InTraining)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Equipment{}, fmt.Errorf("equipment %s: %w", id, ErrNotFound)
	}
	return eq, err
}

func (b *baseStore) UpsertEquipment(ctx context.Context, eq model.Equipment) error {
	_, err := b.db.ExecContext(ctx, b.q(`INSERT INTO equipments (id, name, in_training) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, in_training = excluded.in_training`),
		eq.ID, eq.Name, eq.InTraining)
	return err
}

func (b *baseStore) Station(ctx context.Context, mac string) (model.Station, error) {
	var st model.Station
	err := b.db.QueryRowContext(ctx, b.q(`SELECT mac, name, location FROM stations WHERE mac = ?`), mac).
		Scan(&st.MAC, &st.Name, &st.Location)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Station{}, fmt.Errorf("station %s: %w", mac, ErrNotFound)
	}
	return st, err
}

func (b *baseStore) UpsertStation(ctx context.Context, st model.Station) error {
	_, err := b.db.ExecContext(ctx, b.q(`INSERT INTO stations (mac, name, location) VALUES (?, ?, ?)
		ON CONFLICT (mac) DO UPDATE SET name = excluded.name, location = excluded.location`),
		st.MAC, st.Name, st.Location)
	return err
}

func (b *baseStore) Endpoint(ctx context.Context, mac string) (model.Endpoint, error) {
	var ep model.Endpoint
	err := b.db.QueryRowContext(ctx, b.q(`SELECT mac, name, equip_id, station_mac FROM endpoints WHERE mac = ?`), mac).
		Scan(&ep.MAC, &ep.Name, &ep.EquipmentID, &ep.StationMAC)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Endpoint{}, fmt.Errorf("endpoint %s: %w", mac, ErrNotFound)
	}
	return ep, err
}

func (b *baseStore) UpsertEndpoint(ctx context.Context, ep model.Endpoint) error {
	_, err := b.db.ExecContext(ctx, b.q(`INSERT INTO endpoints (mac, name, equip_id, station_mac) VALUES (?, ?, ?, ?)
		ON CONFLICT (mac) DO UPDATE SET name = excluded.name, equip_id = excluded.equip_id, station_mac = excluded.station_mac`),
		ep.MAC, ep.Name, ep.EquipmentID, ep.StationMAC)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAcquisition(s scanner) (model.Acquisition, error) {
	var (
		acq     model.Acquisition
		r       = &acq.Record
		ts      string
		anomaly sql.NullBool
	)
	err := s.Scan(&acq.ID, &r.EndpointID, &r.EquipmentID, &r.StationID, &ts,
		&r.X.RMS, &r.X.CrestFactor, &r.X.DominantFreq, &r.X.DominantAmp,
		&r.Y.RMS, &r.Y.CrestFactor, &r.Y.DominantFreq, &r.Y.DominantAmp,
		&r.Z.RMS, &r.Z.CrestFactor, &r.Z.DominantFreq, &r.Z.DominantAmp,
		&anomaly,
	)
	if err != nil {
		return model.Acquisition{}, err
	}
	if ts != "" {
		parsed, err := normalize.ParseTimestamp(ts, time.Local)
		if err != nil {
			return model.Acquisition{}, err
		}
		r.Timestamp = model.Timestamp(parsed)
	}
	if anomaly.Valid {
		v := anomaly.Bool
		acq.Anomaly = &v
	}
	return acq, nil
}

func formatTime(ts model.Timestamp) string {
	if ts.Time().IsZero() {
		return ""
	}
	return ts.String()
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}
