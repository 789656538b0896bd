package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"homesense/internal/config"
	"homesense/internal/model"
)

// ErrNotFound is returned by lookups and acknowledgments for ids that
// do not exist.
var ErrNotFound = errors.New("storage: not found")

type ReadingFilter struct {
	DeviceID string
	Kind     model.SensorKind
	Limit    int
}

type AlertFilter struct {
	DeviceID string
	Severity model.Severity
	Since    time.Time
	Limit    int
}

type IncidentFilter struct {
	DeviceID string
	Limit    int
}

// Stats are the persisted totals behind GET /stats.
type Stats struct {
	Readings             int64 `json:"readings"`
	Devices              int64 `json:"devices"`
	Sensors              int64 `json:"sensors"`
	Alerts               int64 `json:"alerts"`
	UnacknowledgedAlerts int64 `json:"unacknowledged_alerts"`
	Incidents            int64 `json:"incidents"`
	VerifiedIncidents    int64 `json:"verified_incidents"`
}

type Store interface {
	Init(ctx context.Context) error
	Close() error

	// AppendReading writes the reading to the append-only log and moves
	// the derived device/sensor rows forward in the same transaction.
	AppendReading(ctx context.Context, r model.SensorReading) error

	// RecentHistory returns the device's readings with observed_at in
	// (now-window, now], oldest first. Kind "" matches all kinds.
	RecentHistory(ctx context.Context, deviceID string, kind model.SensorKind, window time.Duration, now time.Time) ([]model.SensorReading, error)

	Devices(ctx context.Context) ([]model.Device, error)
	Device(ctx context.Context, deviceID string) (model.Device, error)
	Sensors(ctx context.Context, deviceID string, kind model.SensorKind) ([]model.Sensor, error)
	Readings(ctx context.Context, f ReadingFilter) ([]model.SensorReading, error)

	SaveAlert(ctx context.Context, alert model.Alert) error
	Alerts(ctx context.Context, f AlertFilter) ([]model.Alert, error)
	AcknowledgeAlert(ctx context.Context, id, by string, at time.Time) error

	SaveIncident(ctx context.Context, incident model.Incident) error
	Incidents(ctx context.Context, f IncidentFilter) ([]model.Incident, error)
	AcknowledgeIncident(ctx context.Context, id, by string, at time.Time) error

	Stats(ctx context.Context) (Stats, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// baseStore carries the shared query set. SQL is written with `?`
// placeholders; the postgres store rebinds them to $n.
type baseStore struct {
	db     *sql.DB
	rebind func(string) string
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) q(query string) string {
	if b.rebind != nil {
		return b.rebind(query)
	}
	return query
}

func (b *baseStore) AppendReading(ctx context.Context, r model.SensorReading) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, b.q(
		`INSERT INTO readings (device_id, kind, observed_at, received_at, source_topic, location, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		r.DeviceID, string(r.Kind), encodeTime(r.ObservedAt), encodeTime(r.ReceivedAt),
		r.SourceTopic, r.Location, encodeJSON(r.Payload),
	); err != nil {
		_ = tx.Rollback()
		return err
	}
	// Liveness tracks receive time, and last_seen only moves forward; a
	// replayed old reading must not drag it backwards.
	if _, err := tx.ExecContext(ctx, b.q(
		`INSERT INTO devices (device_id, location, last_seen, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (device_id) DO UPDATE SET
			last_seen = CASE WHEN excluded.last_seen > devices.last_seen THEN excluded.last_seen ELSE devices.last_seen END,
			location = CASE WHEN excluded.location <> '' THEN excluded.location ELSE devices.location END`),
		r.DeviceID, r.Location, encodeTime(r.ReceivedAt), encodeTime(r.ReceivedAt),
	); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, b.q(
		`INSERT INTO sensors (device_id, kind, last_seen, total_readings)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (device_id, kind) DO UPDATE SET
			last_seen = CASE WHEN excluded.last_seen > sensors.last_seen THEN excluded.last_seen ELSE sensors.last_seen END,
			total_readings = sensors.total_readings + 1`),
		r.DeviceID, string(r.Kind), encodeTime(r.ReceivedAt),
	); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (b *baseStore) RecentHistory(ctx context.Context, deviceID string, kind model.SensorKind, window time.Duration, now time.Time) ([]model.SensorReading, error) {
	query := `SELECT device_id, kind, observed_at, received_at, source_topic, location, payload_json
		FROM readings WHERE device_id = ? AND observed_at > ? AND observed_at <= ?`
	args := []any{deviceID, encodeTime(now.Add(-window)), encodeTime(now)}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY observed_at ASC, id ASC`
	rows, err := b.db.QueryContext(ctx, b.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReadings(rows)
}

func (b *baseStore) Readings(ctx context.Context, f ReadingFilter) ([]model.SensorReading, error) {
	query := `SELECT device_id, kind, observed_at, received_at, source_topic, location, payload_json FROM readings`
	var where []string
	var args []any
	if f.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += " ORDER BY observed_at DESC, id DESC LIMIT ?"
	args = append(args, limit)
	rows, err := b.db.QueryContext(ctx, b.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReadings(rows)
}

func (b *baseStore) Devices(ctx context.Context) ([]model.Device, error) {
	rows, err := b.db.QueryContext(ctx, b.q(
		`SELECT device_id, location, last_seen, created_at FROM devices ORDER BY device_id`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (b *baseStore) Device(ctx context.Context, deviceID string) (model.Device, error) {
	row := b.db.QueryRowContext(ctx, b.q(
		`SELECT device_id, location, last_seen, created_at FROM devices WHERE device_id = ?`), deviceID)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Device{}, ErrNotFound
	}
	if err != nil {
		return model.Device{}, err
	}
	d.Sensors, err = b.Sensors(ctx, deviceID, "")
	return d, err
}

func (b *baseStore) Sensors(ctx context.Context, deviceID string, kind model.SensorKind) ([]model.Sensor, error) {
	query := `SELECT device_id, kind, last_seen, total_readings FROM sensors`
	var where []string
	var args []any
	if deviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, deviceID)
	}
	if kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(kind))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY device_id, kind"
	rows, err := b.db.QueryContext(ctx, b.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Sensor
	for rows.Next() {
		var s model.Sensor
		var kindStr, lastSeen string
		if err := rows.Scan(&s.DeviceID, &kindStr, &lastSeen, &s.TotalReadings); err != nil {
			return nil, err
		}
		s.Kind = model.SensorKind(kindStr)
		s.LastSeen = decodeTime(lastSeen)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (b *baseStore) SaveAlert(ctx context.Context, alert model.Alert) error {
	_, err := b.db.ExecContext(ctx, b.q(
		`INSERT INTO alerts (id, device_id, alert_type, severity, message, evidence_json, triggered_at, acknowledged, acknowledged_at, acknowledged_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', '')`),
		alert.ID, alert.DeviceID, string(alert.Type), string(alert.Severity),
		alert.Message, encodeJSON(alert.Evidence), encodeTime(alert.TriggeredAt),
	)
	return err
}

func (b *baseStore) Alerts(ctx context.Context, f AlertFilter) ([]model.Alert, error) {
	query := `SELECT id, device_id, alert_type, severity, message, evidence_json, triggered_at, acknowledged, acknowledged_at, acknowledged_by FROM alerts`
	var where []string
	var args []any
	if f.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if f.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if !f.Since.IsZero() {
		where = append(where, "triggered_at >= ?")
		args = append(args, encodeTime(f.Since))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += " ORDER BY triggered_at DESC LIMIT ?"
	args = append(args, limit)
	rows, err := b.db.QueryContext(ctx, b.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Alert
	for rows.Next() {
		var a model.Alert
		var typ, sev, evidence, triggered, ackAt string
		var acked int
		if err := rows.Scan(&a.ID, &a.DeviceID, &typ, &sev, &a.Message, &evidence, &triggered, &acked, &ackAt, &a.AcknowledgedBy); err != nil {
			return nil, err
		}
		a.Type = model.AlertType(typ)
		a.Severity = model.Severity(sev)
		_ = json.Unmarshal([]byte(evidence), &a.Evidence)
		a.TriggeredAt = decodeTime(triggered)
		a.Acknowledged = acked != 0
		if t := decodeTime(ackAt); !t.IsZero() {
			a.AcknowledgedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (b *baseStore) AcknowledgeAlert(ctx context.Context, id, by string, at time.Time) error {
	return b.acknowledge(ctx, "alerts", id, by, at)
}

func (b *baseStore) SaveIncident(ctx context.Context, incident model.Incident) error {
	verified := 0
	if incident.Verified {
		verified = 1
	}
	_, err := b.db.ExecContext(ctx, b.q(
		`INSERT INTO incidents (id, device_id, severity_score, verified, factors_json, location, detected_at, acknowledged, acknowledged_at, acknowledged_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', '')`),
		incident.ID, incident.DeviceID, incident.SeverityScore, verified,
		encodeJSON(incident.Factors), incident.Location, encodeTime(incident.DetectedAt),
	)
	return err
}

func (b *baseStore) Incidents(ctx context.Context, f IncidentFilter) ([]model.Incident, error) {
	query := `SELECT id, device_id, severity_score, verified, factors_json, location, detected_at, acknowledged, acknowledged_at, acknowledged_by FROM incidents`
	var args []any
	if f.DeviceID != "" {
		query += " WHERE device_id = ?"
		args = append(args, f.DeviceID)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += " ORDER BY detected_at DESC LIMIT ?"
	args = append(args, limit)
	rows, err := b.db.QueryContext(ctx, b.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Incident
	for rows.Next() {
		var inc model.Incident
		var factors, detected, ackAt string
		var verified, acked int
		if err := rows.Scan(&inc.ID, &inc.DeviceID, &inc.SeverityScore, &verified, &factors, &inc.Location, &detected, &acked, &ackAt, &inc.AcknowledgedBy); err != nil {
			return nil, err
		}
		inc.Verified = verified != 0
		_ = json.Unmarshal([]byte(factors), &inc.Factors)
		inc.DetectedAt = decodeTime(detected)
		inc.Acknowledged = acked != 0
		if t := decodeTime(ackAt); !t.IsZero() {
			inc.AcknowledgedAt = &t
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func (b *baseStore) AcknowledgeIncident(ctx context.Context, id, by string, at time.Time) error {
	return b.acknowledge(ctx, "incidents", id, by, at)
}

// acknowledge flips the one-way flag. Re-acknowledging is a no-op that
// still reports success; only a missing id is an error.
func (b *baseStore) acknowledge(ctx context.Context, table, id, by string, at time.Time) error {
	res, err := b.db.ExecContext(ctx, b.q(
		`UPDATE `+table+` SET acknowledged = 1, acknowledged_at = ?, acknowledged_by = ? WHERE id = ? AND acknowledged = 0`),
		encodeTime(at), by, id,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	var one int
	err = b.db.QueryRowContext(ctx, b.q(`SELECT 1 FROM `+table+` WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (b *baseStore) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	counts := []struct {
		query string
		dst   *int64
	}{
		{`SELECT COUNT(*) FROM readings`, &s.Readings},
		{`SELECT COUNT(*) FROM devices`, &s.Devices},
		{`SELECT COUNT(*) FROM sensors`, &s.Sensors},
		{`SELECT COUNT(*) FROM alerts`, &s.Alerts},
		{`SELECT COUNT(*) FROM alerts WHERE acknowledged = 0`, &s.UnacknowledgedAlerts},
		{`SELECT COUNT(*) FROM incidents`, &s.Incidents},
		{`SELECT COUNT(*) FROM incidents WHERE verified = 1`, &s.VerifiedIncidents},
	}
	for _, c := range counts {
		if err := b.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return Stats{}, err
		}
	}
	return s, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (model.Device, error) {
	var d model.Device
	var lastSeen, created string
	if err := row.Scan(&d.DeviceID, &d.Location, &lastSeen, &created); err != nil {
		return model.Device{}, err
	}
	d.LastSeen = decodeTime(lastSeen)
	d.CreatedAt = decodeTime(created)
	return d, nil
}

func scanReadings(rows *sql.Rows) ([]model.SensorReading, error) {
	var out []model.SensorReading
	for rows.Next() {
		var r model.SensorReading
		var kind, observed, received, payload string
		if err := rows.Scan(&r.DeviceID, &kind, &observed, &received, &r.SourceTopic, &r.Location, &payload); err != nil {
			return nil, err
		}
		r.Kind = model.SensorKind(kind)
		r.ObservedAt = decodeTime(observed)
		r.ReceivedAt = decodeTime(received)
		p, err := model.DecodePayload(r.Kind, []byte(payload))
		if err != nil {
			return nil, fmt.Errorf("payload for %s/%s: %w", r.DeviceID, r.Kind, err)
		}
		r.Payload = p
		out = append(out, r)
	}
	return out, rows.Err()
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

// Timestamps are stored as fixed-width UTC strings so lexical ordering
// matches chronological ordering in both dialects.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
