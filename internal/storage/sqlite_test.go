package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"homesense/internal/model"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dsn)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func climateReading(deviceID string, at time.Time, temp, hum float64) model.SensorReading {
	return model.SensorReading{
		DeviceID:   deviceID,
		Kind:       model.KindClimate,
		ObservedAt: at,
		ReceivedAt: at,
		Location:   "bedroom",
		Payload:    model.ClimatePayload{TemperatureC: temp, HumidityPct: hum},
	}
}

func TestAppendReadingUpsertsDerivedRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		r := climateReading("dev-1", base.Add(time.Duration(i)*time.Minute), 21.0+float64(i), 45)
		if err := s.AppendReading(ctx, r); err != nil {
			t.Fatalf("AppendReading: %v", err)
		}
	}

	dev, err := s.Device(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Device: %v", err)
	}
	if !dev.LastSeen.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("last_seen = %v", dev.LastSeen)
	}
	if dev.Location != "bedroom" {
		t.Fatalf("location = %q", dev.Location)
	}
	if len(dev.Sensors) != 1 || dev.Sensors[0].TotalReadings != 3 {
		t.Fatalf("sensors = %+v", dev.Sensors)
	}
}

func TestAppendOutOfOrderKeepsLastSeen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if err := s.AppendReading(ctx, climateReading("dev-1", base, 21, 45)); err != nil {
		t.Fatal(err)
	}
	// Replay of an older observation must not move liveness backwards.
	if err := s.AppendReading(ctx, climateReading("dev-1", base.Add(-time.Hour), 20, 44)); err != nil {
		t.Fatal(err)
	}
	dev, err := s.Device(ctx, "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if !dev.LastSeen.Equal(base) {
		t.Fatalf("last_seen = %v, want %v", dev.LastSeen, base)
	}
}

func TestLivenessFlipsWithClock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seen := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := s.AppendReading(ctx, climateReading("dev-1", seen, 21, 45)); err != nil {
		t.Fatal(err)
	}
	dev, err := s.Device(ctx, "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	window := 5 * time.Minute
	if got := model.StatusAt(dev.LastSeen, seen.Add(4*time.Minute), window); got != model.StatusOnline {
		t.Fatalf("status at +4m = %v", got)
	}
	// No new write; only the clock moved.
	if got := model.StatusAt(dev.LastSeen, seen.Add(6*time.Minute), window); got != model.StatusOffline {
		t.Fatalf("status at +6m = %v", got)
	}
}

func TestRecentHistoryWindowAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	times := []time.Duration{-10 * time.Minute, -4 * time.Minute, -2 * time.Minute, -1 * time.Minute}
	for i, d := range times {
		if err := s.AppendReading(ctx, climateReading("dev-1", now.Add(d), 20+float64(i), 45)); err != nil {
			t.Fatal(err)
		}
	}
	// A different device must not leak in.
	if err := s.AppendReading(ctx, climateReading("dev-2", now.Add(-time.Minute), 99, 45)); err != nil {
		t.Fatal(err)
	}

	hist, err := s.RecentHistory(ctx, "dev-1", model.KindClimate, 5*time.Minute, now)
	if err != nil {
		t.Fatalf("RecentHistory: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("history len = %d, want 3", len(hist))
	}
	for i := 1; i < len(hist); i++ {
		if hist[i].ObservedAt.Before(hist[i-1].ObservedAt) {
			t.Fatalf("history not ascending: %v before %v", hist[i].ObservedAt, hist[i-1].ObservedAt)
		}
	}
	if p := hist[0].Payload.(model.ClimatePayload); p.TemperatureC != 21 {
		t.Fatalf("oldest in window = %#v", p)
	}
}

func TestAlertRoundTripAndAckIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	alert := model.Alert{
		ID:          "a-1",
		DeviceID:    "dev-1",
		Type:        model.AlertFireRisk,
		Severity:    model.SeverityExtreme,
		Message:     "temperature 41.0C at or above fire risk threshold",
		Evidence:    model.Evidence{Source: "rule", Values: map[string]float64{"temperature_c": 41}},
		TriggeredAt: at,
	}
	if err := s.SaveAlert(ctx, alert); err != nil {
		t.Fatalf("SaveAlert: %v", err)
	}

	got, err := s.Alerts(ctx, AlertFilter{DeviceID: "dev-1"})
	if err != nil || len(got) != 1 {
		t.Fatalf("Alerts: %v, n=%d", err, len(got))
	}
	if got[0].Evidence.Values["temperature_c"] != 41 {
		t.Fatalf("evidence = %+v", got[0].Evidence)
	}
	if got[0].Acknowledged {
		t.Fatal("new alert already acknowledged")
	}

	ackAt := at.Add(time.Minute)
	if err := s.AcknowledgeAlert(ctx, "a-1", "operator", ackAt); err != nil {
		t.Fatalf("first ack: %v", err)
	}
	// Second ack is a successful no-op and keeps the original actor.
	if err := s.AcknowledgeAlert(ctx, "a-1", "someone-else", ackAt.Add(time.Hour)); err != nil {
		t.Fatalf("re-ack: %v", err)
	}
	got, _ = s.Alerts(ctx, AlertFilter{DeviceID: "dev-1"})
	if !got[0].Acknowledged || got[0].AcknowledgedBy != "operator" {
		t.Fatalf("after re-ack = %+v", got[0])
	}
	if got[0].AcknowledgedAt == nil || !got[0].AcknowledgedAt.Equal(ackAt) {
		t.Fatalf("ack time = %v", got[0].AcknowledgedAt)
	}

	if err := s.AcknowledgeAlert(ctx, "missing", "x", ackAt); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing ack err = %v", err)
	}
}

func TestIncidentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	inc := model.Incident{
		ID:            "i-1",
		DeviceID:      "dev-1",
		SeverityScore: 7.4,
		Verified:      true,
		Factors: model.FactorBreakdown{
			RoomScore:        3,
			DurationScore:    10,
			EnvironmentScore: 3,
			Contributing:     []string{"room", "duration", "environment"},
		},
		Location:   "bathroom",
		DetectedAt: at,
	}
	if err := s.SaveIncident(ctx, inc); err != nil {
		t.Fatalf("SaveIncident: %v", err)
	}
	got, err := s.Incidents(ctx, IncidentFilter{DeviceID: "dev-1"})
	if err != nil || len(got) != 1 {
		t.Fatalf("Incidents: %v, n=%d", err, len(got))
	}
	if got[0].SeverityScore != 7.4 || !got[0].Verified || got[0].Factors.DurationScore != 10 {
		t.Fatalf("incident = %+v", got[0])
	}
	if err := s.AcknowledgeIncident(ctx, "i-1", "operator", at.Add(time.Minute)); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if err := s.AppendReading(ctx, climateReading("dev-1", at, 21, 45)); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveAlert(ctx, model.Alert{ID: "a-1", DeviceID: "dev-1", Type: model.AlertUnsafeTemp, Severity: model.SeverityMedium, TriggeredAt: at}); err != nil {
		t.Fatal(err)
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Readings != 1 || stats.Devices != 1 || stats.Sensors != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.Alerts != 1 || stats.UnacknowledgedAlerts != 1 {
		t.Fatalf("alert stats = %+v", stats)
	}
}
