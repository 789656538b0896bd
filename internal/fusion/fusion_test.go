package fusion

import (
	"context"
	"testing"
	"time"

	"homesense/internal/config"
	"homesense/internal/metrics"
	"homesense/internal/model"
)

var now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func motionAt(at time.Time, detected bool) model.SensorReading {
	return model.SensorReading{DeviceID: "d", Kind: model.KindMotion, ObservedAt: at, Payload: model.MotionPayload{MotionDetected: detected}}
}

func distanceAt(at time.Time, cm float64) model.SensorReading {
	return model.SensorReading{DeviceID: "d", Kind: model.KindDistance, ObservedAt: at, Payload: model.DistancePayload{DistanceCM: cm}}
}

func climateAt(at time.Time, temp, hum float64) model.SensorReading {
	return model.SensorReading{DeviceID: "d", Kind: model.KindClimate, ObservedAt: at, Payload: model.ClimatePayload{TemperatureC: temp, HumidityPct: hum}}
}

// Idle PIR for 35 seconds plus a close echo must cross the threshold
// verified.
func TestStillnessWithCloseEchoIsVerifiedIncident(t *testing.T) {
	cfg := config.DefaultConfig().Fusion
	history := []model.SensorReading{
		motionAt(now.Add(-35*time.Second), false),
		motionAt(now.Add(-20*time.Second), false),
		motionAt(now.Add(-5*time.Second), false),
		distanceAt(now.Add(-2*time.Second), 42),
	}
	severity, factors := Score(cfg, history, now)
	if severity < cfg.VerificationThreshold {
		t.Fatalf("severity = %.2f, want >= %.1f", severity, cfg.VerificationThreshold)
	}
	if factors.RoomScore != 6 {
		t.Fatalf("room = %.1f", factors.RoomScore)
	}
	if factors.DurationScore != 10 {
		t.Fatalf("duration = %.1f", factors.DurationScore)
	}
	if len(factors.Contributing) < 2 {
		t.Fatalf("contributing = %v", factors.Contributing)
	}
}

func TestDurationBreakpoints(t *testing.T) {
	cfg := config.DefaultConfig().Fusion
	cases := []struct {
		still time.Duration
		want  float64
	}{
		{5 * time.Second, 2},
		{12 * time.Second, 4},
		{25 * time.Second, 7},
		{40 * time.Second, 10},
	}
	for _, tc := range cases {
		history := []model.SensorReading{
			motionAt(now.Add(-tc.still-time.Minute), true), // last activity
			motionAt(now.Add(-tc.still), true),
			motionAt(now.Add(-time.Second), false),
		}
		// Stillness measured from the newest detected=true sample.
		_, factors := Score(cfg, history, now)
		if factors.DurationScore != tc.want {
			t.Fatalf("still %v: duration = %.1f, want %.1f", tc.still, factors.DurationScore, tc.want)
		}
	}
}

func TestDistanceProximityBreakpoints(t *testing.T) {
	cfg := config.DefaultConfig().Fusion
	cases := []struct {
		cm   float64
		want float64
	}{
		{30, 3},
		{80, 1.5},
		{150, 0},
	}
	for _, tc := range cases {
		history := []model.SensorReading{
			motionAt(now.Add(-time.Second), true), // active, no idle points
			distanceAt(now, tc.cm),
		}
		_, factors := Score(cfg, history, now)
		if factors.RoomScore != tc.want {
			t.Fatalf("%.0fcm: room = %.1f, want %.1f", tc.cm, factors.RoomScore, tc.want)
		}
	}
}

func TestEnvironmentDeltas(t *testing.T) {
	cfg := config.DefaultConfig().Fusion
	history := []model.SensorReading{
		climateAt(now.Add(-25*time.Second), 21, 45),
		climateAt(now, 23.5, 51),
	}
	_, factors := Score(cfg, history, now)
	if factors.EnvironmentScore != 5 {
		t.Fatalf("environment = %.1f, want 5 (temp +3, humidity +2)", factors.EnvironmentScore)
	}
}

func TestMonotonicity(t *testing.T) {
	cfg := config.DefaultConfig().Fusion
	base := []model.SensorReading{
		motionAt(now.Add(-12*time.Second), false),
		distanceAt(now.Add(-time.Second), 120),
	}
	baseSeverity, _ := Score(cfg, base, now)

	// Shortening the echo distance never lowers severity.
	closer := []model.SensorReading{
		motionAt(now.Add(-12*time.Second), false),
		distanceAt(now.Add(-time.Second), 40),
	}
	closerSeverity, _ := Score(cfg, closer, now)
	if closerSeverity < baseSeverity {
		t.Fatalf("closer echo lowered severity: %.2f -> %.2f", baseSeverity, closerSeverity)
	}

	// Lengthening the stillness interval never lowers severity.
	longer := []model.SensorReading{
		motionAt(now.Add(-40*time.Second), false),
		distanceAt(now.Add(-time.Second), 120),
	}
	longerSeverity, _ := Score(cfg, longer, now)
	if longerSeverity < baseSeverity {
		t.Fatalf("longer stillness lowered severity: %.2f -> %.2f", baseSeverity, longerSeverity)
	}
}

// A single contributing category must never produce a verified
// incident even when the weighted score crosses the threshold.
func TestTwoFactorCorroboration(t *testing.T) {
	cfg := config.DefaultConfig().Fusion
	counters := metrics.NewCounters()
	s := NewScorer(config.NewStaticManager(config.DefaultConfig()), nil, counters, nil, nil)
	s.nowFn = func() time.Time { return now }

	// Room alone: idle PIR a few seconds old, duration still at its
	// floor, no climate shift. One contributing category.
	soloRoom := []model.SensorReading{
		motionAt(now.Add(-3*time.Second), false),
	}
	_, factors := Score(cfg, soloRoom, now)
	if len(factors.Contributing) != 1 || factors.Contributing[0] != "room" {
		t.Fatalf("contributing = %v, want [room]", factors.Contributing)
	}
	// With a threshold the single factor can reach, the incident is
	// created but stays unverified.
	lowCfg := config.DefaultConfig()
	lowCfg.Fusion.VerificationThreshold = 1.0
	low := NewScorer(config.NewStaticManager(lowCfg), nil, nil, nil, nil)
	low.nowFn = func() time.Time { return now }
	inc0, ok := low.Process(context.Background(), soloRoom[0], soloRoom)
	if !ok {
		t.Fatal("expected incident at lowered threshold")
	}
	if inc0.Verified {
		t.Fatalf("single-factor incident marked verified: %+v", inc0)
	}

	// Room + duration: verified.
	corroborated := []model.SensorReading{
		motionAt(now.Add(-35*time.Second), false),
		distanceAt(now.Add(-time.Second), 42),
	}
	inc, ok := s.Process(context.Background(), corroborated[1], corroborated)
	if !ok {
		t.Fatal("expected incident")
	}
	if !inc.Verified {
		t.Fatalf("incident not verified: %+v", inc)
	}
	if counters.IncidentsEmitted.Load() != 1 {
		t.Fatalf("incidents_emitted = %d", counters.IncidentsEmitted.Load())
	}
}

func TestDurationFloorDoesNotCorroborate(t *testing.T) {
	cfg := config.DefaultConfig().Fusion
	history := []model.SensorReading{
		motionAt(now.Add(-3*time.Second), false), // idle but only just
		distanceAt(now.Add(-time.Second), 42),
	}
	_, factors := Score(cfg, history, now)
	if factors.DurationScore != 2 {
		t.Fatalf("duration = %.1f, want floor 2", factors.DurationScore)
	}
	for _, c := range factors.Contributing {
		if c == "duration" {
			t.Fatal("duration floor counted as corroboration")
		}
	}
}

func TestIncidentCooldown(t *testing.T) {
	s := NewScorer(config.NewStaticManager(config.DefaultConfig()), nil, nil, nil, nil)
	clock := now
	s.nowFn = func() time.Time { return clock }
	history := []model.SensorReading{
		motionAt(now.Add(-35*time.Second), false),
		distanceAt(now.Add(-time.Second), 42),
	}
	if _, ok := s.Process(context.Background(), history[1], history); !ok {
		t.Fatal("first incident suppressed")
	}
	if _, ok := s.Process(context.Background(), history[1], history); ok {
		t.Fatal("incident emitted inside cooldown")
	}
	clock = now.Add(2 * time.Minute)
	if _, ok := s.Process(context.Background(), history[1], history); !ok {
		t.Fatal("incident suppressed after cooldown expiry")
	}
}
