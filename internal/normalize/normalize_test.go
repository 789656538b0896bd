package normalize

import (
	"errors"
	"testing"
	"time"

	"homesense/internal/model"
)

var received = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestConsolidatedDocumentExpands(t *testing.T) {
	doc := map[string]any{
		"device_id": "esp32-01",
		"location":  "living_room",
		"timestamp": float64(1767225600), // epoch seconds
		"sensors": map[string]any{
			"pir":        map[string]any{"motion_detected": true},
			"ultrasonic": map[string]any{"distance_cm": 142.5},
			"dht22":      map[string]any{"temperature_c": 22.1, "humidity_percent": 44.0},
		},
		"wifi": map[string]any{"rssi": float64(-61)},
	}
	readings, err := Normalize("sensors/combined/esp32-01", doc, received)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(readings) != 4 {
		t.Fatalf("expected 4 readings, got %d", len(readings))
	}
	byKind := map[model.SensorKind]model.SensorReading{}
	for _, r := range readings {
		if r.DeviceID != "esp32-01" {
			t.Fatalf("device id = %q", r.DeviceID)
		}
		if r.Location != "living_room" {
			t.Fatalf("location = %q", r.Location)
		}
		if r.ObservedAt.Unix() != 1767225600 {
			t.Fatalf("observed at = %v", r.ObservedAt)
		}
		byKind[r.Kind] = r
	}
	if p, ok := byKind[model.KindMotion].Payload.(model.MotionPayload); !ok || !p.MotionDetected {
		t.Fatalf("motion payload = %#v", byKind[model.KindMotion].Payload)
	}
	if p, ok := byKind[model.KindDistance].Payload.(model.DistancePayload); !ok || p.DistanceCM != 142.5 {
		t.Fatalf("distance payload = %#v", byKind[model.KindDistance].Payload)
	}
	if p, ok := byKind[model.KindClimate].Payload.(model.ClimatePayload); !ok || p.TemperatureC != 22.1 || p.HumidityPct != 44.0 {
		t.Fatalf("climate payload = %#v", byKind[model.KindClimate].Payload)
	}
	if p, ok := byKind[model.KindComposite].Payload.(model.CompositePayload); !ok || p.RSSI != -61 {
		t.Fatalf("composite payload = %#v", byKind[model.KindComposite].Payload)
	}
}

// A flaky DHT22 that reports only temperature must not take the healthy
// pir and ultrasonic blocks of the same document down with it.
func TestConsolidatedPartialClimateKeepsSiblings(t *testing.T) {
	doc := map[string]any{
		"device_id": "esp32-02",
		"sensors": map[string]any{
			"pir":        map[string]any{"motion_detected": true},
			"ultrasonic": map[string]any{"distance_cm": 48.0},
			"dht22":      map[string]any{"temperature_c": 25.0},
		},
	}
	readings, err := Normalize("sensors/combined/esp32-02", doc, received)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("expected 2 readings, got %d", len(readings))
	}
	for _, r := range readings {
		if r.Kind == model.KindClimate {
			t.Fatalf("partial climate block produced a reading: %#v", r)
		}
	}

	// A document where the partial climate block is the only sensor
	// still reports the climate rejection.
	lone := map[string]any{
		"device_id": "esp32-02",
		"sensors":   map[string]any{"dht22": map[string]any{"humidity_percent": 51.0}},
	}
	if _, err := Normalize("sensors/combined/esp32-02", lone, received); !errors.Is(err, ErrPartialClimate) {
		t.Fatalf("lone partial climate err = %v, want ErrPartialClimate", err)
	}
}

func TestLegacyPayloadFieldsWinOverTopic(t *testing.T) {
	obj := map[string]any{
		"device_id":   "dev-a",
		"sensor_type": "motion_sensor",
		"motion":      1,
	}
	// Topic says dht22/dev-b; embedded identity must win.
	readings, err := Normalize("sensors/dht22/dev-b", obj, received)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	r := readings[0]
	if r.DeviceID != "dev-a" || r.Kind != model.KindMotion {
		t.Fatalf("got device %q kind %q", r.DeviceID, r.Kind)
	}
	if p := r.Payload.(model.MotionPayload); !p.MotionDetected {
		t.Fatalf("motion payload = %#v", p)
	}
}

func TestTopicResolution(t *testing.T) {
	readings, err := Normalize("sensors/ultrasonic/dev-7", map[string]any{"distance_cm": 35.0}, received)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if readings[0].DeviceID != "dev-7" || readings[0].Kind != model.KindDistance {
		t.Fatalf("got %q/%q", readings[0].DeviceID, readings[0].Kind)
	}

	readings, err = Normalize("devices/dev-9/status", map[string]any{"rssi": -70.0}, received)
	if err != nil {
		t.Fatalf("Normalize status: %v", err)
	}
	if readings[0].DeviceID != "dev-9" || readings[0].Kind != model.KindComposite {
		t.Fatalf("got %q/%q", readings[0].DeviceID, readings[0].Kind)
	}
}

func TestScalarPayloads(t *testing.T) {
	readings, err := Normalize("sensors/pir/dev-1", float64(1), received)
	if err != nil {
		t.Fatalf("scalar motion: %v", err)
	}
	if p := readings[0].Payload.(model.MotionPayload); !p.MotionDetected {
		t.Fatalf("payload = %#v", p)
	}

	readings, err = Normalize("sensors/sr04/dev-1", 77.7, received)
	if err != nil {
		t.Fatalf("scalar distance: %v", err)
	}
	if p := readings[0].Payload.(model.DistancePayload); p.DistanceCM != 77.7 {
		t.Fatalf("payload = %#v", p)
	}

	if _, err := Normalize("sensors/dht22/dev-1", 23.5, received); !errors.Is(err, ErrPartialClimate) {
		t.Fatalf("scalar climate err = %v", err)
	}
}

func TestPartialClimateRejected(t *testing.T) {
	_, err := Normalize("sensors/dht22/dev-1", map[string]any{"temperature_c": 21.0}, received)
	if !errors.Is(err, ErrPartialClimate) {
		t.Fatalf("err = %v, want ErrPartialClimate", err)
	}
	_, err = Normalize("sensors/dht22/dev-1", map[string]any{"humidity_percent": 50.0}, received)
	if !errors.Is(err, ErrPartialClimate) {
		t.Fatalf("err = %v, want ErrPartialClimate", err)
	}
}

func TestRejections(t *testing.T) {
	if _, err := Normalize("sensors/pir", map[string]any{"motion": true}, received); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("short topic err = %v, want ErrNoDevice", err)
	}
	if _, err := Normalize("sensors/geiger/dev-1", map[string]any{"value": 3.0}, received); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("unknown kind err = %v, want ErrUnknownKind", err)
	}
	if _, err := Normalize("sensors/pir/dev-1", map[string]any{}, received); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("empty payload err = %v, want ErrEmptyPayload", err)
	}
}

func TestTimestampHeuristics(t *testing.T) {
	ms := map[string]any{
		"device_id": "d", "sensor_type": "pir", "motion": true,
		"timestamp": float64(1767225600123), // >= 1e12: milliseconds
	}
	readings, err := Normalize("sensors/pir/d", ms, received)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got := readings[0].ObservedAt.UnixMilli(); got != 1767225600123 {
		t.Fatalf("observed ms = %d", got)
	}

	bad := map[string]any{
		"device_id": "d", "sensor_type": "pir", "motion": true,
		"timestamp": "not-a-time",
	}
	readings, err = Normalize("sensors/pir/d", bad, received)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !readings[0].ObservedAt.Equal(received) {
		t.Fatalf("unparseable timestamp should fall back to receive time, got %v", readings[0].ObservedAt)
	}
}

func TestSynonyms(t *testing.T) {
	cases := map[string]model.SensorKind{
		"PIR":           model.KindMotion,
		"hc-sr04":       model.KindDistance,
		"DHT22":         model.KindClimate,
		"temp_humidity": model.KindClimate,
		"wifi":          model.KindComposite,
	}
	for name, want := range cases {
		got, ok := ResolveKind(name)
		if !ok || got != want {
			t.Fatalf("ResolveKind(%q) = %q/%v, want %q", name, got, ok, want)
		}
	}
}
