package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"homesense/internal/model"
)

var (
	// ErrNoDevice means neither the payload nor the topic yields a device id.
	ErrNoDevice = errors.New("normalize: no device id")
	// ErrUnknownKind means the sensor type could not be resolved to a known kind.
	ErrUnknownKind = errors.New("normalize: unknown sensor kind")
	// ErrPartialClimate means a climate payload had only one of
	// temperature/humidity. Climate is accepted or rejected as a unit.
	ErrPartialClimate = errors.New("normalize: partial climate payload")
	// ErrEmptyPayload means the decoded payload carried no usable value.
	ErrEmptyPayload = errors.New("normalize: empty payload")
)

var kindSynonyms = map[string]model.SensorKind{
	"pir":           model.KindMotion,
	"motion_sensor": model.KindMotion,
	"motion":        model.KindMotion,
	"ultrasonic":    model.KindDistance,
	"sr04":          model.KindDistance,
	"hc-sr04":       model.KindDistance,
	"distance":      model.KindDistance,
	"dht22":         model.KindClimate,
	"dht":           model.KindClimate,
	"climate":       model.KindClimate,
	"temp_humidity": model.KindClimate,
	"combined":      model.KindComposite,
	"status":        model.KindComposite,
	"wifi":          model.KindComposite,
}

// ResolveKind maps a producer-side sensor type name to a canonical kind.
func ResolveKind(name string) (model.SensorKind, bool) {
	kind, ok := kindSynonyms[strings.ToLower(strings.TrimSpace(name))]
	return kind, ok
}

// Normalize converts one decoded MQTT/Kafka payload into canonical
// readings. A consolidated device document expands to one reading per
// sub-sensor; a legacy per-sensor payload yields exactly one. Pure:
// no I/O, no clock reads beyond the supplied receivedAt.
func Normalize(topic string, value any, receivedAt time.Time) ([]model.SensorReading, error) {
	if obj, ok := value.(map[string]any); ok {
		if _, has := obj["sensors"]; has {
			return expandConsolidated(topic, obj, receivedAt)
		}
		reading, err := fromLegacyMap(topic, obj, receivedAt)
		if err != nil {
			return nil, err
		}
		return []model.SensorReading{reading}, nil
	}
	reading, err := fromScalar(topic, value, receivedAt)
	if err != nil {
		return nil, err
	}
	return []model.SensorReading{reading}, nil
}

// expandConsolidated handles the combined v2 document:
//
//	{"device_id":…, "location":…, "timestamp":…,
//	 "sensors":{"pir":{…},"ultrasonic":{…},"dht22":{…}}, "wifi":{"rssi":…}}
func expandConsolidated(topic string, obj map[string]any, receivedAt time.Time) ([]model.SensorReading, error) {
	deviceID := deviceFrom(obj, topic)
	if deviceID == "" {
		return nil, ErrNoDevice
	}
	location, _ := asString(obj["location"])
	observedAt := observedFrom(obj, receivedAt)

	base := model.SensorReading{
		DeviceID:    deviceID,
		ObservedAt:  observedAt,
		ReceivedAt:  receivedAt,
		SourceTopic: topic,
		Location:    location,
	}

	// Sub-sensor blocks stand on their own: a bad block (a DHT22 that
	// reported only temperature, say) is skipped, not the whole document.
	// The pir and ultrasonic siblings are exactly the data downstream
	// consumers still want.
	var out []model.SensorReading
	var skipErr error
	sensors, _ := obj["sensors"].(map[string]any)
	for name, raw := range sensors {
		kind, ok := ResolveKind(name)
		if !ok {
			continue
		}
		sub, _ := raw.(map[string]any)
		payload, err := payloadFromMap(kind, sub)
		if err != nil {
			skipErr = fmt.Errorf("sensor %q: %w", name, err)
			continue
		}
		r := base
		r.Kind = kind
		r.Payload = payload
		out = append(out, r)
	}
	if wifi, ok := obj["wifi"].(map[string]any); ok {
		if rssi, ok := asFloat(wifi["rssi"]); ok {
			r := base
			r.Kind = model.KindComposite
			r.Payload = model.CompositePayload{RSSI: int(rssi)}
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		if skipErr != nil {
			return nil, skipErr
		}
		return nil, ErrEmptyPayload
	}
	return out, nil
}

func fromLegacyMap(topic string, obj map[string]any, receivedAt time.Time) (model.SensorReading, error) {
	deviceID := deviceFrom(obj, topic)
	if deviceID == "" {
		return model.SensorReading{}, ErrNoDevice
	}
	kind, ok := kindFrom(obj, topic)
	if !ok {
		return model.SensorReading{}, ErrUnknownKind
	}
	payload, err := payloadFromMap(kind, obj)
	if err != nil {
		return model.SensorReading{}, err
	}
	location, _ := asString(obj["location"])
	return model.SensorReading{
		DeviceID:    deviceID,
		Kind:        kind,
		ObservedAt:  observedFrom(obj, receivedAt),
		ReceivedAt:  receivedAt,
		SourceTopic: topic,
		Location:    location,
		Payload:     payload,
	}, nil
}

// fromScalar handles bare values published straight to a per-sensor
// topic, e.g. `23.5` on sensors/dht22/dev1 is rejected (climate needs
// both fields) but `1` on sensors/pir/dev1 is a motion hit.
func fromScalar(topic string, value any, receivedAt time.Time) (model.SensorReading, error) {
	deviceID := topicDevice(topic)
	if deviceID == "" {
		return model.SensorReading{}, ErrNoDevice
	}
	kind, ok := topicKind(topic)
	if !ok {
		return model.SensorReading{}, ErrUnknownKind
	}
	var payload model.Payload
	switch kind {
	case model.KindMotion:
		b, ok := asBool(value)
		if !ok {
			return model.SensorReading{}, ErrEmptyPayload
		}
		payload = model.MotionPayload{MotionDetected: b}
	case model.KindDistance:
		f, ok := asFloat(value)
		if !ok {
			return model.SensorReading{}, ErrEmptyPayload
		}
		payload = model.DistancePayload{DistanceCM: f}
	case model.KindClimate:
		return model.SensorReading{}, ErrPartialClimate
	case model.KindComposite:
		f, ok := asFloat(value)
		if !ok {
			return model.SensorReading{}, ErrEmptyPayload
		}
		payload = model.CompositePayload{RSSI: int(f)}
	default:
		return model.SensorReading{}, ErrUnknownKind
	}
	return model.SensorReading{
		DeviceID:    deviceID,
		Kind:        kind,
		ObservedAt:  receivedAt,
		ReceivedAt:  receivedAt,
		SourceTopic: topic,
		Payload:     payload,
	}, nil
}

func payloadFromMap(kind model.SensorKind, obj map[string]any) (model.Payload, error) {
	switch kind {
	case model.KindMotion:
		if b, ok := firstBool(obj, "motion_detected", "motion", "detected", "value"); ok {
			return model.MotionPayload{MotionDetected: b}, nil
		}
		return nil, ErrEmptyPayload
	case model.KindDistance:
		if f, ok := firstFloat(obj, "distance_cm", "distance", "value"); ok {
			return model.DistancePayload{DistanceCM: f}, nil
		}
		return nil, ErrEmptyPayload
	case model.KindClimate:
		temp, hasTemp := firstFloat(obj, "temperature_c", "temperature", "temp")
		hum, hasHum := firstFloat(obj, "humidity_percent", "humidity", "hum")
		if hasTemp && hasHum {
			return model.ClimatePayload{TemperatureC: temp, HumidityPct: hum}, nil
		}
		if hasTemp || hasHum {
			return nil, ErrPartialClimate
		}
		return nil, ErrEmptyPayload
	case model.KindComposite:
		if f, ok := firstFloat(obj, "rssi", "wifi_rssi", "signal"); ok {
			return model.CompositePayload{RSSI: int(f)}, nil
		}
		return nil, ErrEmptyPayload
	default:
		return nil, ErrUnknownKind
	}
}

func deviceFrom(obj map[string]any, topic string) string {
	for _, key := range []string{"device_id", "deviceId", "device", "id"} {
		if s, ok := asString(obj[key]); ok && s != "" {
			return s
		}
	}
	return topicDevice(topic)
}

func kindFrom(obj map[string]any, topic string) (model.SensorKind, bool) {
	for _, key := range []string{"sensor_type", "sensorType", "type", "kind"} {
		if s, ok := asString(obj[key]); ok && s != "" {
			if kind, ok := ResolveKind(s); ok {
				return kind, true
			}
		}
	}
	return topicKind(topic)
}

// topicDevice extracts the device id from the two topic layouts in use:
// sensors/<kind>/<deviceId> and devices/<deviceId>/status.
func topicDevice(topic string) string {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	if len(parts) < 3 {
		return ""
	}
	if parts[0] == "devices" {
		return parts[1]
	}
	return parts[len(parts)-1]
}

func topicKind(topic string) (model.SensorKind, bool) {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	if len(parts) < 3 {
		return "", false
	}
	if parts[0] == "devices" {
		return ResolveKind(parts[2])
	}
	return ResolveKind(parts[1])
}

// observedFrom reads a producer timestamp: epoch seconds or milliseconds
// (values at or above 1e12 are milliseconds), or an RFC 3339 string.
// Missing or unparseable timestamps fall back to the ingest time.
func observedFrom(obj map[string]any, receivedAt time.Time) time.Time {
	raw, ok := obj["timestamp"]
	if !ok {
		raw, ok = obj["ts"]
	}
	if !ok {
		return receivedAt
	}
	if f, ok := asFloat(raw); ok && f > 0 {
		return epochTime(f)
	}
	if s, ok := asString(raw); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
			return epochTime(f)
		}
	}
	return receivedAt
}

func epochTime(f float64) time.Time {
	if f >= 1e12 {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec := int64(f)
	frac := f - float64(sec)
	return time.Unix(sec, int64(frac*1e9)).UTC()
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return strings.TrimSpace(s), ok
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case float64:
		return b != 0, true
	case int:
		return b != 0, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "1", "yes", "on":
			return true, true
		case "false", "0", "no", "off":
			return false, true
		}
	}
	return false, false
}

func firstFloat(obj map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			if f, ok := asFloat(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func firstBool(obj map[string]any, keys ...string) (bool, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			if b, ok := asBool(v); ok {
				return b, true
			}
		}
	}
	return false, false
}
