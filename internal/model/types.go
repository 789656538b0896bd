package model

import (
	"encoding/json"
	"fmt"
	"time"
)

type SensorKind string

const (
	KindMotion    SensorKind = "motion"
	KindDistance  SensorKind = "distance"
	KindClimate   SensorKind = "climate"
	KindComposite SensorKind = "composite"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// StatusAt derives liveness from the last observation time. Status is never
// stored; it is recomputed against the liveness window on every read.
func StatusAt(lastSeen, now time.Time, window time.Duration) Status {
	if lastSeen.IsZero() || now.Sub(lastSeen) > window {
		return StatusOffline
	}
	return StatusOnline
}

// Payload is the closed set of per-kind reading values. The union is
// resolved once at the normalizer boundary; nothing downstream handles
// raw maps.
type Payload interface {
	isPayload()
}

type MotionPayload struct {
	MotionDetected bool `json:"motion_detected"`
}

type DistancePayload struct {
	DistanceCM float64 `json:"distance_cm"`
}

type ClimatePayload struct {
	TemperatureC float64 `json:"temperature_c"`
	HumidityPct  float64 `json:"humidity_percent"`
}

// CompositePayload carries device-level telemetry from consolidated
// documents (wifi signal strength).
type CompositePayload struct {
	RSSI int `json:"rssi"`
}

func (MotionPayload) isPayload()    {}
func (DistancePayload) isPayload()  {}
func (ClimatePayload) isPayload()   {}
func (CompositePayload) isPayload() {}

// SensorReading is an immutable fact produced by the normalizer.
type SensorReading struct {
	DeviceID    string     `json:"device_id"`
	Kind        SensorKind `json:"kind"`
	ObservedAt  time.Time  `json:"observed_at"`
	ReceivedAt  time.Time  `json:"received_at"`
	SourceTopic string     `json:"source_topic,omitempty"`
	Location    string     `json:"location,omitempty"`
	Payload     Payload    `json:"payload"`
}

type readingJSON struct {
	DeviceID    string          `json:"device_id"`
	Kind        SensorKind      `json:"kind"`
	ObservedAt  time.Time       `json:"observed_at"`
	ReceivedAt  time.Time       `json:"received_at"`
	SourceTopic string          `json:"source_topic,omitempty"`
	Location    string          `json:"location,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

func (r SensorReading) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(readingJSON{
		DeviceID:    r.DeviceID,
		Kind:        r.Kind,
		ObservedAt:  r.ObservedAt,
		ReceivedAt:  r.ReceivedAt,
		SourceTopic: r.SourceTopic,
		Location:    r.Location,
		Payload:     payload,
	})
}

func (r *SensorReading) UnmarshalJSON(data []byte) error {
	var raw readingJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := DecodePayload(raw.Kind, raw.Payload)
	if err != nil {
		return err
	}
	r.DeviceID = raw.DeviceID
	r.Kind = raw.Kind
	r.ObservedAt = raw.ObservedAt
	r.ReceivedAt = raw.ReceivedAt
	r.SourceTopic = raw.SourceTopic
	r.Location = raw.Location
	r.Payload = payload
	return nil
}

// DecodePayload resolves the payload union for a kind from its JSON form.
func DecodePayload(kind SensorKind, data []byte) (Payload, error) {
	switch kind {
	case KindMotion:
		var p MotionPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case KindDistance:
		var p DistancePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case KindClimate:
		var p ClimatePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case KindComposite:
		var p CompositePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown sensor kind %q", kind)
	}
}

// Device is a derived aggregate; Status is filled in at query time.
type Device struct {
	DeviceID  string    `json:"device_id"`
	Status    Status    `json:"status"`
	LastSeen  time.Time `json:"last_seen"`
	Location  string    `json:"location,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Sensors   []Sensor  `json:"sensors,omitempty"`
}

type Sensor struct {
	DeviceID      string     `json:"device_id"`
	Kind          SensorKind `json:"kind"`
	Status        Status     `json:"status"`
	LastSeen      time.Time  `json:"last_seen"`
	TotalReadings int64      `json:"total_readings"`
}

type Severity string

const (
	SeverityLow     Severity = "low"
	SeverityMedium  Severity = "medium"
	SeverityHigh    Severity = "high"
	SeverityExtreme Severity = "extreme"
)

type AlertType string

const (
	AlertFireRisk         AlertType = "fire_risk"
	AlertUnsafeTemp       AlertType = "unsafe_temperature"
	AlertUnsafeHumidity   AlertType = "unsafe_humidity"
	AlertRapidFluctuation AlertType = "rapid_fluctuation"
	AlertMotionAnomaly    AlertType = "motion_anomaly"
	AlertSensorFailure    AlertType = "sensor_failure"
)

// Evidence records why an alert fired: which evaluator produced it and
// the values it saw. Confidence is meaningful for model-derived alerts
// and zero for pure rule hits.
type Evidence struct {
	Source     string             `json:"source"` // "rule" or "model"
	Confidence float64            `json:"confidence,omitempty"`
	Values     map[string]float64 `json:"values,omitempty"`
}

type Alert struct {
	ID             string     `json:"id"`
	DeviceID       string     `json:"device_id"`
	Type           AlertType  `json:"alert_type"`
	Severity       Severity   `json:"severity"`
	Message        string     `json:"message"`
	Evidence       Evidence   `json:"evidence"`
	TriggeredAt    time.Time  `json:"triggered_at"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
}

// FactorBreakdown is the per-category contribution behind an incident
// severity score.
type FactorBreakdown struct {
	RoomScore        float64  `json:"room_score"`
	DurationScore    float64  `json:"duration_score"`
	EnvironmentScore float64  `json:"environment_score"`
	Contributing     []string `json:"contributing"`
}

type Incident struct {
	ID             string          `json:"id"`
	DeviceID       string          `json:"device_id"`
	SeverityScore  float64         `json:"severity_score"`
	Verified       bool            `json:"verified"`
	Factors        FactorBreakdown `json:"contributing_factors"`
	Location       string          `json:"location,omitempty"`
	DetectedAt     time.Time       `json:"detected_at"`
	Acknowledged   bool            `json:"acknowledged"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string          `json:"acknowledged_by,omitempty"`
}

// Event is the fan-out envelope pushed to observers.
type Event struct {
	Type     string         `json:"type"` // reading | alert | incident
	Reading  *SensorReading `json:"reading,omitempty"`
	Alert    *Alert         `json:"alert,omitempty"`
	Incident *Incident      `json:"incident,omitempty"`
}

func ReadingEvent(r SensorReading) Event { return Event{Type: "reading", Reading: &r} }
func AlertEvent(a Alert) Event           { return Event{Type: "alert", Alert: &a} }
func IncidentEvent(i Incident) Event     { return Event{Type: "incident", Incident: &i} }
