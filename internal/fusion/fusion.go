package fusion

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"homesense/internal/config"
	"homesense/internal/metrics"
	"homesense/internal/model"
	"homesense/internal/storage"
)

// Score combines the fusion-window history of one device into a
// weighted severity and its per-category breakdown. Pure.
//
// Room occupancy: an idle PIR scores 3, an ultrasonic echo closer than
// 50cm scores 3 (1.5 under 100cm), since someone on the floor reads as
// a near, still obstacle. Duration grades how long the PIR has been
// idle. Environment credits climate shifts inside the window.
func Score(cfg config.FusionConfig, history []model.SensorReading, now time.Time) (float64, model.FactorBreakdown) {
	room := roomScore(history)
	duration := durationScore(history, now)
	environment := environmentScore(history)

	var contributing []string
	if room > 0 {
		contributing = append(contributing, "room")
	}
	// The duration grade never goes below 2, so only values above the
	// floor count as corroboration.
	if duration > 2 {
		contributing = append(contributing, "duration")
	}
	if environment > 0 {
		contributing = append(contributing, "environment")
	}

	severity := cfg.RoomWeight*room + cfg.DurationWeight*duration + cfg.EnvironmentWeight*environment
	return severity, model.FactorBreakdown{
		RoomScore:        room,
		DurationScore:    duration,
		EnvironmentScore: environment,
		Contributing:     contributing,
	}
}

func roomScore(history []model.SensorReading) float64 {
	score := 0.0
	if motion, ok := latestMotion(history); ok && !motion {
		score += 3
	}
	if dist, ok := latestDistance(history); ok {
		switch {
		case dist < 50:
			score += 3
		case dist < 100:
			score += 1.5
		}
	}
	return score
}

// durationScore grades the stillness interval: time since the last
// motion hit, or the span back to the oldest sample when the window
// holds no motion at all.
func durationScore(history []model.SensorReading, now time.Time) float64 {
	lastActive := time.Time{}
	oldest := now
	seen := false
	for _, r := range history {
		p, ok := r.Payload.(model.MotionPayload)
		if !ok {
			continue
		}
		seen = true
		if r.ObservedAt.Before(oldest) {
			oldest = r.ObservedAt
		}
		if p.MotionDetected && r.ObservedAt.After(lastActive) {
			lastActive = r.ObservedAt
		}
	}
	if !seen {
		return 2
	}
	var still time.Duration
	if lastActive.IsZero() {
		still = now.Sub(oldest)
	} else {
		still = now.Sub(lastActive)
	}
	switch {
	case still >= 30*time.Second:
		return 10
	case still >= 20*time.Second:
		return 7
	case still >= 10*time.Second:
		return 4
	default:
		return 2
	}
}

func environmentScore(history []model.SensorReading) float64 {
	var temps, hums []float64
	for _, r := range history {
		if p, ok := r.Payload.(model.ClimatePayload); ok {
			temps = append(temps, p.TemperatureC)
			hums = append(hums, p.HumidityPct)
		}
	}
	if len(temps) < 2 {
		return 0
	}
	score := 0.0
	if math.Abs(temps[len(temps)-1]-temps[0]) > 2 {
		score += 3
	}
	if math.Abs(hums[len(hums)-1]-hums[0]) > 5 {
		score += 2
	}
	return score
}

func latestMotion(history []model.SensorReading) (bool, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if p, ok := history[i].Payload.(model.MotionPayload); ok {
			return p.MotionDetected, true
		}
	}
	return false, false
}

func latestDistance(history []model.SensorReading) (float64, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if p, ok := history[i].Payload.(model.DistancePayload); ok {
			return p.DistanceCM, true
		}
	}
	return 0, false
}

// Scorer wraps the pure Score with incident emission: identity,
// cooldown, persistence, and fan-out.
type Scorer struct {
	logger   *slog.Logger
	cfg      *config.Manager
	store    storage.Store
	counters *metrics.Counters
	publish  func(model.Event)

	mu       sync.Mutex
	lastEmit map[string]time.Time

	nowFn func() time.Time
	newID func() string
}

func NewScorer(cfg *config.Manager, store storage.Store, counters *metrics.Counters, publish func(model.Event), logger *slog.Logger) *Scorer {
	return &Scorer{
		logger:   logger,
		cfg:      cfg,
		store:    store,
		counters: counters,
		publish:  publish,
		lastEmit: make(map[string]time.Time),
		nowFn:    func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.NewString() },
	}
}

// Process scores the device after a new reading. history is the
// device's fusion-window history including the reading itself.
func (s *Scorer) Process(ctx context.Context, r model.SensorReading, history []model.SensorReading) (model.Incident, bool) {
	cfg := s.cfg.Get().Fusion
	if !cfg.Enabled {
		return model.Incident{}, false
	}
	now := s.nowFn()
	severity, factors := Score(cfg, history, now)
	if severity < cfg.VerificationThreshold {
		return model.Incident{}, false
	}
	if !s.allow(r.DeviceID, now, cfg.Cooldown) {
		return model.Incident{}, false
	}

	incident := model.Incident{
		ID:            s.newID(),
		DeviceID:      r.DeviceID,
		SeverityScore: severity,
		Verified:      len(factors.Contributing) >= 2,
		Factors:       factors,
		Location:      r.Location,
		DetectedAt:    now,
	}
	if s.store != nil {
		if err := s.store.SaveIncident(ctx, incident); err != nil {
			if s.counters != nil {
				s.counters.PersistenceFailures.Add(1)
			}
			if s.logger != nil {
				s.logger.Error("incident persistence failed", "incident_id", incident.ID, "err", err)
			}
		}
	}
	if s.counters != nil {
		s.counters.IncidentsEmitted.Add(1)
	}
	if s.logger != nil {
		s.logger.Warn("incident detected",
			"device_id", incident.DeviceID,
			"severity_score", incident.SeverityScore,
			"verified", incident.Verified,
			"contributing", factors.Contributing,
		)
	}
	if s.publish != nil {
		s.publish(model.IncidentEvent(incident))
	}
	return incident, true
}

func (s *Scorer) allow(deviceID string, now time.Time, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastEmit[deviceID]; ok && now.Sub(last) < cooldown {
		return false
	}
	s.lastEmit[deviceID] = now
	return true
}
