package engine

import (
	"fmt"
	"math"

	"homesense/internal/config"
	"homesense/internal/model"
)

// Classifier is the statistical side of alert evaluation. A classifier
// sees the same reading and history as the rule evaluators and returns
// model-sourced candidates. The interface is the seam for trained
// models; the in-repo implementations are the statistical fallback
// that runs when no model is deployed.
type Classifier interface {
	Name() string
	Classify(cfg config.AlertingConfig, r model.SensorReading, history []model.SensorReading) []model.Alert
}

// ZScoreClassifier flags climate values that sit far outside their own
// trailing distribution even when every fixed band check passes.
type ZScoreClassifier struct{}

func (ZScoreClassifier) Name() string { return "zscore" }

func (ZScoreClassifier) Classify(cfg config.AlertingConfig, r model.SensorReading, history []model.SensorReading) []model.Alert {
	p, ok := r.Payload.(model.ClimatePayload)
	if !ok {
		return nil
	}
	temps, hums, times := climateSeries(history)
	if len(temps) < cfg.Anomaly.MinSamples {
		return nil
	}
	var out []model.Alert
	if a, ok := zCandidate(cfg, r, model.AlertUnsafeTemp, "temperature_c", p.TemperatureC, computeTrailing(temps, times)); ok {
		out = append(out, a)
	}
	if a, ok := zCandidate(cfg, r, model.AlertUnsafeHumidity, "humidity_percent", p.HumidityPct, computeTrailing(hums, times)); ok {
		out = append(out, a)
	}
	return out
}

func zCandidate(cfg config.AlertingConfig, r model.SensorReading, typ model.AlertType, field string, value float64, stats TrailingStats) (model.Alert, bool) {
	z := zScore(value, stats)
	if z < cfg.Anomaly.ZScore {
		return model.Alert{}, false
	}
	sev := model.SeverityMedium
	if z >= cfg.Anomaly.ZScore+1 {
		sev = model.SeverityHigh
	}
	return model.Alert{
		DeviceID: r.DeviceID,
		Type:     typ,
		Severity: sev,
		Message:  fmt.Sprintf("%s %.1f is %.1f standard deviations from its recent mean %.1f", field, value, z, stats.Mean),
		Evidence: model.Evidence{
			Source:     "model",
			Confidence: math.Min(1, z/(2*cfg.Anomaly.ZScore)),
			Values: map[string]float64{
				field:    value,
				"mean":   stats.Mean,
				"stddev": stats.Std,
				"slope":  stats.Slope,
				"zscore": z,
			},
		},
	}, true
}

// MotionRatioClassifier scores the current motion state against the
// recent activation ratio.
type MotionRatioClassifier struct{}

func (MotionRatioClassifier) Name() string { return "motion_ratio" }

func (MotionRatioClassifier) Classify(cfg config.AlertingConfig, r model.SensorReading, history []model.SensorReading) []model.Alert {
	p, ok := r.Payload.(model.MotionPayload)
	if !ok || !p.MotionDetected {
		return nil
	}
	states := append(motionStates(history), p.MotionDetected)
	if len(states) > cfg.Motion.RecentWindow {
		states = states[len(states)-cfg.Motion.RecentWindow:]
	}
	// Too little history makes the ratio meaningless.
	if len(states) < cfg.Motion.RecentWindow/2 {
		return nil
	}
	detected := 0
	for _, s := range states {
		if s {
			detected++
		}
	}
	confidence := float64(detected) / float64(len(states))
	if confidence <= cfg.Motion.ConfidenceThreshold {
		return nil
	}
	return []model.Alert{{
		DeviceID: r.DeviceID,
		Type:     model.AlertMotionAnomaly,
		Severity: model.SeverityMedium,
		Message:  fmt.Sprintf("sustained motion activity, confidence %.2f", confidence),
		Evidence: model.Evidence{
			Source:     "model",
			Confidence: confidence,
			Values: map[string]float64{
				"detected": float64(detected),
				"window":   float64(len(states)),
			},
		},
	}}
}
