package engine

import (
	"fmt"

	"homesense/internal/config"
	"homesense/internal/model"
)

// Evaluate generates rule-based alert candidates for one reading given
// its trend-window history (prior readings, oldest first, not including
// the reading itself). Pure: no clocks, no I/O. Candidates carry no ID
// or trigger time; the caller assigns those on emission.
func Evaluate(cfg config.AlertingConfig, r model.SensorReading, history []model.SensorReading) []model.Alert {
	switch p := r.Payload.(type) {
	case model.ClimatePayload:
		return evaluateClimate(cfg, r, p, history)
	case model.MotionPayload:
		return evaluateMotion(cfg, r, p, history)
	case model.DistancePayload:
		return evaluateDistance(cfg, r, p)
	default:
		return nil
	}
}

func evaluateClimate(cfg config.AlertingConfig, r model.SensorReading, p model.ClimatePayload, history []model.SensorReading) []model.Alert {
	c := cfg.Climate
	var out []model.Alert

	if p.TemperatureC >= c.TempFireRisk {
		out = append(out, candidate(r, model.AlertFireRisk, model.SeverityExtreme,
			fmt.Sprintf("temperature %.1fC at or above fire risk threshold %.1fC", p.TemperatureC, c.TempFireRisk),
			map[string]float64{"temperature_c": p.TemperatureC}))
	}

	if sev, ok := bandSeverity(p.TemperatureC, c.TempNormalMin, c.TempNormalMax, c.TempWarnMin, c.TempWarnMax, c.TempHardMin, c.TempHardMax); ok {
		out = append(out, candidate(r, model.AlertUnsafeTemp, sev,
			fmt.Sprintf("temperature %.1fC outside safe range", p.TemperatureC),
			map[string]float64{"temperature_c": p.TemperatureC}))
	}
	if sev, ok := bandSeverity(p.HumidityPct, c.HumNormalMin, c.HumNormalMax, c.HumWarnMin, c.HumWarnMax, c.HumHardMin, c.HumHardMax); ok {
		out = append(out, candidate(r, model.AlertUnsafeHumidity, sev,
			fmt.Sprintf("humidity %.1f%% outside safe range", p.HumidityPct),
			map[string]float64{"humidity_percent": p.HumidityPct}))
	}

	temps, hums, times := climateSeries(history)
	if len(temps) > 0 {
		prior := computeTrailing(temps, times)
		if p.TemperatureC >= prior.Max+c.TempSpike {
			out = append(out, candidate(r, model.AlertFireRisk, model.SeverityHigh,
				fmt.Sprintf("temperature spiked %.1fC above recent maximum %.1fC", p.TemperatureC-prior.Max, prior.Max),
				map[string]float64{"temperature_c": p.TemperatureC, "recent_max_c": prior.Max}))
		}
	}
	if len(hums) > 0 {
		priorHum := computeTrailing(hums, times)
		if priorHum.Max-p.HumidityPct >= c.HumDrop && p.TemperatureC > c.HumDropTempGate {
			out = append(out, candidate(r, model.AlertFireRisk, model.SeverityMedium,
				fmt.Sprintf("humidity dropped %.1f points while temperature is %.1fC", priorHum.Max-p.HumidityPct, p.TemperatureC),
				map[string]float64{"humidity_percent": p.HumidityPct, "recent_max_percent": priorHum.Max, "temperature_c": p.TemperatureC}))
		}
	}

	// Fluctuation looks at the whole window including the current
	// sample; two prior points minimum so a lone pair cannot trip it.
	if len(temps) >= 2 {
		allTemps := append(append([]float64{}, temps...), p.TemperatureC)
		allHums := append(append([]float64{}, hums...), p.HumidityPct)
		tempStats := computeTrailing(allTemps, nil)
		humStats := computeTrailing(allHums, nil)
		tempRange := tempStats.Max - tempStats.Min
		humRange := humStats.Max - humStats.Min
		if tempRange >= c.TempFluctuation {
			out = append(out, candidate(r, model.AlertRapidFluctuation, model.SeverityHigh,
				fmt.Sprintf("temperature swung %.1fC within the trend window", tempRange),
				map[string]float64{"temperature_range_c": tempRange}))
		} else if humRange >= c.HumFluctuation {
			out = append(out, candidate(r, model.AlertRapidFluctuation, model.SeverityMedium,
				fmt.Sprintf("humidity swung %.1f points within the trend window", humRange),
				map[string]float64{"humidity_range_percent": humRange}))
		}
	}
	return out
}

// bandSeverity grades a value against nested normal/warning/critical
// bands. Inside the normal band means no alert.
func bandSeverity(v, normalMin, normalMax, warnMin, warnMax, hardMin, hardMax float64) (model.Severity, bool) {
	switch {
	case v < hardMin || v > hardMax:
		return model.SeverityExtreme, true
	case v < warnMin || v > warnMax:
		return model.SeverityHigh, true
	case v < normalMin || v > normalMax:
		return model.SeverityMedium, true
	default:
		return "", false
	}
}

func evaluateMotion(cfg config.AlertingConfig, r model.SensorReading, p model.MotionPayload, history []model.SensorReading) []model.Alert {
	states := append(motionStates(history), p.MotionDetected)
	if len(states) > cfg.Motion.RecentWindow {
		states = states[len(states)-cfg.Motion.RecentWindow:]
	}
	if len(states) < cfg.Motion.RecentWindow {
		return nil
	}
	detected := 0
	for _, s := range states {
		if s {
			detected++
		}
	}
	if detected >= cfg.Motion.ExtendedCount {
		return []model.Alert{candidate(r, model.AlertMotionAnomaly, model.SeverityLow,
			fmt.Sprintf("motion detected in %d of the last %d readings", detected, len(states)),
			map[string]float64{"detected": float64(detected), "window": float64(len(states))})}
	}
	return nil
}

func evaluateDistance(cfg config.AlertingConfig, r model.SensorReading, p model.DistancePayload) []model.Alert {
	d := cfg.Distance
	if p.DistanceCM < d.MinCM || p.DistanceCM > d.MaxCM {
		return []model.Alert{candidate(r, model.AlertSensorFailure, model.SeverityMedium,
			fmt.Sprintf("distance %.1fcm outside sensor operating range %.0f-%.0fcm", p.DistanceCM, d.MinCM, d.MaxCM),
			map[string]float64{"distance_cm": p.DistanceCM})}
	}
	return nil
}

func candidate(r model.SensorReading, typ model.AlertType, sev model.Severity, msg string, values map[string]float64) model.Alert {
	return model.Alert{
		DeviceID: r.DeviceID,
		Type:     typ,
		Severity: sev,
		Message:  msg,
		Evidence: model.Evidence{Source: "rule", Values: values},
	}
}
