package engine

import (
	"math"
	"time"

	"homesense/internal/model"
)

// TrailingStats summarizes a series of values in the trend window.
type TrailingStats struct {
	Count int
	Mean  float64
	Std   float64
	Min   float64
	Max   float64
	// Slope is the least-squares trend in units per minute.
	Slope float64
}

// computeTrailing runs Welford's update for mean/variance plus a
// least-squares slope over the sample times.
func computeTrailing(values []float64, times []time.Time) TrailingStats {
	s := TrailingStats{}
	if len(values) == 0 {
		return s
	}
	s.Min = values[0]
	s.Max = values[0]
	var m2 float64
	for _, v := range values {
		s.Count++
		diff := v - s.Mean
		s.Mean += diff / float64(s.Count)
		m2 += diff * (v - s.Mean)
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	if s.Count > 1 {
		s.Std = math.Sqrt(m2 / float64(s.Count))
	}
	s.Slope = slopePerMinute(values, times)
	return s
}

func slopePerMinute(values []float64, times []time.Time) float64 {
	if len(values) < 2 || len(times) != len(values) {
		return 0
	}
	t0 := times[0]
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range values {
		x := times[i].Sub(t0).Minutes()
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	n := float64(len(values))
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// climateSeries extracts temperature and humidity series from climate
// readings, oldest first.
func climateSeries(history []model.SensorReading) (temps, hums []float64, times []time.Time) {
	for _, r := range history {
		p, ok := r.Payload.(model.ClimatePayload)
		if !ok {
			continue
		}
		temps = append(temps, p.TemperatureC)
		hums = append(hums, p.HumidityPct)
		times = append(times, r.ObservedAt)
	}
	return temps, hums, times
}

// motionStates extracts the motion flags, oldest first.
func motionStates(history []model.SensorReading) []bool {
	var out []bool
	for _, r := range history {
		if p, ok := r.Payload.(model.MotionPayload); ok {
			out = append(out, p.MotionDetected)
		}
	}
	return out
}

// zScore is the standardized distance of v from the trailing mean.
// A zero spread yields zero rather than Inf.
func zScore(v float64, s TrailingStats) float64 {
	if s.Std == 0 {
		return 0
	}
	return math.Abs(v-s.Mean) / s.Std
}
