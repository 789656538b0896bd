package metrics

import "sync/atomic"

// Counters are the process-lifetime health counters reported by the
// status endpoint. All fields are monotonic.
type Counters struct {
	ReadingsIngested      atomic.Int64
	ReadingsProcessed     atomic.Int64
	DroppedMessages       atomic.Int64
	NormalizeFailures     atomic.Int64
	PersistenceFailures   atomic.Int64
	EvaluatorFailures     atomic.Int64
	AlertsEmitted         atomic.Int64
	IncidentsEmitted      atomic.Int64
	DisconnectedObservers atomic.Int64
}

func NewCounters() *Counters {
	return &Counters{}
}

func (c *Counters) Snapshot() map[string]int64 {
	if c == nil {
		return map[string]int64{}
	}
	return map[string]int64{
		"readings_ingested":      c.ReadingsIngested.Load(),
		"readings_processed":     c.ReadingsProcessed.Load(),
		"dropped_messages":       c.DroppedMessages.Load(),
		"normalize_failures":     c.NormalizeFailures.Load(),
		"persistence_failures":   c.PersistenceFailures.Load(),
		"evaluator_failures":     c.EvaluatorFailures.Load(),
		"alerts_emitted":         c.AlertsEmitted.Load(),
		"incidents_emitted":      c.IncidentsEmitted.Load(),
		"disconnected_observers": c.DisconnectedObservers.Load(),
	}
}
