package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"homesense/internal/config"
	"homesense/internal/metrics"
	"homesense/internal/model"
	"homesense/internal/storage"
)

// Engine turns readings into persisted, published alerts. Candidate
// generation is pure (see Evaluate and the classifiers); the engine
// adds cooldown, identity, persistence, counters, and fan-out.
type Engine struct {
	logger      *slog.Logger
	cfg         *config.Manager
	store       storage.Store
	counters    *metrics.Counters
	publish     func(model.Event)
	cooldown    *Cooldown
	allow       CooldownFunc
	classifiers []Classifier
	nowFn       func() time.Time
	newID       func() string
}

func NewEngine(cfg *config.Manager, store storage.Store, counters *metrics.Counters, publish func(model.Event), logger *slog.Logger) *Engine {
	e := &Engine{
		logger:   logger,
		cfg:      cfg,
		store:    store,
		counters: counters,
		publish:  publish,
		cooldown: NewCooldown(),
		nowFn:    func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.NewString() },
	}
	if cfg.Get().Alerting.Anomaly.Enabled {
		e.classifiers = []Classifier{ZScoreClassifier{}, MotionRatioClassifier{}}
	}
	return e
}

// SetCooldownFunc replaces the default interval-based suppression with
// a custom predicate.
func (e *Engine) SetCooldownFunc(fn CooldownFunc) {
	e.allow = fn
}

// SetClassifiers replaces the statistical fallback, e.g. with a
// deployed model. Nil means rule-only evaluation.
func (e *Engine) SetClassifiers(cs []Classifier) {
	e.classifiers = cs
}

// Process evaluates one reading against its trend-window history and
// emits whatever survives the cooldown. Every evaluator runs behind a
// panic guard so a single bad rule cannot take the pipeline down.
func (e *Engine) Process(ctx context.Context, r model.SensorReading, history []model.SensorReading) []model.Alert {
	cfg := e.cfg.Get().Alerting

	var candidates []model.Alert
	candidates = append(candidates, e.guarded("rules", func() []model.Alert {
		return Evaluate(cfg, r, history)
	})...)
	for _, clf := range e.classifiers {
		clf := clf
		candidates = append(candidates, e.guarded(clf.Name(), func() []model.Alert {
			return clf.Classify(cfg, r, history)
		})...)
	}
	if len(candidates) == 0 {
		return nil
	}

	allow := e.allow
	if allow == nil {
		allow = e.cooldown.Interval(cfg.Cooldown)
	}

	now := e.nowFn()
	var out []model.Alert
	for _, alert := range candidates {
		if !allow(alert.DeviceID, alert.Type) {
			continue
		}
		alert.ID = e.newID()
		alert.TriggeredAt = now
		if e.store != nil {
			if err := e.store.SaveAlert(ctx, alert); err != nil {
				if e.counters != nil {
					e.counters.PersistenceFailures.Add(1)
				}
				if e.logger != nil {
					e.logger.Error("alert persistence failed", "alert_id", alert.ID, "err", err)
				}
			}
		}
		if e.counters != nil {
			e.counters.AlertsEmitted.Add(1)
		}
		if e.logger != nil {
			e.logger.Warn("alert triggered",
				"device_id", alert.DeviceID,
				"alert_type", alert.Type,
				"severity", alert.Severity,
				"source", alert.Evidence.Source,
			)
		}
		if e.publish != nil {
			e.publish(model.AlertEvent(alert))
		}
		out = append(out, alert)
	}
	return out
}

func (e *Engine) guarded(name string, fn func() []model.Alert) (out []model.Alert) {
	defer func() {
		if rec := recover(); rec != nil {
			if e.counters != nil {
				e.counters.EvaluatorFailures.Add(1)
			}
			if e.logger != nil {
				e.logger.Error("evaluator panicked", "evaluator", name, "panic", rec)
			}
			out = nil
		}
	}()
	return fn()
}
