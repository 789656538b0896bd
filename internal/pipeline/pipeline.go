package pipeline

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"homesense/internal/broadcast"
	"homesense/internal/config"
	"homesense/internal/engine"
	"homesense/internal/fusion"
	"homesense/internal/ingest"
	"homesense/internal/metrics"
	"homesense/internal/model"
	"homesense/internal/normalize"
	"homesense/internal/storage"
)

// Pipeline connects the ingest queue to persistence, evaluation, and
// fan-out. A dispatcher normalizes each raw message and routes the
// resulting readings to shard workers by device hash, so one device's
// readings are always handled in order while different devices proceed
// concurrently.
type Pipeline struct {
	logger      *slog.Logger
	cfg         *config.Manager
	store       storage.Store
	counters    *metrics.Counters
	engine      *engine.Engine
	fusion      *fusion.Scorer
	broadcaster *broadcast.Broadcaster
	queue       *ingest.Queue

	shards []chan model.SensorReading
	wg     sync.WaitGroup
	nowFn  func() time.Time
}

func New(cfg *config.Manager, queue *ingest.Queue, store storage.Store, eng *engine.Engine, scorer *fusion.Scorer, b *broadcast.Broadcaster, counters *metrics.Counters, logger *slog.Logger) *Pipeline {
	pc := cfg.Get().Pipeline
	shards := make([]chan model.SensorReading, pc.Workers)
	for i := range shards {
		shards[i] = make(chan model.SensorReading, pc.QueueDepth)
	}
	return &Pipeline{
		logger:      logger,
		cfg:         cfg,
		store:       store,
		counters:    counters,
		engine:      eng,
		fusion:      scorer,
		broadcaster: b,
		queue:       queue,
		shards:      shards,
		nowFn:       func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the dispatcher and shard workers. Cancelling ctx stops
// intake; queued work keeps flowing until the shards drain.
func (p *Pipeline) Start(ctx context.Context) {
	for i, shard := range p.shards {
		p.wg.Add(1)
		go func(i int, shard <-chan model.SensorReading) {
			defer p.wg.Done()
			for r := range shard {
				p.handle(r)
			}
		}(i, shard)
	}
	go func() {
		defer func() {
			for _, shard := range p.shards {
				close(shard)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-p.queue.C():
				p.dispatch(ctx, msg)
			}
		}
	}()
}

// Drain blocks until every shard worker finishes or the timeout lapses.
// Returns false on timeout.
func (p *Pipeline) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (p *Pipeline) dispatch(ctx context.Context, msg ingest.Message) {
	readings, err := normalize.Normalize(msg.Topic, msg.Value, msg.ReceivedAt)
	if err != nil {
		if p.counters != nil {
			p.counters.DroppedMessages.Add(1)
			p.counters.NormalizeFailures.Add(1)
		}
		if p.logger != nil {
			p.logger.Debug("rejected message", "topic", msg.Topic, "source", msg.Source, "err", err)
		}
		return
	}
	for _, r := range readings {
		if p.counters != nil {
			p.counters.ReadingsIngested.Add(1)
		}
		shard := p.shards[shardFor(r.DeviceID, len(p.shards))]
		select {
		case shard <- r:
		case <-ctx.Done():
			return
		}
	}
}

func shardFor(deviceID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return int(h.Sum32() % uint32(n))
}

// handle runs the per-reading flow: append (one retry), broadcast,
// evaluate, fuse. A reading that cannot be persisted is not evaluated;
// the trailing history it would read back is the one that failed.
func (p *Pipeline) handle(r model.SensorReading) {
	ctx := context.Background()
	if !p.append(ctx, r) {
		return
	}
	if p.broadcaster != nil {
		p.broadcaster.Publish(model.ReadingEvent(r))
	}

	cfg := p.cfg.Get()
	now := p.nowFn()

	if p.engine != nil && r.Kind != model.KindComposite {
		history, err := p.store.RecentHistory(ctx, r.DeviceID, r.Kind, cfg.Alerting.Climate.TrendWindow, now)
		if err != nil {
			if p.logger != nil {
				p.logger.Error("history query failed", "device_id", r.DeviceID, "err", err)
			}
		} else {
			p.engine.Process(ctx, r, trimCurrent(history, r))
		}
	}

	if p.fusion != nil && (r.Kind == model.KindMotion || r.Kind == model.KindDistance || r.Kind == model.KindClimate) {
		window, err := p.store.RecentHistory(ctx, r.DeviceID, "", cfg.Fusion.Window, now)
		if err != nil {
			if p.logger != nil {
				p.logger.Error("fusion history query failed", "device_id", r.DeviceID, "err", err)
			}
		} else {
			p.fusion.Process(ctx, r, window)
		}
	}

	if p.counters != nil {
		p.counters.ReadingsProcessed.Add(1)
	}
}

func (p *Pipeline) append(ctx context.Context, r model.SensorReading) bool {
	err := p.store.AppendReading(ctx, r)
	if err == nil {
		return true
	}
	if p.logger != nil {
		p.logger.Warn("append failed, retrying once", "device_id", r.DeviceID, "err", err)
	}
	time.Sleep(p.cfg.Get().Pipeline.AppendRetry)
	if err = p.store.AppendReading(ctx, r); err == nil {
		return true
	}
	if p.counters != nil {
		p.counters.PersistenceFailures.Add(1)
	}
	if p.logger != nil {
		p.logger.Error("append failed after retry, dropping reading", "device_id", r.DeviceID, "kind", r.Kind, "err", err)
	}
	return false
}

// trimCurrent removes the just-appended reading from the fetched
// history so evaluators see only prior samples. A delayed producer
// clock can place the reading anywhere in the window, so it is matched
// by identity rather than assumed to be the newest entry.
func trimCurrent(history []model.SensorReading, r model.SensorReading) []model.SensorReading {
	for i := len(history) - 1; i >= 0; i-- {
		h := history[i]
		if h.Kind == r.Kind && h.ObservedAt.Equal(r.ObservedAt) && h.ReceivedAt.Equal(r.ReceivedAt) {
			out := make([]model.SensorReading, 0, len(history)-1)
			out = append(out, history[:i]...)
			return append(out, history[i+1:]...)
		}
	}
	return history
}
