package broadcast

import (
	"log/slog"
	"sync"
	"time"

	"homesense/internal/config"
	"homesense/internal/metrics"
	"homesense/internal/model"
)

// Subscription is one observer's receive side.
type Subscription struct {
	C  <-chan model.Event
	id uint64
	ch chan model.Event
}

type observer struct {
	id   uint64
	ch   chan model.Event
	slow int
}

// Broadcaster fans events out to the live observers. A slow observer
// misses events rather than stalling the pipeline, and enough
// consecutive misses gets it disconnected.
type Broadcaster struct {
	logger      *slog.Logger
	counters    *metrics.Counters
	buffer      int
	sendTimeout time.Duration
	maxSlow     int

	mu        sync.Mutex
	observers map[uint64]*observer
	nextID    uint64
	closed    bool

	// pubMu serializes delivery and channel closes so an eviction can
	// never close a channel another sender is blocked on.
	pubMu sync.Mutex
}

func NewBroadcaster(cfg config.BroadcastConfig, counters *metrics.Counters, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		logger:      logger,
		counters:    counters,
		buffer:      cfg.Buffer,
		sendTimeout: cfg.SendTimeout,
		maxSlow:     cfg.MaxSlowSends,
		observers:   make(map[uint64]*observer),
	}
}

// Subscribe registers a new observer. It receives only events published
// after this call.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch := make(chan model.Event)
		close(ch)
		return &Subscription{C: ch, ch: ch}
	}
	b.nextID++
	obs := &observer{id: b.nextID, ch: make(chan model.Event, b.buffer)}
	b.observers[obs.id] = obs
	return &Subscription{C: obs.ch, id: obs.id, ch: obs.ch}
}

// Unsubscribe removes the observer and closes its channel. Safe to call
// more than once and after Close.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	obs, ok := b.observers[sub.id]
	if ok {
		delete(b.observers, sub.id)
	}
	b.mu.Unlock()
	if ok {
		b.pubMu.Lock()
		close(obs.ch)
		b.pubMu.Unlock()
	}
}

func (b *Broadcaster) ObserverCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers)
}

// Publish delivers the event to every current observer. The observer
// set is copied first so a removal during delivery cannot invalidate
// the iteration.
func (b *Broadcaster) Publish(ev model.Event) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	targets := make([]*observer, 0, len(b.observers))
	for _, obs := range b.observers {
		targets = append(targets, obs)
	}
	b.mu.Unlock()

	for _, obs := range targets {
		if b.send(obs, ev) {
			b.resetStreak(obs)
			continue
		}
		b.recordSlow(obs)
	}
}

func (b *Broadcaster) send(obs *observer, ev model.Event) bool {
	select {
	case obs.ch <- ev:
		return true
	default:
	}
	t := time.NewTimer(b.sendTimeout)
	defer t.Stop()
	select {
	case obs.ch <- ev:
		return true
	case <-t.C:
		return false
	}
}

func (b *Broadcaster) resetStreak(obs *observer) {
	b.mu.Lock()
	obs.slow = 0
	b.mu.Unlock()
}

func (b *Broadcaster) recordSlow(obs *observer) {
	b.mu.Lock()
	obs.slow++
	evict := obs.slow >= b.maxSlow
	if evict {
		if _, ok := b.observers[obs.id]; !ok {
			evict = false // already gone
		} else {
			delete(b.observers, obs.id)
		}
	}
	b.mu.Unlock()
	if !evict {
		return
	}
	close(obs.ch)
	if b.counters != nil {
		b.counters.DisconnectedObservers.Add(1)
	}
	if b.logger != nil {
		b.logger.Warn("disconnecting slow observer", "observer_id", obs.id, "missed_sends", obs.slow)
	}
}

// Close disconnects every observer. Publish becomes a no-op.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	obs := b.observers
	b.observers = make(map[uint64]*observer)
	b.mu.Unlock()
	b.pubMu.Lock()
	for _, o := range obs {
		close(o.ch)
	}
	b.pubMu.Unlock()
}
