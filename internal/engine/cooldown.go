package engine

import (
	"sync"
	"time"

	"homesense/internal/model"
)

// CooldownFunc decides whether an alert for (device, type) may be
// emitted right now. Returning true also claims the slot.
type CooldownFunc func(deviceID string, alertType model.AlertType) bool

// AllowAll emits every candidate; the minimal dedup behavior when no
// cooldown interval is configured.
func AllowAll(string, model.AlertType) bool { return true }

type Cooldown struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{last: make(map[string]time.Time), now: func() time.Time { return time.Now().UTC() }}
}

// Interval returns a CooldownFunc suppressing repeats of the same
// (device, type) pair within d. d <= 0 falls back to AllowAll.
func (c *Cooldown) Interval(d time.Duration) CooldownFunc {
	if d <= 0 {
		return AllowAll
	}
	return func(deviceID string, alertType model.AlertType) bool {
		return c.AllowKey(deviceID+"|"+string(alertType), d)
	}
}

func (c *Cooldown) AllowKey(key string, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return true
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.last[key]; ok {
		if now.Sub(ts) < cooldown {
			return false
		}
	}
	c.last[key] = now
	return true
}
