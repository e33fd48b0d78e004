package alerts

import (
	"sync"
	"time"
)

// CooldownTracker remembers when each rule last fired successfully.
// State lives in memory only and is lost on restart.
type CooldownTracker struct {
	mu   sync.RWMutex
	last map[string]time.Time
}

// NewCooldownTracker returns an empty tracker.
func NewCooldownTracker() *CooldownTracker {
	return &CooldownTracker{last: make(map[string]time.Time)}
}

// Active reports whether rule is still cooling down at now.
func (c *CooldownTracker) Active(rule string, now time.Time, cooldown time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	last, ok := c.last[rule]
	if !ok {
		return false
	}
	return now.Before(last.Add(cooldown))
}

// Record marks rule as fired at t.
func (c *CooldownTracker) Record(rule string, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.last[rule] = t
}

// LastFired returns the last successful fire time for rule.
func (c *CooldownTracker) LastFired(rule string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.last[rule]
	return t, ok
}

// Snapshot returns a copy of all last-fire times.
func (c *CooldownTracker) Snapshot() map[string]time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]time.Time, len(c.last))
	for k, v := range c.last {
		out[k] = v
	}
	return out
}
