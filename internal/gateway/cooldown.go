package gateway

import (
	"sync"
	"time"
)

// Cooldown rate-limits repeated log lines per key.
type Cooldown struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{last: make(map[string]time.Time), now: time.Now}
}

func (c *Cooldown) Allow(key string, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return true
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.last[key]; ok && now.Sub(ts) < cooldown {
		return false
	}
	c.last[key] = now
	if len(c.last) > 10000 {
		for k, ts := range c.last {
			if now.Sub(ts) >= cooldown {
				delete(c.last, k)
			}
		}
	}
	return true
}
