package server

import (
	"sync"
	"time"
)

// AuthorityClock is the relay's view of session simulation time. It starts at
// the first positive emit time any peer reports and then advances with the
// wall clock at real-time rate.
type AuthorityClock struct {
	mu      sync.Mutex
	base    float64
	started time.Time
	ok      bool
	now     func() time.Time
}

func NewAuthorityClock(now func() time.Time) *AuthorityClock {
	if now == nil {
		now = time.Now
	}
	return &AuthorityClock{now: now}
}

// Observe initialises the clock from simTime once. It reports whether this
// call performed the initialisation.
func (c *AuthorityClock) Observe(simTime float64) bool {
	if !(simTime > 0) {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ok {
		return false
	}
	c.base = simTime
	c.started = c.now()
	c.ok = true
	return true
}

// Now returns the authoritative time and whether the clock has been initialised.
func (c *AuthorityClock) Now() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ok {
		return 0, false
	}
	return c.base + c.now().Sub(c.started).Seconds(), true
}
