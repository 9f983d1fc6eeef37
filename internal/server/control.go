package server

import (
	"sync"
	"time"
)

// Controller gates client-facing traffic for the proxy-service
// operations. The listener itself stays up so the admin API keeps
// working; "stopped" means vendor routes, proxy paths, and passthrough
// answer 503 until started again.
type Controller struct {
	mu        sync.Mutex
	running   bool
	startedAt time.Time
	restarts  int
}

// NewController returns a Controller in the running state.
func NewController() *Controller {
	return &Controller{running: true, startedAt: time.Now()}
}

// Running reports whether client traffic is being served.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Start resumes client traffic. Idempotent.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		c.running = true
		c.startedAt = time.Now()
	}
}

// Stop pauses client traffic. Idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
}

// Restart bumps the restart counter and resets the uptime clock.
func (c *Controller) Restart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = true
	c.startedAt = time.Now()
	c.restarts++
}

// ControlStatus is the proxy-service status snapshot.
type ControlStatus struct {
	Running       bool      `json:"running"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Restarts      int       `json:"restarts"`
}

// Status returns the current snapshot. Uptime is zero while stopped.
func (c *Controller) Status() ControlStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := ControlStatus{Running: c.running, StartedAt: c.startedAt, Restarts: c.restarts}
	if c.running {
		st.UptimeSeconds = int64(time.Since(c.startedAt).Seconds())
	}
	return st
}
