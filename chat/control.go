package chat

import (
	"sync"

	"github.com/onnwee/chzzk-bot/telemetry"
)

// Switch is the narrow surface handed to external controllers (console,
// admin API, supervisor).
type Switch interface {
	Pause()
	Resume()
	Stop()
	Paused() bool
	Running() bool
}

// Control holds the process-wide paused/running flags shared between the
// ingestion loop and its controllers. Reads always observe the latest value.
// Stop is terminal; Pause and Resume are reversible.
type Control struct {
	mu      sync.Mutex
	paused  bool
	running bool
	changed chan struct{}
}

// NewControl returns a running Control, optionally starting paused.
func NewControl(paused bool) *Control {
	telemetry.UpdatePausedGauge(paused)
	return &Control{paused: paused, running: true, changed: make(chan struct{})}
}

// Paused reports the current pause flag.
func (c *Control) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Running reports whether Stop has not been called yet.
func (c *Control) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Active reports running && !paused.
func (c *Control) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running && !c.paused
}

// Pause freezes ingestion.
func (c *Control) Pause() { c.setPaused(true) }

// Resume lifts a pause. It has no effect after Stop.
func (c *Control) Resume() { c.setPaused(false) }

// TryPause pauses and reports whether this call changed the flag.
func (c *Control) TryPause() bool { return c.setPaused(true) }

func (c *Control) setPaused(v bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused == v {
		return false
	}
	c.paused = v
	telemetry.UpdatePausedGauge(v)
	c.notifyLocked()
	return true
}

// Stop ends the loop for good.
func (c *Control) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	c.notifyLocked()
}

// Changed returns a channel closed on the next flag change. Callers must
// fetch a fresh channel after each wake-up.
func (c *Control) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

func (c *Control) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}
