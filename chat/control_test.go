package chat

import (
	"testing"
	"time"
)

func TestControlFlags(t *testing.T) {
	c := NewControl(false)
	if c.Paused() || !c.Running() || !c.Active() {
		t.Fatalf("fresh control: paused=%v running=%v", c.Paused(), c.Running())
	}
	if !c.TryPause() {
		t.Error("first TryPause should change the flag")
	}
	if c.TryPause() {
		t.Error("second TryPause should be a no-op")
	}
	c.Resume()
	if c.Paused() {
		t.Error("Resume did not clear pause")
	}
	c.Stop()
	c.Stop()
	if c.Running() || c.Active() {
		t.Error("Stop should be terminal")
	}
}

func TestControlChangedWakes(t *testing.T) {
	c := NewControl(false)
	ch := c.Changed()
	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Pause()
	}()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("Changed not closed on pause")
	}
	if c.Changed() == ch {
		t.Error("Changed should hand out a fresh channel after a change")
	}

	// Re-pausing does not notify.
	ch = c.Changed()
	c.Pause()
	select {
	case <-ch:
		t.Error("no-op Pause should not notify")
	default:
	}
}
