package server

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HandleHealthz is the liveness probe. It fails only once the bot has
// terminated and the process is about to exit.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.Bot != nil && h.Bot.Status().Terminated {
		http.Error(w, "terminated", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.DB == nil {
				return nil
			}
			return h.DB.PingContext(ctx)
		}},
		{"cache", func() error { return h.Cache.Ping(ctx) }},
		{"ingestion", func() error {
			if h.Loop == nil {
				return nil
			}
			st := h.Loop.Status()
			if !st.Running {
				return fmt.Errorf("ingestion loop stopped")
			}
			if st.Paused {
				return fmt.Errorf("operational pause active")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus reports loop and supervisor state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

func (h *Handlers) status() map[string]any {
	out := map[string]any{"cache_enabled": h.Cache.Enabled()}
	if h.Loop != nil {
		out["loop"] = h.Loop.Status()
	}
	if h.Bot != nil {
		out["bot"] = h.Bot.Status()
	}
	if h.Commands != nil {
		out["commands"] = h.Commands.Len()
	}
	return out
}
