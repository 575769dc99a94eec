package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/chzzk-bot/bot"
	"github.com/onnwee/chzzk-bot/db"
	"github.com/onnwee/chzzk-bot/telemetry"
)

// HandleAdminPause triggers an operational pause (goodbye message + alert).
func (h *Handlers) HandleAdminPause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "수동 일시 정지"
	}
	h.Bot.Pause(r.Context(), reason, "admin api")
	writeJSON(w, http.StatusOK, map[string]any{"status": "paused"})
}

// HandleAdminResume lifts a pause without logging in again.
func (h *Handlers) HandleAdminResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.Bot.Resume()
	writeJSON(w, http.StatusOK, map[string]any{"status": "resumed"})
}

// HandleAdminRestart runs the full restart sequence and waits for it.
func (h *Handlers) HandleAdminRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// The restart must not be abandoned halfway when the client disconnects.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 60*time.Second)
	defer cancel()
	err := h.Bot.Restart(ctx)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": "restarted"})
	case errors.Is(err, bot.ErrRestartInProgress):
		writeJSON(w, http.StatusConflict, map[string]any{"status": "restart_in_progress"})
	case errors.Is(err, bot.ErrTerminated):
		writeJSON(w, http.StatusGone, map[string]any{"status": "terminated"})
	default:
		telemetry.LoggerWithCorr(r.Context()).Error("admin restart failed", slog.Any("err", err), slog.String("component", "http"))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "failed", "error": err.Error()})
	}
}

// HandleAdminReconnect drops the current chat session; the loop opens a new one.
func (h *Handlers) HandleAdminReconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"closed_session": h.Loop.Reconnect()})
}

// HandleAdminCommandsReload re-reads the command table.
func (h *Handlers) HandleAdminCommandsReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n, err := h.Commands.Reload()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "failed", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "commands": n})
}

// HandleAdminCachePurge drops every cached lookup.
func (h *Handlers) HandleAdminCachePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n, err := h.Cache.Purge(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "failed", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "purged": n})
}

type credentialsRequest struct {
	NidAut string `json:"nid_aut"`
	NidSes string `json:"nid_ses"`
}

// HandleAdminCredentials stores the login cookies used when NID_AUT/NID_SES
// are not set in the environment. They take effect on the next restart.
func (h *Handlers) HandleAdminCredentials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.DB == nil {
		http.Error(w, "database not configured", http.StatusServiceUnavailable)
		return
	}
	var req credentialsRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	req.NidAut = strings.TrimSpace(req.NidAut)
	req.NidSes = strings.TrimSpace(req.NidSes)
	if req.NidAut == "" || req.NidSes == "" {
		http.Error(w, "nid_aut and nid_ses are required", http.StatusBadRequest)
		return
	}
	err := db.UpsertCredentials(r.Context(), h.DB, h.Encryptor, h.Account, db.Credentials{NidAut: req.NidAut, NidSes: req.NidSes})
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("store credentials failed", slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "failed to store credentials", http.StatusInternalServerError)
		return
	}
	if h.Encryptor == nil {
		slog.Warn("login cookies stored in plaintext; set ENCRYPTION_KEY to encrypt them")
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "stored", "encrypted": h.Encryptor != nil})
}
