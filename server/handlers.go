// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"

	"github.com/onnwee/chzzk-bot/bot"
	"github.com/onnwee/chzzk-bot/cache"
	"github.com/onnwee/chzzk-bot/chat"
	"github.com/onnwee/chzzk-bot/crypto"
)

// LoopView is the part of the ingestion loop the API reads and nudges.
type LoopView interface {
	Status() chat.Status
	Reconnect() bool
}

// Controller drives the operational pause.
type Controller interface {
	bot.Operator
	Status() bot.SupervisorStatus
}

// CommandReloader re-reads the command table.
type CommandReloader interface {
	Reload() (int, error)
	Len() int
}

// Deps are the collaborators behind the HTTP surface. DB, Cache and
// Encryptor may be nil.
type Deps struct {
	DB        *sql.DB
	Cache     *cache.LookupCache
	Loop      LoopView
	Bot       Controller
	Commands  CommandReloader
	Encryptor crypto.Encryptor
	// Account keys the stored login cookies.
	Account string
	Auth    AuthConfig
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	ctx context.Context
	Deps
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, deps Deps) *Handlers {
	if deps.Account == "" {
		deps.Account = "default"
	}
	return &Handlers{ctx: ctx, Deps: deps}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
