// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/chataroo/backend/chat"
	"github.com/chataroo/backend/config"
	"github.com/chataroo/backend/emotes"
	"github.com/chataroo/backend/giveaway"
	"github.com/chataroo/backend/kickapi"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
)

// oauthState pairs a login attempt's expiry with its PKCE verifier.
type oauthState struct {
	expiry   time.Time
	verifier string
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db        *sql.DB
	ctx       context.Context
	cfg       *config.Config
	store     *chat.Store
	manager   *chat.Manager
	kick      *kickapi.Client
	emotes    *emotes.Provider
	giveaways *giveaway.Tracker

	stateStore map[string]oauthState
	stateMu    sync.RWMutex
}

// Deps bundles the component wiring for NewHandlers.
type Deps struct {
	DB        *sql.DB
	Cfg       *config.Config
	Store     *chat.Store
	Manager   *chat.Manager
	Kick      *kickapi.Client
	Emotes    *emotes.Provider
	Giveaways *giveaway.Tracker
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, d Deps) *Handlers {
	return &Handlers{
		db:         d.DB,
		ctx:        ctx,
		cfg:        d.Cfg,
		store:      d.Store,
		manager:    d.Manager,
		kick:       d.Kick,
		emotes:     d.Emotes,
		giveaways:  d.Giveaways,
		stateStore: make(map[string]oauthState),
	}
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, st := range h.stateStore {
		if now.After(st.expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState adds a new OAuth state to the store with cleanup if needed.
func (h *Handlers) addOAuthState(state, verifier string, expiry time.Time) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	// Clean expired states periodically to prevent unbounded growth
	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}

	// If we're still over the limit after cleanup, refuse to add more: failing
	// the OAuth flow beats a memory exhaustion attack.
	if len(h.stateStore) >= maxOAuthStates {
		return
	}
	h.stateStore[state] = oauthState{expiry: expiry, verifier: verifier}
}

// takeOAuthState validates and consumes a state, returning its verifier.
func (h *Handlers) takeOAuthState(state string) (string, bool) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	st, ok := h.stateStore[state]
	if !ok || time.Now().After(st.expiry) {
		return "", false
	}
	delete(h.stateStore, state)
	return st.verifier, true
}

// writeJSON encodes v with the standard content type.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

// writeError reports a handler failure as JSON.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
