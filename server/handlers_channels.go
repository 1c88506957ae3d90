package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/chataroo/backend/chat"
	"github.com/chataroo/backend/kickapi"
)

// HandleChannels serves the session collection: GET lists connected channels,
// POST connects a new one.
func (h *Handlers) HandleChannels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.store.Sessions())
	case http.MethodPost:
		var req struct {
			Slug string `json:"slug"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Slug == "" {
			writeError(w, http.StatusBadRequest, "body must be {\"slug\": ...}")
			return
		}
		info, err := h.manager.Connect(r.Context(), req.Slug)
		if err != nil {
			status := http.StatusBadGateway
			if kickapi.IsNotFound(err) {
				status = http.StatusNotFound
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, info)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// HandleChannelDispatcher routes /channels/{slug}/... to the per-channel
// handlers.
func (h *Handlers) HandleChannelDispatcher(w http.ResponseWriter, r *http.Request) {
	slug, rest := splitChannelPath(r.URL.Path)
	if slug == "" {
		writeError(w, http.StatusNotFound, "missing channel slug")
		return
	}
	roomID, ok := h.manager.RoomBySlug(slug)
	if !ok {
		writeError(w, http.StatusNotFound, "channel not connected")
		return
	}

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			h.handleSessionInfo(w, roomID)
		case http.MethodDelete:
			h.handleDisconnect(w, roomID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	switch rest[0] {
	case "messages":
		switch r.Method {
		case http.MethodGet:
			h.handleMessages(w, r, roomID)
		case http.MethodPost:
			h.handleSend(w, r, roomID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case "stream":
		h.handleStream(w, r, roomID)
	case "analytics":
		h.handleAnalytics(w, roomID)
	case "chatters":
		h.handleChatters(w, r, roomID)
	case "moderation":
		h.handleModeration(w, r, slug, roomID)
	case "follow":
		h.handleFollow(w, r, slug)
	case "emotes":
		h.handleEmotes(w, r, slug)
	case "giveaway":
		h.handleGiveaway(w, r, rest[1:], roomID)
	default:
		writeError(w, http.StatusNotFound, "unknown channel action")
	}
}

func (h *Handlers) handleSessionInfo(w http.ResponseWriter, roomID int64) {
	info, err := h.store.Session(roomID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handlers) handleDisconnect(w http.ResponseWriter, roomID int64) {
	if err := h.manager.Disconnect(roomID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// handleMessages returns a snapshot of the channel buffer; ?limit=N keeps the
// newest N messages.
func (h *Handlers) handleMessages(w http.ResponseWriter, r *http.Request, roomID int64) {
	msgs, err := h.store.Messages(roomID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if limit := parseIntQuery(r, "limit", 0); limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handleSend posts an outbound message through the send rate limiter.
func (h *Handlers) handleSend(w http.ResponseWriter, r *http.Request, roomID int64) {
	var req struct {
		Content string              `json:"content"`
		Reply   *chat.OutboundReply `json:"reply,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	// 429s never surface here: the limiter retries them internally, so a send
	// either succeeds (possibly late), fails with the platform error, or the
	// limiter itself shut down.
	if err := h.manager.Send(r.Context(), roomID, req.Content, req.Reply); err != nil {
		if errors.Is(err, chat.ErrLimiterClosed) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
		} else {
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

// handleStream pushes live message batches over Server-Sent Events. The first
// event replays the current buffer so clients render history immediately.
func (h *Handlers) handleStream(w http.ResponseWriter, r *http.Request, roomID int64) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	snapshot, err := h.store.Messages(roomID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	batches, cancel, err := h.store.Watch(roomID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	enc := json.NewEncoder(w)
	writeEvent := func(event string, payload any) bool {
		if _, err := w.Write([]byte("event: " + event + "\ndata: ")); err != nil {
			return false
		}
		if err := enc.Encode(payload); err != nil {
			return false
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !writeEvent("snapshot", snapshot) {
		return
	}

	// Periodic comments keep intermediaries from closing the idle stream.
	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case batch, ok := <-batches:
			if !ok {
				return // session removed
			}
			if !writeEvent("messages", batch) {
				return
			}
		}
	}
}

func (h *Handlers) handleAnalytics(w http.ResponseWriter, roomID int64) {
	snap, err := h.store.Analytics(roomID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handlers) handleChatters(w http.ResponseWriter, r *http.Request, roomID int64) {
	window := chat.DefaultChatterWindow
	if v := parseDurationQuery(r, "window", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = d
	}
	n, err := h.store.ActiveChatterCount(roomID, window)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active_chatters": n, "window": window.String()})
}

// handleModeration performs ban/timeout/unban against the platform API. The
// resulting buffer overlay arrives through the realtime moderation events,
// not from this handler.
func (h *Handlers) handleModeration(w http.ResponseWriter, r *http.Request, slug string, roomID int64) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Action          string `json:"action"` // ban | timeout | unban | delete
		Username        string `json:"username,omitempty"`
		DurationMinutes int    `json:"duration_minutes,omitempty"`
		Reason          string `json:"reason,omitempty"`
		MessageID       string `json:"message_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	ctx := r.Context()
	var err error
	switch req.Action {
	case "ban":
		err = h.kick.BanUser(ctx, slug, req.Username, req.Reason)
	case "timeout":
		err = h.kick.TimeoutUser(ctx, slug, req.Username, req.DurationMinutes, req.Reason)
	case "unban":
		err = h.kick.UnbanUser(ctx, slug, req.Username)
	case "delete":
		err = h.kick.DeleteMessage(ctx, roomID, req.MessageID)
	default:
		writeError(w, http.StatusBadRequest, "action must be ban, timeout, unban, or delete")
		return
	}
	if err != nil {
		var apiErr *kickapi.APIError
		if errors.As(err, &apiErr) && (apiErr.Status == http.StatusForbidden || apiErr.Status == http.StatusUnauthorized) {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "action": req.Action})
}

func (h *Handlers) handleFollow(w http.ResponseWriter, r *http.Request, slug string) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]bool{"following": h.kick.IsFollowing(ctx, slug)})
	case http.MethodPost:
		if err := h.kick.FollowChannel(ctx, slug); err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "following"})
	case http.MethodDelete:
		if err := h.kick.UnfollowChannel(ctx, slug); err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "unfollowed"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handlers) handleEmotes(w http.ResponseWriter, r *http.Request, slug string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	catalogs, err := h.emotes.ChannelCatalogs(r.Context(), slug)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, catalogs)
}
