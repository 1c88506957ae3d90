package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/chataroo/backend/giveaway"
)

// handleGiveaway routes /channels/{slug}/giveaway[/action].
func (h *Handlers) handleGiveaway(w http.ResponseWriter, r *http.Request, rest []string, roomID int64) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			h.handleGiveawayStatus(w, roomID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}
	if r.Method != http.MethodPost && !(rest[0] == "entrants" && r.Method == http.MethodGet) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	switch rest[0] {
	case "start":
		h.handleGiveawayStart(w, r, roomID)
	case "close":
		h.handleGiveawayClose(w, roomID)
	case "winner":
		h.handleGiveawayWinner(w, r, roomID)
	case "reset":
		h.giveaways.Reset(roomID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
	case "entrants":
		h.handleGiveawayEntrants(w, roomID)
	default:
		writeError(w, http.StatusNotFound, "unknown giveaway action")
	}
}

func (h *Handlers) handleGiveawayStatus(w http.ResponseWriter, roomID int64) {
	st, err := h.giveaways.StatusFor(roomID)
	if errors.Is(err, giveaway.ErrNoGiveaway) {
		writeJSON(w, http.StatusOK, map[string]bool{"active": false})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handlers) handleGiveawayStart(w http.ResponseWriter, r *http.Request, roomID int64) {
	var req struct {
		Keyword string `json:"keyword"`
		SubOnly bool   `json:"sub_only,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := h.giveaways.Start(roomID, req.Keyword, req.SubOnly); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, giveaway.ErrActive) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "started", "keyword": req.Keyword})
}

func (h *Handlers) handleGiveawayClose(w http.ResponseWriter, roomID int64) {
	if err := h.giveaways.Close(roomID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (h *Handlers) handleGiveawayWinner(w http.ResponseWriter, r *http.Request, roomID int64) {
	winner, err := h.giveaways.PickWinner(roomID)
	if err != nil {
		status := http.StatusNotFound
		if errors.Is(err, giveaway.ErrNoEntrants) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	// ?remove=1 drops the winner so successive draws never repeat
	if r.URL.Query().Get("remove") == "1" {
		if err := h.giveaways.RemoveEntrant(roomID, winner.Username); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, winner)
}

func (h *Handlers) handleGiveawayEntrants(w http.ResponseWriter, roomID int64) {
	entrants, err := h.giveaways.Entrants(roomID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entrants)
}
