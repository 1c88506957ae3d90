package server

import (
	"encoding/json"
	"net/http"
	"strings"

	dbpkg "github.com/chataroo/backend/db"
)

// HandleSavedChannels serves the bookmark collection: GET lists, POST adds.
func (h *Handlers) HandleSavedChannels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		channels, err := dbpkg.ListSavedChannels(r.Context(), h.db)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if channels == nil {
			channels = []dbpkg.SavedChannel{}
		}
		writeJSON(w, http.StatusOK, channels)
	case http.MethodPost:
		var req struct {
			Slug        string `json:"slug"`
			DisplayName string `json:"display_name,omitempty"`
			Position    int    `json:"position,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Slug == "" {
			writeError(w, http.StatusBadRequest, "body must include slug")
			return
		}
		if req.DisplayName == "" {
			req.DisplayName = req.Slug
		}
		if err := dbpkg.SaveChannel(r.Context(), h.db, strings.ToLower(req.Slug), req.DisplayName, req.Position); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "saved", "slug": req.Slug})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// HandleSavedChannelDispatcher handles DELETE /saved-channels/{slug}.
func (h *Handlers) HandleSavedChannelDispatcher(w http.ResponseWriter, r *http.Request) {
	slug := strings.Trim(strings.TrimPrefix(r.URL.Path, "/saved-channels/"), "/")
	if slug == "" {
		writeError(w, http.StatusNotFound, "missing channel slug")
		return
	}
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := dbpkg.RemoveSavedChannel(r.Context(), h.db, strings.ToLower(slug)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// HandleSettings serves the user preference map: GET returns everything, PUT
// merges the provided keys.
func (h *Handlers) HandleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		settings, err := dbpkg.AllSettings(r.Context(), h.db)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, settings)
	case http.MethodPut, http.MethodPatch:
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req) == 0 {
			writeError(w, http.StatusBadRequest, "body must be a non-empty string map")
			return
		}
		for k, v := range req {
			if err := dbpkg.SetSetting(r.Context(), h.db, k, v); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
