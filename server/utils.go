package server

import (
	"net/http"
	"strconv"
	"strings"
)

// parseIntQuery extracts an int parameter from query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// parseDurationQuery extracts a duration parameter ("90s", "10m") with a default.
func parseDurationQuery(r *http.Request, key string, def string) string {
	if v := r.URL.Query().Get(key); v != "" {
		return v
	}
	return def
}

// splitChannelPath breaks "/channels/{slug}/rest..." into slug and the
// remaining action segments.
func splitChannelPath(path string) (slug string, rest []string) {
	trimmed, ok := strings.CutPrefix(path, "/channels")
	if !ok {
		return "", nil
	}
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return "", nil
	}
	return parts[0], parts[1:]
}
