package server

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestSplitChannelPath(t *testing.T) {
	tests := []struct {
		path string
		slug string
		rest []string
	}{
		{"/channels/testch", "testch", nil},
		{"/channels/testch/", "testch", nil},
		{"/channels/testch/messages", "testch", []string{"messages"}},
		{"/channels/testch/giveaway/winner", "testch", []string{"giveaway", "winner"}},
		{"/channels/", "", nil},
		{"/channels", "", nil},
	}
	for _, tc := range tests {
		slug, rest := splitChannelPath(tc.path)
		if slug != tc.slug {
			t.Errorf("splitChannelPath(%q) slug = %q, want %q", tc.path, slug, tc.slug)
		}
		if len(rest) != len(tc.rest) {
			t.Errorf("splitChannelPath(%q) rest = %v, want %v", tc.path, rest, tc.rest)
			continue
		}
		for i := range rest {
			if rest[i] != tc.rest[i] {
				t.Errorf("splitChannelPath(%q) rest = %v, want %v", tc.path, rest, tc.rest)
			}
		}
	}
}

func TestParseIntQuery(t *testing.T) {
	r := httptest.NewRequest("GET", "/x?limit=25&bad=abc", nil)
	if got := parseIntQuery(r, "limit", 0); got != 25 {
		t.Errorf("limit = %d, want 25", got)
	}
	if got := parseIntQuery(r, "bad", 7); got != 7 {
		t.Errorf("bad = %d, want default 7", got)
	}
	if got := parseIntQuery(r, "missing", 3); got != 3 {
		t.Errorf("missing = %d, want default 3", got)
	}
}

func TestParseDurationQuery(t *testing.T) {
	r := httptest.NewRequest("GET", "/x?window=5m", nil)
	if got := parseDurationQuery(r, "window", ""); got != "5m" {
		t.Errorf("window = %q", got)
	}
	if got := parseDurationQuery(r, "missing", "10m"); got != "10m" {
		t.Errorf("missing = %q, want default", got)
	}
}

func TestOAuthStateStore(t *testing.T) {
	h := &Handlers{stateStore: make(map[string]oauthState)}

	h.addOAuthState("st1", "ver1", time.Now().Add(time.Minute))
	v, ok := h.takeOAuthState("st1")
	if !ok || v != "ver1" {
		t.Fatalf("take = %q, %v", v, ok)
	}
	// States are single use.
	if _, ok := h.takeOAuthState("st1"); ok {
		t.Error("state must be consumed on take")
	}
	// Expired states are rejected.
	h.addOAuthState("st2", "ver2", time.Now().Add(-time.Minute))
	if _, ok := h.takeOAuthState("st2"); ok {
		t.Error("expired state must be rejected")
	}
	if _, ok := h.takeOAuthState("unknown"); ok {
		t.Error("unknown state must be rejected")
	}
}
