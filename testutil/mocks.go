package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockKickServer creates a test server that mocks Kick API responses
type MockKickServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockKickServer creates a new mock Kick API server
func NewMockKickServer(t *testing.T) *MockKickServer {
	t.Helper()
	m := &MockKickServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockChannelResponse adds a handler for the public channel endpoint
func (m *MockKickServer) MockChannelResponse(slug string, chatroomID, userID int64, username string, isLive bool) {
	m.Handlers["/api/v2/channels/"+slug] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"id":              userID,
			"slug":            slug,
			"chatroom":        map[string]interface{}{"id": chatroomID},
			"user":            map[string]interface{}{"id": userID, "username": username},
			"followers_count": 0,
		}
		if isLive {
			response["livestream"] = map[string]interface{}{
				"is_live":      true,
				"viewer_count": 100,
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockSelfInfoResponse adds a handler for the per-channel self info endpoint
func (m *MockKickServer) MockSelfInfoResponse(slug string, isModerator, isBroadcaster bool) {
	m.Handlers["/api/v2/channels/"+slug+"/me"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"is_moderator":   isModerator,
			"is_broadcaster": isBroadcaster,
			"is_following":   false,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockUserResponse adds a handler for the logged-in user endpoint
func (m *MockKickServer) MockUserResponse(userID int64, username string) {
	m.Handlers["/api/v1/user"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"id":       userID,
			"username": username,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockOAuthTokenResponse adds a handler for the OAuth token endpoint
func (m *MockKickServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth/token"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}
