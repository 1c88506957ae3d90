package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	dbpkg "github.com/chataroo/backend/db"
	"github.com/chataroo/backend/kickapi"
)

const oauthProvider = "kick"

// DBTokenSource adapts the oauth_tokens table to kickapi.TokenSource,
// refreshing through the OAuth config when the stored token is near expiry.
type DBTokenSource struct {
	DB  *sql.DB
	Cfg *oauth2.Config
}

// Token returns a valid access token, refreshing and persisting when the
// stored one expires within a minute.
func (s *DBTokenSource) Token(ctx context.Context) (string, error) {
	access, refresh, expiry, scope, err := dbpkg.GetOAuthToken(ctx, s.DB, oauthProvider)
	if err != nil {
		return "", err
	}
	if access == "" {
		return "", fmt.Errorf("not logged in")
	}
	if time.Until(expiry) > time.Minute {
		return access, nil
	}
	if refresh == "" || s.Cfg == nil {
		return "", fmt.Errorf("access token expired and no refresh token stored")
	}
	tok, err := kickapi.RefreshToken(ctx, s.Cfg, refresh)
	if err != nil {
		return "", err
	}
	newRefresh := tok.RefreshToken
	if newRefresh == "" {
		newRefresh = refresh
	}
	if err := dbpkg.UpsertOAuthToken(ctx, s.DB, oauthProvider, tok.AccessToken, newRefresh, tok.Expiry, scope); err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

func (h *Handlers) oauthConfig() (*oauth2.Config, error) {
	return kickapi.NewOAuthConfig(h.cfg.KickClientID, h.cfg.KickClientSecret, h.cfg.KickRedirectURI, strings.Fields(h.cfg.KickScopes))
}

// HandleOAuthStart initiates the login flow by redirecting to kick's consent
// page with a PKCE challenge.
func (h *Handlers) HandleOAuthStart(w http.ResponseWriter, r *http.Request) {
	if err := h.cfg.ValidateOAuthReady(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	oc, err := h.oauthConfig()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// generate state
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		writeError(w, http.StatusInternalServerError, "state gen error")
		return
	}
	st := hex.EncodeToString(b)
	verifier := kickapi.GenerateVerifier()
	h.addOAuthState(st, verifier, time.Now().Add(10*time.Minute))
	http.Redirect(w, r, kickapi.AuthCodeURL(oc, st, verifier), http.StatusFound)
}

// HandleOAuthCallback redeems the authorization code and stores tokens.
func (h *Handlers) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		writeError(w, http.StatusBadRequest, "missing code/state")
		return
	}
	verifier, ok := h.takeOAuthState(st)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid state")
		return
	}
	oc, err := h.oauthConfig()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ctx := r.Context()
	tok, err := kickapi.ExchangeAuthCode(ctx, oc, code, verifier)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// persist tokens via dbpkg (handles encryption)
	if err := dbpkg.UpsertOAuthToken(ctx, h.db, oauthProvider, tok.AccessToken, tok.RefreshToken, tok.Expiry, h.cfg.KickScopes); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "expiry": tok.Expiry})
}

// HandleOAuthStatus reports whether a usable token is stored and who it
// belongs to.
func (h *Handlers) HandleOAuthStatus(w http.ResponseWriter, r *http.Request) {
	access, _, expiry, scope, err := dbpkg.GetOAuthToken(r.Context(), h.db, oauthProvider)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := map[string]any{
		"logged_in":  access != "",
		"expires_at": expiry,
		"scope":      scope,
	}
	if access != "" && h.kick != nil {
		if u, err := h.kick.GetUserInfo(r.Context()); err == nil {
			out["username"] = u.Username
			out["user_id"] = u.ID
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleOAuthLogout discards the stored token.
func (h *Handlers) HandleOAuthLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := dbpkg.DeleteOAuthToken(r.Context(), h.db, oauthProvider); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}
