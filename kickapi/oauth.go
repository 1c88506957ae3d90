package kickapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// OAuth endpoints for kick's identity service.
var kickEndpoint = oauth2.Endpoint{
	AuthURL:  "https://id.kick.com/oauth/authorize",
	TokenURL: "https://id.kick.com/oauth/token",
}

// DefaultScopes cover reading channel data, sending chat, and moderating.
var DefaultScopes = []string{"user:read", "channel:read", "chat:write", "moderation:ban"}

// NewOAuthConfig builds the authorization-code + PKCE config.
func NewOAuthConfig(clientID, clientSecret, redirectURL string, scopes []string) (*oauth2.Config, error) {
	if clientID == "" || redirectURL == "" {
		return nil, errors.New("missing clientID or redirectURL")
	}
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       scopes,
		Endpoint:     kickEndpoint,
	}, nil
}

// GenerateVerifier returns a fresh PKCE code verifier.
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}

// AuthCodeURL builds the user authorization URL carrying the S256 challenge
// for verifier.
func AuthCodeURL(cfg *oauth2.Config, state, verifier string) string {
	return cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

// ExchangeAuthCode redeems an authorization code with its PKCE verifier.
func ExchangeAuthCode(ctx context.Context, cfg *oauth2.Config, code, verifier string) (*oauth2.Token, error) {
	if code == "" || verifier == "" {
		return nil, errors.New("missing code or verifier for exchange")
	}
	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("kick auth code exchange failed: %w", err)
	}
	return tok, nil
}

// RefreshToken exchanges a refresh token for a new access token.
func RefreshToken(ctx context.Context, cfg *oauth2.Config, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, errors.New("missing refresh token")
	}
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("kick token refresh failed: %w", err)
	}
	return tok, nil
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}
