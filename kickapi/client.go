// Package kickapi contains helpers to interact with Kick's site and OAuth
// APIs: channel resolution, outbound chat sends, moderation actions, and
// follow state, using a user OAuth token.
package kickapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// TokenSource yields a valid user access token for authorized endpoints.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client provides the methods the chat backend needs against kick.com.
type Client struct {
	BaseURL     string // defaults to https://kick.com
	TokenSource TokenSource
	HTTPClient  *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return strings.TrimSuffix(c.BaseURL, "/")
	}
	return "https://kick.com"
}

// doJSON performs a request, decodes a 2xx JSON body into out (which may be
// nil), and maps error statuses via statusError.
func (c *Client) doJSON(ctx context.Context, method, path string, body io.Reader, authorized bool, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base()+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorized {
		if c.TokenSource == nil {
			return fmt.Errorf("kickapi: no token source for authorized request %s", path)
		}
		tok, err := c.TokenSource.Token(ctx)
		if err != nil {
			return fmt.Errorf("get access token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// Channel is the public channel record used to establish a chat session.
type Channel struct {
	ID             int64  `json:"id"`
	UserID         int64  `json:"user_id"`
	Slug           string `json:"slug"`
	ChatroomID     int64  `json:"chatroom_id"`
	Username       string `json:"username"`
	IsLive         bool   `json:"is_live"`
	ViewerCount    int    `json:"viewer_count"`
	FollowerCount  int    `json:"follower_count"`
	ProfilePicture string `json:"profile_picture,omitempty"`
}

type wireChannel struct {
	ID             int64  `json:"id"`
	UserID         int64  `json:"user_id"`
	Slug           string `json:"slug"`
	FollowersCount int    `json:"followers_count"`
	Chatroom       struct {
		ID int64 `json:"id"`
	} `json:"chatroom"`
	User struct {
		Username       string `json:"username"`
		ProfilePicture string `json:"profile_pic"`
	} `json:"user"`
	Livestream *struct {
		IsLive      bool `json:"is_live"`
		ViewerCount int  `json:"viewer_count"`
	} `json:"livestream"`
}

func (w wireChannel) toChannel() *Channel {
	ch := &Channel{
		ID:             w.ID,
		UserID:         w.UserID,
		Slug:           w.Slug,
		ChatroomID:     w.Chatroom.ID,
		Username:       w.User.Username,
		FollowerCount:  w.FollowersCount,
		ProfilePicture: w.User.ProfilePicture,
	}
	if w.Livestream != nil {
		ch.IsLive = w.Livestream.IsLive
		ch.ViewerCount = w.Livestream.ViewerCount
	}
	return ch
}

// GetChannel resolves a channel slug to its chatroom and live status. Slugs
// typed with underscores are retried with dashes on 404: kick canonicalizes
// some usernames that way.
func (c *Client) GetChannel(ctx context.Context, slug string) (*Channel, error) {
	if slug == "" {
		return nil, fmt.Errorf("slug empty")
	}
	var w wireChannel
	err := c.doJSON(ctx, http.MethodGet, "/api/v2/channels/"+slug, nil, false, &w)
	if IsNotFound(err) && strings.Contains(slug, "_") {
		alt := strings.ReplaceAll(slug, "_", "-")
		if err2 := c.doJSON(ctx, http.MethodGet, "/api/v2/channels/"+alt, nil, false, &w); err2 == nil {
			return w.toChannel(), nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("get channel %s: %w", slug, err)
	}
	return w.toChannel(), nil
}

// SelfChannelInfo is the authorized viewer's relationship to a channel.
type SelfChannelInfo struct {
	IsModerator    bool   `json:"is_moderator"`
	IsBroadcaster  bool   `json:"is_broadcaster"`
	IsFollowing    bool   `json:"is_following"`
	FollowingSince string `json:"following_since,omitempty"`
}

// GetSelfChannelInfo returns the logged-in user's moderator/follow state for
// a channel.
func (c *Client) GetSelfChannelInfo(ctx context.Context, slug string) (*SelfChannelInfo, error) {
	if slug == "" {
		return nil, fmt.Errorf("slug empty")
	}
	var info SelfChannelInfo
	if err := c.doJSON(ctx, http.MethodGet, "/api/v2/channels/"+slug+"/me", nil, true, &info); err != nil {
		return nil, fmt.Errorf("get self channel info %s: %w", slug, err)
	}
	return &info, nil
}

// UserInfo identifies the logged-in user.
type UserInfo struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// GetUserInfo returns the logged-in user's identity.
func (c *Client) GetUserInfo(ctx context.Context) (*UserInfo, error) {
	var u UserInfo
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/user", nil, true, &u); err != nil {
		return nil, fmt.Errorf("get user info: %w", err)
	}
	return &u, nil
}
