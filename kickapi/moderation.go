package kickapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"unicode/utf8"
)

const (
	// Timeout duration bounds in minutes (1 minute to 7 days).
	MinTimeoutMinutes = 1
	MaxTimeoutMinutes = 10080

	// MaxBanReasonLength caps the optional moderation reason.
	MaxBanReasonLength = 100
)

type banRequest struct {
	BannedUsername string `json:"banned_username"`
	Permanent      bool   `json:"permanent"`
	Duration       int    `json:"duration,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

func (c *Client) postBan(ctx context.Context, slug string, req banRequest) error {
	if slug == "" {
		return fmt.Errorf("slug empty")
	}
	if req.BannedUsername == "" {
		return fmt.Errorf("username empty")
	}
	if utf8.RuneCountInString(req.Reason) > MaxBanReasonLength {
		return fmt.Errorf("reason exceeds %d characters", MaxBanReasonLength)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	path := "/api/v2/channels/" + slug + "/bans"
	return c.doJSON(ctx, http.MethodPost, path, bytes.NewReader(body), true, nil)
}

// BanUser permanently bans a user from a channel's chat. Requires moderator
// privileges on the channel.
func (c *Client) BanUser(ctx context.Context, slug, username, reason string) error {
	if err := c.postBan(ctx, slug, banRequest{BannedUsername: username, Permanent: true, Reason: reason}); err != nil {
		return fmt.Errorf("ban %s in %s: %w", username, slug, err)
	}
	return nil
}

// TimeoutUser bans a user for a bounded number of minutes.
func (c *Client) TimeoutUser(ctx context.Context, slug, username string, minutes int, reason string) error {
	if minutes < MinTimeoutMinutes || minutes > MaxTimeoutMinutes {
		return fmt.Errorf("timeout duration %d out of range [%d,%d] minutes", minutes, MinTimeoutMinutes, MaxTimeoutMinutes)
	}
	if err := c.postBan(ctx, slug, banRequest{BannedUsername: username, Permanent: false, Duration: minutes, Reason: reason}); err != nil {
		return fmt.Errorf("timeout %s in %s: %w", username, slug, err)
	}
	return nil
}

// UnbanUser lifts a ban or timeout. Lifting a ban does not restore messages
// already marked deleted.
func (c *Client) UnbanUser(ctx context.Context, slug, username string) error {
	if slug == "" {
		return fmt.Errorf("slug empty")
	}
	if username == "" {
		return fmt.Errorf("username empty")
	}
	path := "/api/v2/channels/" + slug + "/bans/" + username
	if err := c.doJSON(ctx, http.MethodDelete, path, nil, true, nil); err != nil {
		return fmt.Errorf("unban %s in %s: %w", username, slug, err)
	}
	return nil
}

// DeleteMessage removes a single message from a chatroom.
func (c *Client) DeleteMessage(ctx context.Context, chatroomID int64, messageID string) error {
	if messageID == "" {
		return fmt.Errorf("message id empty")
	}
	path := fmt.Sprintf("/api/v2/chatrooms/%d/messages/%s", chatroomID, messageID)
	if err := c.doJSON(ctx, http.MethodDelete, path, nil, true, nil); err != nil {
		return fmt.Errorf("delete message %s in chatroom %d: %w", messageID, chatroomID, err)
	}
	return nil
}
