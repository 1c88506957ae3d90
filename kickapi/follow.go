package kickapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
)

// FollowChannel follows a channel as the logged-in user.
func (c *Client) FollowChannel(ctx context.Context, slug string) error {
	if slug == "" {
		return fmt.Errorf("slug empty")
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v2/channels/"+slug+"/follow", nil, true, nil); err != nil {
		return fmt.Errorf("follow %s: %w", slug, err)
	}
	return nil
}

// UnfollowChannel removes the logged-in user's follow.
func (c *Client) UnfollowChannel(ctx context.Context, slug string) error {
	if slug == "" {
		return fmt.Errorf("slug empty")
	}
	if err := c.doJSON(ctx, http.MethodDelete, "/api/v2/channels/"+slug+"/follow", nil, true, nil); err != nil {
		return fmt.Errorf("unfollow %s: %w", slug, err)
	}
	return nil
}

// IsFollowing reports whether the logged-in user follows the channel.
// Errors degrade to false: follow state is cosmetic and must not block a
// session.
func (c *Client) IsFollowing(ctx context.Context, slug string) bool {
	info, err := c.GetSelfChannelInfo(ctx, slug)
	if err != nil {
		slog.Debug("follow state lookup failed", slog.String("slug", slug), slog.Any("err", err))
		return false
	}
	return info.IsFollowing
}
