package kickapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

// MaxMessageLength is kick's per-message content limit in characters.
const MaxMessageLength = 500

// ReplyRef points an outbound message at the message it replies to.
type ReplyRef struct {
	MessageID      string
	MessageContent string
	SenderID       int64
	SenderUsername string
}

// SendMessage posts a chat message to a chatroom. content must be non-blank
// and at most MaxMessageLength characters; a non-nil reply sends it as a
// threaded reply. A 429 response surfaces as *chat.RateLimitedError.
func (c *Client) SendMessage(ctx context.Context, chatroomID int64, content string, reply *ReplyRef) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("message content empty")
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return fmt.Errorf("message content exceeds %d characters", MaxMessageLength)
	}

	payload := map[string]any{
		"content": content,
		"type":    "message",
	}
	if reply != nil {
		payload["type"] = "reply"
		payload["metadata"] = map[string]any{
			"original_message": map[string]any{
				"id":      reply.MessageID,
				"content": reply.MessageContent,
			},
			"original_sender": map[string]any{
				"id":       reply.SenderID,
				"username": reply.SenderUsername,
			},
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/api/v2/messages/send/%d", chatroomID)
	if err := c.doJSON(ctx, http.MethodPost, path, bytes.NewReader(body), true, nil); err != nil {
		return fmt.Errorf("send message to chatroom %d: %w", chatroomID, err)
	}
	return nil
}
