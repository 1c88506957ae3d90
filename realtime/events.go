// Package realtime maintains the pub/sub connection to the Kick chat broker
// and multiplexes named events to per-room consumers. It speaks the Pusher
// wire protocol over a websocket: channel subscriptions are named
// chatrooms.<roomId>.v2 and application payloads arrive JSON-encoded inside
// the envelope's data string.
package realtime

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chataroo/backend/chat"
)

// Broker event names bound per chatroom channel.
const (
	eventChatMessage    = `App\Events\ChatMessageEvent`
	eventUserBanned     = `App\Events\UserBannedEvent`
	eventUserUnbanned   = `App\Events\UserUnbannedEvent`
	eventMessageDeleted = `App\Events\MessageDeletedEvent`

	eventPusherEstablished  = "pusher:connection_established"
	eventPusherPing         = "pusher:ping"
	eventPusherPong         = "pusher:pong"
	eventPusherSubscribe    = "pusher:subscribe"
	eventPusherUnsubscribe  = "pusher:unsubscribe"
	eventPusherSubscribeErr = "pusher:subscription_error"
)

// envelope is the outer Pusher frame. Data is a JSON-encoded string for
// application events.
type envelope struct {
	Event   string `json:"event"`
	Channel string `json:"channel,omitempty"`
	Data    string `json:"data,omitempty"`
}

type subscribePayload struct {
	Channel string `json:"channel"`
}

// channelName returns the broker topic for a chatroom.
func channelName(roomID int64) string {
	return fmt.Sprintf("chatrooms.%d.v2", roomID)
}

// roomIDFromChannel extracts the chatroom id from a topic name; ok is false
// for topics this client does not manage.
func roomIDFromChannel(name string) (int64, bool) {
	if !strings.HasPrefix(name, "chatrooms.") || !strings.HasSuffix(name, ".v2") {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, "chatrooms."), ".v2"), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Wire shapes. Broker payloads are loosely shaped; every field the pipeline
// does not strictly need is optional and absent fields degrade downstream
// rather than erroring here.

type wireBadge struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Count int    `json:"count,omitempty"`
}

type wireIdentity struct {
	UsernameColor string      `json:"username_color,omitempty"`
	Badges        []wireBadge `json:"badges,omitempty"`
}

type wireUser struct {
	ID         int64  `json:"id"`
	Username   string `json:"username"`
	Slug       string `json:"slug,omitempty"`
	IsVerified bool   `json:"is_verified,omitempty"`
}

type wireSender struct {
	wireUser
	Identity wireIdentity `json:"identity"`
}

type wireChatMessage struct {
	ID          string     `json:"id"`
	Content     string     `json:"content"`
	Sender      wireSender `json:"sender"`
	Broadcaster wireUser   `json:"broadcaster"`
	CreatedAt   string     `json:"created_at"`
	Type        string     `json:"type,omitempty"`
	Metadata    *struct {
		OriginalSender  *wireUser `json:"original_sender,omitempty"`
		OriginalMessage *struct {
			ID      string `json:"id"`
			Content string `json:"content"`
		} `json:"original_message,omitempty"`
	} `json:"metadata,omitempty"`
}

type wireModeration struct {
	ID         string    `json:"id"`
	User       wireUser  `json:"user"`
	BannedBy   *wireUser `json:"banned_by,omitempty"`
	UnbannedBy *wireUser `json:"unbanned_by,omitempty"`
	Permanent  bool      `json:"permanent"`
	Duration   int       `json:"duration,omitempty"` // minutes
}

type wireDeletion struct {
	ID      string `json:"id"`
	Message struct {
		ID string `json:"id"`
	} `json:"message"`
}

func toUser(u wireUser) chat.User {
	return chat.User{ID: u.ID, Username: u.Username, Slug: u.Slug, IsVerified: u.IsVerified}
}

// parseChatMessage validates and converts a new-message payload. A missing id
// is the one hard requirement: without it the buffer invariant (unique id per
// message) cannot hold.
func parseChatMessage(data string) (chat.Message, error) {
	var w wireChatMessage
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return chat.Message{}, fmt.Errorf("decode chat message: %w", err)
	}
	if w.ID == "" {
		return chat.Message{}, fmt.Errorf("chat message missing id")
	}

	msg := chat.Message{
		ID:          w.ID,
		Content:     w.Content,
		Broadcaster: toUser(w.Broadcaster),
		Type:        chat.MessageTypeUser,
	}
	msg.Sender = chat.Sender{User: toUser(w.Sender.wireUser)}
	msg.Sender.Identity.UsernameColor = w.Sender.Identity.UsernameColor
	for _, b := range w.Sender.Identity.Badges {
		msg.Sender.Identity.Badges = append(msg.Sender.Identity.Badges, chat.Badge{Type: b.Type, Text: b.Text, Count: b.Count})
	}

	switch w.Type {
	case "reply":
		msg.Type = chat.MessageTypeReply
	case "system":
		msg.Type = chat.MessageTypeSystem
	}
	if w.Metadata != nil && w.Metadata.OriginalSender != nil && msg.Type == chat.MessageTypeReply {
		meta := &chat.ReplyMeta{OriginalSender: toUser(*w.Metadata.OriginalSender)}
		if om := w.Metadata.OriginalMessage; om != nil {
			meta.OriginalID = om.ID
			meta.OriginalContent = om.Content
		}
		msg.Reply = meta
	}

	if t, err := time.Parse(time.RFC3339, w.CreatedAt); err == nil {
		msg.CreatedAt = t
	} else {
		msg.CreatedAt = time.Now().UTC()
	}
	return msg, nil
}

// parseModeration converts a user-banned/user-unbanned payload. The target
// username is required; the actor is optional (the store substitutes
// "a moderator").
func parseModeration(data string, kind chat.ModerationKind) (chat.ModerationEvent, error) {
	var w wireModeration
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return chat.ModerationEvent{}, fmt.Errorf("decode moderation event: %w", err)
	}
	if w.User.Username == "" {
		return chat.ModerationEvent{}, fmt.Errorf("moderation event missing target username")
	}
	ev := chat.ModerationEvent{
		ID:        w.ID,
		Kind:      kind,
		Target:    toUser(w.User),
		Permanent: w.Permanent,
		Duration:  time.Duration(w.Duration) * time.Minute,
	}
	switch {
	case kind == chat.ModerationBan && w.BannedBy != nil:
		ev.Actor = toUser(*w.BannedBy)
	case kind == chat.ModerationUnban && w.UnbannedBy != nil:
		ev.Actor = toUser(*w.UnbannedBy)
	}
	return ev, nil
}

// parseDeletion converts a message-deleted payload to the deleted message id.
func parseDeletion(data string) (string, error) {
	var w wireDeletion
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return "", fmt.Errorf("decode deletion event: %w", err)
	}
	if w.Message.ID == "" {
		return "", fmt.Errorf("deletion event missing message id")
	}
	return w.Message.ID, nil
}
