package chat

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType distinguishes regular user chat from locally synthesized
// notices and reply messages.
type MessageType string

const (
	MessageTypeUser   MessageType = "user"
	MessageTypeSystem MessageType = "system"
	MessageTypeReply  MessageType = "reply"
)

// Badge is one entry of a sender's badge set (moderator, subscriber, bot, ...).
type Badge struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Count int    `json:"count,omitempty"`
}

// Identity carries presentation data attached to a sender.
type Identity struct {
	UsernameColor string  `json:"username_color,omitempty"`
	Badges        []Badge `json:"badges,omitempty"`
}

// User identifies a platform user. Sender embeds it with identity data.
type User struct {
	ID         int64  `json:"id"`
	Username   string `json:"username"`
	Slug       string `json:"slug,omitempty"`
	IsVerified bool   `json:"is_verified,omitempty"`
}

// Sender is the author of a chat message.
type Sender struct {
	User
	Identity Identity `json:"identity"`
}

// HasBadge reports whether the sender carries a badge of the given type.
func (s Sender) HasBadge(badgeType string) bool {
	for _, b := range s.Identity.Badges {
		if b.Type == badgeType {
			return true
		}
	}
	return false
}

// IsBot reports whether the sender is bot-tagged. Bot senders are excluded
// from analytics totals but their messages still enter the buffer.
func (s Sender) IsBot() bool { return s.HasBadge("bot") }

// ReplyMeta holds the original sender and message snapshot for reply messages.
type ReplyMeta struct {
	OriginalSender  User   `json:"original_sender"`
	OriginalID      string `json:"original_id"`
	OriginalContent string `json:"original_content"`
}

// Message is one chat event in a channel's buffer. The id is broker-assigned
// and stable for the session; ids of synthesized system messages are generated
// locally. The only mutation after creation is setting Deleted.
type Message struct {
	ID          string      `json:"id"`
	Content     string      `json:"content"`
	Sender      Sender      `json:"sender"`
	Broadcaster User        `json:"broadcaster"`
	CreatedAt   time.Time   `json:"created_at"`
	Type        MessageType `json:"type"`
	Deleted     bool        `json:"deleted,omitempty"`
	Reply       *ReplyMeta  `json:"reply,omitempty"`
}

// ModerationKind distinguishes the two moderation event streams.
type ModerationKind string

const (
	ModerationBan   ModerationKind = "ban"
	ModerationUnban ModerationKind = "unban"
)

// ModerationEvent is a ban/unban notice from the broker. It is consumed
// immediately: a system message is appended and, for bans, matching buffered
// messages are marked deleted.
type ModerationEvent struct {
	ID        string
	Kind      ModerationKind
	Target    User
	Actor     User // who banned/unbanned; zero value when unknown
	Permanent bool
	Duration  time.Duration // timeout length when not permanent
}

// systemNotice formats the moderation notice text shown in chat.
func (e ModerationEvent) systemNotice() string {
	actor := e.Actor.Username
	if actor == "" {
		actor = "a moderator"
	}
	switch {
	case e.Kind == ModerationBan && e.Permanent:
		return fmt.Sprintf("%s was permanently banned by %s", e.Target.Username, actor)
	case e.Kind == ModerationBan:
		minutes := int(e.Duration / time.Minute)
		unit := "minutes"
		if minutes == 1 {
			unit = "minute"
		}
		return fmt.Sprintf("%s was timed out for %d %s by %s", e.Target.Username, minutes, unit, actor)
	case e.Permanent:
		return fmt.Sprintf("%s was unbanned by %s", e.Target.Username, actor)
	default:
		return fmt.Sprintf("%s's timeout was removed by %s", e.Target.Username, actor)
	}
}

// SystemMessage synthesizes the chat notice for a moderation event.
func (e ModerationEvent) SystemMessage(broadcaster User, at time.Time) Message {
	return Message{
		ID:          fmt.Sprintf("system-%s-%s-%s", e.Kind, e.ID, uuid.NewString()),
		Content:     e.systemNotice(),
		Sender:      Sender{User: User{Username: "System", Slug: "system"}},
		Broadcaster: broadcaster,
		CreatedAt:   at,
		Type:        MessageTypeSystem,
	}
}
