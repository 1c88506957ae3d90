package kickapi

import (
	"context"

	"github.com/chataroo/backend/chat"
)

// Directory adapts the API client to the chat manager's channel resolution
// interface.
type Directory struct {
	Client *Client
}

// ResolveChannel maps a public channel record to session connect details.
// The chatroom id is the realtime room id.
func (d *Directory) ResolveChannel(ctx context.Context, slug string) (chat.ChannelDetails, error) {
	ch, err := d.Client.GetChannel(ctx, slug)
	if err != nil {
		return chat.ChannelDetails{}, err
	}
	return chat.ChannelDetails{
		RoomID: ch.ChatroomID,
		Slug:   ch.Slug,
		Broadcaster: chat.User{
			ID:       ch.UserID,
			Username: ch.Username,
			Slug:     ch.Slug,
		},
		IsLive:        ch.IsLive,
		ViewerCount:   ch.ViewerCount,
		FollowerCount: ch.FollowerCount,
	}, nil
}

// IsModerator reports the logged-in user's moderator standing. Unauthorized
// errors mean no login: that is a plain viewer, not a failure.
func (d *Directory) IsModerator(ctx context.Context, slug string) (bool, error) {
	info, err := d.Client.GetSelfChannelInfo(ctx, slug)
	if IsUnauthorized(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsModerator || info.IsBroadcaster, nil
}

// Sender adapts the API client to the chat manager's outbound send interface.
type Sender struct {
	Client *Client
}

// Send posts one message, translating the reply linkage when present.
func (s *Sender) Send(ctx context.Context, roomID int64, content string, reply *chat.OutboundReply) error {
	var ref *ReplyRef
	if reply != nil {
		ref = &ReplyRef{
			MessageID:      reply.MessageID,
			MessageContent: reply.MessageContent,
			SenderID:       reply.SenderID,
			SenderUsername: reply.SenderUsername,
		}
	}
	return s.Client.SendMessage(ctx, roomID, content, ref)
}
