package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chataroo/backend/chat"
	"github.com/chataroo/backend/telemetry"
)

const (
	// DefaultBrokerURL is Kick's public Pusher endpoint.
	DefaultBrokerURL = "wss://ws-us2.pusher.com/app/32cbd69e4b950bf97679?protocol=7&client=js&version=8.4.0&flash=false"

	dialTimeout  = 10 * time.Second
	pingInterval = 60 * time.Second
	readTimeout  = 2 * time.Minute

	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// Client is a websocket pub/sub client for the chat broker. One connection
// carries all chatroom subscriptions; Run owns the connection and reconnects
// with exponential backoff, re-subscribing every tracked room after each
// reconnect. Subscribe/Unsubscribe may be called at any time, connected or
// not.
type Client struct {
	url    string
	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[int64]chat.TransportHandlers
	connCb func(bool)
	up     bool
	closed bool
}

// NewClient prepares a client for the given broker URL (DefaultBrokerURL for
// the production endpoint). Run must be called to connect.
func NewClient(url string) *Client {
	if url == "" {
		url = DefaultBrokerURL
	}
	return &Client{
		url:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: dialTimeout},
		subs:   make(map[int64]chat.TransportHandlers),
	}
}

// OnConnectionChange registers the single connection-state observer. It is
// invoked with true after each (re)connect completes its re-subscriptions and
// with false when the connection drops.
func (c *Client) OnConnectionChange(fn func(connected bool)) {
	c.mu.Lock()
	c.connCb = fn
	c.mu.Unlock()
}

// Subscribe binds handlers for a chatroom, replacing any previous handlers
// for the same room. The broker subscription is sent at most once per room
// per connection; re-subscribing an already-tracked room only swaps the
// handlers.
func (c *Client) Subscribe(roomID int64, h chat.TransportHandlers) error {
	c.mu.Lock()
	_, known := c.subs[roomID]
	c.subs[roomID] = h
	conn := c.conn
	c.mu.Unlock()

	if known || conn == nil {
		return nil
	}
	if err := c.writeEnvelope(envelope{Event: eventPusherSubscribe, Data: mustPayload(subscribePayload{Channel: channelName(roomID)})}); err != nil {
		return fmt.Errorf("subscribe room %d: %w", roomID, err)
	}
	return nil
}

// Unsubscribe stops delivery for a chatroom. Unknown rooms are a no-op.
func (c *Client) Unsubscribe(roomID int64) {
	c.mu.Lock()
	_, known := c.subs[roomID]
	delete(c.subs, roomID)
	conn := c.conn
	c.mu.Unlock()

	if !known || conn == nil {
		return
	}
	if err := c.writeEnvelope(envelope{Event: eventPusherUnsubscribe, Data: mustPayload(subscribePayload{Channel: channelName(roomID)})}); err != nil {
		slog.Warn("broker unsubscribe failed", slog.Int64("room_id", roomID), slog.Any("err", err))
	}
}

// Run connects and serves the read loop until ctx is cancelled, reconnecting
// on failure. It always returns ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	backoff := reconnectMin
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.serveOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			slog.Warn("broker connection lost", slog.Any("err", err), slog.Duration("retry_in", backoff))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, reconnectMax)
		if err == nil {
			backoff = reconnectMin
		}
	}
}

// serveOnce dials, replays subscriptions, and reads frames until the
// connection fails or ctx is cancelled.
func (c *Client) serveOnce(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	// ReadMessage only unblocks on connection close, so cancellation has to
	// close the socket out from under the read loop.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	c.mu.Lock()
	c.conn = conn
	rooms := make([]int64, 0, len(c.subs))
	for id := range c.subs {
		rooms = append(rooms, id)
	}
	cb := c.connCb
	c.up = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		wasUp := c.up
		c.up = false
		downCb := c.connCb
		c.mu.Unlock()
		telemetry.SetRealtimeUp(false)
		if wasUp && downCb != nil {
			downCb(false)
		}
	}()

	for _, id := range rooms {
		if err := c.writeEnvelope(envelope{Event: eventPusherSubscribe, Data: mustPayload(subscribePayload{Channel: channelName(id)})}); err != nil {
			return fmt.Errorf("resubscribe room %d: %w", id, err)
		}
	}
	telemetry.SetRealtimeUp(true)
	slog.Info("broker connected", slog.Int("rooms", len(rooms)))
	if cb != nil {
		cb(true)
	}

	// Keepalive pings; the broker also pings on its own activity timeout.
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go func() {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-t.C:
				if err := c.writeEnvelope(envelope{Event: eventPusherPing}); err != nil {
					return
				}
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read broker frame: %w", err)
		}
		c.dispatch(raw)
	}
}

// dispatch routes one inbound frame. Malformed application payloads are
// counted and dropped; the connection stays up.
func (c *Client) dispatch(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		telemetry.IncEventsInvalid()
		slog.Warn("broker frame not json", slog.Any("err", err))
		return
	}

	switch env.Event {
	case eventPusherPing:
		if err := c.writeEnvelope(envelope{Event: eventPusherPong}); err != nil {
			slog.Warn("broker pong failed", slog.Any("err", err))
		}
		return
	case eventPusherPong, eventPusherEstablished:
		return
	case eventPusherSubscribeErr:
		slog.Error("broker subscription rejected", slog.String("channel", env.Channel), slog.String("data", env.Data))
		return
	}

	roomID, ok := roomIDFromChannel(env.Channel)
	if !ok {
		return
	}
	c.mu.Lock()
	h, ok := c.subs[roomID]
	c.mu.Unlock()
	if !ok {
		return
	}

	switch env.Event {
	case eventChatMessage:
		msg, err := parseChatMessage(env.Data)
		if err != nil {
			telemetry.IncEventsInvalid()
			slog.Warn("dropping malformed chat message", slog.Int64("room_id", roomID), slog.Any("err", err))
			return
		}
		if h.OnMessage != nil {
			h.OnMessage(msg)
		}
	case eventUserBanned, eventUserUnbanned:
		kind := chat.ModerationBan
		if env.Event == eventUserUnbanned {
			kind = chat.ModerationUnban
		}
		ev, err := parseModeration(env.Data, kind)
		if err != nil {
			telemetry.IncEventsInvalid()
			slog.Warn("dropping malformed moderation event", slog.Int64("room_id", roomID), slog.Any("err", err))
			return
		}
		if h.OnModeration != nil {
			h.OnModeration(ev)
		}
	case eventMessageDeleted:
		id, err := parseDeletion(env.Data)
		if err != nil {
			telemetry.IncEventsInvalid()
			slog.Warn("dropping malformed deletion event", slog.Int64("room_id", roomID), slog.Any("err", err))
			return
		}
		if h.OnDeleted != nil {
			h.OnDeleted(id)
		}
	}
}

// writeEnvelope serializes writes; gorilla connections allow one concurrent
// writer.
func (c *Client) writeEnvelope(env envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("broker not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	return c.conn.WriteJSON(env)
}

func mustPayload(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err) // payload types are marshal-safe
	}
	return string(b)
}
