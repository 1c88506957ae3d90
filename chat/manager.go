package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chataroo/backend/telemetry"
)

const (
	// DefaultPruneInterval drives the periodic active-chatter sweep.
	DefaultPruneInterval = time.Minute
	// DefaultPollInterval drives live-status refreshes for connected channels.
	DefaultPollInterval = 30 * time.Second
)

// TransportHandlers are the per-room callbacks a transport delivers into.
// Subscribing a room again replaces its handlers.
type TransportHandlers struct {
	OnMessage    func(Message)
	OnModeration func(ModerationEvent)
	OnDeleted    func(messageID string)
}

// Transport is the realtime broker connection the manager drives.
type Transport interface {
	Subscribe(roomID int64, h TransportHandlers) error
	Unsubscribe(roomID int64)
	OnConnectionChange(fn func(connected bool))
}

// ChannelDetails is what the platform API resolves a slug to.
type ChannelDetails struct {
	RoomID        int64
	Slug          string
	Broadcaster   User
	IsLive        bool
	ViewerCount   int
	FollowerCount int
}

// ChannelDirectory resolves channels against the platform API.
type ChannelDirectory interface {
	ResolveChannel(ctx context.Context, slug string) (ChannelDetails, error)
	IsModerator(ctx context.Context, slug string) (bool, error)
}

// EmoteSource builds the third-party emote lookup for a broadcaster.
type EmoteSource interface {
	BuildLookup(ctx context.Context, broadcasterID int64) map[string]EmoteRef
}

// OutboundReply threads an outbound message onto an existing one.
type OutboundReply struct {
	MessageID      string `json:"message_id"`
	MessageContent string `json:"message_content"`
	SenderID       int64  `json:"sender_id"`
	SenderUsername string `json:"sender_username"`
}

// MessageSender posts an outbound chat message to a chatroom.
type MessageSender interface {
	Send(ctx context.Context, roomID int64, content string, reply *OutboundReply) error
}

// Manager owns session lifecycle: it resolves slugs, subscribes rooms on the
// transport, batches inbound messages into the store, applies moderation
// overlays in arrival order, and serializes outbound sends through the rate
// limiter. One Manager serves all connected channels.
type Manager struct {
	store     *Store
	transport Transport
	directory ChannelDirectory
	emotes    EmoteSource
	sender    MessageSender
	limiter   *RateLimiter

	pruneInterval time.Duration
	pollInterval  time.Duration

	mu       sync.Mutex
	batchers map[int64]*Batcher[Message]
	rooms    map[string]int64              // slug -> room id
	pending  map[string]chan struct{}      // slug -> in-flight connect
	lookups  map[int64]map[string]EmoteRef // room id -> its third-party set
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithPruneInterval overrides the active-chatter sweep cadence.
func WithPruneInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.pruneInterval = d
		}
	}
}

// WithPollInterval overrides the live-status refresh cadence.
func WithPollInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithEmoteSource wires third-party emote lookups into session analytics.
func WithEmoteSource(src EmoteSource) ManagerOption {
	return func(m *Manager) { m.emotes = src }
}

// WithSender wires the outbound send path. Without it Send returns an error.
func WithSender(sender MessageSender, limiter *RateLimiter) ManagerOption {
	return func(m *Manager) {
		m.sender = sender
		m.limiter = limiter
	}
}

// NewManager wires a manager over its store, transport, and channel
// directory.
func NewManager(store *Store, transport Transport, directory ChannelDirectory, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:         store,
		transport:     transport,
		directory:     directory,
		pruneInterval: DefaultPruneInterval,
		pollInterval:  DefaultPollInterval,
		batchers:      make(map[int64]*Batcher[Message]),
		rooms:         make(map[string]int64),
		pending:       make(map[string]chan struct{}),
		lookups:       make(map[int64]map[string]EmoteRef),
	}
	for _, o := range opts {
		o(m)
	}
	transport.OnConnectionChange(m.onConnectionChange)
	return m
}

// Connect establishes a chat session for a channel slug. Connecting an
// already-connected slug is idempotent and returns the existing session.
func (m *Manager) Connect(ctx context.Context, slug string) (SessionInfo, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return SessionInfo{}, fmt.Errorf("channel slug empty")
	}

	// One connect per slug at a time: concurrent callers wait for the
	// in-flight attempt and then share its session.
	m.mu.Lock()
	for {
		if roomID, ok := m.rooms[slug]; ok {
			m.mu.Unlock()
			return m.store.Session(roomID)
		}
		inflight, ok := m.pending[slug]
		if !ok {
			break
		}
		m.mu.Unlock()
		select {
		case <-inflight:
		case <-ctx.Done():
			return SessionInfo{}, ctx.Err()
		}
		m.mu.Lock()
	}
	done := make(chan struct{})
	m.pending[slug] = done
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, slug)
		m.mu.Unlock()
		close(done)
	}()

	details, err := m.directory.ResolveChannel(ctx, slug)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("resolve channel %s: %w", slug, err)
	}
	roomID := details.RoomID

	isMod, err := m.directory.IsModerator(ctx, details.Slug)
	if err != nil {
		slog.Debug("moderator lookup failed, assuming viewer",
			slog.String("slug", details.Slug), slog.Any("err", err))
		isMod = false
	}

	m.store.AddSession(details.Slug, roomID, details.Broadcaster, isMod)
	m.store.SetLiveStatus(roomID, details.IsLive, details.ViewerCount, details.FollowerCount)

	batcher := NewBatcher(func(batch []Message) {
		if err := m.store.Ingest(roomID, batch); err != nil && !errors.Is(err, ErrUnknownRoom) {
			slog.Error("batch ingest failed", slog.Int64("room_id", roomID), slog.Any("err", err))
		}
		telemetry.IncBatchesFlushed()
	}, DefaultMaxBatchSize, DefaultMaxWait)

	// Moderation and deletion events flush the pending batch first so the
	// overlay sees every message that arrived before it.
	handlers := TransportHandlers{
		OnMessage: batcher.Add,
		OnModeration: func(ev ModerationEvent) {
			batcher.Foreground()
			if err := m.store.ApplyModeration(roomID, ev); err != nil && !errors.Is(err, ErrUnknownRoom) {
				slog.Error("moderation apply failed", slog.Int64("room_id", roomID), slog.Any("err", err))
			}
		},
		OnDeleted: func(messageID string) {
			batcher.Foreground()
			if err := m.store.ApplyDeletion(roomID, messageID); err != nil && !errors.Is(err, ErrUnknownRoom) {
				slog.Error("deletion apply failed", slog.Int64("room_id", roomID), slog.Any("err", err))
			}
		},
	}
	if err := m.transport.Subscribe(roomID, handlers); err != nil {
		batcher.Close()
		m.store.RemoveSession(roomID)
		return SessionInfo{}, fmt.Errorf("subscribe room %d: %w", roomID, err)
	}

	m.mu.Lock()
	m.batchers[roomID] = batcher
	m.rooms[details.Slug] = roomID
	if slug != details.Slug {
		m.rooms[slug] = roomID // requested alias, e.g. the underscore form
	}
	m.mu.Unlock()

	m.store.SetState(roomID, StateSubscribed)
	m.refreshEmoteLookup(ctx, roomID, details.Broadcaster.ID)

	slog.Info("channel connected",
		slog.String("slug", details.Slug), slog.Int64("room_id", roomID),
		slog.Bool("moderator", isMod), slog.String("component", "chat_manager"))
	return m.store.Session(roomID)
}

// Disconnect tears a session down: unsubscribes the room, flushes and stops
// its batcher, and discards channel state. Unknown rooms return ErrUnknownRoom.
func (m *Manager) Disconnect(roomID int64) error {
	m.mu.Lock()
	batcher, ok := m.batchers[roomID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownRoom
	}
	delete(m.batchers, roomID)
	for slug, id := range m.rooms {
		if id == roomID {
			delete(m.rooms, slug)
		}
	}
	delete(m.lookups, roomID)
	m.mu.Unlock()

	m.transport.Unsubscribe(roomID)
	batcher.Close()
	m.store.RemoveSession(roomID)
	m.rebuildEmoteLookup()

	slog.Info("channel disconnected", slog.Int64("room_id", roomID), slog.String("component", "chat_manager"))
	return nil
}

// RoomBySlug returns the room id a slug is connected under.
func (m *Manager) RoomBySlug(slug string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.rooms[strings.ToLower(strings.TrimSpace(slug))]
	return id, ok
}

// Send posts a message to a connected room through the rate limiter. Rate
// limit responses are retried inside the limiter; other failures return.
func (m *Manager) Send(ctx context.Context, roomID int64, content string, reply *OutboundReply) error {
	if m.sender == nil || m.limiter == nil {
		return fmt.Errorf("chat: send path not configured")
	}
	err := m.limiter.Execute(ctx, func(ctx context.Context) error {
		var sendErr error
		telemetry.TimeFunc(telemetry.SendDuration, func() {
			sendErr = m.sender.Send(ctx, roomID, content, reply)
		})
		var limited *RateLimitedError
		if errors.As(sendErr, &limited) {
			telemetry.IncSendsRateLimited()
		}
		return sendErr
	})
	if err != nil {
		telemetry.IncSendsFailed()
		return err
	}
	telemetry.IncSendsSucceeded()
	return nil
}

// Run drives the periodic loops (chatter pruning, live-status polling) until
// ctx is cancelled. The transport's own Run is driven by the caller.
func (m *Manager) Run(ctx context.Context) {
	prune := time.NewTicker(m.pruneInterval)
	defer prune.Stop()
	poll := time.NewTicker(m.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-prune.C:
			m.store.PruneActiveChatters(DefaultChatterWindow)
		case <-poll.C:
			m.refreshLiveStatus(ctx)
		}
	}
}

// onConnectionChange mirrors broker state onto every session. Subscriptions
// themselves are replayed by the transport.
func (m *Manager) onConnectionChange(connected bool) {
	if connected {
		m.store.SetAllStates(StateSubscribed)
		return
	}
	m.store.SetAllStates(StateDisconnected)
}

func (m *Manager) refreshLiveStatus(ctx context.Context) {
	for _, info := range m.store.Sessions() {
		details, err := m.directory.ResolveChannel(ctx, info.Slug)
		if err != nil {
			slog.Debug("live status refresh failed", slog.String("slug", info.Slug), slog.Any("err", err))
			continue
		}
		m.store.SetLiveStatus(info.RoomID, details.IsLive, details.ViewerCount, details.FollowerCount)
	}
}

// refreshEmoteLookup merges a newly connected channel's third-party set into
// the store-wide lookup.
func (m *Manager) refreshEmoteLookup(ctx context.Context, roomID, broadcasterID int64) {
	if m.emotes == nil {
		return
	}
	lookup := m.emotes.BuildLookup(ctx, broadcasterID)
	m.mu.Lock()
	m.lookups[roomID] = lookup
	m.mu.Unlock()
	m.rebuildEmoteLookup()
}

func (m *Manager) rebuildEmoteLookup() {
	if m.emotes == nil {
		return
	}
	m.mu.Lock()
	merged := make(map[string]EmoteRef)
	for _, lookup := range m.lookups {
		for name, ref := range lookup {
			merged[name] = ref
		}
	}
	m.mu.Unlock()
	m.store.SetEmoteLookup(merged)
}
