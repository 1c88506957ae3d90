package chat

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chataroo/backend/telemetry"
)

// ErrUnknownRoom is returned for operations against a room id with no session.
// Callers hitting this have a wiring bug (operating on a room they never
// connected); transport-delivered events for a just-removed room are the one
// benign case and are handled by the manager.
var ErrUnknownRoom = errors.New("chat: unknown room")

const (
	// DefaultBufferLimit caps the per-channel message buffer. Eviction is
	// FIFO from the head; the analytics accumulator is unaffected.
	DefaultBufferLimit = 500
	// DefaultChatterWindow is the trailing recency window for the active
	// chatter count.
	DefaultChatterWindow = 10 * time.Minute
)

// SessionState tracks a channel's lifecycle. Subscribed is re-entered
// automatically when the transport reconnects; Removed is terminal.
type SessionState string

const (
	StateConnecting   SessionState = "connecting"
	StateSubscribed   SessionState = "subscribed"
	StateDisconnected SessionState = "disconnected"
	StateRemoved      SessionState = "removed"
)

// session is one connected chat room. All access goes through the store's
// lock; nothing here is exported.
type session struct {
	slug        string
	roomID      int64
	broadcaster User

	state          SessionState
	isModerator    bool
	isLive         bool
	viewerCount    int
	followerCount  int
	buffer         []Message
	activeChatters map[string]time.Time
	analytics      *Analytics
	watchers       map[int]chan []Message
	nextWatcher    int
}

// SessionInfo is the read model for one connected channel.
type SessionInfo struct {
	Slug          string       `json:"slug"`
	RoomID        int64        `json:"room_id"`
	Broadcaster   User         `json:"broadcaster"`
	State         SessionState `json:"state"`
	IsModerator   bool         `json:"is_moderator"`
	IsLive        bool         `json:"is_live"`
	ViewerCount   int          `json:"viewer_count"`
	FollowerCount int          `json:"follower_count"`
	BufferLen     int          `json:"buffer_len"`
}

// MessageHook observes every ingested message. Used to feed giveaway keyword
// matching without the store owning giveaway state.
type MessageHook func(roomID int64, msg Message)

// Store is the aggregate root for per-channel chat state: bounded message
// buffers with moderation overlays, active-chatter recency maps, and
// incremental analytics. All mutation funnels through Ingest, ApplyModeration,
// ApplyDeletion, and PruneActiveChatters; reads return copies.
type Store struct {
	mu          sync.Mutex
	sessions    map[int64]*session
	emoteLookup map[string]EmoteRef
	hooks       []MessageHook

	bufferLimit int
	now         func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithBufferLimit overrides the per-channel buffer cap.
func WithBufferLimit(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.bufferLimit = n
		}
	}
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore returns an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		sessions:    make(map[int64]*session),
		bufferLimit: DefaultBufferLimit,
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnMessage registers a hook invoked once per ingested message, after the
// message is buffered. Hooks run under the store lock and must not call back
// into the store.
func (s *Store) OnMessage(h MessageHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

// SetEmoteLookup replaces the third-party emote lookup map consumed by the
// analytics pass. The map is read-only after this call.
func (s *Store) SetEmoteLookup(m map[string]EmoteRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emoteLookup = m
}

// AddSession registers a connected channel. Re-adding an existing room id
// resets its state to Connecting but keeps buffer and analytics (subscriptions
// survive transport reconnects; channel state is not recreated).
func (s *Store) AddSession(slug string, roomID int64, broadcaster User, isModerator bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[roomID]; ok {
		sess.state = StateConnecting
		sess.isModerator = isModerator
		return
	}
	s.sessions[roomID] = &session{
		slug:           slug,
		roomID:         roomID,
		broadcaster:    broadcaster,
		state:          StateConnecting,
		isModerator:    isModerator,
		activeChatters: make(map[string]time.Time),
		analytics:      newAnalytics(s.now()),
		watchers:       make(map[int]chan []Message),
	}
	telemetry.SetConnectedChannels(len(s.sessions))
}

// RemoveSession tears down a channel. Terminal: buffer, chatter map, and
// analytics are discarded and watchers are closed.
func (s *Store) RemoveSession(roomID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[roomID]
	if !ok {
		return
	}
	sess.state = StateRemoved
	for _, w := range sess.watchers {
		close(w)
	}
	delete(s.sessions, roomID)
	telemetry.SetConnectedChannels(len(s.sessions))
}

// SetState transitions a session's lifecycle state. Unknown rooms are ignored.
func (s *Store) SetState(roomID int64, state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[roomID]; ok {
		sess.state = state
	}
}

// SetAllStates transitions every session, used on transport-wide up/down.
func (s *Store) SetAllStates(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.state = state
	}
}

// SetLiveStatus records poll results for a channel.
func (s *Store) SetLiveStatus(roomID int64, isLive bool, viewerCount, followerCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[roomID]; ok {
		sess.isLive = isLive
		sess.viewerCount = viewerCount
		sess.followerCount = followerCount
	}
}

// Ingest appends a batch to the channel's buffer in order and runs the
// per-message pipeline exactly once per message: buffer trim, chatter recency,
// analytics, hooks. Malformed messages (empty sender username) are still
// buffered; only the chatter/analytics updates are skipped for them.
func (s *Store) Ingest(roomID int64, batch []Message) error {
	if len(batch) == 0 {
		return nil
	}
	s.mu.Lock()
	sess, ok := s.sessions[roomID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownRoom
	}
	now := s.now()

	sess.buffer = append(sess.buffer, batch...)
	if evicted := len(sess.buffer) - s.bufferLimit; evicted > 0 {
		sess.buffer = sess.buffer[evicted:]
		telemetry.AddBufferEvictions(evicted)
	}

	for i := range batch {
		msg := &batch[i]
		if u := msg.Sender.Username; u != "" {
			sess.activeChatters[u] = now
		}
		sess.analytics.record(*msg, s.emoteLookup)
	}
	telemetry.AddMessagesIngested(len(batch))
	telemetry.ObserveBatchSize(len(batch))

	hooks := s.hooks
	for i := range batch {
		for _, h := range hooks {
			h(roomID, batch[i])
		}
	}

	s.notifyLocked(sess, batch)
	s.mu.Unlock()
	return nil
}

// ApplyModeration reconciles a ban/unban event against the channel: it
// appends a synthesized system notice (subject to the same eviction rule) and,
// for bans only, marks every buffered message from the target user deleted.
// Unban never reverses deletions; moderation history is append-only.
func (s *Store) ApplyModeration(roomID int64, event ModerationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[roomID]
	if !ok {
		return ErrUnknownRoom
	}
	if event.Kind == ModerationBan {
		for i := range sess.buffer {
			if sess.buffer[i].Sender.Username == event.Target.Username {
				sess.buffer[i].Deleted = true
			}
		}
	}
	notice := event.SystemMessage(sess.broadcaster, s.now())
	sess.buffer = append(sess.buffer, notice)
	if evicted := len(sess.buffer) - s.bufferLimit; evicted > 0 {
		sess.buffer = sess.buffer[evicted:]
		telemetry.AddBufferEvictions(evicted)
	}
	telemetry.IncModerationEvents(string(event.Kind))
	s.notifyLocked(sess, []Message{notice})
	return nil
}

// ApplyDeletion marks the buffered message with the given id deleted. A miss
// means the message was already evicted; that is a no-op, not an error.
func (s *Store) ApplyDeletion(roomID int64, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[roomID]
	if !ok {
		return ErrUnknownRoom
	}
	for i := range sess.buffer {
		if sess.buffer[i].ID == messageID {
			sess.buffer[i].Deleted = true
			return nil
		}
	}
	return nil
}

// ActiveChatterCount counts usernames whose last activity falls within the
// trailing window. Pure read; pass 0 for the default window.
func (s *Store) ActiveChatterCount(roomID int64, window time.Duration) (int, error) {
	if window <= 0 {
		window = DefaultChatterWindow
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[roomID]
	if !ok {
		return 0, ErrUnknownRoom
	}
	cutoff := s.now().Add(-window)
	n := 0
	for _, last := range sess.activeChatters {
		if last.After(cutoff) {
			n++
		}
	}
	return n, nil
}

// PruneActiveChatters drops entries older than the window from every
// channel's recency map. This is the only place entries are removed, keeping
// map size bounded by recent unique chatters over a long session.
func (s *Store) PruneActiveChatters(window time.Duration) {
	if window <= 0 {
		window = DefaultChatterWindow
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-window)
	for _, sess := range s.sessions {
		for u, last := range sess.activeChatters {
			if !last.After(cutoff) {
				delete(sess.activeChatters, u)
			}
		}
	}
}

// Messages returns a copy of the channel's buffer, oldest first.
func (s *Store) Messages(roomID int64) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[roomID]
	if !ok {
		return nil, ErrUnknownRoom
	}
	out := make([]Message, len(sess.buffer))
	copy(out, sess.buffer)
	return out, nil
}

// Analytics returns a copy of the channel's session accumulator.
func (s *Store) Analytics(roomID int64) (AnalyticsSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[roomID]
	if !ok {
		return AnalyticsSnapshot{}, ErrUnknownRoom
	}
	return sess.analytics.snapshot(), nil
}

// Session returns the read model for one channel.
func (s *Store) Session(roomID int64) (SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[roomID]
	if !ok {
		return SessionInfo{}, ErrUnknownRoom
	}
	return infoOf(sess), nil
}

// Sessions lists every connected channel, ordered by slug for stable output.
func (s *Store) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, infoOf(sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// RoomIDs lists the connected room ids.
func (s *Store) RoomIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}

// Watch subscribes to live message batches for a room, for streaming reads
// (SSE). The returned channel receives copies of each ingested batch and is
// closed on cancel or session removal. Slow consumers are skipped rather than
// blocking ingestion.
func (s *Store) Watch(roomID int64) (<-chan []Message, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[roomID]
	if !ok {
		return nil, nil, ErrUnknownRoom
	}
	id := sess.nextWatcher
	sess.nextWatcher++
	ch := make(chan []Message, 16)
	sess.watchers[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.sessions[roomID]; ok {
			if w, ok := cur.watchers[id]; ok {
				delete(cur.watchers, id)
				close(w)
			}
		}
	}
	return ch, cancel, nil
}

func (s *Store) notifyLocked(sess *session, batch []Message) {
	if len(sess.watchers) == 0 {
		return
	}
	out := make([]Message, len(batch))
	copy(out, batch)
	for id, w := range sess.watchers {
		select {
		case w <- out:
		default:
			slog.Debug("dropping batch for slow watcher",
				slog.String("slug", sess.slug), slog.Int("watcher", id), slog.String("component", "chat_store"))
		}
	}
}

func infoOf(sess *session) SessionInfo {
	return SessionInfo{
		Slug:          sess.slug,
		RoomID:        sess.roomID,
		Broadcaster:   sess.broadcaster,
		State:         sess.state,
		IsModerator:   sess.isModerator,
		IsLive:        sess.isLive,
		ViewerCount:   sess.viewerCount,
		FollowerCount: sess.followerCount,
		BufferLen:     len(sess.buffer),
	}
}
