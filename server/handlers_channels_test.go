package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chataroo/backend/chat"
	"github.com/chataroo/backend/giveaway"
	"github.com/chataroo/backend/kickapi"
)

// stubTransport keeps handlers so tests can feed broker events into sessions.
type stubTransport struct {
	mu       sync.Mutex
	handlers map[int64]chat.TransportHandlers
}

func (s *stubTransport) Subscribe(roomID int64, h chat.TransportHandlers) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers == nil {
		s.handlers = make(map[int64]chat.TransportHandlers)
	}
	s.handlers[roomID] = h
	return nil
}

func (s *stubTransport) Unsubscribe(roomID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, roomID)
}

func (s *stubTransport) OnConnectionChange(func(bool)) {}

type stubDirectory struct{}

func (stubDirectory) ResolveChannel(_ context.Context, slug string) (chat.ChannelDetails, error) {
	if slug != "testch" {
		return chat.ChannelDetails{}, &kickapi.APIError{Status: http.StatusNotFound, Body: "not found"}
	}
	return chat.ChannelDetails{
		RoomID:      42,
		Slug:        "testch",
		Broadcaster: chat.User{ID: 7, Username: "TestCh", Slug: "testch"},
		IsLive:      true,
	}, nil
}

func (stubDirectory) IsModerator(context.Context, string) (bool, error) { return true, nil }

type stubSender struct {
	mu   sync.Mutex
	err  error // returned on every call
	once error // returned for one call, then cleared
	got  []string
}

func (s *stubSender) Send(_ context.Context, _ int64, content string, _ *chat.OutboundReply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.once != nil {
		err := s.once
		s.once = nil
		return err
	}
	if s.err != nil {
		return s.err
	}
	s.got = append(s.got, content)
	return nil
}

type testEnv struct {
	h         *Handlers
	store     *chat.Store
	manager   *chat.Manager
	transport *stubTransport
	sender    *stubSender
	giveaways *giveaway.Tracker
	cancel    context.CancelFunc
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := chat.NewStore()
	transport := &stubTransport{}
	sender := &stubSender{}
	limiter := chat.NewRateLimiter(ctx, 1000)
	manager := chat.NewManager(store, transport, stubDirectory{}, chat.WithSender(sender, limiter))
	giveaways := giveaway.NewTracker()
	store.OnMessage(giveaways.Hook)

	h := NewHandlers(ctx, Deps{
		Store:     store,
		Manager:   manager,
		Giveaways: giveaways,
	})
	return &testEnv{h: h, store: store, manager: manager, transport: transport, sender: sender, giveaways: giveaways, cancel: cancel}
}

func (e *testEnv) connect(t *testing.T) {
	t.Helper()
	if _, err := e.manager.Connect(context.Background(), "testch"); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHandleChannelsConnect(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/channels", strings.NewReader(`{"slug": "testch"}`))
	env.h.HandleChannels(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var info chat.SessionInfo
	decodeBody(t, rec, &info)
	if info.Slug != "testch" || info.RoomID != 42 || info.State != chat.StateSubscribed {
		t.Errorf("info = %+v", info)
	}
}

func TestHandleChannelsConnectUnknown(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/channels", strings.NewReader(`{"slug": "nosuch"}`))
	env.h.HandleChannels(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/channels", strings.NewReader(`{}`))
	env.h.HandleChannels(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for missing slug", rec.Code)
	}
}

func TestHandleChannelsList(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)

	rec := httptest.NewRecorder()
	env.h.HandleChannels(rec, httptest.NewRequest(http.MethodGet, "/channels", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var infos []chat.SessionInfo
	decodeBody(t, rec, &infos)
	if len(infos) != 1 || infos[0].Slug != "testch" {
		t.Errorf("infos = %v", infos)
	}
}

func TestHandleMessagesSnapshotAndLimit(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)

	batch := make([]chat.Message, 0, 5)
	for _, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
		batch = append(batch, chat.Message{ID: id, Sender: chat.Sender{User: chat.User{Username: "alice"}}})
	}
	if err := env.store.Ingest(42, batch); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	rec := httptest.NewRecorder()
	env.h.HandleChannelDispatcher(rec, httptest.NewRequest(http.MethodGet, "/channels/testch/messages?limit=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var msgs []chat.Message
	decodeBody(t, rec, &msgs)
	if len(msgs) != 2 || msgs[0].ID != "m4" || msgs[1].ID != "m5" {
		t.Errorf("limited snapshot = %v, want newest two", msgs)
	}
}

func TestHandleMessagesNotConnected(t *testing.T) {
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.h.HandleChannelDispatcher(rec, httptest.NewRequest(http.MethodGet, "/channels/testch/messages", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unconnected channel", rec.Code)
	}
}

func TestHandleSend(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/channels/testch/messages", strings.NewReader(`{"content": "hello chat"}`))
	env.h.HandleChannelDispatcher(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(env.sender.got) != 1 || env.sender.got[0] != "hello chat" {
		t.Errorf("sends = %v", env.sender.got)
	}
}

func TestHandleSendRateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)
	env.sender.err = &chat.RateLimitedError{RetryAfter: time.Second}

	// The limiter retries 429s internally, so exhaust it via caller timeout.
	rec := httptest.NewRecorder()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/channels/testch/messages", strings.NewReader(`{"content": "hello"}`)).WithContext(ctx)
	env.h.HandleChannelDispatcher(rec, req)
	if rec.Code == http.StatusAccepted {
		t.Errorf("rate limited send must not report success, got %d", rec.Code)
	}
}

// A 429 from the platform is absorbed by the send limiter's retry loop; the
// caller sees success once the retry lands, never a 429 of its own.
func TestHandleSendRetriesRateLimit(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)
	env.sender.once = &chat.RateLimitedError{RetryAfter: time.Millisecond}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/channels/testch/messages", strings.NewReader(`{"content": "hello"}`))
	env.h.HandleChannelDispatcher(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s; want 202 after internal retry", rec.Code, rec.Body.String())
	}
	if len(env.sender.got) != 1 || env.sender.got[0] != "hello" {
		t.Errorf("sends = %v", env.sender.got)
	}
}

func TestHandleSendFailure(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)
	env.sender.err = errors.New("api down")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/channels/testch/messages", strings.NewReader(`{"content": "hello"}`))
	env.h.HandleChannelDispatcher(rec, req)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestHandleAnalyticsAndChatters(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)
	if err := env.store.Ingest(42, []chat.Message{
		{ID: "m1", Content: "[emote:5:Kappa]", Sender: chat.Sender{User: chat.User{Username: "alice"}}},
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	rec := httptest.NewRecorder()
	env.h.HandleChannelDispatcher(rec, httptest.NewRequest(http.MethodGet, "/channels/testch/analytics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("analytics status = %d", rec.Code)
	}
	var snap chat.AnalyticsSnapshot
	decodeBody(t, rec, &snap)
	if snap.TotalMessages != 1 || snap.EmoteCounts["kick:5:Kappa"].Count != 1 {
		t.Errorf("snapshot = %+v", snap)
	}

	rec = httptest.NewRecorder()
	env.h.HandleChannelDispatcher(rec, httptest.NewRequest(http.MethodGet, "/channels/testch/chatters?window=30m", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("chatters status = %d", rec.Code)
	}
	var out map[string]any
	decodeBody(t, rec, &out)
	if out["active_chatters"] != float64(1) || out["window"] != "30m0s" {
		t.Errorf("chatters = %v", out)
	}

	rec = httptest.NewRecorder()
	env.h.HandleChannelDispatcher(rec, httptest.NewRequest(http.MethodGet, "/channels/testch/chatters?window=banana", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad window status = %d, want 400", rec.Code)
	}
}

func TestHandleDisconnect(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)

	rec := httptest.NewRecorder()
	env.h.HandleChannelDispatcher(rec, httptest.NewRequest(http.MethodDelete, "/channels/testch", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(env.store.Sessions()) != 0 {
		t.Error("session still present after disconnect")
	}
}

func TestHandleGiveawayFlow(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)

	post := func(path, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		env.h.HandleChannelDispatcher(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
		return rec
	}
	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		env.h.HandleChannelDispatcher(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	// No giveaway yet.
	rec := get("/channels/testch/giveaway")
	var status map[string]any
	decodeBody(t, rec, &status)
	if status["active"] != false {
		t.Errorf("idle status = %v", status)
	}

	if rec := post("/channels/testch/giveaway/start", `{"keyword": "!enter"}`); rec.Code != http.StatusCreated {
		t.Fatalf("start status = %d", rec.Code)
	}
	if rec := post("/channels/testch/giveaway/start", `{"keyword": "!again"}`); rec.Code != http.StatusConflict {
		t.Errorf("duplicate start = %d, want 409", rec.Code)
	}

	// Entries arrive through normal chat ingestion.
	if err := env.store.Ingest(42, []chat.Message{
		{ID: "m1", Content: "!enter", Sender: chat.Sender{User: chat.User{Username: "alice"}}},
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	rec = get("/channels/testch/giveaway/entrants")
	if rec.Code != http.StatusOK {
		t.Fatalf("entrants status = %d", rec.Code)
	}
	var entrants []giveaway.Entrant
	decodeBody(t, rec, &entrants)
	if len(entrants) != 1 || entrants[0].Username != "alice" {
		t.Errorf("entrants = %v", entrants)
	}

	rec = post("/channels/testch/giveaway/winner?remove=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("winner status = %d", rec.Code)
	}
	var winner giveaway.Entrant
	decodeBody(t, rec, &winner)
	if winner.Username != "alice" {
		t.Errorf("winner = %v", winner)
	}

	// Winner was removed; the next draw has no entrants.
	if rec := post("/channels/testch/giveaway/winner", ""); rec.Code != http.StatusConflict {
		t.Errorf("empty draw = %d, want 409", rec.Code)
	}
}

func TestHandleStreamSSE(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)
	if err := env.store.Ingest(42, []chat.Message{
		{ID: "m1", Content: "history", Sender: chat.Sender{User: chat.User{Username: "alice"}}},
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(env.h.HandleChannelDispatcher))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/channels/testch/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		var event, data string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && event != "":
				return event, data
			}
		}
	}

	event, data := readEvent()
	if event != "snapshot" {
		t.Fatalf("first event = %q, want snapshot", event)
	}
	var snapshot []chat.Message
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snapshot) != 1 || snapshot[0].ID != "m1" {
		t.Errorf("snapshot = %v", snapshot)
	}

	// A live batch follows.
	if err := env.store.Ingest(42, []chat.Message{
		{ID: "m2", Content: "live", Sender: chat.Sender{User: chat.User{Username: "bob"}}},
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	event, data = readEvent()
	if event != "messages" {
		t.Fatalf("second event = %q, want messages", event)
	}
	var batch []chat.Message
	if err := json.Unmarshal([]byte(data), &batch); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != "m2" {
		t.Errorf("batch = %v", batch)
	}
}
