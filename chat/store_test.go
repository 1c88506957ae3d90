package chat

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

// fakeClock is a settable time source for store tests.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func userMsg(id, username, content string) Message {
	return Message{
		ID:      id,
		Content: content,
		Sender:  Sender{User: User{Username: username}},
		Type:    MessageTypeUser,
	}
}

func newTestStore(clock *fakeClock, limit int) *Store {
	return NewStore(WithBufferLimit(limit), WithClock(clock.now))
}

func TestIngestBufferTrim(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock, 5)
	s.AddSession("testch", 42, User{Username: "testch"}, false)

	for i := 0; i < 8; i++ {
		if err := s.Ingest(42, []Message{userMsg(fmt.Sprintf("m%d", i), "alice", "hi")}); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	msgs, err := s.Messages(42)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("buffer len = %d, want 5", len(msgs))
	}
	// Oldest evicted first; newest retained.
	if msgs[0].ID != "m3" || msgs[4].ID != "m7" {
		t.Errorf("expected window m3..m7, got %s..%s", msgs[0].ID, msgs[4].ID)
	}
}

func TestIngestUnknownRoom(t *testing.T) {
	s := newTestStore(newFakeClock(), 10)
	if err := s.Ingest(99, []Message{userMsg("m1", "alice", "hi")}); !errors.Is(err, ErrUnknownRoom) {
		t.Fatalf("expected ErrUnknownRoom, got %v", err)
	}
	// Empty batch against an unknown room is fine: nothing to do.
	if err := s.Ingest(99, nil); err != nil {
		t.Fatalf("empty batch should be a no-op, got %v", err)
	}
}

func TestApplyModerationBanOverlay(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock, 50)
	s.AddSession("testch", 42, User{Username: "testch"}, true)

	batch := []Message{
		userMsg("m1", "troll", "spam"),
		userMsg("m2", "alice", "hello"),
		userMsg("m3", "troll", "more spam"),
	}
	if err := s.Ingest(42, batch); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	ev := ModerationEvent{
		ID:        "ev1",
		Kind:      ModerationBan,
		Target:    User{Username: "troll"},
		Actor:     User{Username: "modzilla"},
		Permanent: true,
	}
	if err := s.ApplyModeration(42, ev); err != nil {
		t.Fatalf("apply moderation: %v", err)
	}

	msgs, _ := s.Messages(42)
	if len(msgs) != 4 {
		t.Fatalf("expected 3 messages + notice, got %d", len(msgs))
	}
	for _, m := range msgs[:3] {
		want := m.Sender.Username == "troll"
		if m.Deleted != want {
			t.Errorf("message %s deleted = %v, want %v", m.ID, m.Deleted, want)
		}
	}
	notice := msgs[3]
	if notice.Type != MessageTypeSystem {
		t.Errorf("notice type = %s, want system", notice.Type)
	}
	if want := "troll was permanently banned by modzilla"; notice.Content != want {
		t.Errorf("notice content = %q, want %q", notice.Content, want)
	}
}

func TestApplyModerationTimeoutNotice(t *testing.T) {
	s := newTestStore(newFakeClock(), 50)
	s.AddSession("testch", 42, User{Username: "testch"}, true)

	ev := ModerationEvent{
		Kind:     ModerationBan,
		Target:   User{Username: "troll"},
		Duration: 10 * time.Minute,
	}
	if err := s.ApplyModeration(42, ev); err != nil {
		t.Fatalf("apply moderation: %v", err)
	}
	msgs, _ := s.Messages(42)
	if want := "troll was timed out for 10 minutes by a moderator"; msgs[0].Content != want {
		t.Errorf("notice = %q, want %q", msgs[0].Content, want)
	}
}

func TestUnbanDoesNotRestoreMessages(t *testing.T) {
	s := newTestStore(newFakeClock(), 50)
	s.AddSession("testch", 42, User{Username: "testch"}, true)

	if err := s.Ingest(42, []Message{userMsg("m1", "troll", "spam")}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	ban := ModerationEvent{Kind: ModerationBan, Target: User{Username: "troll"}, Permanent: true}
	if err := s.ApplyModeration(42, ban); err != nil {
		t.Fatalf("ban: %v", err)
	}
	unban := ModerationEvent{Kind: ModerationUnban, Target: User{Username: "troll"}, Permanent: true}
	if err := s.ApplyModeration(42, unban); err != nil {
		t.Fatalf("unban: %v", err)
	}

	msgs, _ := s.Messages(42)
	if !msgs[0].Deleted {
		t.Error("unban must not restore deleted messages")
	}
	// Ban + unban leave two system notices behind the original message.
	if len(msgs) != 3 {
		t.Errorf("expected 3 buffered entries, got %d", len(msgs))
	}
}

func TestApplyDeletion(t *testing.T) {
	s := newTestStore(newFakeClock(), 50)
	s.AddSession("testch", 42, User{Username: "testch"}, false)
	if err := s.Ingest(42, []Message{userMsg("m1", "alice", "oops"), userMsg("m2", "bob", "hi")}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if err := s.ApplyDeletion(42, "m1"); err != nil {
		t.Fatalf("apply deletion: %v", err)
	}
	msgs, _ := s.Messages(42)
	if !msgs[0].Deleted || msgs[1].Deleted {
		t.Errorf("expected only m1 deleted, got m1=%v m2=%v", msgs[0].Deleted, msgs[1].Deleted)
	}

	// Unknown id: message already evicted, not an error.
	if err := s.ApplyDeletion(42, "gone"); err != nil {
		t.Errorf("deletion miss should be a no-op, got %v", err)
	}
	if err := s.ApplyDeletion(99, "m1"); !errors.Is(err, ErrUnknownRoom) {
		t.Errorf("expected ErrUnknownRoom, got %v", err)
	}
}

func TestActiveChatterWindow(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock, 50)
	s.AddSession("testch", 42, User{Username: "testch"}, false)

	if err := s.Ingest(42, []Message{userMsg("m1", "alice", "hi"), userMsg("m2", "bob", "yo")}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	clock.advance(6 * time.Minute)
	if err := s.Ingest(42, []Message{userMsg("m3", "alice", "again")}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	clock.advance(5 * time.Minute)

	// bob's last activity is 11m old, alice's 5m.
	n, err := s.ActiveChatterCount(42, 0)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("active chatters = %d, want 1", n)
	}

	// A wider window still sees bob.
	n, _ = s.ActiveChatterCount(42, 30*time.Minute)
	if n != 2 {
		t.Errorf("active chatters (30m) = %d, want 2", n)
	}
}

func TestPruneActiveChatters(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock, 50)
	s.AddSession("testch", 42, User{Username: "testch"}, false)

	if err := s.Ingest(42, []Message{userMsg("m1", "alice", "hi")}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	clock.advance(11 * time.Minute)
	s.PruneActiveChatters(DefaultChatterWindow)

	// After pruning, a generous window no longer finds alice.
	n, _ := s.ActiveChatterCount(42, time.Hour)
	if n != 0 {
		t.Errorf("expected pruned map, got %d chatters", n)
	}
}

func TestEmptySenderStillBuffered(t *testing.T) {
	s := newTestStore(newFakeClock(), 50)
	s.AddSession("testch", 42, User{Username: "testch"}, false)

	if err := s.Ingest(42, []Message{{ID: "m1", Content: "anonymous"}}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	msgs, _ := s.Messages(42)
	if len(msgs) != 1 {
		t.Fatalf("malformed message should still be buffered, got %d", len(msgs))
	}
	n, _ := s.ActiveChatterCount(42, 0)
	if n != 0 {
		t.Errorf("empty sender must not count as a chatter, got %d", n)
	}
}

func TestMessageHook(t *testing.T) {
	s := newTestStore(newFakeClock(), 50)
	s.AddSession("testch", 42, User{Username: "testch"}, false)

	var seen []string
	s.OnMessage(func(roomID int64, msg Message) {
		seen = append(seen, fmt.Sprintf("%d:%s", roomID, msg.ID))
	})

	if err := s.Ingest(42, []Message{userMsg("m1", "alice", "hi"), userMsg("m2", "bob", "yo")}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(seen) != 2 || seen[0] != "42:m1" || seen[1] != "42:m2" {
		t.Errorf("hook calls = %v, want [42:m1 42:m2]", seen)
	}
}

func TestWatchDeliversBatches(t *testing.T) {
	s := newTestStore(newFakeClock(), 50)
	s.AddSession("testch", 42, User{Username: "testch"}, false)

	ch, cancel, err := s.Watch(42)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer cancel()

	batch := []Message{userMsg("m1", "alice", "hi")}
	if err := s.Ingest(42, batch); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	select {
	case got := <-ch:
		if len(got) != 1 || got[0].ID != "m1" {
			t.Errorf("watched batch = %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no batch delivered to watcher")
	}
}

func TestWatchClosedOnSessionRemoval(t *testing.T) {
	s := newTestStore(newFakeClock(), 50)
	s.AddSession("testch", 42, User{Username: "testch"}, false)

	ch, cancel, err := s.Watch(42)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer cancel()

	s.RemoveSession(42)
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel, got a batch")
		}
	case <-time.After(time.Second):
		t.Fatal("watcher channel not closed on session removal")
	}
}

func TestWatchUnknownRoom(t *testing.T) {
	s := newTestStore(newFakeClock(), 50)
	if _, _, err := s.Watch(99); !errors.Is(err, ErrUnknownRoom) {
		t.Fatalf("expected ErrUnknownRoom, got %v", err)
	}
}

func TestReAddSessionKeepsBuffer(t *testing.T) {
	s := newTestStore(newFakeClock(), 50)
	s.AddSession("testch", 42, User{Username: "testch"}, false)
	if err := s.Ingest(42, []Message{userMsg("m1", "alice", "hi")}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	s.AddSession("testch", 42, User{Username: "testch"}, true)
	info, err := s.Session(42)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if info.State != StateConnecting {
		t.Errorf("state = %s, want connecting", info.State)
	}
	if !info.IsModerator {
		t.Error("re-add should update moderator flag")
	}
	if info.BufferLen != 1 {
		t.Errorf("buffer should survive re-add, len = %d", info.BufferLen)
	}
}

func TestSessionsSortedBySlug(t *testing.T) {
	s := newTestStore(newFakeClock(), 50)
	s.AddSession("zebra", 2, User{}, false)
	s.AddSession("alpha", 1, User{}, false)

	infos := s.Sessions()
	if len(infos) != 2 || infos[0].Slug != "alpha" || infos[1].Slug != "zebra" {
		t.Errorf("sessions not sorted by slug: %v", infos)
	}
}

func TestSetAllStates(t *testing.T) {
	s := newTestStore(newFakeClock(), 50)
	s.AddSession("a", 1, User{}, false)
	s.AddSession("b", 2, User{}, false)

	s.SetAllStates(StateDisconnected)
	for _, info := range s.Sessions() {
		if info.State != StateDisconnected {
			t.Errorf("session %s state = %s, want disconnected", info.Slug, info.State)
		}
	}
}
