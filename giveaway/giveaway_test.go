package giveaway

import (
	"errors"
	"testing"
	"time"

	"github.com/chataroo/backend/chat"
)

func chatMsg(username, content string) chat.Message {
	return chat.Message{
		ID:      "m-" + username,
		Content: content,
		Sender:  chat.Sender{User: chat.User{Username: username}},
		Type:    chat.MessageTypeUser,
	}
}

func subMsg(username, content string) chat.Message {
	m := chatMsg(username, content)
	m.Sender.Identity.Badges = []chat.Badge{{Type: "subscriber", Text: "Subscriber"}}
	return m
}

func newTestTracker() *Tracker {
	t := NewTracker()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	t.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	return t
}

func TestStartAndStatus(t *testing.T) {
	tr := newTestTracker()

	if err := tr.Start(42, "!enter", false); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := tr.Start(42, "!again", false); !errors.Is(err, ErrActive) {
		t.Fatalf("second start = %v, want ErrActive", err)
	}
	if err := tr.Start(42, "  ", false); err == nil {
		t.Fatal("blank keyword should fail")
	}

	st, err := tr.StatusFor(42)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Keyword != "!enter" || !st.Open || st.EntrantCount != 0 {
		t.Errorf("status = %+v", st)
	}

	if _, err := tr.StatusFor(99); !errors.Is(err, ErrNoGiveaway) {
		t.Errorf("status for idle room = %v, want ErrNoGiveaway", err)
	}
}

func TestHookCollectsEntrants(t *testing.T) {
	tr := newTestTracker()
	if err := tr.Start(42, "!enter", false); err != nil {
		t.Fatalf("start: %v", err)
	}

	tr.Hook(42, chatMsg("alice", "!enter"))
	tr.Hook(42, chatMsg("bob", "  !ENTER  ")) // case and whitespace insensitive
	tr.Hook(42, chatMsg("alice", "!enter"))   // duplicate entry ignored
	tr.Hook(42, chatMsg("carol", "!enter pls")) // not an exact keyword match
	tr.Hook(42, chat.Message{ID: "s1", Content: "!enter", Type: chat.MessageTypeSystem, Sender: chat.Sender{User: chat.User{Username: "System"}}})
	tr.Hook(99, chatMsg("dave", "!enter")) // different room: no giveaway

	entrants, err := tr.Entrants(42)
	if err != nil {
		t.Fatalf("entrants: %v", err)
	}
	if len(entrants) != 2 {
		t.Fatalf("entrants = %v, want alice and bob", entrants)
	}
	if entrants[0].Username != "alice" || entrants[1].Username != "bob" {
		t.Errorf("entrants not in entry order: %v", entrants)
	}
}

func TestSubOnlyGiveaway(t *testing.T) {
	tr := newTestTracker()
	if err := tr.Start(42, "!enter", true); err != nil {
		t.Fatalf("start: %v", err)
	}

	tr.Hook(42, chatMsg("pleb", "!enter"))
	tr.Hook(42, subMsg("loyal", "!enter"))

	entrants, _ := tr.Entrants(42)
	if len(entrants) != 1 || entrants[0].Username != "loyal" {
		t.Errorf("entrants = %v, want only the subscriber", entrants)
	}
}

func TestCloseStopsEntries(t *testing.T) {
	tr := newTestTracker()
	if err := tr.Start(42, "!enter", false); err != nil {
		t.Fatalf("start: %v", err)
	}
	tr.Hook(42, chatMsg("alice", "!enter"))
	if err := tr.Close(42); err != nil {
		t.Fatalf("close: %v", err)
	}
	tr.Hook(42, chatMsg("bob", "!enter"))

	st, _ := tr.StatusFor(42)
	if st.Open || st.EntrantCount != 1 {
		t.Errorf("status after close = %+v", st)
	}
	if err := tr.Close(99); !errors.Is(err, ErrNoGiveaway) {
		t.Errorf("close idle room = %v", err)
	}
}

func TestPickWinner(t *testing.T) {
	tr := newTestTracker()
	tr.pick = func(n int) int { return n - 1 } // deterministic: last name alphabetically
	if err := tr.Start(42, "!enter", false); err != nil {
		t.Fatalf("start: %v", err)
	}
	tr.Hook(42, chatMsg("alice", "!enter"))
	tr.Hook(42, chatMsg("bob", "!enter"))

	w, err := tr.PickWinner(42)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if w.Username != "bob" {
		t.Errorf("winner = %q, want bob (pick index n-1 over sorted names)", w.Username)
	}

	st, _ := tr.StatusFor(42)
	if st.Open {
		t.Error("picking a winner must close entries")
	}
	if st.Winner != "bob" {
		t.Errorf("status winner = %q", st.Winner)
	}

	// No-repeat draws: remove the winner, redraw.
	if err := tr.RemoveEntrant(42, "bob"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	w, err = tr.PickWinner(42)
	if err != nil || w.Username != "alice" {
		t.Errorf("redraw = %v, %v; want alice", w, err)
	}
}

func TestPickWinnerErrors(t *testing.T) {
	tr := newTestTracker()
	if _, err := tr.PickWinner(42); !errors.Is(err, ErrNoGiveaway) {
		t.Errorf("pick without giveaway = %v", err)
	}
	if err := tr.Start(42, "!enter", false); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := tr.PickWinner(42); !errors.Is(err, ErrNoEntrants) {
		t.Errorf("pick without entrants = %v", err)
	}
}

func TestReset(t *testing.T) {
	tr := newTestTracker()
	if err := tr.Start(42, "!enter", false); err != nil {
		t.Fatalf("start: %v", err)
	}
	tr.Hook(42, chatMsg("alice", "!enter"))
	tr.Reset(42)

	if _, err := tr.StatusFor(42); !errors.Is(err, ErrNoGiveaway) {
		t.Errorf("status after reset = %v, want ErrNoGiveaway", err)
	}
	// A fresh giveaway starts clean.
	if err := tr.Start(42, "!enter", false); err != nil {
		t.Fatalf("restart: %v", err)
	}
	entrants, _ := tr.Entrants(42)
	if len(entrants) != 0 {
		t.Errorf("entrants after reset = %v, want empty", entrants)
	}
}
