// Package giveaway runs keyword giveaways over live chat. A tracker observes
// ingested messages through the chat store's message hook, collects entrants
// who typed the keyword while a giveaway is open, and picks winners at random.
package giveaway

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chataroo/backend/chat"
)

var (
	ErrNoGiveaway = errors.New("giveaway: none active for room")
	ErrActive     = errors.New("giveaway: already active for room")
	ErrNoEntrants = errors.New("giveaway: no entrants")
)

// Entrant is one qualified participant. A username enters at most once per
// giveaway regardless of how often they type the keyword.
type Entrant struct {
	Username  string    `json:"username"`
	EnteredAt time.Time `json:"entered_at"`
}

// Status is the read model for a room's giveaway.
type Status struct {
	Keyword      string    `json:"keyword"`
	SubOnly      bool      `json:"sub_only"`
	StartedAt    time.Time `json:"started_at"`
	Open         bool      `json:"open"`
	EntrantCount int       `json:"entrant_count"`
	Winner       string    `json:"winner,omitempty"`
}

type giveaway struct {
	keyword   string
	subOnly   bool
	startedAt time.Time
	open      bool
	entrants  map[string]Entrant
	winner    string
}

// Tracker holds at most one giveaway per room. Hook is registered with the
// chat store once; rooms without an open giveaway cost one map lookup per
// message.
type Tracker struct {
	mu     sync.Mutex
	active map[int64]*giveaway
	now    func() time.Time
	pick   func(n int) int
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		active: make(map[int64]*giveaway),
		now:    time.Now,
		pick:   rand.IntN,
	}
}

// Hook is the chat.MessageHook to register with the store. It must stay
// cheap: it runs under the store lock for every ingested message.
func (t *Tracker) Hook(roomID int64, msg chat.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.active[roomID]
	if !ok || !g.open {
		return
	}
	username := msg.Sender.Username
	if username == "" || msg.Type == chat.MessageTypeSystem {
		return
	}
	if !strings.EqualFold(strings.TrimSpace(msg.Content), g.keyword) {
		return
	}
	if g.subOnly && !msg.Sender.HasBadge("subscriber") {
		return
	}
	if _, entered := g.entrants[username]; entered {
		return
	}
	g.entrants[username] = Entrant{Username: username, EnteredAt: t.now()}
}

// Start opens a giveaway for a room. One giveaway per room at a time.
func (t *Tracker) Start(roomID int64, keyword string, subOnly bool) error {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return fmt.Errorf("giveaway: keyword empty")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if g, ok := t.active[roomID]; ok && g.open {
		return ErrActive
	}
	t.active[roomID] = &giveaway{
		keyword:   keyword,
		subOnly:   subOnly,
		startedAt: t.now(),
		open:      true,
		entrants:  make(map[string]Entrant),
	}
	slog.Info("giveaway started", slog.Int64("room_id", roomID),
		slog.String("keyword", keyword), slog.Bool("sub_only", subOnly))
	return nil
}

// Close stops accepting entries but keeps the entrant list for winner picks.
func (t *Tracker) Close(roomID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.active[roomID]
	if !ok {
		return ErrNoGiveaway
	}
	g.open = false
	return nil
}

// PickWinner closes entries if still open and draws one entrant uniformly.
// Repeated picks may redraw previous winners; the caller removes entrants via
// RemoveEntrant for no-repeat draws.
func (t *Tracker) PickWinner(roomID int64) (Entrant, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.active[roomID]
	if !ok {
		return Entrant{}, ErrNoGiveaway
	}
	if len(g.entrants) == 0 {
		return Entrant{}, ErrNoEntrants
	}
	g.open = false

	names := make([]string, 0, len(g.entrants))
	for name := range g.entrants {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic order under the random index
	winner := g.entrants[names[t.pick(len(names))]]
	g.winner = winner.Username
	slog.Info("giveaway winner drawn", slog.Int64("room_id", roomID), slog.String("winner", winner.Username))
	return winner, nil
}

// RemoveEntrant drops one entrant, for no-repeat successive draws.
func (t *Tracker) RemoveEntrant(roomID int64, username string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.active[roomID]
	if !ok {
		return ErrNoGiveaway
	}
	delete(g.entrants, username)
	return nil
}

// Reset discards the room's giveaway entirely.
func (t *Tracker) Reset(roomID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, roomID)
}

// StatusFor reports the room's giveaway state.
func (t *Tracker) StatusFor(roomID int64) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.active[roomID]
	if !ok {
		return Status{}, ErrNoGiveaway
	}
	return Status{
		Keyword:      g.keyword,
		SubOnly:      g.subOnly,
		StartedAt:    g.startedAt,
		Open:         g.open,
		EntrantCount: len(g.entrants),
		Winner:       g.winner,
	}, nil
}

// Entrants lists current entrants sorted by entry time.
func (t *Tracker) Entrants(roomID int64) ([]Entrant, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.active[roomID]
	if !ok {
		return nil, ErrNoGiveaway
	}
	out := make([]Entrant, 0, len(g.entrants))
	for _, e := range g.entrants {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnteredAt.Before(out[j].EnteredAt) })
	return out, nil
}
