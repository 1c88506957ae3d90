package chat

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// emotePattern matches first-party inline emote tokens: [emote:<id>:<name>].
var emotePattern = regexp.MustCompile(`\[emote:(\d+):([^\]]+)\]`)

// EmoteRef identifies an emote for usage counting. Source is "kick" for
// first-party emotes and the provider tag ("7tv", "bttv") for third-party.
type EmoteRef struct {
	Source string `json:"source"`
	ID     string `json:"id"`
	Name   string `json:"name"`
}

func (e EmoteRef) key() string { return fmt.Sprintf("%s:%s:%s", e.Source, e.ID, e.Name) }

// EmoteCount is an EmoteRef with its usage count.
type EmoteCount struct {
	EmoteRef
	Count int `json:"count"`
}

// Analytics accumulates per-channel session aggregates incrementally as
// messages stream in. Counts only increase and survive buffer trimming: the
// buffer is a display window, the accumulator is a session aggregate.
type Analytics struct {
	SessionStart  time.Time
	TotalMessages int
	ChatterCounts map[string]int
	EmoteCounts   map[string]*EmoteCount
}

func newAnalytics(start time.Time) *Analytics {
	return &Analytics{
		SessionStart:  start,
		ChatterCounts: make(map[string]int),
		EmoteCounts:   make(map[string]*EmoteCount),
	}
}

// record applies one message to the accumulator. Bot-tagged senders are
// excluded from message totals; emote counting applies to every message.
func (a *Analytics) record(msg Message, thirdParty map[string]EmoteRef) {
	username := msg.Sender.Username
	if username != "" && !msg.Sender.IsBot() {
		a.TotalMessages++
		a.ChatterCounts[username]++
	}

	for _, m := range emotePattern.FindAllStringSubmatch(msg.Content, -1) {
		a.bump(EmoteRef{Source: "kick", ID: m[1], Name: m[2]})
	}

	// Third-party emotes are plain whole words; a separate pass over the
	// whitespace-split content. Disjoint token syntax keeps the two passes
	// from double counting.
	if len(thirdParty) > 0 {
		for _, word := range strings.Fields(msg.Content) {
			if ref, ok := thirdParty[word]; ok {
				a.bump(ref)
			}
		}
	}
}

func (a *Analytics) bump(ref EmoteRef) {
	k := ref.key()
	if ec, ok := a.EmoteCounts[k]; ok {
		ec.Count++
		return
	}
	a.EmoteCounts[k] = &EmoteCount{EmoteRef: ref, Count: 1}
}

// AnalyticsSnapshot is a read-only copy of a channel's accumulator handed to
// API consumers.
type AnalyticsSnapshot struct {
	SessionStart  time.Time             `json:"session_start"`
	TotalMessages int                   `json:"total_messages"`
	ChatterCounts map[string]int        `json:"chatter_counts"`
	EmoteCounts   map[string]EmoteCount `json:"emote_counts"`
}

func (a *Analytics) snapshot() AnalyticsSnapshot {
	s := AnalyticsSnapshot{
		SessionStart:  a.SessionStart,
		TotalMessages: a.TotalMessages,
		ChatterCounts: make(map[string]int, len(a.ChatterCounts)),
		EmoteCounts:   make(map[string]EmoteCount, len(a.EmoteCounts)),
	}
	for k, v := range a.ChatterCounts {
		s.ChatterCounts[k] = v
	}
	for k, v := range a.EmoteCounts {
		s.EmoteCounts[k] = *v
	}
	return s
}
