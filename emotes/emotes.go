// Package emotes fetches and caches emote catalogs from kick and the
// third-party providers (7TV, BetterTTV). Catalogs feed two consumers: the
// emote picker surface and the per-session analytics lookup that counts
// third-party emote usage in plain message text.
package emotes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/chataroo/backend/chat"
)

const (
	globalTTL  = 30 * time.Minute
	channelTTL = 10 * time.Minute
)

// Provider sources. These appear as the source part of analytics emote keys.
const (
	SourceKick    = "kick"
	SourceSevenTV = "7tv"
	SourceBTTV    = "bttv"
)

// Catalog is a named set of emotes from one provider.
type Catalog struct {
	Source string          `json:"source"`
	Name   string          `json:"name"`
	Emotes []chat.EmoteRef `json:"emotes"`
}

// Provider fetches emote catalogs with per-scope TTL caches: 30m for global
// sets, 10m for channel sets.
type Provider struct {
	HTTPClient *http.Client

	kickBase    string
	sevenTVBase string
	bttvBase    string

	kickChannel   *ttlCache[[]Catalog]
	sevenTVGlobal *ttlCache[[]chat.EmoteRef]
	sevenTVUser   *ttlCache[[]chat.EmoteRef]
	bttvGlobal    *ttlCache[[]chat.EmoteRef]
}

// NewProvider wires the caches against the public provider endpoints. Base
// URLs are overridable for tests.
func NewProvider(httpClient *http.Client) *Provider {
	p := &Provider{
		HTTPClient:  httpClient,
		kickBase:    "https://kick.com",
		sevenTVBase: "https://7tv.io",
		bttvBase:    "https://api.betterttv.net",
	}
	p.kickChannel = newTTLCache(channelTTL, p.fetchKickChannel)
	p.sevenTVGlobal = newTTLCache(globalTTL, p.fetchSevenTVGlobal)
	p.sevenTVUser = newTTLCache(channelTTL, p.fetchSevenTVUser)
	p.bttvGlobal = newTTLCache(globalTTL, p.fetchBTTVGlobal)
	return p
}

func (p *Provider) http() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return http.DefaultClient
}

func (p *Provider) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("emote fetch %s: status %d: %s", url, resp.StatusCode, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ChannelCatalogs returns kick's emote sets for a channel (channel set plus
// the global and emoji sets kick bundles in the same response).
func (p *Provider) ChannelCatalogs(ctx context.Context, slug string) ([]Catalog, error) {
	if slug == "" {
		return nil, fmt.Errorf("slug empty")
	}
	return p.kickChannel.get(ctx, slug)
}

func (p *Provider) fetchKickChannel(ctx context.Context, slug string) ([]Catalog, error) {
	var sets []struct {
		Name   string `json:"name"`
		Slug   string `json:"slug"`
		Emotes []struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
		} `json:"emotes"`
	}
	if err := p.getJSON(ctx, p.kickBase+"/emotes/"+slug, &sets); err != nil {
		return nil, err
	}
	out := make([]Catalog, 0, len(sets))
	for _, s := range sets {
		name := s.Name
		if name == "" {
			name = s.Slug
		}
		cat := Catalog{Source: SourceKick, Name: name}
		for _, e := range s.Emotes {
			cat.Emotes = append(cat.Emotes, chat.EmoteRef{Source: SourceKick, ID: fmt.Sprintf("%d", e.ID), Name: e.Name})
		}
		out = append(out, cat)
	}
	return out, nil
}

func (p *Provider) fetchSevenTVGlobal(ctx context.Context, _ string) ([]chat.EmoteRef, error) {
	var set struct {
		Emotes []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"emotes"`
	}
	if err := p.getJSON(ctx, p.sevenTVBase+"/v3/emote-sets/global", &set); err != nil {
		return nil, err
	}
	out := make([]chat.EmoteRef, 0, len(set.Emotes))
	for _, e := range set.Emotes {
		out = append(out, chat.EmoteRef{Source: SourceSevenTV, ID: e.ID, Name: e.Name})
	}
	return out, nil
}

// fetchSevenTVUser resolves a kick user id to their 7TV emote set.
func (p *Provider) fetchSevenTVUser(ctx context.Context, userID string) ([]chat.EmoteRef, error) {
	var conn struct {
		EmoteSet struct {
			Emotes []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"emotes"`
		} `json:"emote_set"`
	}
	if err := p.getJSON(ctx, p.sevenTVBase+"/v3/users/kick/"+userID, &conn); err != nil {
		return nil, err
	}
	out := make([]chat.EmoteRef, 0, len(conn.EmoteSet.Emotes))
	for _, e := range conn.EmoteSet.Emotes {
		out = append(out, chat.EmoteRef{Source: SourceSevenTV, ID: e.ID, Name: e.Name})
	}
	return out, nil
}

func (p *Provider) fetchBTTVGlobal(ctx context.Context, _ string) ([]chat.EmoteRef, error) {
	var list []struct {
		ID   string `json:"id"`
		Code string `json:"code"`
	}
	if err := p.getJSON(ctx, p.bttvBase+"/3/cached/emotes/global", &list); err != nil {
		return nil, err
	}
	out := make([]chat.EmoteRef, 0, len(list))
	for _, e := range list {
		out = append(out, chat.EmoteRef{Source: SourceBTTV, ID: e.ID, Name: e.Code})
	}
	return out, nil
}

// BuildLookup merges third-party catalogs into a name-keyed lookup for the
// analytics whole-word pass. Channel-scoped 7TV emotes override global names;
// provider failures degrade to whatever subset fetched (an empty lookup
// disables third-party counting, never the session).
func (p *Provider) BuildLookup(ctx context.Context, userID int64) map[string]chat.EmoteRef {
	lookup := make(map[string]chat.EmoteRef)

	if refs, err := p.bttvGlobal.get(ctx, "global"); err != nil {
		slog.Warn("bttv global emotes unavailable", slog.Any("err", err))
	} else {
		for _, r := range refs {
			lookup[r.Name] = r
		}
	}
	if refs, err := p.sevenTVGlobal.get(ctx, "global"); err != nil {
		slog.Warn("7tv global emotes unavailable", slog.Any("err", err))
	} else {
		for _, r := range refs {
			lookup[r.Name] = r
		}
	}
	if userID > 0 {
		key := fmt.Sprintf("%d", userID)
		if refs, err := p.sevenTVUser.get(ctx, key); err != nil {
			slog.Debug("7tv channel emotes unavailable", slog.String("user_id", key), slog.Any("err", err))
		} else {
			for _, r := range refs {
				lookup[r.Name] = r
			}
		}
	}
	return lookup
}

// InvalidateChannel drops cached channel-scoped sets, forcing a refetch on
// next use.
func (p *Provider) InvalidateChannel(slug string, userID int64) {
	p.kickChannel.invalidate(slug)
	if userID > 0 {
		p.sevenTVUser.invalidate(fmt.Sprintf("%d", userID))
	}
}
