package tmdb

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// CastMember maps a character to the actor playing it.
type CastMember struct {
	Character string `json:"character"`
	Actor     string `json:"actor"`
}

// AggregateRole is one character played across a series.
type AggregateRole struct {
	Character    string `json:"character"`
	EpisodeCount int    `json:"episode_count"`
}

// AggregateCastMember is the series-wide credits shape: characters live in roles.
type AggregateCastMember struct {
	Name  string          `json:"name"`
	Order int             `json:"order"`
	Roles []AggregateRole `json:"roles"`
}

// EpisodeCastMember is the movie and per-episode credits shape: one character field.
type EpisodeCastMember struct {
	Name      string `json:"name"`
	Order     int    `json:"order"`
	Character string `json:"character"`
}

// CastPayload holds exactly one of the two upstream credit shapes.
type CastPayload struct {
	Aggregate []AggregateCastMember
	Episode   []EpisodeCastMember
}

// DecodeCast resolves the shape of a credits "cast" array. Entries carrying
// a roles list mark the aggregate shape; otherwise the flat shape is used.
func DecodeCast(raw json.RawMessage) (CastPayload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return CastPayload{}, nil
	}

	var probe []struct {
		Roles json.RawMessage `json:"roles"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return CastPayload{}, fmt.Errorf("decode cast: %w", err)
	}

	aggregate := false
	for _, p := range probe {
		if len(p.Roles) > 0 && string(p.Roles) != "null" {
			aggregate = true
			break
		}
	}

	var payload CastPayload
	if aggregate {
		if err := json.Unmarshal(raw, &payload.Aggregate); err != nil {
			return CastPayload{}, fmt.Errorf("decode aggregate cast: %w", err)
		}
		return payload, nil
	}
	if err := json.Unmarshal(raw, &payload.Episode); err != nil {
		return CastPayload{}, fmt.Errorf("decode cast: %w", err)
	}
	return payload, nil
}

// Empty reports whether neither shape carries a member.
func (p CastPayload) Empty() bool {
	return len(p.Aggregate) == 0 && len(p.Episode) == 0
}

// Normalize returns up to limit members in billing order. Aggregate members
// use the role with the most episodes. Members without a character are dropped.
func (p CastPayload) Normalize(limit int) []CastMember {
	type ordered struct {
		member CastMember
		order  int
	}
	var all []ordered

	for _, a := range p.Aggregate {
		best := AggregateRole{}
		for _, r := range a.Roles {
			if strings.TrimSpace(r.Character) == "" {
				continue
			}
			if best.Character == "" || r.EpisodeCount > best.EpisodeCount {
				best = r
			}
		}
		if best.Character == "" {
			continue
		}
		all = append(all, ordered{CastMember{Character: strings.TrimSpace(best.Character), Actor: a.Name}, a.Order})
	}
	for _, e := range p.Episode {
		character := strings.TrimSpace(e.Character)
		if character == "" {
			continue
		}
		all = append(all, ordered{CastMember{Character: character, Actor: e.Name}, e.Order})
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].order < all[j].order })

	out := make([]CastMember, 0, len(all))
	for _, o := range all {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, o.member)
	}
	return out
}
