package flashscore

import (
	"sync"
	"time"

	"github.com/goalfuse/goalfuse/pkg/feed"
)

// matchDiff is the wire shape shared by the bootstrap snapshot and the
// push channel. Every field except ID is optional; absent fields leave
// the cached value untouched.
type matchDiff struct {
	ID        string             `json:"id"`
	Home      *string            `json:"home,omitempty"`
	Away      *string            `json:"away,omitempty"`
	Sport     *string            `json:"sport,omitempty"`
	League    *string            `json:"league,omitempty"`
	StartTime *int64             `json:"start_ts,omitempty"`
	Status    *string            `json:"status,omitempty"` // scheduled | live | ended
	Period    *string            `json:"period,omitempty"`
	HomeScore *int               `json:"home_score,omitempty"`
	AwayScore *int               `json:"away_score,omitempty"`
	Odds      map[string]float64 `json:"odds,omitempty"` // market key -> decimal odds
}

// matchState is the merged view of one fixture.
type matchState struct {
	ID        string
	Home      string
	Away      string
	Sport     string
	League    string
	StartTime time.Time
	Status    feed.EventStatus
	Period    string
	Score     feed.Score
	HasScore  bool
	Odds      map[string]float64
	UpdatedAt time.Time
}

const stateMaxAge = 12 * time.Hour

type stateCache struct {
	mu      sync.Mutex
	entries map[string]matchState
}

func newStateCache() *stateCache {
	return &stateCache{entries: make(map[string]matchState)}
}

// merge applies a diff: only fields present in the diff overwrite
// cached fields. Returns the merged state.
func (c *stateCache) merge(diff matchDiff) matchState {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.entries[diff.ID]
	if !ok {
		state = matchState{ID: diff.ID, Status: feed.EventScheduled}
	}

	if diff.Home != nil {
		state.Home = *diff.Home
	}
	if diff.Away != nil {
		state.Away = *diff.Away
	}
	if diff.Sport != nil {
		state.Sport = *diff.Sport
	}
	if diff.League != nil {
		state.League = *diff.League
	}
	if diff.StartTime != nil {
		state.StartTime = time.Unix(*diff.StartTime, 0).UTC()
	}
	if diff.Status != nil {
		switch *diff.Status {
		case "live":
			state.Status = feed.EventLive
		case "ended":
			state.Status = feed.EventEnded
		default:
			state.Status = feed.EventScheduled
		}
	}
	if diff.Period != nil {
		state.Period = *diff.Period
	}
	if diff.HomeScore != nil {
		state.Score.Home = *diff.HomeScore
		state.HasScore = true
	}
	if diff.AwayScore != nil {
		state.Score.Away = *diff.AwayScore
		state.HasScore = true
	}
	if len(diff.Odds) > 0 {
		if state.Odds == nil {
			state.Odds = make(map[string]float64, len(diff.Odds))
		}
		for k, v := range diff.Odds {
			state.Odds[k] = v
		}
	}

	state.UpdatedAt = time.Now()
	c.entries[diff.ID] = state

	for id, s := range c.entries {
		if time.Since(s.UpdatedAt) > stateMaxAge {
			delete(c.entries, id)
		}
	}
	return state.detach()
}

func (c *stateCache) get(id string) (matchState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.entries[id]
	return s.detach(), ok
}

// detach copies the odds map so callers can read the returned state
// while later merges keep writing the cached one.
func (s matchState) detach() matchState {
	if s.Odds == nil {
		return s
	}
	odds := make(map[string]float64, len(s.Odds))
	for k, v := range s.Odds {
		odds[k] = v
	}
	s.Odds = odds
	return s
}

func (c *stateCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
