package agg

import (
	"sort"
	"time"

	"github.com/goalfuse/goalfuse/pkg/feed"
)

// EventSnapshot is a detached copy of one event, safe to serialize
// outside the aggregator lock.
type EventSnapshot struct {
	ID        string                           `json:"id"`
	HomeTeam  string                           `json:"home_team"`
	AwayTeam  string                           `json:"away_team"`
	Sport     string                           `json:"sport"`
	League    string                           `json:"league,omitempty"`
	StartTime time.Time                        `json:"start_time,omitempty"`
	Status    feed.EventStatus                 `json:"status"`
	Score     *feed.Score                      `json:"score,omitempty"`
	Period    string                           `json:"period,omitempty"`
	Markets   map[string]map[string]PriceQuote `json:"markets"`
	UpdatedAt time.Time                        `json:"updated_at"`
}

// Snapshot is the full exportable state of the aggregator.
type Snapshot struct {
	TakenAt time.Time       `json:"taken_at"`
	Events  []EventSnapshot `json:"events"`
	Races   []GoalRow       `json:"races"`
}

// Snapshot returns a deep copy of the current event table and the
// recent speed-race log, events ordered newest first.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snap := Snapshot{
		TakenAt: time.Now(),
		Events:  make([]EventSnapshot, 0, len(a.events)),
		Races:   make([]GoalRow, 0, len(a.speedLog)),
	}
	for _, ev := range a.events {
		snap.Events = append(snap.Events, copyEvent(ev))
	}
	sort.Slice(snap.Events, func(i, j int) bool {
		return snap.Events[i].UpdatedAt.After(snap.Events[j].UpdatedAt)
	})
	for _, row := range a.speedLog {
		snap.Races = append(snap.Races, copyRow(row))
	}
	return snap
}

// Event returns a detached copy of a single event by id.
func (a *Aggregator) Event(id string) (EventSnapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ev, ok := a.events[id]
	if !ok {
		return EventSnapshot{}, false
	}
	return copyEvent(ev), true
}

// Races returns a detached copy of the recent speed-race log, newest
// entries last.
func (a *Aggregator) Races() []GoalRow {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]GoalRow, 0, len(a.speedLog))
	for _, row := range a.speedLog {
		out = append(out, copyRow(row))
	}
	return out
}

func copyEvent(ev *Event) EventSnapshot {
	out := EventSnapshot{
		ID:        ev.ID,
		HomeTeam:  ev.HomeTeam,
		AwayTeam:  ev.AwayTeam,
		Sport:     ev.Sport,
		League:    ev.League,
		StartTime: ev.StartTime,
		Status:    ev.Status,
		Period:    ev.Period,
		Markets:   make(map[string]map[string]PriceQuote, len(ev.Markets)),
		UpdatedAt: ev.UpdatedAt,
	}
	if ev.Score != nil {
		s := *ev.Score
		out.Score = &s
	}
	for market, slots := range ev.Markets {
		cp := make(map[string]PriceQuote, len(slots))
		for src, q := range slots {
			cp[src] = q
		}
		out.Markets[market] = cp
	}
	return out
}

func copyRow(row GoalRow) GoalRow {
	out := row
	out.Arrivals = make(map[string]time.Time, len(row.Arrivals))
	for src, at := range row.Arrivals {
		out.Arrivals[src] = at
	}
	out.DeltaMs = make(map[string]int64, len(row.DeltaMs))
	for src, ms := range row.DeltaMs {
		out.DeltaMs[src] = ms
	}
	return out
}
