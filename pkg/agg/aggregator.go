// Package agg owns the canonical in-memory event table. All adapter
// channels funnel into one intake goroutine, so resolve-or-create and
// market merging are atomic: two near-simultaneous reports of the same
// fixture can never create duplicate events.
package agg

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/goalfuse/goalfuse/pkg/feed"
	"github.com/goalfuse/goalfuse/pkg/match"
	"github.com/goalfuse/goalfuse/pkg/metrics"
)

const (
	intakeBuffer  = 1024
	speedLogLimit = 50
	evictInterval = 1 * time.Minute
	endedEventTTL = 30 * time.Minute
	staleEventTTL = 6 * time.Hour
)

// PriceQuote is one source's latest price for a market.
type PriceQuote struct {
	Price     decimal.Decimal `json:"price"`
	Prob      bool            `json:"prob"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Event is the canonical fused record for one fixture. Team identity
// never changes after creation; only status, score and prices do.
type Event struct {
	ID        string           `json:"id"`
	HomeTeam  string           `json:"home_team"`
	AwayTeam  string           `json:"away_team"`
	Sport     string           `json:"sport"`
	League    string           `json:"league,omitempty"`
	StartTime time.Time        `json:"start_time,omitempty"`
	Status    feed.EventStatus `json:"status"`
	Score     *feed.Score      `json:"score,omitempty"`
	Period    string           `json:"period,omitempty"`

	// Markets maps market key -> source id -> latest quote. Slots from
	// different sources never overwrite each other; the disagreement
	// is the signal.
	Markets map[string]map[string]PriceQuote `json:"markets"`

	UpdatedAt time.Time `json:"updated_at"`
	endedAt   time.Time

	normHome string
	normAway string

	// lastScoreBySource drives score-transition detection per source.
	lastScoreBySource map[string]feed.Score
}

// DisplayName is the event's human-readable fixture name.
func (e *Event) DisplayName() string {
	return e.HomeTeam + " vs " + e.AwayTeam
}

// GoalRow is one detected score transition with per-source arrivals.
// Append-only; never mutated after the race window closes.
type GoalRow struct {
	EventID     string               `json:"event_id"`
	EventName   string               `json:"event_name"`
	ScoreBefore feed.Score           `json:"score_before"`
	ScoreAfter  feed.Score           `json:"score_after"`
	FirstSource string               `json:"first_source"`
	FirstAt     time.Time            `json:"first_at"`
	Arrivals    map[string]time.Time `json:"arrivals"`
	// DeltaMs maps a trailing source to its lag behind the first
	// reporter in milliseconds.
	DeltaMs map[string]int64 `json:"delta_ms"`
}

// Transition is pushed to listeners when a source reports a score
// change for an event.
type Transition struct {
	Event       *Event
	Source      string
	ScoreBefore feed.Score
	ScoreAfter  feed.Score
	ObservedAt  time.Time
	// First is true when this source is the first to report the
	// transition for this event.
	First bool
	// Delta is the lag behind the first reporter; zero when First.
	Delta time.Duration
}

// Listener is invoked from the aggregator's loop goroutine after an
// update is merged. transition is nil for non-score changes.
type Listener func(ev *Event, upd feed.Update, transition *Transition)

// Aggregator merges adapter updates into the canonical event table.
type Aggregator struct {
	log     *logrus.Entry
	metrics *metrics.Metrics
	filter  *match.TargetFilter

	intake   chan feed.Update
	adapters []feed.Adapter

	mu       sync.RWMutex
	events   map[string]*Event // event id -> event
	speedLog []GoalRow
	races    map[string]*GoalRow // open race windows: event id + score key

	listeners []Listener

	wg sync.WaitGroup
}

// New creates an aggregator. The target filter supplies stable event
// ids for fixtures that resolve to a known target.
func New(filter *match.TargetFilter, m *metrics.Metrics, logger *logrus.Logger) *Aggregator {
	return &Aggregator{
		log:     logger.WithField("component", "aggregator"),
		metrics: m,
		filter:  filter,
		intake:  make(chan feed.Update, intakeBuffer),
		events:  make(map[string]*Event),
		races:   make(map[string]*GoalRow),
	}
}

// AddSource registers an adapter whose updates the aggregator drains.
// Must be called before Run.
func (a *Aggregator) AddSource(adapter feed.Adapter) {
	a.adapters = append(a.adapters, adapter)
}

// OnChange registers a listener. Must be called before Run. Listeners
// run on the aggregator goroutine and must not block.
func (a *Aggregator) OnChange(fn Listener) {
	a.listeners = append(a.listeners, fn)
}

// Run drains all adapter channels until ctx is done. The merge path is
// single-threaded by construction.
func (a *Aggregator) Run(ctx context.Context) {
	for _, adapter := range a.adapters {
		a.wg.Add(1)
		go func(ad feed.Adapter) {
			defer a.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case upd, ok := <-ad.Updates():
					if !ok {
						return
					}
					select {
					case a.intake <- upd:
					default:
						a.log.WithField("source", upd.SourceID).Warn("intake full, dropping update")
						if a.metrics != nil {
							a.metrics.UpdatesDropped.WithLabelValues(upd.SourceID, "intake_full").Inc()
						}
					}
				}
			}
		}(adapter)
	}

	evict := time.NewTicker(evictInterval)
	defer evict.Stop()

	for {
		select {
		case <-ctx.Done():
			a.wg.Wait()
			return
		case upd := <-a.intake:
			a.apply(upd)
		case <-evict.C:
			a.evictStale()
		}
	}
}

// apply merges one update. Runs only on the Run goroutine.
func (a *Aggregator) apply(upd feed.Update) {
	if upd.HomeTeam == "" || upd.AwayTeam == "" {
		if a.metrics != nil {
			a.metrics.UpdatesDropped.WithLabelValues(upd.SourceID, "unresolved").Inc()
		}
		return
	}

	a.mu.Lock()
	ev := a.resolveOrCreate(upd)

	// Status and score are last-write-wins: the freshest observation
	// is always preferred.
	if upd.Status != "" {
		ev.Status = upd.Status
		if upd.Status == feed.EventEnded && ev.endedAt.IsZero() {
			ev.endedAt = time.Now()
		}
	}
	if upd.Period != "" {
		ev.Period = upd.Period
	}
	if upd.League != "" && ev.League == "" {
		ev.League = upd.League
	}
	if ev.StartTime.IsZero() && !upd.StartTime.IsZero() {
		ev.StartTime = upd.StartTime
	}

	var transition *Transition
	if upd.Score != nil {
		transition = a.observeScore(ev, upd)
		s := *upd.Score
		ev.Score = &s
	}

	for _, p := range upd.Prices {
		slots, ok := ev.Markets[p.Market]
		if !ok {
			slots = make(map[string]PriceQuote)
			ev.Markets[p.Market] = slots
		}
		slots[upd.SourceID] = PriceQuote{Price: p.Price, Prob: p.Prob, UpdatedAt: upd.EmittedAt}
	}

	ev.UpdatedAt = time.Now()
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.UpdatesTotal.WithLabelValues(upd.SourceID).Inc()
	}

	for _, fn := range a.listeners {
		fn(ev, upd, transition)
	}
}

// resolveOrCreate finds the canonical event the update belongs to,
// creating it if no existing event fuzzy-matches bidirectionally.
// Caller holds the lock.
func (a *Aggregator) resolveOrCreate(upd feed.Update) *Event {
	normHome := match.NormalizeName(upd.HomeTeam)
	normAway := match.NormalizeName(upd.AwayTeam)

	for _, ev := range a.events {
		if match.NamesMatch(ev.normHome, normHome) && match.NamesMatch(ev.normAway, normAway) {
			return ev
		}
	}

	id := ""
	if a.filter != nil {
		if target, ok := a.filter.Match(upd.HomeTeam, upd.AwayTeam); ok {
			id = target.ID
		}
	}
	if id == "" {
		id = uuid.New().String()
	}

	ev := &Event{
		ID:                id,
		HomeTeam:          upd.HomeTeam,
		AwayTeam:          upd.AwayTeam,
		Sport:             upd.Sport,
		League:            upd.League,
		StartTime:         upd.StartTime,
		Status:            upd.Status,
		Markets:           make(map[string]map[string]PriceQuote),
		normHome:          normHome,
		normAway:          normAway,
		lastScoreBySource: make(map[string]feed.Score),
	}
	a.events[id] = ev

	if a.metrics != nil {
		a.metrics.EventsActive.Set(float64(len(a.events)))
	}
	a.log.WithFields(logrus.Fields{
		"event": ev.DisplayName(),
		"id":    id,
	}).Info("tracking new event")
	return ev
}

// observeScore runs score-transition detection and the speed race.
// Caller holds the lock.
func (a *Aggregator) observeScore(ev *Event, upd feed.Update) *Transition {
	reading := *upd.Score
	prev, seen := ev.lastScoreBySource[upd.SourceID]
	ev.lastScoreBySource[upd.SourceID] = reading

	if !seen || prev == reading {
		return nil
	}

	now := upd.EmittedAt
	if now.IsZero() {
		now = time.Now()
	}

	t := &Transition{
		Event:       ev,
		Source:      upd.SourceID,
		ScoreBefore: prev,
		ScoreAfter:  reading,
		ObservedAt:  now,
	}

	raceKey := fmt.Sprintf("%s|%d-%d", ev.ID, reading.Home, reading.Away)
	row, open := a.races[raceKey]
	if !open {
		// First source to report this transition opens the window.
		row = &GoalRow{
			EventID:     ev.ID,
			EventName:   ev.DisplayName(),
			ScoreBefore: prev,
			ScoreAfter:  reading,
			FirstSource: upd.SourceID,
			FirstAt:     now,
			Arrivals:    map[string]time.Time{upd.SourceID: now},
			DeltaMs:     make(map[string]int64),
		}
		a.races[raceKey] = row
		a.appendSpeedLog(row)
		t.First = true

		if a.metrics != nil {
			a.metrics.GoalsFirst.WithLabelValues(upd.SourceID).Inc()
			a.metrics.RaceDelta.WithLabelValues(upd.SourceID).Observe(0)
		}
		a.log.WithFields(logrus.Fields{
			"event":  ev.DisplayName(),
			"score":  fmt.Sprintf("%d-%d -> %d-%d", prev.Home, prev.Away, reading.Home, reading.Away),
			"source": upd.SourceID,
		}).Info("score transition")
		return t
	}

	if _, dup := row.Arrivals[upd.SourceID]; dup {
		// Same source repeating itself is not a new arrival.
		return t
	}

	row.Arrivals[upd.SourceID] = now
	delta := now.Sub(row.FirstAt)
	if delta < 0 {
		delta = 0
	}
	row.DeltaMs[upd.SourceID] = delta.Milliseconds()
	t.Delta = delta

	if a.metrics != nil {
		a.metrics.RaceDelta.WithLabelValues(upd.SourceID).Observe(delta.Seconds())
	}
	a.log.WithFields(logrus.Fields{
		"event":    ev.DisplayName(),
		"source":   upd.SourceID,
		"delta_ms": delta.Milliseconds(),
		"first":    row.FirstSource,
	}).Info("speed race arrival")
	return t
}

// appendSpeedLog keeps the bounded recent-transition window.
// Caller holds the lock.
func (a *Aggregator) appendSpeedLog(row *GoalRow) {
	// The stored copy shares the Arrivals and DeltaMs maps with the
	// open race window, so later arrivals show up in snapshots.
	a.speedLog = append(a.speedLog, *row)
	if len(a.speedLog) > speedLogLimit {
		a.speedLog = a.speedLog[len(a.speedLog)-speedLogLimit:]
	}
}

// evictStale drops events well past their end of life so the table
// stays bounded across long-running processes.
func (a *Aggregator) evictStale() {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	evicted := 0
	for id, ev := range a.events {
		endedLongAgo := !ev.endedAt.IsZero() && now.Sub(ev.endedAt) > endedEventTTL
		wentQuiet := now.Sub(ev.UpdatedAt) > staleEventTTL
		if endedLongAgo || wentQuiet {
			delete(a.events, id)
			evicted++
		}
	}
	if evicted > 0 {
		for key, row := range a.races {
			if _, ok := a.events[row.EventID]; !ok {
				delete(a.races, key)
			}
		}
		if a.metrics != nil {
			a.metrics.EventsActive.Set(float64(len(a.events)))
			a.metrics.EventsEvicted.Add(float64(evicted))
		}
		a.log.WithField("evicted", evicted).Debug("evicted stale events")
	}
}
