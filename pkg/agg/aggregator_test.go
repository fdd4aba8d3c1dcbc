package agg

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/goalfuse/goalfuse/pkg/feed"
	"github.com/goalfuse/goalfuse/pkg/match"
)

func newTestAggregator(filter *match.TargetFilter) *Aggregator {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return New(filter, nil, logger)
}

func TestResolveAcrossSourceSpellings(t *testing.T) {
	a := newTestAggregator(nil)

	a.apply(feed.Update{
		SourceID: "alpha",
		HomeTeam: "Team X",
		AwayTeam: "Team Y",
		Status:   feed.EventLive,
		Score:    &feed.Score{},
	})
	a.apply(feed.Update{
		SourceID: "beta",
		HomeTeam: "FC Team X",
		AwayTeam: "Team Y FC",
		Status:   feed.EventLive,
		Score:    &feed.Score{},
	})

	snap := a.Snapshot()
	if len(snap.Events) != 1 {
		t.Fatalf("expected one fused event, got %d", len(snap.Events))
	}
}

func TestDistinctFixturesStaySeparate(t *testing.T) {
	a := newTestAggregator(nil)

	a.apply(feed.Update{SourceID: "alpha", HomeTeam: "Arsenal", AwayTeam: "Chelsea"})
	a.apply(feed.Update{SourceID: "alpha", HomeTeam: "Liverpool", AwayTeam: "Everton"})

	if got := len(a.Snapshot().Events); got != 2 {
		t.Fatalf("expected two events, got %d", got)
	}
}

func TestTargetFilterSuppliesStableID(t *testing.T) {
	filter := match.NewTargetFilter([]match.TargetEvent{{
		ID:       "evt-123",
		HomeTeam: "Real Madrid",
		AwayTeam: "Barcelona",
	}})
	a := newTestAggregator(filter)

	a.apply(feed.Update{SourceID: "alpha", HomeTeam: "Real Madrid CF", AwayTeam: "FC Barcelona"})

	if _, ok := a.Event("evt-123"); !ok {
		t.Fatal("event should carry the target id")
	}
}

func TestSpeedRaceOrderingAndDelta(t *testing.T) {
	a := newTestAggregator(nil)

	base := time.Now()
	// Both sources start at 0-0 so the transition is observable.
	a.apply(feed.Update{
		SourceID: "alpha", HomeTeam: "Team X", AwayTeam: "Team Y",
		Score: &feed.Score{}, EmittedAt: base,
	})
	a.apply(feed.Update{
		SourceID: "beta", HomeTeam: "FC Team X", AwayTeam: "Team Y FC",
		Score: &feed.Score{}, EmittedAt: base,
	})

	// Alpha reports the goal first, beta 300ms later.
	a.apply(feed.Update{
		SourceID: "alpha", HomeTeam: "Team X", AwayTeam: "Team Y",
		Score: &feed.Score{Home: 1}, EmittedAt: base.Add(1000 * time.Millisecond),
	})
	a.apply(feed.Update{
		SourceID: "beta", HomeTeam: "FC Team X", AwayTeam: "Team Y FC",
		Score: &feed.Score{Home: 1}, EmittedAt: base.Add(1300 * time.Millisecond),
	})

	races := a.Races()
	if len(races) != 1 {
		t.Fatalf("expected one race row, got %d", len(races))
	}
	row := races[0]
	if row.FirstSource != "alpha" {
		t.Fatalf("first source = %q, want alpha", row.FirstSource)
	}
	if got := row.DeltaMs["beta"]; got != 300 {
		t.Fatalf("beta delta = %dms, want 300", got)
	}
	if len(row.Arrivals) != 2 {
		t.Fatalf("expected two arrivals, got %d", len(row.Arrivals))
	}
	if row.ScoreAfter != (feed.Score{Home: 1}) {
		t.Fatalf("score after = %+v", row.ScoreAfter)
	}
}

func TestRepeatReadingIsNotTransition(t *testing.T) {
	a := newTestAggregator(nil)

	for i := 0; i < 3; i++ {
		a.apply(feed.Update{
			SourceID: "alpha", HomeTeam: "Team X", AwayTeam: "Team Y",
			Score: &feed.Score{Home: 1}, EmittedAt: time.Now(),
		})
	}

	if got := len(a.Races()); got != 0 {
		t.Fatalf("expected no race rows, got %d", got)
	}
}

func TestFirstReadingSeedsWithoutTransition(t *testing.T) {
	a := newTestAggregator(nil)

	// A source joining mid-match at 2-1 is a seed, not a goal.
	a.apply(feed.Update{
		SourceID: "alpha", HomeTeam: "Team X", AwayTeam: "Team Y",
		Score: &feed.Score{Home: 2, Away: 1}, EmittedAt: time.Now(),
	})

	if got := len(a.Races()); got != 0 {
		t.Fatalf("expected no race rows, got %d", got)
	}
}

func TestMarketSlotsKeptPerSource(t *testing.T) {
	a := newTestAggregator(nil)

	now := time.Now()
	a.apply(feed.Update{
		SourceID: "alpha", HomeTeam: "Team X", AwayTeam: "Team Y",
		Prices:    []feed.PricePoint{{Market: "ml_home", Price: decimal.NewFromFloat(2.50)}},
		EmittedAt: now,
	})
	a.apply(feed.Update{
		SourceID: "beta", HomeTeam: "Team X", AwayTeam: "Team Y",
		Prices:    []feed.PricePoint{{Market: "ml_home", Price: decimal.NewFromFloat(0.42), Prob: true}},
		EmittedAt: now,
	})

	snap := a.Snapshot()
	if len(snap.Events) != 1 {
		t.Fatalf("expected one event, got %d", len(snap.Events))
	}
	slots := snap.Events[0].Markets["ml_home"]
	if len(slots) != 2 {
		t.Fatalf("expected two source slots, got %d", len(slots))
	}
	if !slots["beta"].Prob {
		t.Fatal("beta slot should be a probability quote")
	}
	if !slots["alpha"].Price.Equal(decimal.NewFromFloat(2.50)) {
		t.Fatalf("alpha price = %s", slots["alpha"].Price)
	}
}

func TestListenerSeesTransition(t *testing.T) {
	a := newTestAggregator(nil)

	var got *Transition
	a.OnChange(func(ev *Event, upd feed.Update, tr *Transition) {
		if tr != nil {
			got = tr
		}
	})

	base := time.Now()
	a.apply(feed.Update{
		SourceID: "alpha", HomeTeam: "Team X", AwayTeam: "Team Y",
		Score: &feed.Score{}, EmittedAt: base,
	})
	a.apply(feed.Update{
		SourceID: "alpha", HomeTeam: "Team X", AwayTeam: "Team Y",
		Score: &feed.Score{Home: 1}, EmittedAt: base.Add(time.Second),
	})

	if got == nil {
		t.Fatal("listener never saw the transition")
	}
	if !got.First {
		t.Fatal("sole reporter should be first")
	}
	if got.ScoreAfter != (feed.Score{Home: 1}) {
		t.Fatalf("score after = %+v", got.ScoreAfter)
	}
}

func TestEvictionDropsEndedEvents(t *testing.T) {
	a := newTestAggregator(nil)

	a.apply(feed.Update{
		SourceID: "alpha", HomeTeam: "Team X", AwayTeam: "Team Y",
		Status: feed.EventEnded,
	})

	a.mu.Lock()
	for _, ev := range a.events {
		ev.endedAt = time.Now().Add(-2 * endedEventTTL)
	}
	a.mu.Unlock()

	a.evictStale()
	if got := len(a.Snapshot().Events); got != 0 {
		t.Fatalf("expected event evicted, got %d remaining", got)
	}
}
