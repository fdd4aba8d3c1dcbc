package signal

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/goalfuse/goalfuse/pkg/agg"
)

func newTestEngine(cfg Config) *Engine {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewEngine(cfg, nil, logger)
}

func probQuote(p float64) agg.PriceQuote {
	return agg.PriceQuote{Price: decimal.NewFromFloat(p), Prob: true, UpdatedAt: time.Now()}
}

func oddsQuote(o float64) agg.PriceQuote {
	return agg.PriceQuote{Price: decimal.NewFromFloat(o), UpdatedAt: time.Now()}
}

func eventWith(markets map[string]map[string]agg.PriceQuote) agg.EventSnapshot {
	return agg.EventSnapshot{
		ID:       "evt-1",
		HomeTeam: "Team X",
		AwayTeam: "Team Y",
		Markets:  markets,
	}
}

func TestImpliedProb(t *testing.T) {
	cases := []struct {
		name  string
		quote agg.PriceQuote
		want  float64
		ok    bool
	}{
		{"probability passthrough", probQuote(0.40), 0.40, true},
		{"decimal odds invert", oddsQuote(2.50), 0.40, true},
		{"odds at one rejected", oddsQuote(1.0), 0, false},
		{"probability above one rejected", probQuote(1.2), 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ImpliedProb(tc.quote)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if ok && abs(got-tc.want) > 1e-9 {
				t.Fatalf("prob = %f, want %f", got, tc.want)
			}
		})
	}
}

func TestSixPointDivergenceFiresBuy(t *testing.T) {
	e := newTestEngine(Config{PrimarySource: "primary"})

	// Primary prices the outcome at 40%, a bookmaker at 46%.
	ev := eventWith(map[string]map[string]agg.PriceQuote{
		"ml_home": {
			"primary": probQuote(0.40),
			"book":    probQuote(0.46),
		},
	})

	sigs := e.Evaluate(ev)
	if len(sigs) != 1 {
		t.Fatalf("expected one signal, got %d", len(sigs))
	}
	s := sigs[0]
	if s.Action != ActionBuy {
		t.Fatalf("action = %s, want BUY", s.Action)
	}
	if abs(s.Edge-0.06) > 1e-9 {
		t.Fatalf("edge = %f, want 0.06", s.Edge)
	}
	if s.Urgency != UrgencyHigh {
		t.Fatalf("urgency = %s, want high", s.Urgency)
	}
	if s.BestSource != "book" {
		t.Fatalf("best source = %s", s.BestSource)
	}
}

func TestBelowThresholdIsQuiet(t *testing.T) {
	e := newTestEngine(Config{PrimarySource: "primary"})

	ev := eventWith(map[string]map[string]agg.PriceQuote{
		"ml_home": {
			"primary": probQuote(0.40),
			"book":    probQuote(0.42),
		},
	})

	if sigs := e.Evaluate(ev); len(sigs) != 0 {
		t.Fatalf("expected no signals, got %d", len(sigs))
	}
}

func TestPrimaryAboveSecondaryFiresSell(t *testing.T) {
	e := newTestEngine(Config{PrimarySource: "primary"})

	ev := eventWith(map[string]map[string]agg.PriceQuote{
		"ml_home": {
			"primary": probQuote(0.50),
			"book":    oddsQuote(2.50), // implies 40%
		},
	})

	sigs := e.Evaluate(ev)
	if len(sigs) != 1 {
		t.Fatalf("expected one signal, got %d", len(sigs))
	}
	if sigs[0].Action != ActionSell {
		t.Fatalf("action = %s, want SELL", sigs[0].Action)
	}
}

func TestMissingPrimaryQuoteIsQuiet(t *testing.T) {
	e := newTestEngine(Config{PrimarySource: "primary"})

	ev := eventWith(map[string]map[string]agg.PriceQuote{
		"ml_home": {"book": probQuote(0.46)},
	})

	if sigs := e.Evaluate(ev); len(sigs) != 0 {
		t.Fatalf("expected no signals without a primary quote, got %d", len(sigs))
	}
}

func TestStaleQuoteIgnored(t *testing.T) {
	e := newTestEngine(Config{PrimarySource: "primary", MaxQuoteAge: time.Minute})

	stale := probQuote(0.46)
	stale.UpdatedAt = time.Now().Add(-5 * time.Minute)
	ev := eventWith(map[string]map[string]agg.PriceQuote{
		"ml_home": {
			"primary": probQuote(0.40),
			"book":    stale,
		},
	})

	if sigs := e.Evaluate(ev); len(sigs) != 0 {
		t.Fatalf("expected stale quote ignored, got %d signals", len(sigs))
	}
}

func TestCooldownSuppressesRepeat(t *testing.T) {
	e := newTestEngine(Config{PrimarySource: "primary", Cooldown: time.Minute})

	ev := eventWith(map[string]map[string]agg.PriceQuote{
		"ml_home": {
			"primary": probQuote(0.40),
			"book":    probQuote(0.46),
		},
	})

	if sigs := e.Evaluate(ev); len(sigs) != 1 {
		t.Fatalf("first pass should fire, got %d", len(sigs))
	}
	if sigs := e.Evaluate(ev); len(sigs) != 0 {
		t.Fatalf("repeat inside cooldown should be quiet, got %d", len(sigs))
	}

	// A materially bigger edge breaks through the cooldown.
	ev.Markets["ml_home"]["book"] = probQuote(0.52)
	if sigs := e.Evaluate(ev); len(sigs) != 1 {
		t.Fatalf("edge growth should break cooldown, got %d", len(sigs))
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		edge float64
		want Urgency
	}{
		{0.03, UrgencyLow},
		{0.045, UrgencyMedium},
		{0.06, UrgencyHigh},
		{0.11, UrgencyCritical},
	}
	for _, tc := range cases {
		if got := classify(tc.edge); got != tc.want {
			t.Fatalf("classify(%f) = %s, want %s", tc.edge, got, tc.want)
		}
	}
}

func TestRankedOrderedByEdge(t *testing.T) {
	e := newTestEngine(Config{PrimarySource: "primary"})

	small := eventWith(map[string]map[string]agg.PriceQuote{
		"ml_home": {"primary": probQuote(0.40), "book": probQuote(0.44)},
	})
	big := agg.EventSnapshot{
		ID: "evt-2", HomeTeam: "A", AwayTeam: "B",
		Markets: map[string]map[string]agg.PriceQuote{
			"ml_away": {"primary": probQuote(0.30), "book": probQuote(0.42)},
		},
	}

	e.Evaluate(small)
	e.Evaluate(big)

	ranked := e.Ranked()
	if len(ranked) != 2 {
		t.Fatalf("expected two ranked signals, got %d", len(ranked))
	}
	if ranked[0].EventID != "evt-2" {
		t.Fatalf("largest edge should rank first, got %s", ranked[0].EventID)
	}
}
