package trader

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/goalfuse/goalfuse/pkg/agg"
	"github.com/goalfuse/goalfuse/pkg/feed"
	"github.com/goalfuse/goalfuse/pkg/signal"
)

func newTestTrader(cfg Config) *Trader {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return New(cfg, nil, logger)
}

func goalAt(t time.Time) *agg.Transition {
	return &agg.Transition{
		Event:       &agg.Event{ID: "evt-1", HomeTeam: "Team X", AwayTeam: "Team Y"},
		Source:      "alpha",
		ScoreBefore: feed.Score{},
		ScoreAfter:  feed.Score{Home: 1},
		ObservedAt:  t,
		First:       true,
	}
}

func buySignal(edge float64) signal.TradeSignal {
	return signal.TradeSignal{
		ID:          "sig-1",
		EventID:     "evt-1",
		EventName:   "Team X vs Team Y",
		Market:      "ml_home",
		Action:      signal.ActionBuy,
		PrimaryProb: 0.40,
		BestProb:    0.40 + edge,
		Edge:        edge,
		Reason:      "test",
	}
}

func TestGoalOpensRaceThenDeciding(t *testing.T) {
	tr := newTestTrader(Config{RaceWindow: time.Second})

	base := time.Now()
	tr.OnTransition(goalAt(base))
	if got := tr.EventState("evt-1"); got != StateRace {
		t.Fatalf("state = %s, want RACE", got)
	}

	tr.Tick(base.Add(500 * time.Millisecond))
	if got := tr.EventState("evt-1"); got != StateRace {
		t.Fatalf("state = %s, want RACE before window closes", got)
	}

	tr.Tick(base.Add(1100 * time.Millisecond))
	if got := tr.EventState("evt-1"); got != StateDeciding {
		t.Fatalf("state = %s, want DECIDING", got)
	}
}

func TestDryBuyWhenDisarmed(t *testing.T) {
	tr := newTestTrader(Config{RaceWindow: time.Second})

	base := time.Now()
	tr.OnTransition(goalAt(base))
	tr.OnSignal(buySignal(0.06))
	tr.Tick(base.Add(2 * time.Second))

	if got := tr.EventState("evt-1"); got != StatePositionOpen {
		t.Fatalf("state = %s, want POSITION_OPEN", got)
	}
	positions := tr.Positions()
	if len(positions) != 1 {
		t.Fatalf("expected one position, got %d", len(positions))
	}
	if !positions[0].Dry {
		t.Fatal("disarmed trader must open dry positions")
	}

	var sawDry bool
	for _, a := range tr.Activity() {
		if a.Kind == "DRY_BUY" {
			sawDry = true
		}
	}
	if !sawDry {
		t.Fatal("expected a DRY_BUY activity record")
	}
}

func TestArmedTraderBuysLive(t *testing.T) {
	tr := newTestTrader(Config{RaceWindow: time.Second, Armed: true})

	base := time.Now()
	tr.OnTransition(goalAt(base))
	tr.OnSignal(buySignal(0.06))
	tr.Tick(base.Add(2 * time.Second))

	positions := tr.Positions()
	if len(positions) != 1 || positions[0].Dry {
		t.Fatalf("expected one live position, got %+v", positions)
	}
}

func TestSmallEdgeSkips(t *testing.T) {
	tr := newTestTrader(Config{RaceWindow: time.Second, MinEdge: 0.03})

	base := time.Now()
	tr.OnTransition(goalAt(base))
	tr.OnSignal(buySignal(0.01))
	tr.Tick(base.Add(2 * time.Second))

	if got := tr.EventState("evt-1"); got != StateClosed {
		t.Fatalf("state = %s, want CLOSED after skip", got)
	}
	if got := len(tr.Positions()); got != 0 {
		t.Fatalf("expected no positions, got %d", got)
	}
}

func TestDecideWindowExpiresToSkip(t *testing.T) {
	tr := newTestTrader(Config{RaceWindow: time.Second, DecideWindow: 5 * time.Second})

	base := time.Now()
	tr.OnTransition(goalAt(base))
	tr.Tick(base.Add(2 * time.Second))  // RACE -> DECIDING, pending
	tr.Tick(base.Add(10 * time.Second)) // decide window expired

	if got := tr.EventState("evt-1"); got != StateClosed {
		t.Fatalf("state = %s, want CLOSED", got)
	}

	var sawPending, sawSkip bool
	for _, a := range tr.Activity() {
		switch a.Kind {
		case "PENDING":
			sawPending = true
		case "SKIP":
			sawSkip = true
		}
	}
	if !sawPending || !sawSkip {
		t.Fatalf("expected PENDING then SKIP, pending=%v skip=%v", sawPending, sawSkip)
	}
}

func TestPositionCapEnforced(t *testing.T) {
	tr := newTestTrader(Config{RaceWindow: time.Second, MaxPositions: 1})

	base := time.Now()
	tr.OnTransition(goalAt(base))
	tr.OnSignal(buySignal(0.06))
	tr.Tick(base.Add(2 * time.Second))

	second := goalAt(base)
	second.Event = &agg.Event{ID: "evt-2", HomeTeam: "A", AwayTeam: "B"}
	tr.OnTransition(second)
	sig := buySignal(0.06)
	sig.EventID = "evt-2"
	tr.OnSignal(sig)
	tr.Tick(base.Add(4 * time.Second))

	if got := len(tr.Positions()); got != 1 {
		t.Fatalf("cap of one should hold, got %d positions", got)
	}
	if got := tr.EventState("evt-2"); got != StateClosed {
		t.Fatalf("capped event state = %s, want CLOSED", got)
	}
}

func TestMaxHoldForcesClose(t *testing.T) {
	tr := newTestTrader(Config{RaceWindow: time.Second, MaxHold: time.Minute})

	base := time.Now()
	tr.OnTransition(goalAt(base))
	tr.OnSignal(buySignal(0.06))
	tr.Tick(base.Add(2 * time.Second))
	tr.Tick(base.Add(2 * time.Minute))

	if got := tr.EventState("evt-1"); got != StateClosed {
		t.Fatalf("state = %s, want CLOSED after max hold", got)
	}
	positions := tr.Positions()
	if len(positions) != 1 || positions[0].Open() {
		t.Fatalf("position should be closed, got %+v", positions)
	}
}

func TestSecondGoalRearmsAfterClose(t *testing.T) {
	tr := newTestTrader(Config{RaceWindow: time.Second, MaxHold: time.Minute})

	base := time.Now()
	tr.OnTransition(goalAt(base))
	tr.OnSignal(buySignal(0.06))
	tr.Tick(base.Add(2 * time.Second))
	tr.Tick(base.Add(2 * time.Minute)) // max hold closes the first cycle

	if got := tr.EventState("evt-1"); got != StateClosed {
		t.Fatalf("state = %s, want CLOSED after first cycle", got)
	}

	// The 2-0 goal on the same fixture must start a fresh cycle.
	second := goalAt(base.Add(3 * time.Minute))
	second.ScoreBefore = feed.Score{Home: 1}
	second.ScoreAfter = feed.Score{Home: 2}
	tr.OnTransition(second)
	if got := tr.EventState("evt-1"); got != StateRace {
		t.Fatalf("state = %s, want RACE on next goal", got)
	}
	tr.OnSignal(buySignal(0.06))
	tr.Tick(base.Add(3*time.Minute + 2*time.Second))

	if got := tr.EventState("evt-1"); got != StatePositionOpen {
		t.Fatalf("state = %s, want POSITION_OPEN on next goal", got)
	}
	positions := tr.Positions()
	if len(positions) != 2 {
		t.Fatalf("expected closed and open positions, got %d", len(positions))
	}
	if positions[0].Open() || !positions[1].Open() {
		t.Fatalf("want [closed, open], got open=%v,%v",
			positions[0].Open(), positions[1].Open())
	}
}

func TestGoalAfterSkipRearms(t *testing.T) {
	tr := newTestTrader(Config{RaceWindow: time.Second, MinEdge: 0.03})

	base := time.Now()
	tr.OnTransition(goalAt(base))
	tr.OnSignal(buySignal(0.01))
	tr.Tick(base.Add(2 * time.Second))
	if got := tr.EventState("evt-1"); got != StateClosed {
		t.Fatalf("state = %s, want CLOSED after skip", got)
	}

	second := goalAt(base.Add(time.Minute))
	second.ScoreBefore = feed.Score{Home: 1}
	second.ScoreAfter = feed.Score{Home: 1, Away: 1}
	tr.OnTransition(second)
	tr.OnSignal(buySignal(0.06))
	tr.Tick(base.Add(time.Minute + 2*time.Second))

	if got := tr.EventState("evt-1"); got != StatePositionOpen {
		t.Fatalf("state = %s, want POSITION_OPEN after re-arm", got)
	}
}

func TestClosedEventStateEvicted(t *testing.T) {
	tr := newTestTrader(Config{RaceWindow: time.Second, MaxHold: time.Minute})

	base := time.Now()
	tr.OnTransition(goalAt(base))
	tr.OnSignal(buySignal(0.06))
	tr.Tick(base.Add(2 * time.Second))
	tr.Tick(base.Add(2 * time.Minute))

	tr.Tick(base.Add(2 * time.Hour))
	if got := tr.EventState("evt-1"); got != StateIdle {
		t.Fatalf("state = %s, want IDLE after eviction", got)
	}
	// Settled positions stay reportable after the state is gone.
	positions := tr.Positions()
	if len(positions) != 1 || positions[0].Open() {
		t.Fatalf("expected one archived closed position, got %+v", positions)
	}
}

func TestPnLMarksToPrimaryPrice(t *testing.T) {
	tr := newTestTrader(Config{RaceWindow: time.Second, Stake: decimal.NewFromInt(100)})

	base := time.Now()
	tr.OnTransition(goalAt(base))
	tr.OnSignal(buySignal(0.06)) // entry at primary prob 0.40
	tr.Tick(base.Add(2 * time.Second))

	snap := agg.EventSnapshot{
		ID: "evt-1",
		Markets: map[string]map[string]agg.PriceQuote{
			"ml_home": {
				"primary": {Price: decimal.NewFromFloat(0.50), Prob: true, UpdatedAt: base},
			},
		},
	}
	tr.OnPrice(snap, "primary", base.Add(3*time.Second))

	positions := tr.Positions()
	if len(positions) != 1 {
		t.Fatalf("expected one position, got %d", len(positions))
	}
	// 100 stake at 0.40 buys 250 shares; 0.10 move is +25.
	want := decimal.NewFromInt(25)
	if !positions[0].UnrealizedPnL.Equal(want) {
		t.Fatalf("unrealized pnl = %s, want %s", positions[0].UnrealizedPnL, want)
	}
}

func TestCommands(t *testing.T) {
	tr := newTestTrader(Config{})

	st, err := tr.Apply(CommandArm)
	if err != nil || !st.Armed {
		t.Fatalf("arm: status=%+v err=%v", st, err)
	}
	st, err = tr.Apply(CommandDisarm)
	if err != nil || st.Armed {
		t.Fatalf("disarm: status=%+v err=%v", st, err)
	}
	st, err = tr.Apply(CommandDisable)
	if err != nil || st.Enabled {
		t.Fatalf("disable: status=%+v err=%v", st, err)
	}

	// Disabled trader ignores new goals.
	tr.OnTransition(goalAt(time.Now()))
	if got := tr.EventState("evt-1"); got != StateIdle {
		t.Fatalf("disabled trader state = %s, want IDLE", got)
	}

	if _, err := ParseCommand("explode"); err == nil {
		t.Fatal("unknown verb should error")
	}
	cmd, err := ParseCommand("enable")
	if err != nil || cmd != CommandEnable {
		t.Fatalf("parse enable: %v %v", cmd, err)
	}
}
