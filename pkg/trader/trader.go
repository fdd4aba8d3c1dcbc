package trader

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/goalfuse/goalfuse/pkg/agg"
	"github.com/goalfuse/goalfuse/pkg/metrics"
	"github.com/goalfuse/goalfuse/pkg/signal"
)

const (
	defaultRaceWindow   = 3 * time.Second
	defaultDecideWindow = 15 * time.Second
	defaultMaxHold      = 10 * time.Minute
	defaultMaxPositions = 3
	activityLimit       = 200
	closedHistoryLimit  = 100
	// eventStateTTL drops settled event states so the table stays
	// bounded; a later goal on a dropped event starts from IDLE.
	eventStateTTL = time.Hour
)

// Config controls trader behavior. Zero fields take defaults.
type Config struct {
	// Stake is the notional committed per position.
	Stake decimal.Decimal
	// MinEdge is the minimum divergence (probability points) required
	// to enter. Defaults to the signal engine's hot threshold.
	MinEdge float64
	// RaceWindow is how long after a goal the trader waits for
	// corroborating sources before deciding.
	RaceWindow time.Duration
	// DecideWindow bounds how long an entry evaluation may stay
	// pending before it is skipped.
	DecideWindow time.Duration
	// MaxHold force-closes a position that has been open this long.
	MaxHold time.Duration
	// MaxPositions caps concurrent open positions.
	MaxPositions int
	// Armed starts the trader in live mode. Disarmed traders still
	// run the full pipeline but record DRY_BUY entries.
	Armed bool
}

func (c *Config) withDefaults() {
	if c.Stake.IsZero() {
		c.Stake = decimal.NewFromInt(100)
	}
	if c.MinEdge == 0 {
		c.MinEdge = 0.03
	}
	if c.RaceWindow == 0 {
		c.RaceWindow = defaultRaceWindow
	}
	if c.DecideWindow == 0 {
		c.DecideWindow = defaultDecideWindow
	}
	if c.MaxHold == 0 {
		c.MaxHold = defaultMaxHold
	}
	if c.MaxPositions == 0 {
		c.MaxPositions = defaultMaxPositions
	}
}

// eventState tracks one event's trading lifecycle. Each event has its
// own lock so a slow decision never stalls unrelated events.
type eventState struct {
	mu        sync.Mutex
	state     State
	eventName string
	enteredAt time.Time
	pending   *signal.TradeSignal
	position  *Position
}

// Trader runs the per-event goal trading state machine.
type Trader struct {
	cfg Config
	log *logrus.Entry
	mtx *metrics.Metrics

	mu       sync.RWMutex
	armed    bool
	enabled  bool
	events   map[string]*eventState
	open     int
	realized decimal.Decimal
	activity []Activity
	closed   []Position

	handlers []func(Activity)
}

// New creates a trader. It starts enabled; armed follows cfg.Armed.
func New(cfg Config, m *metrics.Metrics, logger *logrus.Logger) *Trader {
	cfg.withDefaults()
	return &Trader{
		cfg:     cfg,
		log:     logger.WithField("component", "trader"),
		mtx:     m,
		armed:   cfg.Armed,
		enabled: true,
		events:  make(map[string]*eventState),
	}
}

// OnActivity registers a handler for every activity record, invoked on
// the caller's goroutine. Register before wiring the trader in.
func (t *Trader) OnActivity(fn func(Activity)) {
	t.handlers = append(t.handlers, fn)
}

func (t *Trader) state(eventID, eventName string) *eventState {
	t.mu.Lock()
	defer t.mu.Unlock()
	es, ok := t.events[eventID]
	if !ok {
		es = &eventState{state: StateIdle, eventName: eventName}
		t.events[eventID] = es
	}
	if es.eventName == "" {
		es.eventName = eventName
	}
	return es
}

// OnTransition is wired to the aggregator: a detected score change
// opens the race window for the event.
func (t *Trader) OnTransition(tr *agg.Transition) {
	if tr == nil || !tr.First {
		return
	}
	if !t.isEnabled() {
		return
	}

	es := t.state(tr.Event.ID, tr.Event.DisplayName())
	es.mu.Lock()
	defer es.mu.Unlock()

	// CLOSED re-arms: every score change gets its own race, deciding
	// and close cycle. Only an in-flight cycle swallows the goal.
	if es.state != StateIdle && es.state != StateClosed {
		return
	}
	es.state = StateRace
	es.enteredAt = tr.ObservedAt
	es.pending = nil
	t.record(Activity{
		EventID:   tr.Event.ID,
		EventName: es.eventName,
		Kind:      "goal",
		Reason: fmt.Sprintf("%s reported %d-%d -> %d-%d",
			tr.Source, tr.ScoreBefore.Home, tr.ScoreBefore.Away,
			tr.ScoreAfter.Home, tr.ScoreAfter.Away),
	})
}

// OnSignal is wired to the signal engine. Signals arriving while the
// event is racing or deciding become the entry candidate.
func (t *Trader) OnSignal(sig signal.TradeSignal) {
	if !t.isEnabled() {
		return
	}
	es := t.state(sig.EventID, sig.EventName)
	es.mu.Lock()
	defer es.mu.Unlock()

	switch es.state {
	case StateRace, StateDeciding:
		if es.pending == nil || abs(sig.Edge) > abs(es.pending.Edge) {
			es.pending = &sig
		}
	}
}

// Tick advances time-driven transitions. Call it on a short interval
// (one second is plenty).
func (t *Trader) Tick(now time.Time) {
	t.mu.RLock()
	ids := make([]string, 0, len(t.events))
	for id := range t.events {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	for _, id := range ids {
		t.tickEvent(id, now)
	}
}

func (t *Trader) tickEvent(id string, now time.Time) {
	t.mu.RLock()
	es := t.events[id]
	t.mu.RUnlock()
	if es == nil {
		return
	}

	es.mu.Lock()
	defer es.mu.Unlock()

	switch es.state {
	case StateRace:
		if now.Sub(es.enteredAt) >= t.cfg.RaceWindow {
			es.state = StateDeciding
			es.enteredAt = now
			t.decideLocked(id, es, now)
		}
	case StateDeciding:
		t.decideLocked(id, es, now)
	case StatePositionOpen:
		if es.position != nil && now.Sub(es.position.OpenedAt) >= t.cfg.MaxHold {
			t.closeLocked(id, es, es.position.CurrentProb, "max hold reached", now)
		}
	case StateClosed:
		if now.Sub(es.enteredAt) >= eventStateTTL {
			t.mu.Lock()
			delete(t.events, id)
			t.mu.Unlock()
		}
	}
}

// decideLocked evaluates the entry. Caller holds es.mu.
func (t *Trader) decideLocked(id string, es *eventState, now time.Time) {
	if es.pending == nil {
		if now.Sub(es.enteredAt) >= t.cfg.DecideWindow {
			es.state = StateClosed
			es.enteredAt = now
			t.record(Activity{
				EventID: id, EventName: es.eventName,
				Decision: DecisionSkip, Kind: DecisionSkip.String(),
				Reason: "no divergence inside decide window",
			})
			t.countDecision(DecisionSkip)
		} else {
			// Prices not ready yet. Noted once per decide phase.
			if es.enteredAt.Equal(now) {
				t.record(Activity{
					EventID: id, EventName: es.eventName,
					Decision: DecisionPending, Kind: DecisionPending.String(),
					Reason: "awaiting post-goal prices",
				})
				t.countDecision(DecisionPending)
			}
		}
		return
	}

	sig := es.pending
	es.pending = nil

	if sig.Action != signal.ActionBuy || abs(sig.Edge) < t.cfg.MinEdge {
		es.state = StateClosed
		es.enteredAt = now
		t.record(Activity{
			EventID: id, EventName: es.eventName, Market: sig.Market,
			Decision: DecisionSkip, Kind: DecisionSkip.String(),
			Reason: fmt.Sprintf("edge %+.1f pts not tradable", sig.Edge*100),
		})
		t.countDecision(DecisionSkip)
		return
	}

	t.mu.Lock()
	if t.open >= t.cfg.MaxPositions {
		t.mu.Unlock()
		es.state = StateClosed
		es.enteredAt = now
		t.record(Activity{
			EventID: id, EventName: es.eventName, Market: sig.Market,
			Decision: DecisionSkip, Kind: DecisionSkip.String(),
			Reason: fmt.Sprintf("position cap %d reached", t.cfg.MaxPositions),
		})
		t.countDecision(DecisionSkip)
		return
	}
	t.open++
	armed := t.armed
	t.mu.Unlock()

	decision := DecisionBuy
	if !armed {
		decision = DecisionDryBuy
	}
	entry := decimal.NewFromFloat(sig.PrimaryProb)
	es.position = &Position{
		ID:          uuid.New().String(),
		EventID:     id,
		EventName:   es.eventName,
		Market:      sig.Market,
		Dry:         decision == DecisionDryBuy,
		EntryProb:   entry,
		CurrentProb: entry,
		Stake:       t.cfg.Stake,
		OpenedAt:    now,
	}
	es.state = StatePositionOpen

	t.record(Activity{
		EventID: id, EventName: es.eventName, Market: sig.Market,
		Decision: decision, Kind: decision.String(),
		Reason: sig.Reason,
	})
	t.countDecision(decision)
	if t.mtx != nil {
		t.mtx.PositionsOpen.Inc()
	}
	t.log.WithFields(logrus.Fields{
		"event":  es.eventName,
		"market": sig.Market,
		"entry":  entry.String(),
		"mode":   decision.String(),
	}).Info("position opened")
}

// OnPrice is wired to aggregator change notifications: marks open
// positions to the latest primary probability. Pending decisions are
// re-evaluated by Tick, not here.
func (t *Trader) OnPrice(ev agg.EventSnapshot, primarySource string, now time.Time) {
	t.mu.RLock()
	es := t.events[ev.ID]
	t.mu.RUnlock()
	if es == nil {
		return
	}

	es.mu.Lock()
	defer es.mu.Unlock()

	if es.state != StatePositionOpen || es.position == nil {
		return
	}
	slots, ok := ev.Markets[es.position.Market]
	if !ok {
		return
	}
	q, ok := slots[primarySource]
	if !ok || !q.Prob {
		return
	}

	p := es.position
	p.CurrentProb = q.Price
	if p.EntryProb.IsPositive() {
		// Stake buys stake/entry shares; each share settles at the
		// current probability.
		shares := p.Stake.Div(p.EntryProb)
		p.UnrealizedPnL = shares.Mul(p.CurrentProb.Sub(p.EntryProb))
	}
}

// Close exits the event's open position at the last marked price.
func (t *Trader) Close(eventID, reason string) error {
	t.mu.RLock()
	es := t.events[eventID]
	t.mu.RUnlock()
	if es == nil {
		return fmt.Errorf("trader: unknown event %s", eventID)
	}

	es.mu.Lock()
	defer es.mu.Unlock()
	if es.state != StatePositionOpen || es.position == nil {
		return fmt.Errorf("trader: no open position for %s", eventID)
	}
	t.closeLocked(eventID, es, es.position.CurrentProb, reason, time.Now())
	return nil
}

// closeLocked settles the position. Caller holds es.mu.
func (t *Trader) closeLocked(id string, es *eventState, exit decimal.Decimal, reason string, now time.Time) {
	p := es.position
	p.CurrentProb = exit
	if p.EntryProb.IsPositive() {
		shares := p.Stake.Div(p.EntryProb)
		p.RealizedPnL = shares.Mul(exit.Sub(p.EntryProb))
	}
	p.UnrealizedPnL = decimal.Zero
	p.ClosedAt = now
	p.CloseReason = reason
	es.state = StateClosed
	es.enteredAt = now
	es.position = nil

	t.mu.Lock()
	t.open--
	if !p.Dry {
		t.realized = t.realized.Add(p.RealizedPnL)
	}
	realized := t.realized
	t.closed = append(t.closed, *p)
	if len(t.closed) > closedHistoryLimit {
		t.closed = t.closed[len(t.closed)-closedHistoryLimit:]
	}
	t.mu.Unlock()

	t.record(Activity{
		EventID: id, EventName: es.eventName, Market: p.Market,
		Kind:   "close",
		Reason: fmt.Sprintf("%s, pnl %s", reason, p.RealizedPnL.StringFixed(2)),
	})
	if t.mtx != nil {
		t.mtx.PositionsOpen.Dec()
		t.mtx.HoldDuration.Observe(now.Sub(p.OpenedAt).Seconds())
		if !p.Dry {
			f, _ := realized.Float64()
			t.mtx.RealizedPnL.Set(f)
		}
	}
	t.log.WithFields(logrus.Fields{
		"event":  es.eventName,
		"market": p.Market,
		"pnl":    p.RealizedPnL.StringFixed(2),
		"reason": reason,
	}).Info("position closed")
}

func (t *Trader) record(a Activity) {
	a.ID = uuid.New().String()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	t.mu.Lock()
	t.activity = append(t.activity, a)
	if len(t.activity) > activityLimit {
		t.activity = t.activity[len(t.activity)-activityLimit:]
	}
	t.mu.Unlock()

	for _, fn := range t.handlers {
		fn(a)
	}
}

func (t *Trader) countDecision(d Decision) {
	if t.mtx != nil {
		t.mtx.DecisionsTotal.WithLabelValues(d.String()).Inc()
	}
}

func (t *Trader) isEnabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

// Positions returns copies of all positions, closed history first and
// open positions after it.
func (t *Trader) Positions() []Position {
	t.mu.RLock()
	out := make([]Position, len(t.closed))
	copy(out, t.closed)
	events := make([]*eventState, 0, len(t.events))
	for _, es := range t.events {
		events = append(events, es)
	}
	t.mu.RUnlock()

	for _, es := range events {
		es.mu.Lock()
		if es.position != nil {
			out = append(out, *es.position)
		}
		es.mu.Unlock()
	}
	return out
}

// Activity returns a copy of the recent activity log, oldest first.
func (t *Trader) Activity() []Activity {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Activity, len(t.activity))
	copy(out, t.activity)
	return out
}

// EventState reports the lifecycle stage of one event.
func (t *Trader) EventState(eventID string) State {
	t.mu.RLock()
	es := t.events[eventID]
	t.mu.RUnlock()
	if es == nil {
		return StateIdle
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.state
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
