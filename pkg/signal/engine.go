// Package signal turns cross-source price disagreement into trade
// signals. The primary market is the venue we can actually trade;
// every other source is evidence about where its price should be.
package signal

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/goalfuse/goalfuse/pkg/agg"
	"github.com/goalfuse/goalfuse/pkg/metrics"
)

// Action is what the divergence tells us to do on the primary market.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Urgency buckets a signal by edge size.
type Urgency string

const (
	UrgencyCritical Urgency = "critical"
	UrgencyHigh     Urgency = "high"
	UrgencyMedium   Urgency = "medium"
	UrgencyLow      Urgency = "low"
)

// Divergence thresholds in probability points.
const (
	hotThreshold      = 0.03
	mediumThreshold   = 0.045
	highThreshold     = 0.06
	criticalThreshold = 0.10
)

const (
	defaultCooldown    = 30 * time.Second
	defaultMaxQuoteAge = 2 * time.Minute
	rankedLimit        = 25
	// A repeat signal inside the cooldown still fires when the edge
	// grew by at least this much.
	cooldownBreakout = 0.02
)

// TradeSignal is one actionable divergence observation.
type TradeSignal struct {
	ID          string    `json:"id"`
	EventID     string    `json:"event_id"`
	EventName   string    `json:"event_name"`
	Market      string    `json:"market"`
	Action      Action    `json:"action"`
	Urgency     Urgency   `json:"urgency"`
	PrimaryProb float64   `json:"primary_prob"`
	BestProb    float64   `json:"best_prob"`
	BestSource  string    `json:"best_source"`
	Edge        float64   `json:"edge"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}

// Config controls the divergence engine.
type Config struct {
	// PrimarySource is the source id of the tradable market.
	PrimarySource string
	// Cooldown suppresses repeat signals per (event, market).
	Cooldown time.Duration
	// MaxQuoteAge discards quotes that have gone stale.
	MaxQuoteAge time.Duration
}

func (c *Config) withDefaults() {
	if c.Cooldown == 0 {
		c.Cooldown = defaultCooldown
	}
	if c.MaxQuoteAge == 0 {
		c.MaxQuoteAge = defaultMaxQuoteAge
	}
}

type lastFired struct {
	at   time.Time
	edge float64
}

// Engine evaluates events for cross-source divergence and keeps a
// bounded ranked list of recent signals.
type Engine struct {
	cfg Config
	log *logrus.Entry
	mtx *metrics.Metrics

	mu     sync.Mutex
	fired  map[string]lastFired // event id + market -> last emission
	ranked []TradeSignal

	handlers []func(TradeSignal)
}

// NewEngine creates an engine. PrimarySource must be set.
func NewEngine(cfg Config, m *metrics.Metrics, logger *logrus.Logger) *Engine {
	cfg.withDefaults()
	return &Engine{
		cfg:   cfg,
		log:   logger.WithField("component", "signal"),
		mtx:   m,
		fired: make(map[string]lastFired),
	}
}

// OnSignal registers a handler invoked for every emitted signal, on
// the caller's goroutine. Register before the first Evaluate.
func (e *Engine) OnSignal(fn func(TradeSignal)) {
	e.handlers = append(e.handlers, fn)
}

// ImpliedProb converts a stored quote to an implied probability.
// Probability quotes pass through; decimal odds invert.
func ImpliedProb(q agg.PriceQuote) (float64, bool) {
	v, _ := q.Price.Float64()
	if q.Prob {
		if v < 0 || v > 1 {
			return 0, false
		}
		return v, true
	}
	if v <= 1 {
		// Decimal odds at or below 1.0 are a feed glitch.
		return 0, false
	}
	inv, _ := decimal.NewFromInt(1).Div(q.Price).Float64()
	return inv, true
}

// Evaluate inspects one event and emits signals for every market where
// the best non-primary implied probability has pulled away from the
// primary's by the hot threshold or more.
func (e *Engine) Evaluate(ev agg.EventSnapshot) []TradeSignal {
	now := time.Now()
	var out []TradeSignal

	for market, slots := range ev.Markets {
		primary, ok := slots[e.cfg.PrimarySource]
		if !ok || now.Sub(primary.UpdatedAt) > e.cfg.MaxQuoteAge {
			continue
		}
		primaryProb, ok := ImpliedProb(primary)
		if !ok {
			continue
		}

		bestProb, bestSource, found := 0.0, "", false
		for src, q := range slots {
			if src == e.cfg.PrimarySource {
				continue
			}
			if now.Sub(q.UpdatedAt) > e.cfg.MaxQuoteAge {
				continue
			}
			p, ok := ImpliedProb(q)
			if !ok {
				continue
			}
			// The most divergent secondary wins, in either direction.
			if !found || abs(p-primaryProb) > abs(bestProb-primaryProb) {
				bestProb, bestSource, found = p, src, true
			}
		}
		if !found {
			continue
		}

		edge := bestProb - primaryProb
		if abs(edge) < hotThreshold {
			continue
		}

		sig := e.emit(ev, market, primaryProb, bestProb, bestSource, edge, now)
		if sig != nil {
			out = append(out, *sig)
		}
	}
	return out
}

func (e *Engine) emit(ev agg.EventSnapshot, market string, primaryProb, bestProb float64, bestSource string, edge float64, now time.Time) *TradeSignal {
	key := ev.ID + "|" + market

	e.mu.Lock()
	if last, ok := e.fired[key]; ok && now.Sub(last.at) < e.cfg.Cooldown {
		if abs(edge)-abs(last.edge) < cooldownBreakout {
			e.mu.Unlock()
			return nil
		}
	}
	e.fired[key] = lastFired{at: now, edge: edge}
	e.mu.Unlock()

	action := ActionBuy
	if edge < 0 {
		action = ActionSell
	}
	urgency := classify(abs(edge))

	sig := TradeSignal{
		ID:          uuid.New().String(),
		EventID:     ev.ID,
		EventName:   ev.HomeTeam + " vs " + ev.AwayTeam,
		Market:      market,
		Action:      action,
		Urgency:     urgency,
		PrimaryProb: primaryProb,
		BestProb:    bestProb,
		BestSource:  bestSource,
		Edge:        edge,
		Reason: fmt.Sprintf("%s implies %.1f%%, primary at %.1f%% (%+.1f pts)",
			bestSource, bestProb*100, primaryProb*100, edge*100),
		CreatedAt: now,
	}

	e.mu.Lock()
	e.ranked = append(e.ranked, sig)
	sort.Slice(e.ranked, func(i, j int) bool {
		return abs(e.ranked[i].Edge) > abs(e.ranked[j].Edge)
	})
	if len(e.ranked) > rankedLimit {
		e.ranked = e.ranked[:rankedLimit]
	}
	e.mu.Unlock()

	if e.mtx != nil {
		e.mtx.SignalsTotal.WithLabelValues(string(action), string(urgency)).Inc()
		e.mtx.SignalEdge.Observe(abs(edge))
	}
	e.log.WithFields(logrus.Fields{
		"event":   sig.EventName,
		"market":  market,
		"action":  action,
		"urgency": urgency,
		"edge":    fmt.Sprintf("%+.3f", edge),
	}).Info("divergence signal")

	for _, fn := range e.handlers {
		fn(sig)
	}
	return &sig
}

// Ranked returns the current signal leaderboard, largest edge first.
func (e *Engine) Ranked() []TradeSignal {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]TradeSignal, len(e.ranked))
	copy(out, e.ranked)
	return out
}

func classify(edge float64) Urgency {
	switch {
	case edge >= criticalThreshold:
		return UrgencyCritical
	case edge >= highThreshold:
		return UrgencyHigh
	case edge >= mediumThreshold:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
