// Package trader reacts to score transitions and divergence signals
// with a per-event state machine and bounded paper positions.
package trader

import (
	"time"

	"github.com/shopspring/decimal"
)

// State is the lifecycle stage of one tracked event.
type State int

const (
	// StateIdle means no goal activity is in flight for the event.
	StateIdle State = iota
	// StateRace means a score transition was detected and the window
	// for corroborating sources is open.
	StateRace
	// StateDeciding means the race window closed and the trader is
	// evaluating prices for an entry.
	StateDeciding
	// StatePositionOpen means a position is held on the event.
	StatePositionOpen
	// StateClosed means the position was exited; the event is done
	// for trading purposes.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRace:
		return "RACE"
	case StateDeciding:
		return "DECIDING"
	case StatePositionOpen:
		return "POSITION_OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Decision is the outcome of one entry evaluation.
type Decision int

const (
	// DecisionBuy is a live entry.
	DecisionBuy Decision = iota
	// DecisionDryBuy is a simulated entry taken while disarmed.
	DecisionDryBuy
	// DecisionPending means prices were not ready; the evaluation
	// will be retried on the next tick.
	DecisionPending
	// DecisionSkip means the opportunity was declined.
	DecisionSkip
)

func (d Decision) String() string {
	switch d {
	case DecisionBuy:
		return "BUY"
	case DecisionDryBuy:
		return "DRY_BUY"
	case DecisionPending:
		return "PENDING"
	case DecisionSkip:
		return "SKIP"
	default:
		return "UNKNOWN"
	}
}

// Position is one held (or simulated) stake on an event market.
type Position struct {
	ID            string          `json:"id"`
	EventID       string          `json:"event_id"`
	EventName     string          `json:"event_name"`
	Market        string          `json:"market"`
	Dry           bool            `json:"dry"`
	EntryProb     decimal.Decimal `json:"entry_prob"`
	CurrentProb   decimal.Decimal `json:"current_prob"`
	Stake         decimal.Decimal `json:"stake"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	OpenedAt      time.Time       `json:"opened_at"`
	ClosedAt      time.Time       `json:"closed_at,omitempty"`
	CloseReason   string          `json:"close_reason,omitempty"`
}

// Open reports whether the position is still held.
func (p *Position) Open() bool { return p.ClosedAt.IsZero() }

// Activity is one audit record of a trader decision.
type Activity struct {
	ID        string    `json:"id"`
	EventID   string    `json:"event_id"`
	EventName string    `json:"event_name"`
	Market    string    `json:"market,omitempty"`
	Decision  Decision  `json:"-"`
	Kind      string    `json:"kind"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}
