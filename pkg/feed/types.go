// Package feed defines the contract between upstream source adapters
// and the event aggregator: one normalized update record, one status
// enum, and a channel-based push interface.
package feed

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/goalfuse/goalfuse/pkg/match"
)

// Status represents an adapter's connection state.
type Status int32

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusError
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusError:
		return "error"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// EventStatus is the lifecycle state of a fixture as reported upstream.
type EventStatus string

const (
	EventScheduled EventStatus = "scheduled"
	EventLive      EventStatus = "live"
	EventEnded     EventStatus = "ended"
)

// Score is a goal count pair.
type Score struct {
	Home int `json:"home"`
	Away int `json:"away"`
}

// Total returns home+away goals.
func (s Score) Total() int { return s.Home + s.Away }

// PricePoint is one market price as observed at a source.
type PricePoint struct {
	Market string          `json:"market"` // e.g. "ml_home", "o_2_5"
	Price  decimal.Decimal `json:"price"`
	// Prob marks the price as already being a 0-1 probability
	// (prediction-market convention) rather than decimal odds.
	Prob bool `json:"prob,omitempty"`
}

// Update is the normalized unit an adapter emits. Immutable once
// emitted; one adapter produces many per event over its lifetime.
type Update struct {
	SourceID      string       `json:"source_id"`
	SourceEventID string       `json:"source_event_id"`
	Sport         string       `json:"sport"`
	League        string       `json:"league,omitempty"`
	StartTime     time.Time    `json:"start_time,omitempty"`
	HomeTeam      string       `json:"home_team"`
	AwayTeam      string       `json:"away_team"`
	Status        EventStatus  `json:"status"`
	Score         *Score       `json:"score,omitempty"`
	Period        string       `json:"period,omitempty"`
	Prices        []PricePoint `json:"prices,omitempty"`
	EmittedAt     time.Time    `json:"emitted_at"`
}

// Adapter speaks one upstream source's native protocol and pushes
// normalized updates on its channel. Implementations own their
// connections and timers; a failing adapter must never affect another.
type Adapter interface {
	// Start begins connecting/polling. Idempotent.
	Start(ctx context.Context) error
	// Stop releases all timers and sockets. Final state is stopped.
	Stop()
	// SetTargetFilter installs or replaces the matching filter.
	SetTargetFilter(filter *match.TargetFilter)
	// Updates returns the adapter's outbound update channel.
	Updates() <-chan Update
	// Status reports the current connection state.
	Status() Status
	// Name returns the stable source identifier.
	Name() string
}

// StatusReport is an adapter's health as exposed in snapshots.
type StatusReport struct {
	Source            string    `json:"source"`
	Status            string    `json:"status"`
	LastError         string    `json:"last_error,omitempty"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	LastUpdateAt      time.Time `json:"last_update_at,omitempty"`
}
