package match

import (
	"sync"
	"time"
)

// TargetEvent is a canonical fixture of interest taken from the
// primary market's event catalog.
type TargetEvent struct {
	ID        string    `json:"id"`
	Sport     string    `json:"sport"`
	HomeTeam  string    `json:"home_team"`
	AwayTeam  string    `json:"away_team"`
	StartTime time.Time `json:"start_time"`
}

// DefaultSimilarityThreshold gates borderline scored matches.
const DefaultSimilarityThreshold = 0.75

// TargetFilter checks candidate (home, away) pairs from adapters
// against the current target list. The list is replaced wholesale on
// every discovery refresh; adapters may swap it live.
type TargetFilter struct {
	mu        sync.RWMutex
	targets   []TargetEvent
	threshold float64
}

// NewTargetFilter creates a filter over the given targets.
func NewTargetFilter(targets []TargetEvent) *TargetFilter {
	return &TargetFilter{targets: targets, threshold: DefaultSimilarityThreshold}
}

// SetThreshold overrides the similarity threshold.
func (f *TargetFilter) SetThreshold(t float64) {
	f.mu.Lock()
	f.threshold = t
	f.mu.Unlock()
}

// Replace installs a new target list.
func (f *TargetFilter) Replace(targets []TargetEvent) {
	f.mu.Lock()
	f.targets = targets
	f.mu.Unlock()
}

// Len returns the number of installed targets.
func (f *TargetFilter) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.targets)
}

// Match returns the target the candidate pair resolves to, if any.
// Both home and away must individually satisfy the team test against
// the target's home/away respectively.
func (f *TargetFilter) Match(home, away string) (TargetEvent, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, t := range f.targets {
		if teamAccept(home, t.HomeTeam, f.threshold) && teamAccept(away, t.AwayTeam, f.threshold) {
			return t, true
		}
	}
	return TargetEvent{}, false
}

// Accept reports whether the candidate pair matches any target.
func (f *TargetFilter) Accept(home, away string) bool {
	_, ok := f.Match(home, away)
	return ok
}

func teamAccept(candidate, target string, threshold float64) bool {
	if NamesMatch(candidate, target) {
		return true
	}
	return Similarity(candidate, target) >= threshold
}
