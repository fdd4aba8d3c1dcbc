package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/goalfuse/goalfuse/pkg/feed"
	"github.com/goalfuse/goalfuse/pkg/match"
)

const (
	// SourceID is the stable source identifier. This source is the
	// primary venue: its prices are already 0-1 probabilities.
	SourceID = "polymarket"

	defaultPollInterval = 1 * time.Second
	updateBuffer        = 256
)

// Config holds adapter configuration.
type Config struct {
	BaseURL      string
	Sports       []string
	PollInterval time.Duration
}

// Adapter polls the venue's live scores/prices feed for the current
// target events and emits probability-convention price points.
type Adapter struct {
	config Config
	log    *logrus.Entry

	httpClient *http.Client
	updates    chan feed.Update

	filterMu sync.RWMutex
	filter   *match.TargetFilter

	status  int32
	started atomic.Bool
	lastErr atomic.Value // error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the adapter.
func New(config Config, logger *logrus.Logger) *Adapter {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	return &Adapter{
		config:     config,
		log:        logger.WithField("source", SourceID),
		httpClient: &http.Client{Timeout: 5 * time.Second},
		updates:    make(chan feed.Update, updateBuffer),
	}
}

// Name returns the source identifier.
func (a *Adapter) Name() string { return SourceID }

// Updates returns the adapter's outbound channel.
func (a *Adapter) Updates() <-chan feed.Update { return a.updates }

// Status reports the current connection state.
func (a *Adapter) Status() feed.Status { return feed.Status(atomic.LoadInt32(&a.status)) }

// Report returns the adapter's health snapshot.
func (a *Adapter) Report() feed.StatusReport {
	r := feed.StatusReport{Source: SourceID, Status: a.Status().String()}
	if err, ok := a.lastErr.Load().(error); ok && err != nil {
		r.LastError = err.Error()
	}
	return r
}

// SetTargetFilter installs or replaces the matching filter.
func (a *Adapter) SetTargetFilter(filter *match.TargetFilter) {
	a.filterMu.Lock()
	a.filter = filter
	a.filterMu.Unlock()
}

// Start begins polling. Idempotent.
func (a *Adapter) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return nil
	}
	a.ctx, a.cancel = context.WithCancel(ctx)
	atomic.StoreInt32(&a.status, int32(feed.StatusConnected))

	a.wg.Add(1)
	go a.pollLoop()
	return nil
}

// Stop releases all timers.
func (a *Adapter) Stop() {
	if !a.started.Load() {
		return
	}
	atomic.StoreInt32(&a.status, int32(feed.StatusStopped))
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	close(a.updates)
}

func (a *Adapter) pollLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if err := a.poll(a.ctx); err != nil {
				a.log.WithError(err).Debug("feed poll failed")
				a.lastErr.Store(err)
				atomic.StoreInt32(&a.status, int32(feed.StatusError))
			} else if a.Status() != feed.StatusStopped {
				atomic.StoreInt32(&a.status, int32(feed.StatusConnected))
			}
		}
	}
}

// liveEvent is one entry of the live feed: current score plus the
// venue's per-market probability prices.
type liveEvent struct {
	ID        string             `json:"id"`
	Sport     string             `json:"sport"`
	League    string             `json:"league"`
	HomeTeam  string             `json:"homeTeam"`
	AwayTeam  string             `json:"awayTeam"`
	Live      bool               `json:"live"`
	Ended     bool               `json:"ended"`
	Period    string             `json:"period"`
	HomeScore *int               `json:"homeScore"`
	AwayScore *int               `json:"awayScore"`
	Prices    map[string]float64 `json:"prices"` // market key -> probability (0-1)
}

func (a *Adapter) poll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	for _, sport := range a.config.Sports {
		url := fmt.Sprintf("%s/sports/live?sport=%s", a.config.BaseURL, sport)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("creating feed request: %w", err)
		}
		resp, err := a.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("fetching live feed for %s: %w", sport, err)
		}

		var events []liveEvent
		err = json.NewDecoder(resp.Body).Decode(&events)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decoding live feed for %s: %w", sport, err)
		}

		for _, ev := range events {
			if update, ok := a.normalize(ev); ok {
				a.emit(update)
			}
		}
	}
	return nil
}

func (a *Adapter) normalize(ev liveEvent) (feed.Update, bool) {
	if ev.ID == "" || ev.HomeTeam == "" || ev.AwayTeam == "" {
		return feed.Update{}, false
	}

	a.filterMu.RLock()
	filter := a.filter
	a.filterMu.RUnlock()
	if filter == nil || !filter.Accept(ev.HomeTeam, ev.AwayTeam) {
		return feed.Update{}, false
	}

	update := feed.Update{
		SourceID:      SourceID,
		SourceEventID: ev.ID,
		Sport:         ev.Sport,
		League:        ev.League,
		HomeTeam:      ev.HomeTeam,
		AwayTeam:      ev.AwayTeam,
		Period:        ev.Period,
		Status:        feed.EventScheduled,
		EmittedAt:     time.Now(),
	}
	if ev.Live {
		update.Status = feed.EventLive
	}
	if ev.Ended {
		update.Status = feed.EventEnded
	}
	if ev.HomeScore != nil && ev.AwayScore != nil {
		update.Score = &feed.Score{Home: *ev.HomeScore, Away: *ev.AwayScore}
	}
	for key, prob := range ev.Prices {
		if prob < 0 || prob > 1 {
			continue
		}
		update.Prices = append(update.Prices, feed.PricePoint{
			Market: key,
			Price:  decimal.NewFromFloat(prob),
			Prob:   true,
		})
	}
	return update, true
}

func (a *Adapter) emit(update feed.Update) {
	select {
	case a.updates <- update:
	default:
		a.log.Warn("update channel full, dropping")
	}
}
