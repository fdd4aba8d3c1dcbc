// Package onexbet implements the pure-polling adapter: sub-second
// per-fixture HTTP polls issued in bounded batches, a slower timer
// rediscovering the live fixture list, and a monotonicity guard that
// discards score readings whose goal total regresses.
package onexbet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/goalfuse/goalfuse/pkg/feed"
	"github.com/goalfuse/goalfuse/pkg/match"
)

const (
	// SourceID is the stable source identifier.
	SourceID = "1xbet"

	defaultPollInterval      = 700 * time.Millisecond
	defaultDiscoveryInterval = 30 * time.Second
	defaultBatchSize         = 8
	requestTimeout           = 5 * time.Second
	updateBuffer             = 256
)

// virtualMarkers flag simulated/esports fixtures that must not enter
// the matching pipeline.
var virtualMarkers = []string{"esoccer", "ebasketball", "cyber", "srl", "simulated", "(v)", "8 mins", "h2h gg"}

// Config holds adapter configuration.
type Config struct {
	BaseURL           string
	Sports            []string
	PollInterval      time.Duration
	DiscoveryInterval time.Duration
	BatchSize         int
}

// Adapter is the 1xBet polling adapter.
type Adapter struct {
	config Config
	log    *logrus.Entry

	httpClient *http.Client
	limiter    *rate.Limiter
	updates    chan feed.Update

	filterMu sync.RWMutex
	filter   *match.TargetFilter

	mu       sync.Mutex
	fixtures map[string]*fixtureState
	inflight map[string]bool

	status  int32
	started atomic.Bool
	lastErr atomic.Value // error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// fixtureState tracks per-fixture identity and the last accepted score
// for the monotonicity guard.
type fixtureState struct {
	ID        string
	Home      string
	Away      string
	Sport     string
	League    string
	StartTime time.Time

	hasScore  bool
	lastScore feed.Score
}

// New creates the adapter.
func New(config Config, logger *logrus.Logger) *Adapter {
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	if config.DiscoveryInterval <= 0 {
		config.DiscoveryInterval = defaultDiscoveryInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	return &Adapter{
		config:     config,
		log:        logger.WithField("source", SourceID),
		httpClient: &http.Client{Timeout: requestTimeout},
		// Pace outbound requests so a large live list cannot burst the
		// upstream: batch size per poll tick, twice that as burst.
		limiter:  rate.NewLimiter(rate.Limit(float64(config.BatchSize)/config.PollInterval.Seconds()), config.BatchSize*2),
		updates:  make(chan feed.Update, updateBuffer),
		fixtures: make(map[string]*fixtureState),
		inflight: make(map[string]bool),
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

// Start begins discovery and polling. Idempotent.
func (a *Adapter) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return nil
	}
	a.ctx, a.cancel = context.WithCancel(ctx)
	atomic.StoreInt32(&a.status, int32(feed.StatusConnecting))

	if err := a.discover(a.ctx); err != nil {
		a.log.WithError(err).Warn("initial discovery failed")
		a.lastErr.Store(err)
	} else {
		atomic.StoreInt32(&a.status, int32(feed.StatusConnected))
	}

	a.wg.Add(2)
	go a.discoveryLoop()
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

// --- discovery ---

type liveListResponse struct {
	Value []struct {
		ID     json.Number `json:"I"`
		Home   string      `json:"O1"`
		Away   string      `json:"O2"`
		League string      `json:"L"`
		Sport  string      `json:"SE"`
		Start  int64       `json:"S"`
	} `json:"Value"`
}

func (a *Adapter) discoveryLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.config.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if err := a.discover(a.ctx); err != nil {
				a.log.WithError(err).Warn("discovery failed")
				a.lastErr.Store(err)
				atomic.StoreInt32(&a.status, int32(feed.StatusError))
			} else if a.Status() != feed.StatusStopped {
				atomic.StoreInt32(&a.status, int32(feed.StatusConnected))
			}
		}
	}
}

// discover refreshes the live fixture list. Known fixtures keep their
// monotonicity state; fixtures that left the list are dropped.
func (a *Adapter) discover(ctx context.Context) error {
	seen := make(map[string]bool)

	for _, sport := range a.config.Sports {
		url := fmt.Sprintf("%s/LiveFeed/Get1x2_VZip?sports=%s&count=200", a.config.BaseURL, sport)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("creating discovery request: %w", err)
		}
		resp, err := a.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("fetching live list for %s: %w", sport, err)
		}

		var list liveListResponse
		err = json.NewDecoder(resp.Body).Decode(&list)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decoding live list for %s: %w", sport, err)
		}

		a.mu.Lock()
		for _, f := range list.Value {
			id := f.ID.String()
			if id == "" || f.Home == "" || f.Away == "" {
				continue
			}
			if IsVirtualFixture(f.Home, f.Away, f.League) {
				continue
			}
			seen[id] = true
			if existing, ok := a.fixtures[id]; ok {
				existing.League = f.League
				continue
			}
			a.fixtures[id] = &fixtureState{
				ID:        id,
				Home:      f.Home,
				Away:      f.Away,
				Sport:     sport,
				League:    f.League,
				StartTime: time.Unix(f.Start, 0).UTC(),
			}
		}
		a.mu.Unlock()
	}

	a.mu.Lock()
	for id := range a.fixtures {
		if !seen[id] {
			delete(a.fixtures, id)
		}
	}
	count := len(a.fixtures)
	a.mu.Unlock()

	a.log.WithField("fixtures", count).Debug("live list refreshed")
	return nil
}

// IsVirtualFixture reports whether a fixture looks simulated based on
// name-pattern heuristics.
func IsVirtualFixture(home, away, league string) bool {
	joined := strings.ToLower(home + " " + away + " " + league)
	for _, marker := range virtualMarkers {
		if strings.Contains(joined, marker) {
			return true
		}
	}
	return false
}

// --- polling ---

func (a *Adapter) pollLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.pollTick()
		}
	}
}

// pollTick fetches per-fixture state for target fixtures in bounded
// batches. Fixtures with a request still in flight are skipped so one
// hung request never blocks the next tick.
func (a *Adapter) pollTick() {
	batch := a.nextBatch()
	for _, fx := range batch {
		fx := fx
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer a.clearInflight(fx.ID)

			if err := a.limiter.Wait(a.ctx); err != nil {
				return
			}
			if err := a.pollFixture(a.ctx, fx); err != nil {
				a.log.WithError(err).WithField("fixture", fx.ID).Debug("fixture poll failed")
				a.lastErr.Store(err)
			}
		}()
	}
}

// nextBatch selects up to BatchSize target-relevant fixtures that are
// not already being fetched and marks them in flight.
func (a *Adapter) nextBatch() []*fixtureState {
	a.filterMu.RLock()
	filter := a.filter
	a.filterMu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	var batch []*fixtureState
	for _, fx := range a.fixtures {
		if len(batch) >= a.config.BatchSize {
			break
		}
		if a.inflight[fx.ID] {
			continue
		}
		if filter == nil || !filter.Accept(fx.Home, fx.Away) {
			continue
		}
		a.inflight[fx.ID] = true
		batch = append(batch, fx)
	}
	return batch
}

func (a *Adapter) clearInflight(id string) {
	a.mu.Lock()
	delete(a.inflight, id)
	a.mu.Unlock()
}

type fixtureResponse struct {
	Value struct {
		ID    json.Number `json:"I"`
		Score *struct {
			Home   int    `json:"S1"`
			Away   int    `json:"S2"`
			Period string `json:"PS"`
		} `json:"SC"`
		Finished bool `json:"F"`
		Events   []struct {
			Type  int     `json:"T"` // 1 home win, 2 draw, 3 away win, 9/10 totals
			Coef  float64 `json:"C"`
			Param float64 `json:"P"`
		} `json:"E"`
	} `json:"Value"`
}

func (a *Adapter) pollFixture(ctx context.Context, fx *fixtureState) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/LiveFeed/GetGameZip?id=%s", a.config.BaseURL, fx.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating fixture request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching fixture %s: %w", fx.ID, err)
	}
	defer resp.Body.Close()

	var fr fixtureResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return fmt.Errorf("decoding fixture %s: %w", fx.ID, err)
	}

	update, ok := a.applyReading(fx, fr)
	if !ok {
		return nil
	}

	select {
	case a.updates <- update:
	default:
		a.log.Warn("update channel full, dropping")
	}
	return nil
}

// applyReading validates a poll result against the fixture's accepted
// state and produces an update. Readings whose goal total is lower
// than the last accepted one are stale upstream data and discarded.
func (a *Adapter) applyReading(fx *fixtureState, fr fixtureResponse) (feed.Update, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	update := feed.Update{
		SourceID:      SourceID,
		SourceEventID: fx.ID,
		Sport:         fx.Sport,
		League:        fx.League,
		StartTime:     fx.StartTime,
		HomeTeam:      fx.Home,
		AwayTeam:      fx.Away,
		Status:        feed.EventLive,
		EmittedAt:     time.Now(),
	}
	if fr.Value.Finished {
		update.Status = feed.EventEnded
	}

	if sc := fr.Value.Score; sc != nil {
		reading := feed.Score{Home: sc.Home, Away: sc.Away}
		if fx.hasScore && reading.Total() < fx.lastScore.Total() {
			a.log.WithFields(logrus.Fields{
				"fixture":  fx.ID,
				"accepted": fmt.Sprintf("%d-%d", fx.lastScore.Home, fx.lastScore.Away),
				"reading":  fmt.Sprintf("%d-%d", reading.Home, reading.Away),
			}).Warn("score regression discarded")
			return feed.Update{}, false
		}
		fx.hasScore = true
		fx.lastScore = reading
		update.Score = &reading
		update.Period = sc.Period
	}

	for _, ev := range fr.Value.Events {
		key, ok := marketKey(ev.Type, ev.Param)
		if !ok || ev.Coef <= 1 {
			continue
		}
		update.Prices = append(update.Prices, feed.PricePoint{
			Market: key,
			Price:  decimal.NewFromFloat(ev.Coef),
		})
	}

	return update, true
}

// marketKey maps the upstream's numeric bet type onto our market keys.
func marketKey(betType int, param float64) (string, bool) {
	switch betType {
	case 1:
		return "ml_home", true
	case 2:
		return "ml_draw", true
	case 3:
		return "ml_away", true
	case 9:
		return fmt.Sprintf("o_%s", formatLine(param)), true
	case 10:
		return fmt.Sprintf("u_%s", formatLine(param)), true
	default:
		return "", false
	}
}

func formatLine(param float64) string {
	return strings.ReplaceAll(strings.TrimSuffix(fmt.Sprintf("%.1f", param), ".0"), ".", "_")
}
