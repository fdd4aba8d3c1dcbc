// Package flashscore implements the hybrid push/pull adapter: one
// HTTP bootstrap call seeds a full local match cache, then a push
// channel delivers partial diffs that are merged field-wise into the
// cache before matching and emission.
package flashscore

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
	"github.com/goalfuse/goalfuse/pkg/wsconn"
)

const (
	// SourceID is the stable source identifier.
	SourceID = "flashscore"

	defaultBootstrapInterval = 120 * time.Second
	updateBuffer             = 256
)

// Config holds adapter configuration.
type Config struct {
	BootstrapURL      string
	WSURL             string
	Sports            []string
	BootstrapInterval time.Duration
}

// Adapter is the FlashScore hybrid adapter.
type Adapter struct {
	config Config
	log    *logrus.Entry

	httpClient *http.Client
	conn       *wsconn.Conn
	updates    chan feed.Update

	filterMu sync.RWMutex
	filter   *match.TargetFilter

	cache *stateCache

	status  int32
	started atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the adapter.
func New(config Config, logger *logrus.Logger) *Adapter {
	if config.BootstrapInterval <= 0 {
		config.BootstrapInterval = defaultBootstrapInterval
	}
	return &Adapter{
		config:     config,
		log:        logger.WithField("source", SourceID),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		updates:    make(chan feed.Update, updateBuffer),
		cache:      newStateCache(),
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
	if a.conn != nil {
		r.ReconnectAttempts = a.conn.ReconnectAttempts()
		if err := a.conn.LastError(); err != nil {
			r.LastError = err.Error()
		}
	}
	return r
}

// SetTargetFilter installs or replaces the matching filter.
func (a *Adapter) SetTargetFilter(filter *match.TargetFilter) {
	a.filterMu.Lock()
	a.filter = filter
	a.filterMu.Unlock()
}

// Start bootstraps the snapshot and layers the push channel on top.
// Idempotent.
func (a *Adapter) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return nil
	}
	a.ctx, a.cancel = context.WithCancel(ctx)
	atomic.StoreInt32(&a.status, int32(feed.StatusConnecting))

	if err := a.bootstrap(a.ctx); err != nil {
		a.log.WithError(err).Warn("initial bootstrap failed")
	}

	a.conn = wsconn.New(wsconn.DefaultConfig(a.config.WSURL), wsconn.Handlers{
		OnOpen: func() {
			if a.Status() != feed.StatusStopped {
				atomic.StoreInt32(&a.status, int32(feed.StatusConnected))
				a.log.Info("push channel connected")
				a.subscribe()
			}
		},
		OnClose: func(err error) {
			if a.Status() != feed.StatusStopped {
				atomic.StoreInt32(&a.status, int32(feed.StatusReconnecting))
				a.log.WithError(err).Warn("push channel closed, reconnecting")
			}
		},
		OnFrame: func(_ int, data []byte) { a.handleDiff(data) },
		OnError: func(err error) { a.log.WithError(err).Warn("transport error") },
	})

	a.wg.Add(1)
	go a.bootstrapLoop()

	if err := a.conn.Start(a.ctx); err != nil {
		a.log.WithError(err).Warn("initial dial failed, reconnecting")
	}
	return nil
}

// Stop releases the socket and timers.
func (a *Adapter) Stop() {
	if !a.started.Load() {
		return
	}
	atomic.StoreInt32(&a.status, int32(feed.StatusStopped))
	if a.cancel != nil {
		a.cancel()
	}
	if a.conn != nil {
		a.conn.Close()
	}
	a.wg.Wait()
	close(a.updates)
}

func (a *Adapter) subscribe() {
	msg, _ := json.Marshal(map[string]any{"action": "subscribe", "sports": a.config.Sports})
	if err := a.conn.SendText(msg); err != nil {
		a.log.WithError(err).Warn("subscribe failed")
	}
}

// bootstrapLoop refreshes the full snapshot periodically so the cache
// recovers fields missed while the push channel was down.
func (a *Adapter) bootstrapLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.config.BootstrapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if err := a.bootstrap(a.ctx); err != nil {
				a.log.WithError(err).Warn("bootstrap refresh failed")
			}
		}
	}
}

type bootstrapResponse struct {
	Matches []matchDiff `json:"matches"`
}

func (a *Adapter) bootstrap(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.BootstrapURL, nil)
	if err != nil {
		return fmt.Errorf("creating bootstrap request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching bootstrap snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bootstrap snapshot returned %d", resp.StatusCode)
	}

	var snap bootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return fmt.Errorf("decoding bootstrap snapshot: %w", err)
	}

	for _, m := range snap.Matches {
		state := a.cache.merge(m)
		a.maybeEmit(state)
	}
	a.log.WithField("matches", len(snap.Matches)).Debug("bootstrap snapshot applied")
	return nil
}

// handleDiff merges one push diff into the cache and emits the merged
// state if it resolves and passes the filter.
func (a *Adapter) handleDiff(data []byte) {
	var diff matchDiff
	if err := json.Unmarshal(data, &diff); err != nil {
		a.log.WithError(err).Debug("dropping malformed diff")
		return
	}
	if diff.ID == "" {
		return
	}
	state := a.cache.merge(diff)
	a.maybeEmit(state)
}

func (a *Adapter) maybeEmit(state matchState) {
	if state.Home == "" || state.Away == "" {
		return
	}

	a.filterMu.RLock()
	filter := a.filter
	a.filterMu.RUnlock()
	if filter == nil || !filter.Accept(state.Home, state.Away) {
		return
	}

	update := feed.Update{
		SourceID:      SourceID,
		SourceEventID: state.ID,
		Sport:         state.Sport,
		League:        state.League,
		StartTime:     state.StartTime,
		HomeTeam:      state.Home,
		AwayTeam:      state.Away,
		Status:        state.Status,
		Period:        state.Period,
		EmittedAt:     time.Now(),
	}
	if state.HasScore {
		s := state.Score
		update.Score = &s
	}
	for key, price := range state.Odds {
		update.Prices = append(update.Prices, feed.PricePoint{
			Market: key,
			Price:  decimal.NewFromFloat(price),
		})
	}

	select {
	case a.updates <- update:
	default:
		a.log.Warn("update channel full, dropping")
	}
}
