// Package sofascore implements the push adapter for the SofaScore
// live-score feed: a NATS-style textual pub/sub protocol tunneled
// over WebSocket, with an independent HTTP discovery poll that keeps
// team-name metadata for the partial push updates.
package sofascore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/goalfuse/goalfuse/pkg/feed"
	"github.com/goalfuse/goalfuse/pkg/match"
	"github.com/goalfuse/goalfuse/pkg/wsconn"
)

const (
	// SourceID is the stable source identifier.
	SourceID = "sofascore"

	defaultDiscoveryInterval = 60 * time.Second
	pingInterval             = 25 * time.Second
	updateBuffer             = 256
)

// Config holds adapter configuration. Immutable after construction
// except the target filter, which SetTargetFilter swaps live.
type Config struct {
	WSURL             string
	SnapshotURL       string
	Sports            []string
	DiscoveryInterval time.Duration
}

// Adapter is the SofaScore push adapter.
type Adapter struct {
	config Config
	log    *logrus.Entry

	conn    *wsconn.Conn
	parser  frameParser
	updates chan feed.Update

	filterMu sync.RWMutex
	filter   *match.TargetFilter

	meta      *metaCache
	discovery *discoveryClient

	status  int32 // atomic feed.Status
	started atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lastUpdateMu sync.Mutex
	lastUpdateAt time.Time
}

// New creates the adapter.
func New(config Config, logger *logrus.Logger) *Adapter {
	if config.DiscoveryInterval <= 0 {
		config.DiscoveryInterval = defaultDiscoveryInterval
	}
	a := &Adapter{
		config:  config,
		log:     logger.WithField("source", SourceID),
		updates: make(chan feed.Update, updateBuffer),
		meta:    newMetaCache(),
	}
	a.discovery = newDiscoveryClient(config.SnapshotURL, config.Sports)
	return a
}

// Name returns the source identifier.
func (a *Adapter) Name() string { return SourceID }

// Updates returns the adapter's outbound channel.
func (a *Adapter) Updates() <-chan feed.Update { return a.updates }

// Status reports the current connection state.
func (a *Adapter) Status() feed.Status { return feed.Status(atomic.LoadInt32(&a.status)) }

// Report returns the adapter's health snapshot.
func (a *Adapter) Report() feed.StatusReport {
	r := feed.StatusReport{
		Source: SourceID,
		Status: a.Status().String(),
	}
	if a.conn != nil {
		r.ReconnectAttempts = a.conn.ReconnectAttempts()
		if err := a.conn.LastError(); err != nil {
			r.LastError = err.Error()
		}
	}
	a.lastUpdateMu.Lock()
	r.LastUpdateAt = a.lastUpdateAt
	a.lastUpdateMu.Unlock()
	return r
}

// SetTargetFilter installs or replaces the matching filter.
func (a *Adapter) SetTargetFilter(filter *match.TargetFilter) {
	a.filterMu.Lock()
	a.filter = filter
	a.filterMu.Unlock()
}

// Start connects the push socket and begins discovery polling.
// Idempotent: a second call on a running adapter is a no-op.
func (a *Adapter) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return nil
	}

	a.ctx, a.cancel = context.WithCancel(ctx)
	atomic.StoreInt32(&a.status, int32(feed.StatusConnecting))

	a.conn = wsconn.New(wsconn.DefaultConfig(a.config.WSURL), wsconn.Handlers{
		OnOpen:  a.onOpen,
		OnClose: a.onClose,
		OnFrame: a.onFrame,
		OnError: func(err error) { a.log.WithError(err).Warn("transport error") },
	})

	// Seed the meta cache before the first push arrives; a failure
	// here is not fatal, the discovery loop retries.
	if err := a.refreshMeta(a.ctx); err != nil {
		a.log.WithError(err).Warn("initial discovery failed")
	}

	a.wg.Add(2)
	go a.discoveryLoop()
	go a.pingLoop()

	if err := a.conn.Start(a.ctx); err != nil {
		atomic.StoreInt32(&a.status, int32(feed.StatusReconnecting))
		a.log.WithError(err).Warn("initial dial failed, reconnecting")
	}
	return nil
}

// Stop releases the socket and all timers. Final state is stopped.
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

// --- socket lifecycle ---

func (a *Adapter) onOpen() {
	if a.Status() == feed.StatusStopped {
		return
	}
	atomic.StoreInt32(&a.status, int32(feed.StatusConnected))
	a.log.Info("connected")
	// Handshake and subscriptions are (re)issued on INFO, not here:
	// the upstream drives the exchange.
}

func (a *Adapter) onClose(err error) {
	if a.Status() == feed.StatusStopped {
		return
	}
	atomic.StoreInt32(&a.status, int32(feed.StatusReconnecting))
	a.log.WithError(err).Warn("socket closed, reconnecting")
}

// pingLoop proactively keeps the transport alive from our side; the
// upstream also sends its own PINGs which onFrame answers.
func (a *Adapter) pingLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if a.Status() == feed.StatusConnected {
				if err := a.conn.SendText([]byte("PING\r\n")); err != nil {
					a.log.WithError(err).Debug("ping write failed")
				}
			}
		}
	}
}

// --- protocol state machine ---

func (a *Adapter) onFrame(_ int, data []byte) {
	for _, f := range a.parser.Feed(data) {
		switch f.Type {
		case FrameInfo:
			// The upstream re-issues INFO periodically and expects the
			// handshake and every subscription to be repeated.
			a.sendConnect()
			a.sendSubscriptions()

		case FramePing:
			if err := a.conn.SendText([]byte("PONG\r\n")); err != nil {
				a.log.WithError(err).Debug("pong write failed")
			}

		case FramePong, FrameOK, FrameUnknown:
			// no-op

		case FrameErr:
			a.log.WithField("err", f.ErrText).Warn("upstream protocol error")
			if strings.Contains(strings.ToLower(f.ErrText), "authentication timeout") {
				// Half-authenticated sessions are not recoverable in
				// place; force a fresh socket.
				a.conn.Drop()
			}

		case FrameMsg, FrameHMsg:
			a.handlePayload(f.Payload)
		}
	}
}

func (a *Adapter) sendConnect() {
	connect := map[string]any{
		"no_responders": true,
		"protocol":      1,
		"verbose":       false,
		"pedantic":      false,
		"user":          "none",
		"pass":          "none",
		"lang":          "nats.ws",
		"version":       "1.30.3",
		"headers":       true,
	}
	raw, _ := json.Marshal(connect)
	if err := a.conn.SendText([]byte("CONNECT " + string(raw) + "\r\n")); err != nil {
		a.log.WithError(err).Warn("connect handshake failed")
	}
}

func (a *Adapter) sendSubscriptions() {
	for i, sport := range a.config.Sports {
		sub := fmt.Sprintf("SUB sport.%s %d\r\n", sport, i+1)
		if err := a.conn.SendText([]byte(sub)); err != nil {
			a.log.WithError(err).WithField("sport", sport).Warn("subscribe failed")
		}
	}
}

// --- payload handling ---

// pushEvent is the partial event snapshot carried in MSG payloads.
// Team names may be omitted on subsequent updates for an event.
type pushEvent struct {
	ID       json.Number `json:"id"`
	HomeTeam *struct {
		Name string `json:"name"`
	} `json:"homeTeam,omitempty"`
	AwayTeam *struct {
		Name string `json:"name"`
	} `json:"awayTeam,omitempty"`
	Tournament *struct {
		Name string `json:"name"`
	} `json:"tournament,omitempty"`
	Sport     string `json:"sport,omitempty"`
	StartTime int64  `json:"startTimestamp,omitempty"`
	Status    *struct {
		Type string `json:"type"` // notstarted | inprogress | finished
	} `json:"status,omitempty"`
	HomeScore *struct {
		Current int `json:"current"`
	} `json:"homeScore,omitempty"`
	AwayScore *struct {
		Current int `json:"current"`
	} `json:"awayScore,omitempty"`
	LastPeriod string `json:"lastPeriod,omitempty"`
}

func (a *Adapter) handlePayload(raw []byte) {
	body, err := decodePayload(raw)
	if err != nil {
		a.log.WithError(err).Debug("dropping undecodable payload")
		return
	}

	var ev pushEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		a.log.WithError(err).Debug("dropping malformed event payload")
		return
	}

	update, ok := a.normalize(ev)
	if !ok {
		return
	}

	a.filterMu.RLock()
	filter := a.filter
	a.filterMu.RUnlock()
	if filter == nil || !filter.Accept(update.HomeTeam, update.AwayTeam) {
		return
	}

	a.emit(update)
}

// decodePayload parses the payload as JSON, falling back to
// base64-then-JSON for the feed's alternate encoding.
func decodePayload(raw []byte) ([]byte, error) {
	trimmed := []byte(strings.TrimSpace(string(raw)))
	if json.Valid(trimmed) {
		return trimmed, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(string(trimmed))
	if err != nil {
		return nil, fmt.Errorf("payload is neither JSON nor base64: %w", err)
	}
	if !json.Valid(decoded) {
		return nil, fmt.Errorf("base64 payload did not decode to JSON")
	}
	return decoded, nil
}

// normalize converts a push event into an Update, enriching missing
// team names from the discovery cache. Events whose names cannot be
// resolved are dropped.
func (a *Adapter) normalize(ev pushEvent) (feed.Update, bool) {
	id := ev.ID.String()
	if id == "" || id == "0" {
		return feed.Update{}, false
	}

	update := feed.Update{
		SourceID:      SourceID,
		SourceEventID: id,
		Sport:         ev.Sport,
		Period:        ev.LastPeriod,
		EmittedAt:     time.Now(),
	}

	if ev.HomeTeam != nil {
		update.HomeTeam = ev.HomeTeam.Name
	}
	if ev.AwayTeam != nil {
		update.AwayTeam = ev.AwayTeam.Name
	}
	if ev.Tournament != nil {
		update.League = ev.Tournament.Name
	}
	if ev.StartTime > 0 {
		update.StartTime = time.Unix(ev.StartTime, 0).UTC()
	}

	if m, ok := a.meta.get(id); ok {
		if update.HomeTeam == "" {
			update.HomeTeam = m.Home
		}
		if update.AwayTeam == "" {
			update.AwayTeam = m.Away
		}
		if update.Sport == "" {
			update.Sport = m.Sport
		}
		if update.League == "" {
			update.League = m.League
		}
		if update.StartTime.IsZero() {
			update.StartTime = m.StartTime
		}
	} else if ev.HomeTeam != nil && ev.AwayTeam != nil {
		// A full push doubles as discovery for events the snapshot
		// poll has not seen yet.
		a.meta.put(id, matchMeta{
			Home:      ev.HomeTeam.Name,
			Away:      ev.AwayTeam.Name,
			Sport:     ev.Sport,
			League:    update.League,
			StartTime: update.StartTime,
		})
	}

	if update.HomeTeam == "" || update.AwayTeam == "" {
		return feed.Update{}, false
	}

	if ev.Status != nil {
		switch ev.Status.Type {
		case "inprogress":
			update.Status = feed.EventLive
		case "finished":
			update.Status = feed.EventEnded
		default:
			update.Status = feed.EventScheduled
		}
	} else {
		update.Status = feed.EventLive
	}

	if ev.HomeScore != nil && ev.AwayScore != nil {
		update.Score = &feed.Score{Home: ev.HomeScore.Current, Away: ev.AwayScore.Current}
	}

	return update, true
}

func (a *Adapter) emit(update feed.Update) {
	a.lastUpdateMu.Lock()
	a.lastUpdateAt = update.EmittedAt
	a.lastUpdateMu.Unlock()

	select {
	case a.updates <- update:
	default:
		a.log.Warn("update channel full, dropping")
	}
}

// --- discovery ---

func (a *Adapter) discoveryLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.config.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if err := a.refreshMeta(a.ctx); err != nil {
				a.log.WithError(err).Warn("discovery refresh failed")
			}
		}
	}
}

func (a *Adapter) refreshMeta(ctx context.Context) error {
	entries, err := a.discovery.fetch(ctx)
	if err != nil {
		return err
	}
	for id, m := range entries {
		a.meta.put(id, m)
	}
	a.log.WithField("events", len(entries)).Debug("discovery refresh")
	return nil
}
