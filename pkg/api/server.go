// Package api exposes the daemon's read surface and command endpoint
// over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/goalfuse/goalfuse/pkg/agg"
	"github.com/goalfuse/goalfuse/pkg/feed"
	"github.com/goalfuse/goalfuse/pkg/metrics"
	"github.com/goalfuse/goalfuse/pkg/signal"
	"github.com/goalfuse/goalfuse/pkg/stream"
	"github.com/goalfuse/goalfuse/pkg/trader"
)

// SourceStatus reports one adapter's health for /health.
type SourceStatus interface {
	Name() string
	Report() feed.StatusReport
}

// Server wires the application components into an HTTP API.
type Server struct {
	log    *logrus.Entry
	agg    *agg.Aggregator
	engine *signal.Engine
	trader *trader.Trader
	hub    *stream.Hub
	mtx    *metrics.Metrics

	sources []SourceStatus
	started time.Time
}

// New creates a server over the given components.
func New(a *agg.Aggregator, e *signal.Engine, t *trader.Trader, hub *stream.Hub, m *metrics.Metrics, logger *logrus.Logger) *Server {
	return &Server{
		log:     logger.WithField("component", "api"),
		agg:     a,
		engine:  e,
		trader:  t,
		hub:     hub,
		mtx:     m,
		started: time.Now(),
	}
}

// AddSource registers an adapter for health reporting.
func (s *Server) AddSource(src SourceStatus) {
	s.sources = append(s.sources, src)
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/snapshot", s.handleSnapshot)
	r.Get("/events/{id}", s.handleEvent)
	r.Get("/races", s.handleRaces)
	r.Get("/signals", s.handleSignals)
	r.Get("/positions", s.handlePositions)
	r.Get("/activity", s.handleActivity)
	r.Get("/status", s.handleStatus)
	r.Post("/command", s.handleCommand)
	r.Get("/ws", s.hub.ServeWS)
	r.Handle("/metrics", promhttp.HandlerFor(s.mtx.Registry(), promhttp.HandlerOpts{}))

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	feeds := make(map[string]feed.StatusReport, len(s.sources))
	for _, src := range s.sources {
		feeds[src.Name()] = src.Report()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.started).String(),
		"feeds":  feeds,
	})
}

// FullSnapshot is the complete dashboard state: adapter health, the
// fused event table, speed races, ranked signals and trading state.
type FullSnapshot struct {
	TakenAt   time.Time                    `json:"taken_at"`
	Feeds     map[string]feed.StatusReport `json:"feeds"`
	Events    []agg.EventSnapshot          `json:"events"`
	Races     []agg.GoalRow                `json:"races"`
	Signals   []signal.TradeSignal         `json:"signals"`
	Trading   trader.Status                `json:"trading"`
	Positions []trader.Position            `json:"positions"`
	Activity  []trader.Activity            `json:"activity"`
}

// Snapshot assembles the full dashboard state.
func (s *Server) Snapshot() FullSnapshot {
	aggSnap := s.agg.Snapshot()
	feeds := make(map[string]feed.StatusReport, len(s.sources))
	for _, src := range s.sources {
		feeds[src.Name()] = src.Report()
	}
	return FullSnapshot{
		TakenAt:   aggSnap.TakenAt,
		Feeds:     feeds,
		Events:    aggSnap.Events,
		Races:     aggSnap.Races,
		Signals:   s.engine.Ranked(),
		Trading:   s.trader.Status(),
		Positions: s.trader.Positions(),
		Activity:  s.trader.Activity(),
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.agg.Event(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleRaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"races": s.agg.Races()})
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"signals": s.engine.Ranked()})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"positions": s.trader.Positions()})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"activity": s.trader.Activity()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.trader.Status())
}

// handleCommand applies an operator verb: arm, disarm, enable,
// disable.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cmd, err := trader.ParseCommand(req.Command)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := s.trader.Apply(cmd)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.WithField("command", req.Command).Info("operator command")
	s.hub.Publish(stream.TopicStatus, st)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ack":    req.Command,
		"status": st,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
