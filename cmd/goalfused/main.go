// goalfused fuses live scores and prices from multiple upstream
// sources, races them against each other on every goal, and trades
// the divergence on the primary market.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/goalfuse/goalfuse/pkg/agg"
	"github.com/goalfuse/goalfuse/pkg/api"
	"github.com/goalfuse/goalfuse/pkg/config"
	"github.com/goalfuse/goalfuse/pkg/feed"
	"github.com/goalfuse/goalfuse/pkg/feed/flashscore"
	"github.com/goalfuse/goalfuse/pkg/feed/onexbet"
	"github.com/goalfuse/goalfuse/pkg/feed/polymarket"
	"github.com/goalfuse/goalfuse/pkg/feed/sofascore"
	"github.com/goalfuse/goalfuse/pkg/match"
	"github.com/goalfuse/goalfuse/pkg/metrics"
	"github.com/goalfuse/goalfuse/pkg/signal"
	"github.com/goalfuse/goalfuse/pkg/stream"
	"github.com/goalfuse/goalfuse/pkg/trader"
)

var (
	httpAddr = flag.String("http", "", "HTTP listen address (overrides config)")
	armed    = flag.Bool("armed", false, "start with live entries enabled")
	verbose  = flag.Bool("verbose", false, "debug logging")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("loading configuration")
	}
	if *httpAddr != "" {
		cfg.Server.Addr = *httpAddr
	}
	if *armed {
		cfg.Trader.Armed = true
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}

	logger := newLogger(cfg.Log)
	logger.Info("starting goalfused")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	filter := match.NewTargetFilter(nil)

	// Target catalog: the primary market decides which fixtures are
	// worth tracking at all.
	catalog := polymarket.NewClient(catalogOptions(cfg.Catalog)...)
	refreshTargets(ctx, catalog, filter, cfg.Catalog, logger)
	go targetRefreshLoop(ctx, catalog, filter, cfg.Catalog, logger)

	adapters := buildAdapters(cfg, logger)
	if len(adapters) == 0 {
		logger.Fatal("no feeds enabled")
	}
	for _, a := range adapters {
		a.SetTargetFilter(filter)
	}

	aggregator := agg.New(filter, m, logger)
	engine := signal.NewEngine(signal.Config{
		PrimarySource: cfg.Signal.PrimarySource,
		Cooldown:      cfg.Signal.Cooldown,
		MaxQuoteAge:   cfg.Signal.MaxQuoteAge,
	}, m, logger)
	goalTrader := trader.New(trader.Config{
		Armed:        cfg.Trader.Armed,
		Stake:        decimal.NewFromFloat(cfg.Trader.Stake),
		MinEdge:      cfg.Trader.MinEdge,
		RaceWindow:   cfg.Trader.RaceWindow,
		DecideWindow: cfg.Trader.DecideWindow,
		MaxHold:      cfg.Trader.MaxHold,
		MaxPositions: cfg.Trader.MaxPositions,
	}, m, logger)
	hub := stream.NewHub(m, logger)

	var redisPub *stream.RedisPublisher
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Warn("redis unreachable, stream mirroring disabled")
		} else {
			redisPub = stream.NewRedisPublisher(client)
			defer client.Close()
		}
	}

	// Redis writes go through a drained queue: the aggregator and
	// trader callbacks run on hot goroutines and must not block on a
	// network round trip.
	var pubQueue *stream.Queue
	if redisPub != nil {
		pubQueue = stream.NewQueue(256, logger)
		go pubQueue.Run(ctx)
	}

	// Wiring order matters: handlers registered before anything runs.
	engine.OnSignal(func(sig signal.TradeSignal) {
		goalTrader.OnSignal(sig)
		hub.Publish(stream.TopicSignal, sig)
		if pubQueue != nil {
			pubQueue.Enqueue(func(ctx context.Context) error {
				return redisPub.PublishSignal(ctx, sig)
			})
		}
	})
	goalTrader.OnActivity(func(a trader.Activity) {
		hub.Publish(stream.TopicActivity, a)
		if pubQueue != nil {
			pubQueue.Enqueue(func(ctx context.Context) error {
				return redisPub.PublishActivity(ctx, a)
			})
		}
	})
	aggregator.OnChange(func(ev *agg.Event, upd feed.Update, tr *agg.Transition) {
		if tr != nil {
			goalTrader.OnTransition(tr)
		}
		snap, ok := aggregator.Event(ev.ID)
		if !ok {
			return
		}
		if tr != nil && tr.First {
			hub.Publish(stream.TopicRace, map[string]interface{}{
				"event_id": ev.ID,
				"source":   tr.Source,
				"score":    tr.ScoreAfter,
			})
			if pubQueue != nil {
				for _, row := range aggregator.Races() {
					if row.EventID == ev.ID {
						pubQueue.Enqueue(func(ctx context.Context) error {
							return redisPub.PublishRace(ctx, row)
						})
						break
					}
				}
			}
		}
		if len(upd.Prices) > 0 {
			engine.Evaluate(snap)
			goalTrader.OnPrice(snap, cfg.Signal.PrimarySource, time.Now())
		}
	})

	for _, a := range adapters {
		aggregator.AddSource(a)
	}

	server := api.New(aggregator, engine, goalTrader, hub, m, logger)
	for _, a := range adapters {
		if src, ok := a.(api.SourceStatus); ok {
			server.AddSource(src)
		}
	}

	go hub.Run(ctx)
	go aggregator.Run(ctx)
	go traderTickLoop(ctx, goalTrader)
	go snapshotLoop(ctx, server, hub)

	for _, a := range adapters {
		if err := a.Start(ctx); err != nil {
			logger.WithError(err).WithField("source", a.Name()).Fatal("starting adapter")
		}
	}
	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: server.Router()}
	go func() {
		logger.WithField("addr", cfg.Server.Addr).Info("http listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("http server")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	for _, a := range adapters {
		a.Stop()
	}
	cancel()
	logger.Info("goodbye")
}

func newLogger(cfg config.LogConfig) *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

func buildAdapters(cfg *config.Config, logger *logrus.Logger) []feed.Adapter {
	var adapters []feed.Adapter
	for name, fc := range cfg.Feeds {
		if !fc.Enabled {
			continue
		}
		switch name {
		case "sofascore":
			adapters = append(adapters, sofascore.New(sofascore.Config{
				WSURL:       fc.WSURL,
				SnapshotURL: fc.SnapshotURL,
				Sports:      fc.Sports,
			}, logger))
		case "flashscore":
			adapters = append(adapters, flashscore.New(flashscore.Config{
				BootstrapURL: fc.BaseURL,
				WSURL:        fc.WSURL,
				Sports:       fc.Sports,
			}, logger))
		case "1xbet":
			adapters = append(adapters, onexbet.New(onexbet.Config{
				BaseURL:      fc.BaseURL,
				Sports:       fc.Sports,
				PollInterval: fc.PollInterval,
			}, logger))
		case "polymarket":
			adapters = append(adapters, polymarket.New(polymarket.Config{
				BaseURL:      fc.BaseURL,
				Sports:       fc.Sports,
				PollInterval: fc.PollInterval,
			}, logger))
		default:
			logger.WithField("feed", name).Warn("unknown feed in config, skipping")
		}
	}
	return adapters
}

func catalogOptions(cfg config.CatalogConfig) []polymarket.ClientOption {
	var opts []polymarket.ClientOption
	if cfg.BaseURL != "" {
		opts = append(opts, polymarket.WithBaseURL(cfg.BaseURL))
	}
	return opts
}

func refreshTargets(ctx context.Context, catalog *polymarket.Client, filter *match.TargetFilter, cfg config.CatalogConfig, logger *logrus.Logger) {
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	targets, err := catalog.ListTargets(reqCtx, cfg.Sports, cfg.Limit)
	if err != nil {
		logger.WithError(err).Warn("refreshing target events")
		return
	}
	filter.Replace(targets)
	logger.WithField("targets", len(targets)).Info("target events refreshed")
}

func targetRefreshLoop(ctx context.Context, catalog *polymarket.Client, filter *match.TargetFilter, cfg config.CatalogConfig, logger *logrus.Logger) {
	interval := cfg.RefreshInterval
	if interval == 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshTargets(ctx, catalog, filter, cfg, logger)
		}
	}
}

func traderTickLoop(ctx context.Context, t *trader.Trader) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.Tick(now)
		}
	}
}

func snapshotLoop(ctx context.Context, server *api.Server, hub *stream.Hub) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if hub.ClientCount() > 0 {
				hub.Publish(stream.TopicSnapshot, server.Snapshot())
			}
		}
	}
}
