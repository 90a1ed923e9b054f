package main

import (
	"context"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"otc-signal-bot/config"
	"otc-signal-bot/internal/api"
	"otc-signal-bot/internal/brain"
	"otc-signal-bot/internal/database"
	"otc-signal-bot/internal/engine"
	"otc-signal-bot/internal/events"
	"otc-signal-bot/internal/feed"
	"otc-signal-bot/internal/logging"
	"otc-signal-bot/internal/market"
	"otc-signal-bot/internal/ml"
	"otc-signal-bot/internal/session"
	"otc-signal-bot/internal/signal"
	"otc-signal-bot/internal/thresholds"
	"otc-signal-bot/internal/tracker"
	"otc-signal-bot/internal/vault"
	"otc-signal-bot/internal/volatility"
)

const stateSaveInterval = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		errLogger := zerolog.New(os.Stderr)
		errLogger.Fatal().Err(err).Msg("Invalid configuration")
	}

	logger := logging.New(cfg.LoggingConfig)
	logger.Info().Msg("Signal bot starting")

	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Feed credentials. The environment token wins; Vault is the
	// fallback for deployments that keep secrets out of the env.
	if cfg.FeedConfig.APIToken == "" && cfg.VaultConfig.Enabled {
		vc, err := vault.NewClient(cfg.VaultConfig)
		if err != nil {
			logger.Fatal().Err(err).Msg("Vault client setup failed")
		}
		token, err := vc.FeedToken(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("Feed token lookup failed")
		}
		cfg.FeedConfig.APIToken = token
	}

	// Persistence is optional. A missing DATABASE_URL runs the bot
	// stateless; a configured but unreachable database is fatal.
	var repo *database.Repository
	var db *database.DB
	if cfg.DatabaseConfig.Enabled() {
		db, err = database.NewDB(cfg.DatabaseConfig.URL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Database connection failed")
		}
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Migrations failed")
		}
		repo = database.NewRepository(db, logger)
	}

	var redisClient *goredis.Client
	if cfg.RedisConfig.Enabled {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		})
		defer redisClient.Close()
	}
	stateStore := database.NewStateStore(redisClient, logger)

	// Learner singletons, restored from the last snapshot if one
	// exists.
	ensemble := ml.NewEnsemble(logger)
	adaptive := thresholds.NewAdaptive(logger)
	restoreState(ctx, stateStore, ensemble, adaptive, logger)

	bus := events.NewBus()
	volCache := volatility.NewCache(logger)
	agg := market.NewAggregator(logger)

	eng := engine.New(ensemble, adaptive, brain.New(logger), volCache, logger)

	feedClient := feed.NewClient(feed.Config{
		URL:   feedURL(cfg.FeedConfig),
		Token: cfg.FeedConfig.APIToken,
	}, logger)

	manager := session.NewManager(feedClient, agg, eng, bus, volCache, logger)
	trk := tracker.New(ensemble, adaptive, manager, bus, volCache, logger)

	// The tracker resolves expiries against the freshest price seen,
	// not just candle closes.
	agg.OnForming(func(symbol string, _ int64, c market.Candle) {
		trk.RecordPrice(symbol, c.Close)
	})
	agg.OnTick(func(symbol string, _ int64, c market.Candle) {
		trk.RecordPrice(symbol, c.Close)
	})

	wirePersistence(repo, bus, agg, volCache)

	feedClient.OnConnected(func() {
		manager.Rehydrate(ctx)
	})
	feedClient.OnDisconnected(func(terminal bool) {
		if terminal {
			logger.Error().Msg("Feed reconnect budget exhausted, shutting down")
			cancel()
		}
	})

	if err := feedClient.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Feed connect failed")
	}

	go trk.Run(ctx)
	go saveStateLoop(ctx, stateStore, ensemble, adaptive, bus, logger)

	server := api.NewServer(api.Config{
		Host:           cfg.ServerConfig.Host,
		Port:           cfg.ServerConfig.Port,
		ProductionMode: cfg.ServerConfig.ProductionMode,
	}, manager, bus, volCache, ensemble, adaptive, repo, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("API server stopped")
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ServerConfig.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("API shutdown incomplete")
	}
	feedClient.Close()
	saveState(shutdownCtx, stateStore, ensemble, adaptive, logger)
	logger.Info().Msg("Goodbye")
}

// feedURL appends the app id query parameter unless the configured URL
// already carries one.
func feedURL(cfg config.FeedConfig) string {
	if cfg.AppID == "" || strings.Contains(cfg.WSURL, "app_id=") {
		return cfg.WSURL
	}
	sep := "?"
	if strings.Contains(cfg.WSURL, "?") {
		sep = "&"
	}
	return cfg.WSURL + sep + "app_id=" + cfg.AppID
}

func restoreState(ctx context.Context, store *database.StateStore, ensemble *ml.Ensemble, adaptive *thresholds.Adaptive, logger zerolog.Logger) {
	var ms ml.State
	if ok, err := store.Load(ctx, database.StateKeyEnsemble, &ms); err != nil {
		logger.Warn().Err(err).Msg("Ensemble snapshot unreadable, starting fresh")
	} else if ok {
		ensemble.Restore(ms)
		logger.Info().Int64("updates", ms.Updates).Msg("Ensemble state restored")
	}

	var ts thresholds.State
	if ok, err := store.Load(ctx, database.StateKeyThresholds, &ts); err != nil {
		logger.Warn().Err(err).Msg("Thresholds snapshot unreadable, starting fresh")
	} else if ok {
		adaptive.Restore(ts)
		logger.Info().Msg("Threshold state restored")
	}
}

func saveState(ctx context.Context, store *database.StateStore, ensemble *ml.Ensemble, adaptive *thresholds.Adaptive, logger zerolog.Logger) {
	if err := store.Save(ctx, database.StateKeyEnsemble, ensemble.Snapshot()); err != nil {
		logger.Warn().Err(err).Msg("Ensemble snapshot failed")
	}
	if err := store.Save(ctx, database.StateKeyThresholds, adaptive.Snapshot()); err != nil {
		logger.Warn().Err(err).Msg("Threshold snapshot failed")
	}
}

// saveStateLoop snapshots the learners periodically and immediately
// after each resolved trade, so a crash loses at most one outcome.
func saveStateLoop(ctx context.Context, store *database.StateStore, ensemble *ml.Ensemble, adaptive *thresholds.Adaptive, bus *events.Bus, logger zerolog.Logger) {
	dirty := make(chan struct{}, 1)
	bus.OnTradeResult(func(signal.TradeResult) {
		select {
		case dirty <- struct{}{}:
		default:
		}
	})

	ticker := time.NewTicker(stateSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-dirty:
		}
		saveState(ctx, store, ensemble, adaptive, logger)
	}
}

// wirePersistence subscribes the repository's fire-and-forget writers
// to the pipeline. A nil repo leaves the bot stateless.
func wirePersistence(repo *database.Repository, bus *events.Bus, agg *market.Aggregator, volCache *volatility.Cache) {
	if repo == nil {
		return
	}

	bus.OnSignal(func(_ signal.Session, res signal.Result) {
		repo.LogSignalAsync(res)
	})
	bus.OnTradeResult(func(tr signal.TradeResult) {
		repo.UpdateSessionStatsAsync(tr.SessionID, tr.Stats)
	})
	bus.OnWarning(func(w signal.VolatilityWarning) {
		if a, ok := volCache.Get(w.Symbol); ok {
			repo.LogVolatilityAsync(a)
		}
	})
	bus.OnSessionStarted(func(sess signal.Session) {
		repo.SaveSessionAsync(sess)
	})
	bus.OnSessionStopped(func(sess signal.Session) {
		repo.CloseSessionAsync(sess)
	})
	agg.OnClosed(func(_ string, _ int64, c market.Candle) {
		repo.LogCandleAsync(c)
	})
}
