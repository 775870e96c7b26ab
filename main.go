package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"position-guardian/config"
	"position-guardian/internal/api"
	"position-guardian/internal/broker"
	"position-guardian/internal/circuit"
	"position-guardian/internal/database"
	"position-guardian/internal/errorhandler"
	"position-guardian/internal/events"
	"position-guardian/internal/logging"
	"position-guardian/internal/monitor"
	"position-guardian/internal/position"
	"position-guardian/internal/profit"
	"position-guardian/internal/secrets"
	"position-guardian/internal/sequencer"
	"position-guardian/internal/stops"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.New(cfg.LoggingConfig.Level, cfg.LoggingConfig.Console)
	logger.Info().Msg("Position guardian starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Broker credentials come from Vault when enabled, config otherwise.
	vaultClient, err := secrets.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create vault client")
	}
	creds, err := vaultClient.BrokerCredentials(ctx, cfg.BrokerConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load broker credentials")
	}

	client := broker.NewRESTClient(
		creds.APIKey, creds.SecretKey, cfg.BrokerConfig.BaseURL,
		time.Duration(cfg.BrokerConfig.TimeoutSec)*time.Second, logger,
	)

	// Persistence is optional; the engine runs from memory without it.
	var repo *database.Repository
	var store events.Store
	if cfg.DatabaseConfig.Enabled {
		db, err := database.NewDB(cfg.DatabaseConfig.ConnString(), logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Database migrations failed")
		}
		repo = database.NewRepository(db)
		store = repo
	}

	var rdb *redis.Client
	if cfg.RedisConfig.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
	}

	bus := events.NewBus()
	eventLog := events.NewLog(store, bus, logger)

	tracker := position.NewTracker(time.Duration(cfg.ProtectionConfig.StaleQuoteSec)*time.Second, logger)
	stopMgr := stops.NewManager(cfg.ProtectionConfig, logger)
	profitEngine := profit.NewEngine(cfg.ProtectionConfig.LetRunnerRide, logger)

	breakers := circuit.NewSet(circuit.Config{
		Enabled:          cfg.BreakerConfig.Enabled,
		FailureThreshold: cfg.BreakerConfig.FailureThreshold,
		RollingWindow:    time.Duration(cfg.BreakerConfig.RollingWindowSec) * time.Second,
		Cooldown:         time.Duration(cfg.BreakerConfig.CooldownSec) * time.Second,
	})
	queue := errorhandler.NewOperationQueue(rdb, time.Duration(cfg.RecoveryConfig.QueueMaxAgeSec)*time.Second, logger)
	handler := errorhandler.New(breakers, queue, bus, eventLog, cfg.RecoveryConfig, logger)

	policy := sequencer.NewRetryPolicy(
		cfg.SequencerConfig.MaxAttempts,
		time.Duration(cfg.SequencerConfig.BaseDelayMs)*time.Millisecond,
		time.Duration(cfg.SequencerConfig.MaxDelayMs)*time.Millisecond,
	)
	seq := sequencer.New(
		client, tracker, eventLog, policy, cfg.SequencerConfig,
		time.Duration(cfg.ProtectionConfig.GraceWindowSec)*time.Second, logger,
	)

	mon := monitor.New(client, tracker, stopMgr, profitEngine, seq, handler, bus, cfg.ProtectionConfig, logger)

	if repo != nil {
		restorePositions(ctx, repo, tracker, logger)
		persistOnChange(bus, repo, tracker, logger)
	}

	// Entry fills arrive over the user data stream and enroll positions;
	// exit fills are reconciled by the monitor cycles.
	var stream *broker.UserDataStream
	if cfg.BrokerConfig.StreamURL != "" {
		stream = broker.NewUserDataStream(cfg.BrokerConfig.StreamURL, logger)
		stream.OnFill(func(fill broker.FillEvent) {
			handleFill(ctx, mon, tracker, fill, logger)
		})
		if err := stream.Start(); err != nil {
			logger.Error().Err(err).Msg("User data stream failed to start, relying on polling")
		} else {
			defer stream.Stop()
		}
	}

	mon.Start(ctx)
	defer mon.Stop()

	var server *api.Server
	if cfg.ServerConfig.Enabled {
		server = api.NewServer(cfg.ServerConfig, mon, handler, eventLog, repo, bus, logger)
		go func() {
			if err := server.Start(ctx); err != nil {
				logger.Error().Err(err).Msg("API server stopped")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	cancel()
	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("API shutdown failed")
		}
	}
}

// restorePositions reloads open positions from the database into the tracker
func restorePositions(ctx context.Context, repo *database.Repository, tracker *position.Tracker, logger zerolog.Logger) {
	open, err := repo.GetOpenPositions(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to restore positions")
		return
	}
	for i := range open {
		if err := tracker.Restore(&open[i]); err != nil {
			logger.Error().Err(err).Str("symbol", open[i].Symbol).Msg("Failed to restore position")
			continue
		}
		logger.Info().Str("symbol", open[i].Symbol).Str("state", string(open[i].State)).Msg("Position restored")
	}
}

// persistOnChange mirrors tracked position state to the database whenever a
// protection event lands
func persistOnChange(bus *events.Bus, repo *database.Repository, tracker *position.Tracker, logger zerolog.Logger) {
	bus.Subscribe(events.EventProtectionEvent, func(ev events.Event) {
		pe, ok := ev.Data["event"].(events.ProtectionEvent)
		if !ok {
			return
		}
		symbol := pe.Symbol
		if symbol == "" || symbol == "*" {
			return
		}
		pos, err := tracker.Get(symbol)
		if err != nil {
			return
		}
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := repo.SavePosition(saveCtx, pos); err != nil {
			logger.Error().Err(err).Str("symbol", symbol).Msg("Failed to persist position")
		}
	})
	bus.Subscribe(events.EventPositionClosed, func(ev events.Event) {
		symbol, _ := ev.Data["symbol"].(string)
		pos, err := tracker.Get(symbol)
		if err != nil {
			return
		}
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := repo.ClosePosition(closeCtx, pos.ID); err != nil {
			logger.Error().Err(err).Str("symbol", symbol).Msg("Failed to mark position closed")
		}
	})
}

// handleFill enrolls entry fills into protection. Fills on reduce-only exit
// orders are the monitor's business and are skipped here.
func handleFill(ctx context.Context, mon *monitor.Monitor, tracker *position.Tracker, fill broker.FillEvent, logger zerolog.Logger) {
	if fill.Status != broker.OrderStatusFilled || fill.OrderType != broker.OrderTypeMarket {
		return
	}
	if _, err := tracker.Get(fill.Symbol); err == nil {
		// Already tracked; this is an exit or scale-in, not a new entry.
		return
	}

	side := position.SideLong
	if fill.Side == broker.SideSell {
		side = position.SideShort
	}

	if _, err := mon.TrackOpen(ctx, position.OpenEvent{
		Symbol:     fill.Symbol,
		Side:       side,
		Quantity:   fill.FillQty,
		EntryPrice: fill.FillPrice,
		FilledAt:   fill.FilledAt,
	}, 0); err != nil {
		logger.Error().Err(err).Str("symbol", fill.Symbol).Msg("Failed to enroll position from fill")
	}
}
