package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"arb-core/internal/api"
	"arb-core/internal/balance"
	"arb-core/internal/config"
	"arb-core/internal/engine"
	"arb-core/internal/events"
	"arb-core/internal/market"
	"arb-core/internal/monitor"
	"arb-core/internal/persistence"
	"arb-core/internal/position"
	"arb-core/internal/reconciliation"
	"arb-core/internal/risk"
	"arb-core/pkg/db"
	"arb-core/pkg/logging"
)

func main() {
	issueFor := flag.String("issue-token", "", "print an ops API token for the named operator and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of an issued ops token")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	if *issueFor != "" {
		token, err := api.IssueToken(*issueFor, cfg.OpsTokenSecret, *tokenTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("arb-core exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("config loaded",
		zap.String("session_id", cfg.SessionID),
		zap.String("db_driver", cfg.DBDriver),
		zap.String("port", cfg.Port))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage
	database, err := db.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	store := persistence.NewStore(database)
	writer := persistence.NewWriter(store, persistence.WriterConfig{
		QueueSize:    cfg.WriteQueueSize,
		MaxAttempts:  cfg.WriteMaxAttempts,
		Backoff:      cfg.WriteBackoff,
		DrainTimeout: cfg.ShutdownDrainTimeout,
	}, logger.Named("writer"))

	bus := events.NewBus()

	// Capital
	tracker := balance.NewTracker(
		balance.Amounts{KRW: cfg.InitialKRW, USDT: cfg.InitialUSDT},
		balance.WithTTL(cfg.ReservationTTL),
		balance.WithRetention(cfg.ReservationRetention),
		balance.WithLogger(logger.Named("balance")),
	)
	tracker.StartSweeper(ctx, cfg.SweepInterval)

	// Risk
	file, err := config.LoadFile(cfg.RiskConfigPath, risk.DefaultConfig(cfg.InitialCapital()))
	if err != nil {
		return fmt.Errorf("load risk config: %w", err)
	}
	riskMgr := risk.NewManager(file.Risk, risk.WithLogger(logger.Named("risk")), risk.WithBus(bus))
	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("risk timezone: %w", err)
	}
	scheduler, err := risk.NewScheduler(riskMgr, cfg.DailyResetCron, loc, logger.Named("risk"))
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Session
	quotes := engine.NewQuoteBook()
	executor := engine.NewPaperExecutor(quotes, engine.PaperConfig{SlippageBps: cfg.PaperSlippageBps}, logger.Named("paper"))
	session := engine.NewSession(engine.Config{
		SessionID:   cfg.SessionID,
		Position:    cfg.PositionConfig(),
		Instruments: file.Instruments,
	}, position.NewManager(cfg.PositionConfig()), tracker, riskMgr, writer, executor,
		engine.WithLogger(logger.Named("engine")), engine.WithBus(bus))

	items, err := session.Recover(ctx, store)
	if err != nil {
		return fmt.Errorf("recover positions: %w", err)
	}
	for _, it := range items {
		logger.Info("recovered position",
			zap.String("position_id", it.Record.ID),
			zap.String("state", string(it.Record.State)),
			zap.String("action", string(it.Action)))
	}
	session.SetStatus("running", "")

	// No exchange balance source is wired in paper mode; snapshots are still recorded.
	recon := reconciliation.NewService(nil, tracker, writer, cfg.SessionID, cfg.ReconcileInterval, logger.Named("reconciliation"))
	recon.Start(ctx)

	// Alerts
	sinks := []monitor.AlertSink{monitor.LogSink{Logger: logger.Named("alert")}}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := monitor.NewTelegramSink(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			logger.Warn("telegram sink disabled", zap.Error(err))
		} else {
			sinks = append(sinks, tg)
		}
	}
	mon := &monitor.Monitor{
		Bus:       bus,
		Sinks:     sinks,
		Writer:    writer,
		SessionID: cfg.SessionID,
		Logger:    logger.Named("monitor"),
	}
	mon.Start(ctx)

	// API
	var server *api.Server
	if cfg.APIEnabled {
		server = api.NewServer(session, bus, cfg.OpsTokenSecret, logger.Named("api"))
		go func() {
			if err := server.Start(":" + cfg.Port); err != nil {
				logger.Error("api server stopped", zap.Error(err))
				stop()
			}
		}()
		logger.Info("ops api listening", zap.String("addr", ":"+cfg.Port))
	}

	if cfg.MockFeed {
		feed := &market.MockFeed{
			Seeds:    market.DefaultSeeds(),
			FXRate:   cfg.InitialFXRate,
			Interval: cfg.MockFeedInterval,
			Logger:   logger.Named("feed"),
			Handler: func(ctx context.Context, coin string, q engine.MarketQuote) {
				quotes.Set(coin, q)
				session.OnMarkPrice(ctx, coin, q)
			},
		}
		feed.Start(ctx)
	}

	go runHeartbeat(ctx, session, quotes, cfg.HeartbeatInterval, logger)

	<-ctx.Done()
	logger.Info("shutting down")

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api shutdown", zap.Error(err))
		}
		cancel()
	}
	<-mon.Done()

	status := "stopped"
	if riskMgr.Snapshot().Killed {
		status = "killed"
	}
	session.SetStatus(status, "process shutdown")

	if err := writer.Shutdown(context.Background()); err != nil && !errors.Is(err, persistence.ErrDrainTimeout) {
		return fmt.Errorf("writer shutdown: %w", err)
	}
	logger.Info("shutdown complete", zap.Any("writer", writer.Stats()))
	return nil
}

// runHeartbeat records liveness, checks unrealized exposure against the latest
// quotes and stores a minute bar per quoted coin.
func runHeartbeat(ctx context.Context, session *engine.Session, quotes *engine.QuoteBook, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	bars := time.NewTicker(time.Minute)
	defer bars.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-bars.C:
			for coin, q := range quotes.Snapshot() {
				if err := session.RecordMinuteBar(coin, q); err != nil {
					logger.Debug("minute bar dropped", zap.String("coin", coin), zap.Error(err))
				}
			}
		case <-ticker.C:
			if err := session.Heartbeat(); err != nil {
				logger.Debug("heartbeat dropped", zap.Error(err))
			}
			if ev := session.CheckExposure(quotes.Snapshot()); ev != nil {
				logger.Error("exposure limit breached", zap.String("reason", string(ev.Reason)))
			}
		}
	}
}
