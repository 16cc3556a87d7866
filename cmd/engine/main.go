// Package main is the entry point for the DEX execution engine.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vamshivade/DEX-System/internal/amm"
	"github.com/vamshivade/DEX-System/internal/auditlog"
	"github.com/vamshivade/DEX-System/internal/config"
	"github.com/vamshivade/DEX-System/internal/executor"
	"github.com/vamshivade/DEX-System/internal/ledger"
	"github.com/vamshivade/DEX-System/internal/metrics"
	"github.com/vamshivade/DEX-System/internal/notify"
	"github.com/vamshivade/DEX-System/internal/pricecache"
	"github.com/vamshivade/DEX-System/internal/queue"
	"github.com/vamshivade/DEX-System/internal/rangemon"
	"github.com/vamshivade/DEX-System/internal/scheduler"
	sig "github.com/vamshivade/DEX-System/internal/signal"
	"github.com/vamshivade/DEX-System/internal/store"
	"github.com/vamshivade/DEX-System/internal/ui"
	"github.com/vamshivade/DEX-System/internal/vault"
	"github.com/vamshivade/DEX-System/internal/wallet"
)

const (
	// AlertBuffer is the size of the async alert queue
	AlertBuffer = 256
	// ShutdownGrace bounds how long in-flight jobs get to settle
	ShutdownGrace = 2 * time.Minute
)

// engine holds the wired components.
type engine struct {
	cfg        *config.Config
	db         *store.SQLite
	tracker    *metrics.Tracker
	queue      *queue.Queue
	supervisor *executor.Supervisor
	scheduler  *scheduler.Scheduler
	monitor    *rangemon.Monitor
	wallets    *wallet.Ledger
	alerts     *notify.Async
	throttle   *notify.Throttle
	publisher  *auditlog.Publisher

	// stdout receives command output; nil means os.Stdout
	stdout io.Writer
}

func (e *engine) output() io.Writer {
	if e.stdout == nil {
		return os.Stdout
	}
	return e.stdout
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger := setupLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("dex engine starting",
		"version", "1.0.0",
	)

	slog.Info("config_loaded",
		"solana_rpc_url", cfg.MaskedRPCURL(),
		"solana_commitment", cfg.SolanaCommitment,
		"swap_builder_url", cfg.SwapBuilderURL,
		"discord_webhook", cfg.MaskedDiscordWebhook(),
		"slack_webhook", cfg.MaskedSlackWebhook(),
		"bot_tick", cfg.BotTick,
		"range_tick", cfg.RangeTick,
		"max_inflight_wallets", cfg.MaxInFlightWallets,
		"retry_max_attempts", cfg.RetryMaxAttempts,
		"retry_base_delay", cfg.RetryBaseDelay,
		"redis_enabled", cfg.RedisAddr != "",
		"kafka_brokers", len(cfg.KafkaBrokers),
		"db_path", cfg.DBPath,
		"prometheus_port", cfg.PrometheusPort,
		"enable_tui", cfg.EnableTUI,
	)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	eng, err := build(cfg, logger)
	if err != nil {
		slog.Error("engine_init_failed", "error", err)
		os.Exit(1)
	}

	supervisorDone := make(chan struct{})
	go func() {
		defer close(supervisorDone)
		eng.supervisor.Run(ctx)
	}()

	// Operator commands run against the live supervisor, then exit
	if len(os.Args) > 1 {
		code := runCommand(ctx, eng, os.Args[1:])
		cancel()
		eng.shutdown(supervisorDone)
		os.Exit(code)
	}

	go eng.scheduler.Run(ctx)
	go eng.monitor.Run(ctx)
	go func() {
		if err := eng.tracker.Serve(ctx, cfg.PrometheusPort); err != nil {
			slog.Error("metrics_server_failed", "error", err)
		}
	}()

	// Start periodic cleanup
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				eng.tracker.Cleanup()
				eng.throttle.Cleanup()
			}
		}
	}()

	slog.Info("engine_started",
		"status", "evaluating bots",
		"tui_enabled", cfg.EnableTUI,
	)

	// Start TUI or run in background mode
	if cfg.EnableTUI {
		slog.Info("starting_tui")
		app := ui.NewApp(eng.tracker, cfg.UIRefreshRate)

		// Start TUI in goroutine so we can still handle signals
		go func() {
			if err := app.Run(); err != nil {
				slog.Error("tui_error", "error", err)
			}
			cancel()
		}()

		select {
		case s := <-sigChan:
			slog.Info("shutdown_signal_received", "signal", s.String())
			app.Stop()
		case <-ctx.Done():
			app.Stop()
		}
	} else {
		s := <-sigChan
		slog.Info("shutdown_signal_received", "signal", s.String())
	}

	cancel()
	eng.shutdown(supervisorDone)
}

// build wires every component from cfg.
func build(cfg *config.Config, logger *slog.Logger) (*engine, error) {
	db, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	masterKey, err := vault.ParseMasterKey(cfg.VaultMasterKey)
	if err != nil {
		db.Close()
		return nil, err
	}
	keys, err := vault.New(masterKey, db, cfg.CredentialTTL)
	if err != nil {
		db.Close()
		return nil, err
	}

	tracker := metrics.NewTracker()
	if recent, err := db.RecentAlerts(context.Background(), metrics.AlertFeedSize); err != nil {
		slog.Warn("alert_history_unavailable", "error", err)
	} else {
		tracker.LoadAlerts(recent)
	}

	var prices pricecache.Store
	if cfg.RedisAddr != "" {
		client := pricecache.NewRedisClient(pricecache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		prices = pricecache.NewRedis(client, "dex:price")
		slog.Info("price_cache_shared", "addr", cfg.RedisAddr)
	} else {
		local := pricecache.New()
		tracker.SetPriceSource(local)
		prices = local
	}

	chain := ledger.NewClient(cfg.SolanaRPCURL, cfg.SolanaWSURL, cfg.SolanaCommitment, logger)
	builder := amm.NewClient(cfg.SwapBuilderURL, logger)

	throttle := notify.NewThrottle(notify.Multi{
		notify.NewDiscord(cfg.DiscordWebhookURL),
		notify.NewSlack(cfg.SlackWebhookURL),
		notify.Persist(db),
		tracker,
	}, cfg.AlertCooldown)
	alerts := notify.NewAsync(throttle, AlertBuffer, logger)

	var publisher *auditlog.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher = auditlog.NewPublisher(auditlog.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaAuditTopic))
		slog.Info("audit_stream_enabled", "topic", cfg.KafkaAuditTopic)
	}
	trail := auditlog.NewTrail(db, publisher, logger)

	jobs := queue.New()

	sup := executor.New(executor.Config{
		Policy: executor.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
		},
		ConfirmTimeout:     cfg.ConfirmTimeout,
		DispatchInterval:   cfg.DispatchTick,
		MaxInFlight:        cfg.MaxInFlightWallets,
		DefaultSlippageBps: cfg.DefaultSlippageBps,
	}, executor.Deps{
		Queue:     jobs,
		Bots:      db,
		Builder:   builder,
		Ledger:    chain,
		Vault:     keys,
		Wallets:   db,
		Positions: db,
		Audit:     trail,
		Notifier:  alerts,
		Recorder:  tracker,
		Logger:    logger,
	})

	sched := scheduler.New(db, builder, prices, sig.NewEngine(cfg.DefaultSlippageBps), jobs, tracker,
		cfg.BotTick, cfg.BotConcurrency, logger)
	sched.OnEnqueue = sup.Kick

	mon := rangemon.New(db, builder, kickingQueue{jobs, sup}, alerts, cfg.RangeTick, cfg.RangeConcurrency, logger)
	mon.OnTick = tracker.MarkRangeTick

	wallets := wallet.NewLedger(wallet.Config{
		MinActivation: cfg.MinActivationLamports,
		GasReserve:    cfg.GasReserveLamports,
		SplitRatio:    cfg.SplitRatio,
		FeeReserve:    cfg.SweepFeeReserveLamports,
	}, db, keys, chain, builder, kickingQueue{jobs, sup}, logger)

	return &engine{
		cfg:        cfg,
		db:         db,
		tracker:    tracker,
		queue:      jobs,
		supervisor: sup,
		scheduler:  sched,
		monitor:    mon,
		wallets:    wallets,
		alerts:     alerts,
		throttle:   throttle,
		publisher:  publisher,
	}, nil
}

// kickingQueue wakes the supervisor as soon as a wallet job is queued.
type kickingQueue struct {
	*queue.Queue
	sup *executor.Supervisor
}

func (k kickingQueue) Enqueue(walletID string, job *store.SwapJob) error {
	if err := k.Queue.Enqueue(walletID, job); err != nil {
		return err
	}
	k.sup.Kick()
	return nil
}

// shutdown stops intake, waits for the supervisor and flushes sinks.
func (e *engine) shutdown(supervisorDone <-chan struct{}) {
	slog.Info("shutting_down", "status", "draining supervisor", "queued", e.queue.Depth())
	e.queue.Close()

	select {
	case <-supervisorDone:
	case <-time.After(ShutdownGrace):
		slog.Warn("supervisor_drain_timeout", "grace", ShutdownGrace)
	}

	// jobs no executor picked up: cancel them and reopen their positions so
	// the next run does not mistake them for abandoned rebalances
	if drained := e.queue.Drain(time.Now().UTC()); len(drained) > 0 {
		slog.Info("queue_drained", "jobs", len(drained))
		e.monitor.Release(context.Background(), drained)
	}

	e.alerts.Close()
	if e.publisher != nil {
		if err := e.publisher.Close(); err != nil {
			slog.Warn("audit_stream_close_failed", "error", err)
		}
	}
	if err := e.db.Close(); err != nil {
		slog.Warn("store_close_failed", "error", err)
	}

	slog.Info("shutdown_complete")
}

// setupLogger creates a structured logger with the specified level.
// Format: 2025-01-04 14:32:01 [INFO]  message key=value
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		level = slog.LevelDebug
	case "INFO":
		level = slog.LevelInfo
	case "WARN", "WARNING":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format("2006-01-02 15:04:05"))
				}
			}
			return a
		},
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler)
}
