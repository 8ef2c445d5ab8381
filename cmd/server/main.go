package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/taxi-bot/internal/bot"
	"github.com/example/taxi-bot/internal/config"
	"github.com/example/taxi-bot/internal/dialog"
	"github.com/example/taxi-bot/internal/events"
	httpapi "github.com/example/taxi-bot/internal/http"
	"github.com/example/taxi-bot/internal/logging"
	"github.com/example/taxi-bot/internal/negotiation"
	"github.com/example/taxi-bot/internal/notify"
	"github.com/example/taxi-bot/internal/session"
	"github.com/example/taxi-bot/internal/storage"
	"github.com/example/taxi-bot/internal/telegram"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if cfg.RunMigrations && cfg.PGDSN != "" {
		if err := runMigrations(cfg.PGDSN); err != nil {
			logger.Error("migrations failed", "error", err)
			os.Exit(1)
		}
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		store = pg
		logger.Info("using postgres store")
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("PG_DSN not set, using in-memory store")
	}

	var dialogStates dialog.StateStore
	if cfg.RedisAddr != "" {
		rs := dialog.NewRedisStateStore(cfg.RedisAddr, cfg.RedisPassword)
		if err := rs.Ping(context.Background()); err != nil {
			logger.Error("redis unavailable", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		defer rs.Close()
		dialogStates = rs
		logger.Info("using redis dialog state", "addr", cfg.RedisAddr)
	} else {
		dialogStates = dialog.NewMemoryStateStore()
		logger.Warn("REDIS_ADDR not set, dialog state is in-memory")
	}

	var producer *events.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = events.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		logger.Info("publishing events", "brokers", strings.Join(cfg.KafkaBrokers, ","), "topic", cfg.KafkaTopic)
	} else {
		logger.Warn("KAFKA_BROKERS not set, event publishing disabled")
	}
	feed := httpapi.NewEventFeed()

	riderTG := telegram.New(cfg.RiderBotToken)
	driverTG := telegram.New(cfg.DriverBotToken)

	sender := &notify.TelegramSender{
		Rider:  riderTG,
		Driver: driverTG,
		Logger: logging.Component(logger, "notify"),
	}
	gateway := &session.Gateway{
		Store:  store,
		Send:   sender,
		Logger: logging.Component(logger, "session"),
	}
	var sink events.Sink
	if producer != nil {
		sink = events.Multi(producer, feed)
	} else {
		sink = events.Multi(feed)
	}
	engine := &negotiation.Engine{
		Store:    store,
		Send:     sender,
		Sessions: gateway,
		Events:   sink,
		Logger:   logging.Component(logger, "engine"),
	}
	dialogs := &dialog.Collector{States: dialogStates}

	riderBot := &bot.RiderBot{
		TG:       riderTG,
		Engine:   engine,
		Sessions: gateway,
		Dialogs:  dialogs,
		Store:    store,
		AdminID:  cfg.AdminID,
		Logger:   logging.Component(logger, "rider-bot"),
	}
	driverBot := &bot.DriverBot{
		TG:       driverTG,
		Engine:   engine,
		Sessions: gateway,
		Dialogs:  dialogs,
		Store:    store,
		AdminID:  cfg.AdminID,
		Logger:   logging.Component(logger, "driver-bot"),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	riderPoller := &bot.Poller{Client: riderTG, Handler: riderBot, Timeout: cfg.PollTimeout, Logger: logging.Component(logger, "rider-poller")}
	driverPoller := &bot.Poller{Client: driverTG, Handler: driverBot, Timeout: cfg.PollTimeout, Logger: logging.Component(logger, "driver-poller")}
	go func() { _ = riderPoller.Run(ctx) }()
	go func() { _ = driverPoller.Run(ctx) }()

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(store, feed, logging.Component(logger, "http")),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		logger.Info("ops api listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops api stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops api shutdown", "error", err)
	}
	// let in-flight driver fan-outs finish before the process exits
	engine.WaitFanout()
	logger.Info("bye")
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	files, err := filepath.Glob(filepath.Join("migrations", "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := db.Exec(string(b)); err != nil {
			return err
		}
		log.Printf("migration applied: %s", filepath.Base(f))
	}
	return nil
}
