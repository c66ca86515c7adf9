package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/store"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	st := store.NewMemoryStore()
	if cfg.PGDSN != "" {
		if os.Getenv("MIGRATE") == "true" {
			runMigrations(cfg.PGDSN, logger)
		}
		archiver, aerr := store.NewPostgresArchiver(cfg.PGDSN)
		if aerr != nil {
			logger.Error("postgres archiver unavailable", "error", aerr)
			os.Exit(1)
		}
		defer archiver.Close()
		st.SetArchiver(archiver, logger)
	}

	var dir directory.Directory
	if cfg.RedisAddr != "" {
		rd := directory.NewRedisDirectory(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDriverKey)
		defer rd.Close()
		dir = rd
	} else {
		dir = directory.NewMemoryDirectory()
	}

	var producer events.Publisher
	var driverFeed *events.DriverProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		producer = kp
		driverFeed = events.NewDriverProducer(cfg.KafkaBrokers, cfg.KafkaDriverTopic)
		defer driverFeed.Close()
	}

	wsreg := notify.NewWSRegistry()
	notifier := notify.NewPushNotifier(os.Getenv("PUSH_ENDPOINT"), wsreg)

	disp := dispatch.NewService(st, dir, producer, notifier, logger, dispatch.Options{
		MaxMatchAttempts:      cfg.MaxMatchAttempts,
		RematchDelay:          cfg.RematchDelay,
		DriverResponseTimeout: cfg.DriverResponseTimeout,
		TotalSearchTimeout:    cfg.TotalSearchTimeout,
		NoShowWait:            cfg.NoShowWait,
		NoShowFee:             cfg.NoShowFee,
	})
	defer disp.Close()

	orch := &payments.Orchestrator{
		Store:      st,
		Gateway:    payments.NewStripeGateway(cfg.StripeAPIKey),
		Dispatcher: disp,
		Producer:   producer,
		Logger:     logger,
	}

	srv := httpapi.NewServer(orch, disp, st, dir, wsreg, httpapi.ServerOptions{
		Logger:          logger,
		RateLimitPerSec: cfg.RateLimitPerSec,
		RateLimitBurst:  cfg.RateLimitBurst,
	})
	if driverFeed != nil {
		srv.DriverFeed = driverFeed
	}

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open error", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_bookings.sql"))
	if err != nil {
		logger.Error("migration read error", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec error", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_bookings.sql")
}
