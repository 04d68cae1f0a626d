/*
main.go - Leave engine server entry point

PURPOSE:
  Loads configuration, wires the leave service and scheduler to their
  stores and transports, and serves the HTTP API until signalled.

STARTUP SEQUENCE:
  1. Load .env and environment (config package), apply flag overrides
  2. Open the SQLite store
  3. Pick the run lock: Redis when REDIS_ADDR is set, in-process otherwise
  4. Pick the notifier: log, fanned out to Kafka when KAFKA_BROKERS is set
  5. Build registry, ledger, service and scheduler
  6. Apply CATALOG_PATH if configured
  7. Start the background scheduler and the HTTP server

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for in-memory database
  -env     .env file to load (default: .env)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the background scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the Kafka writer, Redis client and database

EXAMPLES:
  ./server -db="./data/leave.db"
  CATALOG_PATH=./catalog.yaml ORG_ID=acme ./server
  REDIS_ADDR=localhost:6379 KAFKA_BROKERS=localhost:9092 ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - api/scheduler.go: Background runs
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/httplog/v3"
	"github.com/redis/go-redis/v9"

	"github.com/warp/leave-engine/api"
	"github.com/warp/leave-engine/config"
	"github.com/warp/leave-engine/factory"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/lock"
	"github.com/warp/leave-engine/notify"
	"github.com/warp/leave-engine/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	port := flag.Int("port", 0, "HTTP server port (overrides PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides DB_PATH)")
	envFile := flag.String("env", ".env", "dotenv file to load")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:       cfg.Level(),
		ReplaceAttr: httplog.SchemaECS.Concise(cfg.Environment != "production").ReplaceAttr,
	})).With(slog.String("app", "leave-engine"), slog.String("env", cfg.Environment))
	slog.SetDefault(logger)

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	ctx := context.Background()

	var locker lock.Locker = lock.NewMemory()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		locker = lock.NewRedis(client)
		logger.Info("run lock backed by redis", "addr", cfg.RedisAddr)
	}

	logSink := notify.NewLog(logger)
	var notifier leave.Notifier = logSink
	var welcome leave.WelcomeSender = logSink
	if len(cfg.KafkaBrokers) > 0 {
		writer := notify.NewWriter(cfg.KafkaBrokers)
		defer writer.Close()
		kafka := notify.NewKafka(writer)
		fan := &notify.Fanout{
			Notifiers: []leave.Notifier{logSink, kafka},
			Welcomes:  []leave.WelcomeSender{logSink, kafka},
		}
		notifier, welcome = fan, fan
		logger.Info("notifications published to kafka", "brokers", cfg.KafkaBrokers)
	}

	ledger := generic.NewLedger(store)
	registry := leave.NewRegistry(store)

	svc := leave.NewService(leave.ServiceConfig{
		Registry:  registry,
		Settings:  store,
		Employees: store,
		Blackouts: store,
		Requests:  store,
		Ledger:    ledger,
		CompOff:   leave.NewCompOffLedger(store, ledger),
		Calendar:  sqlite.NewHolidayCalendar(store, cfg.OrganizationID),
		Notifier:  notifier,
		Welcome:   welcome,
		Logger:    logger,
	})
	scheduler := leave.NewScheduler(leave.SchedulerConfig{
		Employees: store,
		Registry:  registry,
		Settings:  store,
		Ledger:    ledger,
		Runs:      store,
		Locker:    locker,
		Logger:    logger,
	})

	if cfg.CatalogPath != "" {
		catalog, err := factory.ParseFile(cfg.CatalogPath)
		if err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
		applied, err := catalog.Apply(ctx, factory.Target{
			Registry: registry,
			Service:  svc,
			Holidays: store,
		}, cfg.OrganizationID)
		if err != nil {
			return fmt.Errorf("apply catalog %s: %w", cfg.CatalogPath, err)
		}
		logger.Info("catalog applied",
			"path", cfg.CatalogPath,
			"leave_types", applied.LeaveTypes,
			"settings", applied.Settings,
			"blackouts", applied.Blackouts,
			"holidays", applied.Holidays,
		)
	}

	handler := api.NewHandler(svc, scheduler, store, cfg.OrganizationID, logger)
	handler.Ping = store.Ping
	handler.Postings = store

	router := api.NewRouter(handler, api.RouterOptions{
		Logger:             logger,
		CORSOrigins:        cfg.CORSOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	})

	background := api.NewBackgroundScheduler(svc, scheduler, cfg.OrganizationID, logger)
	background.Interval = cfg.SchedulerInterval
	background.Enabled = cfg.SchedulerEnabled
	background.Start()
	defer background.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Port, "organization", cfg.OrganizationID)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	}

	background.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
