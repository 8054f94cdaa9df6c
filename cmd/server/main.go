// The server binary exposes the engine's HTTP surface: campaign
// lifecycle actions, queue and quota visibility, and the public
// open/click/unsubscribe tracking endpoints. It runs no consumer pools;
// jobs it enqueues are picked up by worker processes.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"

	"github.com/cadencehq/cadence/internal/api"
	"github.com/cadencehq/cadence/internal/breaker"
	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/pkg/logger"
	"github.com/cadencehq/cadence/internal/queue"
	"github.com/cadencehq/cadence/internal/quota"
	"github.com/cadencehq/cadence/internal/store"
	"github.com/cadencehq/cadence/internal/tracking"
	"github.com/cadencehq/cadence/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(cfg.Logging.RedactEnabled())

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Error("database open failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	{
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := db.PingContext(ctx)
		cancel()
		if err != nil {
			logger.Error("database connect failed", "error", err)
			os.Exit(1)
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	st := store.New(db)
	q := queue.New(db)
	ledger := quota.NewLedger(rdb)
	br := breaker.New(rdb, cfg.Breaker.FailureThreshold, cfg.Breaker.Cooldown())

	// The controller here serves the lifecycle endpoints only; its
	// periodic loop runs in the worker process.
	controller := worker.NewController(st, q, cfg.Schedule.ActivationPoll())

	var tracker *tracking.Service
	if cfg.Tracking.Enabled {
		tracker = tracking.NewService(st, cfg.Tracking.Secret, cfg.Tracking.BaseURL)
	}

	srv := api.NewServer(st, q, ledger, br, controller, tracker)
	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr, "tracking", cfg.Tracking.Enabled)
		errCh <- srv.ListenAndServe(addr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	case <-quit:
		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}
	logger.Info("server stopped")
}
