// The worker binary runs the delivery engine: the step preparation,
// send, and mailbox scan consumer pools plus the campaign controller
// loop. It shares the database and Redis with the server binary and can
// be scaled horizontally; the job queue's claim semantics keep replicas
// from stepping on each other.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"

	"github.com/cadencehq/cadence/internal/breaker"
	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/notify"
	"github.com/cadencehq/cadence/internal/pkg/distlock"
	"github.com/cadencehq/cadence/internal/pkg/logger"
	"github.com/cadencehq/cadence/internal/provider"
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
	logger.Info("starting delivery worker")

	db, err := openDB(cfg.Database)
	if err != nil {
		logger.Error("database connect failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	{
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			logger.Error("redis connect failed", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
	}

	st := store.New(db)
	q := queue.New(db)
	ledger := quota.NewLedger(rdb)
	br := breaker.New(rdb, cfg.Breaker.FailureThreshold, cfg.Breaker.Cooldown())

	var gmail *provider.GmailService
	if cfg.Gmail.ClientID != "" {
		gmail = provider.NewGmailService(cfg.Gmail.ClientID, cfg.Gmail.ClientSecret, cfg.Gmail.Timeout())
	}
	var ses *provider.SESMailer
	if cfg.SES.Enabled {
		ses, err = provider.NewSESMailer(context.Background(), cfg.SES.Region, cfg.SES.AccessKey, cfg.SES.SecretKey)
		if err != nil {
			logger.Error("ses init failed", "error", err)
			os.Exit(1)
		}
	}
	providers := worker.NewProviders(st, gmail, ses)

	var tracker *tracking.Service
	if cfg.Tracking.Enabled {
		tracker = tracking.NewService(st, cfg.Tracking.Secret, cfg.Tracking.BaseURL)
	}
	composer := worker.NewComposer(tracker)

	var notifier worker.CompletionNotifier
	if wh := notify.NewWebhook(cfg.Notify.WebhookURL, time.Duration(cfg.Notify.TimeoutSeconds)*time.Second); wh != nil {
		notifier = wh
	}
	completion := worker.NewCompletionChecker(st, notifier)

	prepareWorker := worker.NewPrepareWorker(st, q, ledger, worker.PrepareConfig{
		HorizonDays:   cfg.Schedule.HorizonDays,
		DefaultPacing: time.Duration(cfg.Schedule.DefaultPacingMinutes) * time.Minute,
		MaxAttempts:   cfg.Queue.MaxAttempts,
	})
	sendWorker := worker.NewSendWorker(st, q, ledger, br, providers, composer, completion)
	detectWorker := worker.NewDetectWorker(st, q, br, providers)

	consumers := []*queue.Consumer{
		queue.NewConsumer(q, queue.CategoryStepPrepare, prepareWorker.Handle, consumerCfg(cfg.Queue.Prepare)),
		queue.NewConsumer(q, queue.CategorySend, sendWorker.Handle, consumerCfg(cfg.Queue.Send)),
		queue.NewConsumer(q, queue.CategoryBounceScan, detectWorker.HandleScan, consumerCfg(cfg.Queue.Scan)),
		queue.NewConsumer(q, queue.CategoryReplyScan, detectWorker.HandleReply, consumerCfg(cfg.Queue.Scan)),
	}
	for _, c := range consumers {
		if err := c.Start(); err != nil {
			logger.Error("consumer start failed", "error", err)
			os.Exit(1)
		}
	}

	controller := worker.NewController(st, q, cfg.Schedule.ActivationPoll())
	controller.UseLock(distlock.New(rdb, db, "controller-tick", cfg.Schedule.ActivationPoll()*2))
	controller.Start()

	logger.Info("worker running",
		"send_concurrency", cfg.Queue.Send.Concurrency,
		"send_rate", cfg.Queue.Send.RatePerSecond)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker")
	controller.Stop()
	for _, c := range consumers {
		c.Stop()
	}
	logger.Info("worker stopped")
}

func openDB(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func consumerCfg(t config.ConsumerTuning) queue.ConsumerConfig {
	return queue.ConsumerConfig{
		Concurrency:   t.Concurrency,
		BatchSize:     t.BatchSize,
		PollInterval:  t.PollInterval(),
		RatePerSecond: t.RatePerSecond,
	}
}
