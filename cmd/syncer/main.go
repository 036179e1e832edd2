package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"neosync/internal/api"
	"neosync/internal/config"
	"neosync/internal/publisher"
	"neosync/internal/scheduler"
	"neosync/internal/service"
	"neosync/internal/source/mangadex"
	"neosync/internal/storage/postgres"
	"neosync/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := setupLogger("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = setupLogger(cfg.LogLevel)

	db, err := sqlx.Connect("postgres", cfg.Database.DSN())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database")

	var events service.Publisher
	if cfg.RabbitMQ.Enabled {
		rabbitMQ, err := publisher.NewRabbitMQ(publisher.Config{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
			QueueName:  cfg.RabbitMQ.QueueName,
		}, logger)
		if err != nil {
			logger.Error("failed to connect to rabbitmq", "error", err)
			os.Exit(1)
		}
		defer rabbitMQ.Close()
		events = rabbitMQ
	}

	taskStore := postgres.NewTaskStore(db)
	seriesStore := postgres.NewSeriesStore(db)
	chapterStore := postgres.NewChapterStore(db)
	txManager := postgres.NewTransactionManager(db)

	source := mangadex.New(mangadex.Config{
		BaseURL:     cfg.API.BaseURL,
		CoversURL:   cfg.API.CoversURL,
		Locale:      cfg.API.Locale,
		Languages:   cfg.API.Languages,
		Timeout:     cfg.API.Timeout,
		MinInterval: cfg.API.MinInterval,
		UserAgent:   cfg.API.UserAgent,
		Breaker: mangadex.BreakerConfig{
			MinRequests:  cfg.API.Breaker.MinRequests,
			FailureRatio: cfg.API.Breaker.FailureRatio,
			Interval:     cfg.API.Breaker.Interval,
			Timeout:      cfg.API.Breaker.Timeout,
		},
	}, logger)

	queue := service.NewSyncQueue(taskStore, cfg.Queue, logger)
	worker := service.NewWorker(
		source,
		queue,
		seriesStore,
		chapterStore,
		txManager,
		events,
		logger,
		service.WorkerSettings{
			Worker:    cfg.Worker,
			Discovery: cfg.Discovery,
			FeedLimit: cfg.API.FeedLimit,
		},
	)
	admin := service.NewAdminService(queue, logger, cfg.Admin)

	tokens := api.TokenService{Secret: []byte(cfg.Auth.JWTSecret), Issuer: cfg.Auth.JWTIssuer}
	handler := api.NewHandler(worker, admin, db, tokens, cfg.Auth.CronSecret, logger)
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewRouter(handler, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	tree := supervisor.NewTree(logger, supervisor.TreeConfig{ShutdownTimeout: cfg.Server.ShutdownTimeout})
	tree.AddAPI(supervisor.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))
	if cfg.Scheduler.Interval > 0 {
		tree.AddWorker(scheduler.NewScheduler(worker, cfg.Scheduler.Interval, cfg.Scheduler.TickTimeout, logger))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	logger.Info("starting neosync",
		"source", source.Name(),
		"addr", cfg.Server.Addr,
		"scheduler_interval", cfg.Scheduler.Interval,
		"batch_size", cfg.Worker.BatchSize,
		"events", cfg.RabbitMQ.Enabled,
	)

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("supervisor error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}
