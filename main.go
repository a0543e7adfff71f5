package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"job-leaderboard/internal/api"
	"job-leaderboard/internal/auth"
	"job-leaderboard/internal/binlog"
	"job-leaderboard/internal/changeset"
	"job-leaderboard/internal/config"
	"job-leaderboard/internal/detector"
	"job-leaderboard/internal/health"
	"job-leaderboard/internal/jobs"
	"job-leaderboard/internal/logging"
	"job-leaderboard/internal/queue"
	"job-leaderboard/internal/users"
	"job-leaderboard/internal/webhook"
	"job-leaderboard/internal/worker"
)

func main() {
	// A .env file is optional; real environment variables win.
	_ = godotenv.Load()

	configPath := config.DefaultPath
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(cfg.Logging)
	logger.Info("Starting job leaderboard backend...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatalf("Service error: %v", err)
	}
	logger.Info("Job leaderboard backend stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	// 1. Database
	db, err := jobs.Open(cfg.MySQL)
	if err != nil {
		return err
	}
	defer db.Close()

	jobRepo := jobs.NewRepository(db, cfg.MySQL.JobsTable, cfg.MySQL.QueryTimeout, logger)
	if err := jobRepo.Ping(ctx); err != nil {
		return err
	}
	logger.Info("Successfully connected to the database")

	// 2. Event queue
	q, err := queue.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer q.Close()

	// 3. Change detector state
	det := detector.New(jobRepo, q, changeset.New(), detector.Config{
		Interval:     cfg.Detector.PollInterval,
		CycleTimeout: cfg.Detector.CycleTimeout,
	}, logger)
	if err := det.Initialize(ctx); err != nil {
		return err
	}

	// 4. Accounts
	userService := users.NewService(users.NewStore(db, cfg.MySQL.UsersTable, cfg.MySQL.QueryTimeout), users.DefaultHashCost, logger)
	if _, err := userService.EnsureDefaultSuperadmin(ctx, cfg.Auth.DefaultAdmin); err != nil {
		logger.Errorf("Error creating default superadmin user: %v", err)
	}

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		secret = uuid.NewString()
		logger.Warn("JWT_SECRET is not set; using a random secret, sessions will not survive a restart")
	}
	tokens, err := auth.NewTokenService(secret, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}

	server := api.NewServer(api.Deps{
		Jobs:   jobRepo,
		Health: health.NewChecker(jobRepo, q, cfg.MySQL.QueryTimeout, logger),
		Users:  userService,
		Tokens: tokens,
	}, cfg.HTTP, cfg.Auth, logger)

	// 5. Worker, detector loop and HTTP
	g, ctx := errgroup.WithContext(ctx)

	w := worker.New(q, jobRepo, webhook.NewClient(cfg.Webhook.Timeout, logger), cfg.Webhook.URL, logger)
	g.Go(func() error { return w.Run(ctx) })
	g.Go(func() error { return det.Run(ctx) })
	g.Go(func() error { return server.Run(ctx) })

	if cfg.Binlog.Enabled {
		// The binlog only shortens latency; losing it never stops the service.
		g.Go(func() error {
			if err := binlog.CheckServer(ctx, db, logger); err != nil {
				logger.Warnf("Binlog nudges disabled: %v", err)
				return nil
			}
			if err := binlog.NewWatcher(cfg, db, det.Nudge, logger).Run(ctx); err != nil {
				logger.Warnf("Binlog watcher stopped: %v", err)
			}
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
