package queue

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"job-leaderboard/internal/config"
)

// New connects the backend selected by cfg.Queue.Backend and verifies it is
// reachable.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (Queue, error) {
	opts := OptionsFromConfig(cfg)

	switch cfg.Queue.Backend {
	case config.BackendRedis:
		client := NewRedisClient(cfg.Redis)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Redis.Addr(), err)
		}
		logger.Infof("Connected to Redis at %s", cfg.Redis.Addr())
		return NewRedis(client, opts, logger), nil

	case config.BackendNATS:
		conn, err := ConnectNATS(cfg.NATS, logger)
		if err != nil {
			return nil, err
		}
		q, err := NewNATS(conn, opts, logger)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return q, nil

	case config.BackendMemory:
		logger.Warn("Using in-memory queue; queued events are lost on restart")
		return NewMemory(opts, logger), nil
	}

	return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
}
