package logging

import (
	"os"

	"github.com/sirupsen/logrus"

	"job-leaderboard/internal/config"
)

// New builds the process logger. Unknown levels fall back to info and are
// reported once the logger exists.
func New(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	logger.SetLevel(logrus.InfoLevel)
	if cfg.Level != "" {
		level, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			logger.Warnf("Invalid log level '%s', defaulting to 'info'", cfg.Level)
		} else {
			logger.SetLevel(level)
		}
	}

	return logger
}
