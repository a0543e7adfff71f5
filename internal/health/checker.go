package health

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	StatusOK    = "OK"
	StatusError = "ERROR"

	Healthy   = "healthy"
	Unhealthy = "unhealthy"
)

// Pinger is anything whose reachability can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Report is the body of the health endpoint.
type Report struct {
	Status    string   `json:"status"`
	Timestamp string   `json:"timestamp"`
	Uptime    float64  `json:"uptime"`
	Services  Services `json:"services"`
}

type Services struct {
	Database string `json:"database"`
	Queue    string `json:"queue"`
}

// Healthy reports whether every dependency answered.
func (r Report) Healthy() bool {
	return r.Status == StatusOK
}

// Checker probes the database and the queue backend.
type Checker struct {
	database Pinger
	queue    Pinger
	timeout  time.Duration
	started  time.Time
	now      func() time.Time
	logger   *logrus.Logger
}

// NewChecker creates a Checker that gives each dependency timeout to answer.
func NewChecker(database, queue Pinger, timeout time.Duration, logger *logrus.Logger) *Checker {
	return &Checker{
		database: database,
		queue:    queue,
		timeout:  timeout,
		started:  time.Now(),
		now:      time.Now,
		logger:   logger,
	}
}

// Check probes both dependencies, each under its own timeout.
func (c *Checker) Check(ctx context.Context) Report {
	now := c.now()
	report := Report{
		Status:    StatusOK,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Uptime:    now.Sub(c.started).Seconds(),
	}

	report.Services.Database = c.probe(ctx, "database", c.database)
	report.Services.Queue = c.probe(ctx, "queue", c.queue)
	if report.Services.Database != Healthy || report.Services.Queue != Healthy {
		report.Status = StatusError
	}
	return report
}

func (c *Checker) probe(ctx context.Context, name string, p Pinger) string {
	if p == nil {
		return Unhealthy
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		c.logger.Warnf("Health check: %s unreachable: %v", name, err)
		return Unhealthy
	}
	return Healthy
}
