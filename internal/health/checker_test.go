package health

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func ok() Pinger { return pingFunc(func(context.Context) error { return nil }) }

func failing() Pinger {
	return pingFunc(func(context.Context) error { return errors.New("connection refused") })
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name     string
		db       Pinger
		queue    Pinger
		status   string
		database string
		queueSt  string
	}{
		{"all healthy", ok(), ok(), StatusOK, Healthy, Healthy},
		{"database down", failing(), ok(), StatusError, Unhealthy, Healthy},
		{"queue down", ok(), failing(), StatusError, Healthy, Unhealthy},
		{"queue missing", ok(), nil, StatusError, Healthy, Unhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(tt.db, tt.queue, time.Second, testLogger())
			report := c.Check(context.Background())

			assert.Equal(t, tt.status, report.Status)
			assert.Equal(t, tt.status == StatusOK, report.Healthy())
			assert.Equal(t, tt.database, report.Services.Database)
			assert.Equal(t, tt.queueSt, report.Services.Queue)
		})
	}
}

func TestCheck_TimesOutSlowDependency(t *testing.T) {
	slow := pingFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	c := NewChecker(ok(), slow, 20*time.Millisecond, testLogger())

	start := time.Now()
	report := c.Check(context.Background())

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, Unhealthy, report.Services.Queue)
}

func TestCheck_Uptime(t *testing.T) {
	c := NewChecker(ok(), ok(), time.Second, testLogger())
	started := c.started
	c.now = func() time.Time { return started.Add(90 * time.Second) }

	report := c.Check(context.Background())
	assert.InDelta(t, 90.0, report.Uptime, 0.001)
	_, err := time.Parse(time.RFC3339Nano, report.Timestamp)
	assert.NoError(t, err)
}
