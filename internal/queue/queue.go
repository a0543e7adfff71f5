// Package queue is the at-least-once channel between the change detector and
// the delivery worker. Items are addressed by lane; every backend redelivers
// an item whose handler failed or whose consumer died, so handlers must
// tolerate replays.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/retry"

	"job-leaderboard/internal/config"
	"job-leaderboard/internal/models"
)

// Delivery is one attempt at handling a queued event. Attempt starts at 1.
type Delivery struct {
	ID      string
	Lane    models.Lane
	Event   models.ChangeEvent
	Attempt int
}

// Handler processes a delivery. A nil error acknowledges it; any other error
// hands it back to the queue's retry policy.
type Handler func(ctx context.Context, d Delivery) error

// Queue is implemented by every backend. Enqueue and Consume may be called
// concurrently from any number of goroutines.
type Queue interface {
	Enqueue(ctx context.Context, lane models.Lane, event models.ChangeEvent) error
	// Consume blocks, running Options.Concurrency handlers for lane, until
	// ctx is cancelled.
	Consume(ctx context.Context, lane models.Lane, h Handler) error
	Ping(ctx context.Context) error
	Close() error
}

// Options are shared by all backends.
type Options struct {
	Name              string
	Concurrency       int
	Retry             RetryPolicy
	VisibilityTimeout time.Duration
	PollWait          time.Duration
}

// OptionsFromConfig maps the queue and worker configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Name:        cfg.Queue.Name,
		Concurrency: cfg.Worker.Concurrency,
		Retry: RetryPolicy{
			MaxAttempts: cfg.Queue.MaxAttempts,
			Backoff:     cfg.Queue.Backoff,
			MaxBackoff:  cfg.Queue.MaxBackoff,
		},
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		PollWait:          cfg.Queue.PollWait,
	}
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "job-updates"
	}
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.Retry.MaxAttempts < 1 {
		o.Retry.MaxAttempts = 1
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 30 * time.Second
	}
	if o.PollWait <= 0 {
		o.PollWait = 2 * time.Second
	}
	return o
}

// RetryPolicy bounds redelivery after handler failures.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// maxDelay caps Delay when MaxBackoff is unset.
const maxDelay = time.Hour

// Delay returns the wait before attempt+1: Backoff doubled per attempt,
// capped at MaxBackoff.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceiling := p.MaxBackoff
	if ceiling <= 0 {
		ceiling = maxDelay
	}
	return retry.ExpBackoff(p.Backoff, ceiling, 2, false)(0, attempt-1)
}

// next decides what happens after a failed attempt.
func (p RetryPolicy) next(attempt int, err error) (again bool, delay time.Duration) {
	if IsPermanent(err) || attempt >= p.MaxAttempts {
		return false, 0
	}
	return true, p.Delay(attempt)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the delivery is dead-lettered
// straight away.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// envelope is the wire format shared by the redis and nats backends.
type envelope struct {
	ID         string             `json:"id"`
	Lane       models.Lane        `json:"lane"`
	Event      models.ChangeEvent `json:"event"`
	Attempt    int                `json:"attempt"`
	EnqueuedAt int64              `json:"enqueued_at"`
}

func newEnvelope(lane models.Lane, event models.ChangeEvent) envelope {
	return envelope{
		ID:         uuid.NewString(),
		Lane:       lane,
		Event:      event,
		Attempt:    1,
		EnqueuedAt: time.Now().UnixMilli(),
	}
}

func (e envelope) delivery() Delivery {
	return Delivery{ID: e.ID, Lane: e.Lane, Event: e.Event, Attempt: e.Attempt}
}

func (e envelope) encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (envelope, error) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return envelope{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if !e.Lane.Valid() {
		return envelope{}, fmt.Errorf("unknown lane %q", e.Lane)
	}
	if e.Attempt < 1 {
		e.Attempt = 1
	}
	return e, nil
}

func checkLane(lane models.Lane) error {
	if !lane.Valid() {
		return fmt.Errorf("unknown lane %q", lane)
	}
	return nil
}

// invoke runs h, turning a panic into an error so one bad delivery cannot
// take a consumer down.
func invoke(ctx context.Context, h Handler, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, d)
}
