package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"job-leaderboard/internal/config"
	"job-leaderboard/internal/models"
)

// ConnectNATS opens a connection that logs disconnects and reconnects.
func ConnectNATS(cfg config.NATSConfig, logger *logrus.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("job-leaderboard"),
		nats.MaxReconnects(cfg.MaxReconnect),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Infof("Connected to NATS at %s", cfg.URL)
	return conn, nil
}

// NATS keeps lanes as subjects of one JetStream work-queue stream, each read
// by its own durable pull consumer. Redelivery after a missed ack is done by
// the server after VisibilityTimeout; handler failures are NAKed with the
// policy's backoff and terminated once attempts run out.
type NATS struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	opts   Options
	stream string
	logger *logrus.Logger
}

// NewNATS creates the stream if it does not exist yet.
func NewNATS(conn *nats.Conn, opts Options, logger *logrus.Logger) (*NATS, error) {
	opts = opts.withDefaults()
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to open JetStream context: %w", err)
	}

	q := &NATS{
		conn:   conn,
		js:     js,
		opts:   opts,
		stream: strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(opts.Name)),
		logger: logger,
	}

	if _, err := js.StreamInfo(q.stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return nil, fmt.Errorf("failed to look up stream %s: %w", q.stream, err)
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      q.stream,
			Subjects:  []string{opts.Name + ".>"},
			Storage:   nats.FileStorage,
			Retention: nats.WorkQueuePolicy,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create stream %s: %w", q.stream, err)
		}
		logger.Infof("Created JetStream stream %s", q.stream)
	}
	return q, nil
}

func (q *NATS) subject(lane models.Lane) string {
	return q.opts.Name + "." + string(lane)
}

func (q *NATS) durable(lane models.Lane) string {
	return strings.ReplaceAll(q.opts.Name+"-"+string(lane), ".", "-")
}

func (q *NATS) Enqueue(ctx context.Context, lane models.Lane, event models.ChangeEvent) error {
	if err := checkLane(lane); err != nil {
		return err
	}
	env := newEnvelope(lane, event)
	data, err := env.encode()
	if err != nil {
		return err
	}
	if _, err := q.js.Publish(q.subject(lane), data, nats.Context(ctx), nats.MsgId(env.ID)); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}
	q.logger.Debugf("Published %s to %s", env.Event, q.subject(lane))
	return nil
}

func (q *NATS) Consume(ctx context.Context, lane models.Lane, h Handler) error {
	if err := checkLane(lane); err != nil {
		return err
	}
	sub, err := q.js.PullSubscribe(q.subject(lane), q.durable(lane),
		nats.ManualAck(),
		nats.AckWait(q.opts.VisibilityTimeout),
		nats.MaxDeliver(q.opts.Retry.MaxAttempts),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", q.subject(lane), err)
	}

	q.logger.Infof("Consuming %s from JetStream subject %s", lane, q.subject(lane))
	for ctx.Err() == nil {
		fetchCtx, cancel := context.WithTimeout(ctx, q.opts.PollWait)
		msgs, err := sub.Fetch(q.opts.Concurrency, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				continue
			}
			q.logger.Errorf("Error fetching from %s: %v", q.subject(lane), err)
			continue
		}

		var wg sync.WaitGroup
		for _, msg := range msgs {
			wg.Add(1)
			go func(msg *nats.Msg) {
				defer wg.Done()
				q.handle(ctx, lane, msg, h)
			}(msg)
		}
		wg.Wait()
	}
	return nil
}

func (q *NATS) handle(ctx context.Context, lane models.Lane, msg *nats.Msg, h Handler) {
	env, err := decodeEnvelope(msg.Data)
	if err != nil {
		q.logger.Errorf("Discarding malformed message on %s: %v", msg.Subject, err)
		_ = msg.Term()
		return
	}
	if meta, err := msg.Metadata(); err == nil {
		env.Attempt = int(meta.NumDelivered)
	}

	err = invoke(ctx, h, env.delivery())
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			q.logger.Warnf("Failed to ack job %s, it will be redelivered: %v", env.ID, ackErr)
		}
		return
	}

	retry, delay := q.opts.Retry.next(env.Attempt, err)
	if !retry {
		q.logger.Errorf("Job %s of type %s has failed with %v (attempt %d), giving up", env.ID, lane, err, env.Attempt)
		_ = msg.Term()
		return
	}

	q.logger.Warnf("Job %s of type %s has failed with %v (attempt %d), retrying in %s", env.ID, lane, err, env.Attempt, delay)
	if nakErr := msg.NakWithDelay(delay); nakErr != nil {
		q.logger.Warnf("Failed to nak job %s: %v", env.ID, nakErr)
	}
}

func (q *NATS) Ping(ctx context.Context) error {
	if q.conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats connection is %s", q.conn.Status())
	}
	if err := q.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

func (q *NATS) Close() error {
	if q.conn != nil {
		q.conn.Close()
	}
	return nil
}
