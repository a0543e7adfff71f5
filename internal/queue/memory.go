package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"job-leaderboard/internal/models"
)

const memoryLaneBuffer = 1024

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Memory is an in-process backend. It follows the same retry and
// dead-letter rules as the durable backends but loses everything on exit,
// so it is meant for development and tests.
type Memory struct {
	opts   Options
	logger *logrus.Logger

	mu    sync.Mutex
	lanes map[models.Lane]chan envelope
	dead  map[models.Lane][]Delivery

	done      chan struct{}
	closeOnce sync.Once
}

func NewMemory(opts Options, logger *logrus.Logger) *Memory {
	return &Memory{
		opts:   opts.withDefaults(),
		logger: logger,
		lanes:  make(map[models.Lane]chan envelope),
		dead:   make(map[models.Lane][]Delivery),
		done:   make(chan struct{}),
	}
}

func (m *Memory) lane(lane models.Lane) chan envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.lanes[lane]
	if !ok {
		ch = make(chan envelope, memoryLaneBuffer)
		m.lanes[lane] = ch
	}
	return ch
}

func (m *Memory) Enqueue(ctx context.Context, lane models.Lane, event models.ChangeEvent) error {
	if err := checkLane(lane); err != nil {
		return err
	}
	return m.push(ctx, lane, newEnvelope(lane, event))
}

func (m *Memory) push(ctx context.Context, lane models.Lane, env envelope) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.lane(lane) <- env:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Consume(ctx context.Context, lane models.Lane, h Handler) error {
	if err := checkLane(lane); err != nil {
		return err
	}
	ch := m.lane(lane)

	var wg sync.WaitGroup
	for i := 0; i < m.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-m.done:
					return
				case env := <-ch:
					m.handle(ctx, lane, env, h)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (m *Memory) handle(ctx context.Context, lane models.Lane, env envelope, h Handler) {
	err := invoke(ctx, h, env.delivery())
	if err == nil {
		return
	}

	retry, delay := m.opts.Retry.next(env.Attempt, err)
	if !retry {
		m.logger.Errorf("Job %s of type %s has failed with %v (attempt %d), giving up", env.ID, lane, err, env.Attempt)
		m.mu.Lock()
		m.dead[lane] = append(m.dead[lane], env.delivery())
		m.mu.Unlock()
		return
	}

	m.logger.Warnf("Job %s of type %s has failed with %v (attempt %d), retrying in %s", env.ID, lane, err, env.Attempt, delay)
	env.Attempt++
	time.AfterFunc(delay, func() {
		if err := m.push(context.Background(), lane, env); err != nil {
			m.logger.Warnf("Dropping retry of job %s: %v", env.ID, err)
		}
	})
}

// DeadLetters returns deliveries that exhausted their attempts on lane.
func (m *Memory) DeadLetters(lane models.Lane) []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Delivery(nil), m.dead[lane]...)
}

// Pending returns the number of items waiting on lane.
func (m *Memory) Pending(lane models.Lane) int {
	return len(m.lane(lane))
}

func (m *Memory) Ping(ctx context.Context) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
		return nil
	}
}

func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}
