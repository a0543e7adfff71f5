package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"job-leaderboard/internal/config"
	"job-leaderboard/internal/models"
)

const bodyField = "body"

// promoteScript moves due retries from the delayed set back onto the stream.
// KEYS[1] delayed zset, KEYS[2] stream, ARGV[1] now (ms), ARGV[2] limit.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
  redis.call('XADD', KEYS[2], '*', 'body', member)
  redis.call('ZREM', KEYS[1], member)
end
return #due
`)

// NewRedisClient builds a client from the service's Redis settings.
func NewRedisClient(cfg config.RedisConfig) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{cfg.Addr()},
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

// Redis stores each lane in a stream read through a consumer group. A
// delivery stays pending until it is acknowledged; entries left pending by a
// dead consumer are claimed again after VisibilityTimeout. Failed attempts
// are parked in a sorted set scored by their due time and promoted back onto
// the stream once due.
type Redis struct {
	client   redis.UniversalClient
	opts     Options
	group    string
	consumer string
	logger   *logrus.Logger
}

// NewRedis creates a Redis queue whose consumer group is named after
// opts.Name. The caller owns client until Close.
func NewRedis(client redis.UniversalClient, opts Options, logger *logrus.Logger) *Redis {
	opts = opts.withDefaults()
	host, _ := os.Hostname()
	return &Redis{
		client:   client,
		opts:     opts,
		group:    opts.Name,
		consumer: fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
		logger:   logger,
	}
}

// Keys share a hash tag per lane so the promote script stays on one slot.
func (r *Redis) streamKey(lane models.Lane) string {
	return r.opts.Name + ":{" + string(lane) + "}"
}

func (r *Redis) delayedKey(lane models.Lane) string {
	return r.streamKey(lane) + ":delayed"
}

// DeadLetterKey is the list holding deliveries that exhausted their attempts.
func (r *Redis) DeadLetterKey(lane models.Lane) string {
	return r.streamKey(lane) + ":dead"
}

// Enqueue appends event to the lane's stream.
func (r *Redis) Enqueue(ctx context.Context, lane models.Lane, event models.ChangeEvent) error {
	if err := checkLane(lane); err != nil {
		return err
	}
	data, err := newEnvelope(lane, event).encode()
	if err != nil {
		return err
	}
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.streamKey(lane),
		Values: map[string]interface{}{bodyField: data},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis xadd: %w", err)
	}
	return nil
}

func (r *Redis) ensureGroup(ctx context.Context, lane models.Lane) error {
	err := r.client.XGroupCreateMkStream(ctx, r.streamKey(lane), r.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis create group: %w", err)
	}
	return nil
}

func (r *Redis) Consume(ctx context.Context, lane models.Lane, h Handler) error {
	if err := checkLane(lane); err != nil {
		return err
	}
	if err := r.ensureGroup(ctx, lane); err != nil {
		return err
	}

	msgs := make(chan entry)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(msgs)
		r.fetchLoop(gctx, lane, msgs)
		return nil
	})
	for i := 0; i < r.opts.Concurrency; i++ {
		g.Go(func() error {
			for e := range msgs {
				r.handle(gctx, lane, e, h)
			}
			return nil
		})
	}

	r.logger.Infof("Consuming %s from redis stream %s as %s", lane, r.streamKey(lane), r.consumer)
	return g.Wait()
}

func (r *Redis) fetchLoop(ctx context.Context, lane models.Lane, out chan<- entry) {
	stream := r.streamKey(lane)
	failures := 0

	for ctx.Err() == nil {
		batch, err := r.fetch(ctx, lane)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			wait := r.opts.Retry.Delay(failures)
			r.logger.Errorf("Error reading redis stream %s: %v (retrying in %s)", stream, err, wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		failures = 0

		for _, e := range batch {
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}
}

// entry is a stream message with the number of times the group has handed
// it out, this delivery included.
type entry struct {
	msg        redis.XMessage
	deliveries int64
}

// fetch promotes due retries, reclaims stale pending entries and then blocks
// for new ones.
func (r *Redis) fetch(ctx context.Context, lane models.Lane) ([]entry, error) {
	stream := r.streamKey(lane)
	count := int64(r.opts.Concurrency)

	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := promoteScript.Run(ctx, r.client, []string{r.delayedKey(lane), stream}, now, count*10).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("promote delayed: %w", err)
	}

	claimed, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    r.group,
		Consumer: r.consumer,
		MinIdle:  r.opts.VisibilityTimeout,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}
	if len(claimed) > 0 {
		r.logger.Warnf("Reclaimed %d stale deliveries from %s", len(claimed), stream)
		return r.withDeliveryCounts(ctx, stream, claimed)
	}

	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    r.opts.PollWait,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	var out []entry
	for _, s := range streams {
		for _, msg := range s.Messages {
			out = append(out, entry{msg: msg, deliveries: 1})
		}
	}
	return out, nil
}

// withDeliveryCounts looks up how often each reclaimed message has been
// delivered, so deliveries lost with a dead consumer count as attempts.
func (r *Redis) withDeliveryCounts(ctx context.Context, stream string, msgs []redis.XMessage) ([]entry, error) {
	cmds := make([]*redis.XPendingExtCmd, len(msgs))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, msg := range msgs {
			cmds[i] = pipe.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: stream,
				Group:  r.group,
				Start:  msg.ID,
				End:    msg.ID,
				Count:  1,
			})
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xpending: %w", err)
	}

	out := make([]entry, len(msgs))
	for i, msg := range msgs {
		out[i] = entry{msg: msg, deliveries: 1}
		if pending, err := cmds[i].Result(); err == nil && len(pending) == 1 && pending[0].RetryCount > 0 {
			out[i].deliveries = pending[0].RetryCount
		}
	}
	return out, nil
}

func (r *Redis) handle(ctx context.Context, lane models.Lane, e entry, h Handler) {
	stream := r.streamKey(lane)
	msg := e.msg

	raw, _ := msg.Values[bodyField].(string)
	env, err := decodeEnvelope([]byte(raw))
	if err != nil {
		r.logger.Errorf("Discarding malformed entry %s on %s: %v", msg.ID, stream, err)
		r.finish(ctx, lane, msg.ID, func(pipe redis.Pipeliner) {
			pipe.RPush(ctx, r.DeadLetterKey(lane), raw)
		})
		return
	}

	// Each earlier delivery of this entry died with its consumer.
	env.Attempt += int(e.deliveries) - 1
	if env.Attempt > r.opts.Retry.MaxAttempts {
		r.logger.Errorf("Job %s of type %s was abandoned by %d consumers (attempt %d), giving up", env.ID, lane, e.deliveries-1, env.Attempt)
		r.finish(ctx, lane, msg.ID, func(pipe redis.Pipeliner) {
			pipe.RPush(ctx, r.DeadLetterKey(lane), raw)
		})
		return
	}

	err = invoke(ctx, h, env.delivery())
	if err == nil {
		r.finish(ctx, lane, msg.ID, nil)
		return
	}

	retry, delay := r.opts.Retry.next(env.Attempt, err)
	if !retry {
		r.logger.Errorf("Job %s of type %s has failed with %v (attempt %d), giving up", env.ID, lane, err, env.Attempt)
		r.finish(ctx, lane, msg.ID, func(pipe redis.Pipeliner) {
			pipe.RPush(ctx, r.DeadLetterKey(lane), raw)
		})
		return
	}

	r.logger.Warnf("Job %s of type %s has failed with %v (attempt %d), retrying in %s", env.ID, lane, err, env.Attempt, delay)
	env.Attempt++
	data, encErr := env.encode()
	if encErr != nil {
		r.logger.Errorf("Re-encoding job %s: %v", env.ID, encErr)
		return
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	r.finish(ctx, lane, msg.ID, func(pipe redis.Pipeliner) {
		pipe.ZAdd(ctx, r.delayedKey(lane), redis.Z{Score: due, Member: string(data)})
	})
}

// finish acknowledges and deletes id, together with any extra writes, in one
// transaction. If it fails the entry stays pending and is reclaimed later.
func (r *Redis) finish(ctx context.Context, lane models.Lane, id string, extra func(redis.Pipeliner)) {
	stream := r.streamKey(lane)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if extra != nil {
			extra(pipe)
		}
		pipe.XAck(ctx, stream, r.group, id)
		pipe.XDel(ctx, stream, id)
		return nil
	})
	if err != nil {
		r.logger.Warnf("Failed to acknowledge %s on %s, it will be redelivered: %v", id, stream, err)
	}
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
