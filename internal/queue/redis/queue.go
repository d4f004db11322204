// Package redis implements the job queue on Redis lists with a sorted set
// holding delayed retries.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/url-archiver/internal/archive"
)

const (
	defaultName         = "default"
	defaultBlockTimeout = time.Second
	promoteBatch        = 100
	pingTimeout         = 5 * time.Second
)

// promoteScript moves due members from the delayed set to the ready list.
// It runs atomically, so each member is promoted at most once.
var promoteScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, member in ipairs(due) do
  redis.call('ZREM', KEYS[1], member)
  redis.call('LPUSH', KEYS[2], member)
end
return #due
`)

// Config captures queue connection settings.
type Config struct {
	URL          string
	Name         string
	BlockTimeout time.Duration
}

// Queue is a Redis backed archive.Queue.
type Queue struct {
	client       *goredis.Client
	readyKey     string
	delayedKey   string
	blockTimeout time.Duration
	now          func() time.Time
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, cfg Config) *Queue {
	name := cfg.Name
	if name == "" {
		name = defaultName
	}
	block := cfg.BlockTimeout
	if block <= 0 {
		block = defaultBlockTimeout
	}
	return &Queue{
		client:       client,
		readyKey:     name + ":ready",
		delayedKey:   name + ":delayed",
		blockTimeout: block,
		now:          time.Now,
	}
}

// Enqueue pushes job onto the ready list.
func (q *Queue) Enqueue(ctx context.Context, job archive.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.readyKey, payload).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// EnqueueAfter parks job in the delayed set until delay elapses.
func (q *Queue) EnqueueAfter(ctx context.Context, job archive.Job, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, job)
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	due := q.now().Add(delay).UnixMilli()
	if err := q.client.ZAdd(ctx, q.delayedKey, goredis.Z{Score: float64(due), Member: string(payload)}).Err(); err != nil {
		return fmt.Errorf("enqueue delayed: %w", err)
	}
	return nil
}

// Dequeue blocks until a job is ready or ctx ends. Due delayed jobs are
// promoted on every poll.
func (q *Queue) Dequeue(ctx context.Context) (archive.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return archive.Job{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		if _, err := q.promoteDue(ctx); err != nil {
			if ctx.Err() != nil {
				return archive.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return archive.Job{}, err
		}
		res, err := q.client.BRPop(ctx, q.blockTimeout, q.readyKey).Result()
		switch {
		case errors.Is(err, goredis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return archive.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return archive.Job{}, fmt.Errorf("dequeue: %w", err)
		}
		// BRPOP returns [key, value].
		var job archive.Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return archive.Job{}, fmt.Errorf("decode job: %w", err)
		}
		return job, nil
	}
}

func (q *Queue) promoteDue(ctx context.Context) (int64, error) {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	n, err := promoteScript.Run(ctx, q.client, []string{q.delayedKey, q.readyKey}, now, promoteBatch).Int64()
	if err != nil {
		return 0, fmt.Errorf("promote delayed jobs: %w", err)
	}
	return n, nil
}

// Close releases the client.
func (q *Queue) Close() error {
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
