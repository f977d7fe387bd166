package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Yates-Labs/spoilerguard/internal/logging"
	"github.com/Yates-Labs/spoilerguard/internal/media"
)

const defaultPollTimeout = 5 * time.Second

// QueuedJob is the JSON payload pushed onto the queue.
type QueuedJob struct {
	Unit       media.MediaUnit `json:"unit"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// RedisConfig configures the enrichment queue.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
	// DedupeTTL is how long a unit stays marked after being queued.
	DedupeTTL time.Duration
}

// queueClient is the subset of *redis.Client the queue uses.
type queueClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	Close() error
}

// RedisQueue is a Dispatcher backed by a Redis list. A per-unit key set with
// SETNX keeps a unit from being queued twice within DedupeTTL; failed jobs
// are not re-queued.
type RedisQueue struct {
	client      queueClient
	key         string
	ttl         time.Duration
	pollTimeout time.Duration
}

// ConnectRedis establishes a connection to Redis and returns the queue.
func ConnectRedis(ctx context.Context, cfg RedisConfig) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return newRedisQueue(client, cfg.Key, cfg.DedupeTTL), nil
}

func newRedisQueue(client queueClient, key string, ttl time.Duration) *RedisQueue {
	if key == "" {
		key = "spoilerguard:enrich"
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisQueue{client: client, key: key, ttl: ttl, pollTimeout: defaultPollTimeout}
}

func (q *RedisQueue) dedupeKey(unit media.MediaUnit) string {
	return q.key + ":seen:" + unit.Key()
}

// Enqueue pushes a job for unit. It returns false when the unit was already
// queued within the dedupe window.
func (q *RedisQueue) Enqueue(ctx context.Context, unit media.MediaUnit) (bool, error) {
	if err := unit.Validate(); err != nil {
		return false, err
	}
	added, err := q.client.SetNX(ctx, q.dedupeKey(unit), time.Now().Unix(), q.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("error marking unit: %w", err)
	}
	if !added {
		return false, nil
	}

	payload, err := json.Marshal(QueuedJob{Unit: unit, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return false, fmt.Errorf("failed to marshal job to JSON: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, string(payload)).Err(); err != nil {
		return false, fmt.Errorf("error adding to queue: %w", err)
	}
	return true, nil
}

// Dispatch enqueues unit and logs failures.
func (q *RedisQueue) Dispatch(ctx context.Context, unit media.MediaUnit) {
	added, err := q.Enqueue(ctx, unit)
	log := logging.From(ctx)
	if err != nil {
		log.Warn().Err(err).Str("unit", unit.Key()).Msg("failed to queue enrichment")
		return
	}
	if added {
		log.Debug().Str("unit", unit.Key()).Msg("enrichment queued")
	}
}

// Consume pops jobs and runs job for each until ctx is cancelled. Job
// failures are logged and the job is dropped.
func (q *RedisQueue) Consume(ctx context.Context, job Job) error {
	log := logging.From(ctx)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		values, err := q.client.BLPop(ctx, q.pollTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("error reading queue: %w", err)
		}
		if len(values) != 2 {
			continue
		}

		var queued QueuedJob
		if err := json.Unmarshal([]byte(values[1]), &queued); err != nil {
			log.Warn().Err(err).Msg("dropping malformed enrichment job")
			continue
		}
		if err := job(ctx, queued.Unit); err != nil {
			log.Warn().Err(err).Str("unit", queued.Unit.Key()).Msg("enrichment job failed")
		}
	}
}

// Len returns the current length of the queue
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("error getting queue length: %w", err)
	}
	return n, nil
}

// Close closes the Redis connection
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
