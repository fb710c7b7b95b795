package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xihreaux01/pixel-art-platform/internal/config"
)

// NewRedisClient builds the shared Redis client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// RedisQueue holds jobs visible to polling agents and per-agent cancellation notices.
// Postgres stays authoritative; the queue only decides the order agents see PENDING jobs.
type RedisQueue struct {
	client       *redis.Client
	readyKey     string
	membersKey   string
	noticePrefix string
	noticeTTL    time.Duration
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{
		client:       client,
		readyKey:     "queue:pending",
		membersKey:   "queue:pending:members",
		noticePrefix: "agent:",
		noticeTTL:    24 * time.Hour,
	}
}

func (q *RedisQueue) noticeKey(agentID string) string {
	return fmt.Sprintf("%s%s:cancelled", q.noticePrefix, agentID)
}

// Publish appends a job unless it is already queued. It reports whether the job was added.
func (q *RedisQueue) Publish(ctx context.Context, jobID string) (bool, error) {
	n, err := publishScript.Run(ctx, q.client, []string{q.readyKey, q.membersKey}, jobID).Int()
	if err != nil {
		return false, fmt.Errorf("publish %s: %w", jobID, err)
	}
	return n == 1, nil
}

// Claim pops the oldest queued job, or "" when none is waiting.
func (q *RedisQueue) Claim(ctx context.Context) (string, error) {
	res, err := claimScript.Run(ctx, q.client, []string{q.readyKey, q.membersKey}).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("claim: %w", err)
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from claim script: %T", res)
	}
	return jobID, nil
}

// Remove drops a job from the queue, e.g. when it is cancelled before any agent claims it.
func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, jobID)
	pipe.SRem(ctx, q.membersKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// Depth returns how many jobs are waiting for an agent.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// NotifyCancelled records a cancellation the agent will see on its next poll.
func (q *RedisQueue) NotifyCancelled(ctx context.Context, agentID, jobID string) error {
	key := q.noticeKey(agentID)
	pipe := q.client.TxPipeline()
	pipe.SAdd(ctx, key, jobID)
	pipe.Expire(ctx, key, q.noticeTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// DrainCancelled returns and clears the agent's pending cancellation notices.
func (q *RedisQueue) DrainCancelled(ctx context.Context, agentID string) ([]string, error) {
	ids, err := drainScript.Run(ctx, q.client, []string{q.noticeKey(agentID)}).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("drain notices for %s: %w", agentID, err)
	}
	return ids, nil
}

var publishScript = redis.NewScript(`
if redis.call('SADD', KEYS[2], ARGV[1]) == 1 then
  redis.call('RPUSH', KEYS[1], ARGV[1])
  return 1
end
return 0
`)

var claimScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('SREM', KEYS[2], job)
  return job
end
return nil
`)

var drainScript = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
redis.call('DEL', KEYS[1])
return ids
`)
