package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"knowledgeroute/internal/models"
)

const (
	defaultQueuePrefix = "knowledgeroute:evaluations"
	// Sequence numbers stay below this, so priority dominates the score
	prioritySpan = 1e12
	// How often an empty queue is polled while Dequeue waits
	queuePollInterval = 200 * time.Millisecond
)

// leaseScript returns expired leases to the queue, then moves the head task
// into the processing set with a lease deadline.
// KEYS: queue, processing, payloads, scores. ARGV: now ms, deadline ms.
var leaseScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	local score = redis.call('HGET', KEYS[4], id)
	if score then
		redis.call('ZADD', KEYS[1], score, id)
	end
end
local popped = redis.call('ZPOPMAX', KEYS[1])
if #popped == 0 then
	return false
end
local id = popped[1]
redis.call('ZADD', KEYS[2], ARGV[2], id)
local payload = redis.call('HGET', KEYS[3], id)
if not payload then
	return {id}
end
return {id, payload}
`)

// RedisTaskQueue stores waiting task ids in a sorted set scored
// priority*1e12 - seq, so the highest priority and then the oldest task is
// served first. Payloads and scores live in hashes. Dequeued ids move to a
// processing set scored by lease deadline until they are acked or requeued.
type RedisTaskQueue struct {
	client        *redis.Client
	queueKey      string
	processingKey string
	payloadKey    string
	scoreKey      string
	seqKey        string
	lease         time.Duration
}

// NewRedisTaskQueue connects to redisURL and verifies the connection
func NewRedisTaskQueue(redisURL string) (*RedisTaskQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Println("✅ Redis task queue connected")
	return NewRedisTaskQueueWithClient(client, defaultQueuePrefix), nil
}

// NewRedisTaskQueueWithClient uses an existing client; prefix namespaces the keys
func NewRedisTaskQueueWithClient(client *redis.Client, prefix string) *RedisTaskQueue {
	if prefix == "" {
		prefix = defaultQueuePrefix
	}
	return &RedisTaskQueue{
		client:        client,
		queueKey:      prefix + ":queue",
		processingKey: prefix + ":processing",
		payloadKey:    prefix + ":payloads",
		scoreKey:      prefix + ":scores",
		seqKey:        prefix + ":seq",
		lease:         DefaultTaskLease,
	}
}

// SetLease changes how long dequeued tasks stay leased
func (q *RedisTaskQueue) SetLease(d time.Duration) {
	if d > 0 {
		q.lease = d
	}
}

// Keys lists every key the queue writes
func (q *RedisTaskQueue) Keys() []string {
	return []string{q.queueKey, q.processingKey, q.payloadKey, q.scoreKey, q.seqKey}
}

// queueScore orders tasks by priority, then FIFO
func queueScore(priority int, seq int64) float64 {
	return float64(priority)*prioritySpan - float64(seq)
}

func (q *RedisTaskQueue) Enqueue(ctx context.Context, task models.EvaluationTask) (string, error) {
	prepareTask(&task, time.Now())
	if err := q.push(ctx, task); err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	return task.ID, nil
}

// push stores the payload and score, clears any lease and queues the id
func (q *RedisTaskQueue) push(ctx context.Context, task models.EvaluationTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	seq, err := q.client.Incr(ctx, q.seqKey).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate task sequence: %w", err)
	}
	score := queueScore(task.Priority, seq)

	// Payload first so a consumer never leases an id without a body
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.payloadKey, task.ID, payload)
		pipe.HSet(ctx, q.scoreKey, task.ID, strconv.FormatFloat(score, 'f', -1, 64))
		pipe.ZRem(ctx, q.processingKey, task.ID)
		pipe.ZAdd(ctx, q.queueKey, redis.Z{Score: score, Member: task.ID})
		return nil
	})
	return err
}

func (q *RedisTaskQueue) Dequeue(ctx context.Context, wait time.Duration) (*models.EvaluationTask, error) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(queuePollInterval)
	defer ticker.Stop()

	for {
		task, err := q.leaseNext(ctx)
		if err != nil || task != nil {
			return task, err
		}
		if !time.Now().Before(deadline) {
			return nil, ErrQueueEmpty
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// leaseNext leases the head task, or returns nil when the queue is empty
func (q *RedisTaskQueue) leaseNext(ctx context.Context) (*models.EvaluationTask, error) {
	now := time.Now()
	reply, err := leaseScript.Run(ctx, q.client,
		[]string{q.queueKey, q.processingKey, q.payloadKey, q.scoreKey},
		now.UnixMilli(), now.Add(q.lease).UnixMilli(),
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lease task: %w", err)
	}

	taskID := reply[0]
	if len(reply) < 2 {
		q.Ack(ctx, taskID)
		return nil, fmt.Errorf("task %s has no payload", taskID)
	}

	var task models.EvaluationTask
	if err := json.Unmarshal([]byte(reply[1]), &task); err != nil {
		q.Ack(ctx, taskID)
		return nil, fmt.Errorf("failed to decode task %s: %w", taskID, err)
	}
	return &task, nil
}

func (q *RedisTaskQueue) Ack(ctx context.Context, taskID string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.processingKey, taskID)
		pipe.HDel(ctx, q.payloadKey, taskID)
		pipe.HDel(ctx, q.scoreKey, taskID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ack task %s: %w", taskID, err)
	}
	return nil
}

func (q *RedisTaskQueue) Requeue(ctx context.Context, task models.EvaluationTask) error {
	prepareTask(&task, time.Now())
	if err := q.push(ctx, task); err != nil {
		return fmt.Errorf("failed to requeue task %s: %w", task.ID, err)
	}
	return nil
}

// Len counts tasks waiting for delivery; leased tasks are not included
func (q *RedisTaskQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.queueKey).Result()
}

// Ping checks the Redis connection
func (q *RedisTaskQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisTaskQueue) Close() error {
	return q.client.Close()
}
