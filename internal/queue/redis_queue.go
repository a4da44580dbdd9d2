package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"loan-cob-scheduler/internal/config"
	"loan-cob-scheduler/internal/models"
)

// ErrMessageNotFound is returned when a message's metadata has expired or
// was acked by another worker.
var ErrMessageNotFound = errors.New("queue message not found")

// Message is a partition leased from the queue.
type Message struct {
	ID        string
	Priority  string
	Attempts  int
	Partition models.Partition
}

// DeadLetter is a partition that exhausted its attempts.
type DeadLetter struct {
	MessageID string    `json:"message_id"`
	Partition string    `json:"partition"`
	Error     string    `json:"error"`
	Attempts  int       `json:"attempts"`
	FailedAt  time.Time `json:"failed_at"`
}

// RedisQueue coordinates ready, in-flight, and scheduled partitions in Redis.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	inflightKey    string
	scheduledKey   string
	metaPrefix     string
	visibilityTTL  time.Duration
	dlqKey         string
}

// NewRedisClient connects to the configured Redis.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue on client from config.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	priorities := cfg.PriorityQueues
	if len(priorities) == 0 {
		priorities = []string{"default"}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "cob:dlq"
	}
	return &RedisQueue{
		client:         client,
		priorityQueues: priorities,
		inflightKey:    "cob:queue:inflight",
		scheduledKey:   "cob:queue:scheduled",
		metaPrefix:     "cob:queue:msg:",
		visibilityTTL:  visibility,
		dlqKey:         dlq,
	}
}

// Client exposes the underlying connection for guards and limiters.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) readyKey(priority string) string {
	return fmt.Sprintf("cob:queue:ready:%s", priority)
}

func (q *RedisQueue) metaKey(id string) string {
	return q.metaPrefix + id
}

// EnqueuePartition stores the partition under a new message id and makes it
// ready under priority.
func (q *RedisQueue) EnqueuePartition(ctx context.Context, p models.Partition, priority string) error {
	if priority == "" {
		priority = "default"
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal partition: %w", err)
	}
	id := uuid.NewString()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(id), "priority", priority, "body", body, "attempts", 0)
	pipe.RPush(ctx, q.readyKey(priority), id)
	_, err = pipe.Exec(ctx)
	return err
}

// Load reads a message's metadata.
func (q *RedisQueue) Load(ctx context.Context, id string) (Message, error) {
	vals, err := q.client.HGetAll(ctx, q.metaKey(id)).Result()
	if err != nil {
		return Message{}, err
	}
	body, ok := vals["body"]
	if !ok {
		return Message{}, fmt.Errorf("message %s: %w", id, ErrMessageNotFound)
	}
	msg := Message{ID: id, Priority: vals["priority"]}
	if msg.Priority == "" {
		msg.Priority = "default"
	}
	msg.Attempts, _ = strconv.Atoi(vals["attempts"])
	if err := json.Unmarshal([]byte(body), &msg.Partition); err != nil {
		return Message{}, fmt.Errorf("decode message %s: %w", id, err)
	}
	return msg, nil
}

// IncrAttempts counts a failed attempt and returns the new total.
func (q *RedisQueue) IncrAttempts(ctx context.Context, id string) (int, error) {
	n, err := q.client.HIncrBy(ctx, q.metaKey(id), "attempts", 1).Result()
	return int(n), err
}

// Schedule moves a message into the scheduled set for deferred execution.
func (q *RedisQueue) Schedule(ctx context.Context, id string, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: id})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled messages into ready queues. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.due(ctx, q.scheduledKey, now, limit)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	if err := q.moveToReady(ctx, q.scheduledKey, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a message from ready queues (priority order) and places it into inflight with a visibility timeout.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	id, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return id, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight message.
func (q *RedisQueue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Ack removes a message from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.Del(ctx, q.metaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.due(ctx, q.inflightKey, now, limit)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	if err := q.moveToReady(ctx, q.inflightKey, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (q *RedisQueue) due(ctx context.Context, key string, now time.Time, limit int64) ([]string, error) {
	return q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
}

func (q *RedisQueue) moveToReady(ctx context.Context, from string, ids []string) error {
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		priority, err := q.client.HGet(ctx, q.metaKey(id), "priority").Result()
		if err != nil || priority == "" {
			priority = "default"
		}
		pipe.ZRem(ctx, from, id)
		pipe.RPush(ctx, q.readyKey(priority), id)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// DeadLetter acks a message and records it in the dead-letter list.
func (q *RedisQueue) DeadLetter(ctx context.Context, msg Message, cause string) error {
	entry, err := json.Marshal(DeadLetter{
		MessageID: msg.ID,
		Partition: msg.Partition.Key(),
		Error:     cause,
		Attempts:  msg.Attempts,
		FailedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, msg.ID)
	pipe.Del(ctx, q.metaKey(msg.ID))
	pipe.RPush(ctx, q.dlqKey, entry)
	_, err = pipe.Exec(ctx)
	return err
}

// DLQPeek reads the oldest dead-lettered partitions.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]DeadLetter, error) {
	raw, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, r := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, nil
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local msg = redis.call('LPOP', KEYS[i])
  if msg then
    redis.call('ZADD', inflight, ARGV[1], msg)
    return msg
  end
end
return nil
`)
