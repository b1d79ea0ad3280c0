package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue coordinates ready, in-flight, and delayed job ids in Redis. Postgres
// remains the system of record for job state; this only decides delivery order.
type RedisQueue struct {
	client        redis.Cmdable
	inflightKey   string
	scheduledKey  string
	jobMetaPrefix string
	readyPrefix   string
	now           func() time.Time
}

// Option customises a RedisQueue.
type Option func(*RedisQueue)

// WithClock overrides the wall clock used for delays and lease deadlines.
func WithClock(now func() time.Time) Option {
	return func(q *RedisQueue) { q.now = now }
}

// WithPrefix namespaces every key, so several deployments can share one Redis.
func WithPrefix(prefix string) Option {
	return func(q *RedisQueue) {
		q.inflightKey = prefix + "queue:inflight"
		q.scheduledKey = prefix + "queue:scheduled"
		q.jobMetaPrefix = prefix + "queue:jobmeta:"
		q.readyPrefix = prefix + "queue:ready:"
	}
}

// NewRedisQueue builds a queue on an existing client.
func NewRedisQueue(client redis.Cmdable, opts ...Option) *RedisQueue {
	q := &RedisQueue{
		client:        client,
		inflightKey:   "queue:inflight",
		scheduledKey:  "queue:scheduled",
		jobMetaPrefix: "queue:jobmeta:",
		readyPrefix:   "queue:ready:",
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RedisQueue) readyKey(queue string) string {
	return q.readyPrefix + queue
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

// Enqueue makes a job deliverable at runAt. Future jobs wait in the delayed set;
// prioritised jobs jump to the head of their ready list. A job already tracked
// (waiting, delayed, or leased) is left where it is, so a resync can call
// Enqueue for any id without duplicating it. It reports whether the id was added.
func (q *RedisQueue) Enqueue(ctx context.Context, queue, jobID string, priority int, runAt time.Time) (bool, error) {
	added, err := enqueueScript.Run(ctx, q.client,
		[]string{q.metaKey(jobID), q.scheduledKey, q.readyKey(queue)},
		queue, priority, runAt.UnixMilli(), q.now().UnixMilli(), jobID).Int()
	if err != nil {
		return false, err
	}
	return added == 1, nil
}

// PromoteDue moves delayed jobs whose time has come onto their ready lists. It
// returns how many were promoted.
func (q *RedisQueue) PromoteDue(ctx context.Context, limit int64) (int, error) {
	res, err := promoteScript.Run(ctx, q.client, []string{q.scheduledKey},
		q.now().UnixMilli(), limit, q.jobMetaPrefix, q.readyPrefix).Int()
	if err != nil {
		return 0, err
	}
	return res, nil
}

// Lease pops the next job id from a queue and tracks it as in flight until the
// visibility deadline. An empty id means the queue is empty.
func (q *RedisQueue) Lease(ctx context.Context, queue string, visibility time.Duration) (string, error) {
	deadline := q.now().Add(visibility).UnixMilli()
	res, err := leaseScript.Run(ctx, q.client, []string{q.readyKey(queue), q.inflightKey}, deadline).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from lease script: %T", res)
	}
	return jobID, nil
}

// Ack removes a job from in-flight tracking and drops its meta record.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// ReclaimExpired atomically removes leases past their deadline and returns their
// ids. The caller decides whether each one is retried or finished.
func (q *RedisQueue) ReclaimExpired(ctx context.Context, limit int64) ([]string, error) {
	return reclaimScript.Run(ctx, q.client, []string{q.inflightKey}, q.now().UnixMilli(), limit).StringSlice()
}

// Remove drops a job from every structure it might be waiting in.
func (q *RedisQueue) Remove(ctx context.Context, queue, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey(queue), 0, jobID)
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Purge empties a queue's ready list and returns how many ids it held. Delayed
// ids are left to be discarded at delivery time, when their job rows are gone.
func (q *RedisQueue) Purge(ctx context.Context, queue string) (int64, error) {
	return purgeScript.Run(ctx, q.client, []string{q.readyKey(queue)}, q.jobMetaPrefix).Int64()
}

// Depth returns the length of a queue's ready list.
func (q *RedisQueue) Depth(ctx context.Context, queue string) (int64, error) {
	return q.client.LLen(ctx, q.readyKey(queue)).Result()
}

// InFlight returns how many leases are currently outstanding across all queues.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

// Delayed returns how many jobs are waiting for their start time.
func (q *RedisQueue) Delayed(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.scheduledKey).Result()
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'queue', ARGV[1], 'priority', ARGV[2])
if tonumber(ARGV[3]) > tonumber(ARGV[4]) then
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[5])
elseif tonumber(ARGV[2]) > 0 then
  redis.call('LPUSH', KEYS[3], ARGV[5])
else
  redis.call('RPUSH', KEYS[3], ARGV[5])
end
return 1
`)

var purgeScript = redis.NewScript(`
local ids = redis.call('LRANGE', KEYS[1], 0, -1)
for _, id in ipairs(ids) do
  redis.call('DEL', ARGV[1] .. id)
end
redis.call('DEL', KEYS[1])
return #ids
`)

var leaseScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)

var reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
end
return ids
`)

var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local meta = redis.call('HMGET', ARGV[3] .. id, 'queue', 'priority')
  if meta[1] then
    if tonumber(meta[2] or '0') > 0 then
      redis.call('LPUSH', ARGV[4] .. meta[1], id)
    else
      redis.call('RPUSH', ARGV[4] .. meta[1], id)
    end
  end
end
return #ids
`)
