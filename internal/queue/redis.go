// ABOUTME: Redis-backed durable Queue using lists, sorted sets, hashes and pub/sub
// ABOUTME: Each state change and its event are applied atomically by a Lua script

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/2389/coven-queue/internal/mailbox"
)

// DefaultPrefix namespaces all queue keys.
const DefaultPrefix = "coven:queue"

// DefaultPollInterval bounds how long Reserve blocks before promoting delayed jobs.
const DefaultPollInterval = time.Second

// RedisOptions configures a RedisQueue.
type RedisOptions struct {
	Options

	// Prefix for every key. Defaults to DefaultPrefix.
	Prefix string

	// PollInterval is the BLMOVE timeout. Defaults to DefaultPollInterval.
	PollInterval time.Duration
}

// RedisQueue stores jobs in Redis so they survive process restarts.
//
// Keys (with prefix p):
//
//	p:job:<id>  HASH   payload, state, attempts, max_attempts, progress, failed_reason, timestamps
//	p:wait      LIST   waiting ids (LPUSH in, BLMOVE RIGHT out)
//	p:active    LIST   ids reserved by a worker
//	p:delayed   ZSET   retry-pending ids scored by ready time (unix ms)
//	p:done      ZSET   finished ids scored by finish time, for retention
//	p:events    pub/sub channel of JSON Events
type RedisQueue struct {
	rdb          *redis.Client
	opts         Options
	pollInterval time.Duration
	closed       atomic.Bool
	logger       *slog.Logger

	prefix    string
	waitKey   string
	activeKey string
	delayKey  string
	doneKey   string
	eventsKey string
}

// NewRedisQueue creates a queue on an existing client. The caller owns the client.
func NewRedisQueue(rdb *redis.Client, opts RedisOptions, logger *slog.Logger) (*RedisQueue, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &RedisQueue{
		rdb:          rdb,
		opts:         opts.Options.withDefaults(),
		pollInterval: poll,
		logger:       logger.With("component", "queue", "backend", "redis"),
		prefix:       prefix,
		waitKey:      prefix + ":wait",
		activeKey:    prefix + ":active",
		delayKey:     prefix + ":delayed",
		doneKey:      prefix + ":done",
		eventsKey:    prefix + ":events",
	}, nil
}

func (q *RedisQueue) jobKeyPrefix() string { return q.prefix + ":job:" }

func (q *RedisQueue) jobKey(id string) string { return q.jobKeyPrefix() + id }

func nowMS() int64 { return time.Now().UnixMilli() }

var addScript = redis.NewScript(`
redis.call('HSET', KEYS[1], 'payload', ARGV[2], 'state', 'waiting', 'attempts', 0,
  'max_attempts', ARGV[3], 'progress', 0, 'created_at', ARGV[4])
redis.call('LPUSH', KEYS[2], ARGV[1])
redis.call('PUBLISH', KEYS[3], cjson.encode({type = 'waiting', job_id = ARGV[1]}))
return 1
`)

var activateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('LREM', KEYS[2], 0, ARGV[1])
  return false
end
local attempts = redis.call('HINCRBY', KEYS[1], 'attempts', 1)
redis.call('HSET', KEYS[1], 'state', 'active', 'processed_at', ARGV[2])
redis.call('PUBLISH', KEYS[3], cjson.encode({type = 'active', job_id = ARGV[1], attempt = attempts}))
return attempts
`)

var progressScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return -1 end
if state ~= 'active' then return 0 end
redis.call('HSET', KEYS[1], 'progress', ARGV[2])
redis.call('PUBLISH', KEYS[2], cjson.encode({type = 'progress', job_id = ARGV[1], progress = tonumber(ARGV[2])}))
return 1
`)

var completeScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return -1 end
if state ~= 'active' then return 0 end
redis.call('LREM', KEYS[2], 0, ARGV[1])
redis.call('HSET', KEYS[1], 'state', 'completed', 'progress', 100, 'finished_at', ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
local attempts = tonumber(redis.call('HGET', KEYS[1], 'attempts'))
redis.call('PUBLISH', KEYS[4], cjson.encode({type = 'completed', job_id = ARGV[1], attempt = attempts}))
return 1
`)

// failScript returns 1 when the job was delayed for retry and 2 when it failed for good.
var failScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return -1 end
if state ~= 'active' then return 0 end
redis.call('LREM', KEYS[2], 0, ARGV[1])
local attempts = tonumber(redis.call('HGET', KEYS[1], 'attempts'))
local maxAttempts = tonumber(redis.call('HGET', KEYS[1], 'max_attempts'))
redis.call('HSET', KEYS[1], 'failed_reason', ARGV[2])
if attempts < maxAttempts then
  local delay = tonumber(ARGV[4]) * math.pow(2, attempts - 1)
  redis.call('HSET', KEYS[1], 'state', 'delayed')
  redis.call('ZADD', KEYS[3], string.format('%.0f', tonumber(ARGV[3]) + delay), ARGV[1])
  redis.call('PUBLISH', KEYS[5], cjson.encode({type = 'delayed', job_id = ARGV[1], attempt = attempts, error = ARGV[2], delay_ms = delay}))
  return 1
end
redis.call('HSET', KEYS[1], 'state', 'failed', 'finished_at', ARGV[3])
redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1])
redis.call('PUBLISH', KEYS[5], cjson.encode({type = 'failed', job_id = ARGV[1], attempt = attempts, error = ARGV[2]}))
return 2
`)

var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[2] .. id
  if redis.call('HGET', key, 'state') == 'delayed' then
    redis.call('HSET', key, 'state', 'waiting')
    redis.call('LPUSH', KEYS[2], id)
    local attempts = tonumber(redis.call('HGET', key, 'attempts'))
    redis.call('PUBLISH', KEYS[3], cjson.encode({type = 'waiting', job_id = id, attempt = attempts}))
  end
end
return #ids
`)

// removeScript returns -1 for unknown jobs, 0 for active ones, and 1 on removal.
// A waiting job missing from the wait list is mid-reservation and counts as active.
var removeScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return -1 end
if state == 'active' then return 0 end
if state == 'waiting' then
  if redis.call('LREM', KEYS[2], 0, ARGV[1]) == 0 then return 0 end
elseif state == 'delayed' then
  redis.call('ZREM', KEYS[3], ARGV[1])
else
  redis.call('ZREM', KEYS[4], ARGV[1])
end
redis.call('DEL', KEYS[1])
redis.call('PUBLISH', KEYS[5], cjson.encode({type = 'removed', job_id = ARGV[1]}))
return 1
`)

var cleanScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('DEL', ARGV[2] .. id)
  redis.call('ZREM', KEYS[1], id)
end
return #ids
`)

// recoverScript requeues jobs left in the active list by a crashed process.
// RPUSH puts them at the pop end so they run before newer work.
var recoverScript = redis.NewScript(`
local ids = redis.call('LRANGE', KEYS[1], 0, -1)
for _, id in ipairs(ids) do
  redis.call('LREM', KEYS[1], 0, id)
  local key = ARGV[1] .. id
  if redis.call('EXISTS', key) == 1 then
    redis.call('HSET', key, 'state', 'waiting')
    redis.call('RPUSH', KEYS[2], id)
    redis.call('PUBLISH', KEYS[3], cjson.encode({type = 'waiting', job_id = id}))
  end
end
return #ids
`)

// Add enqueues a new waiting job.
func (q *RedisQueue) Add(ctx context.Context, payload Payload) (*Job, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	now := time.Now()
	id := uuid.New().String()
	keys := []string{q.jobKey(id), q.waitKey, q.eventsKey}
	if err := addScript.Run(ctx, q.rdb, keys, id, string(data), q.opts.MaxAttempts, now.UnixMilli()).Err(); err != nil {
		return nil, fmt.Errorf("adding job: %w", err)
	}

	q.logger.Debug("job added", "job_id", id, "session_id", payload.SessionID)
	return &Job{
		ID:          id,
		Payload:     payload,
		State:       StateWaiting,
		MaxAttempts: q.opts.MaxAttempts,
		CreatedAt:   time.UnixMilli(now.UnixMilli()).UTC(),
	}, nil
}

// Get returns a snapshot of a job.
func (q *RedisQueue) Get(ctx context.Context, id string) (*Job, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("loading job: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return parseJob(id, fields)
}

func parseJob(id string, fields map[string]string) (*Job, error) {
	job := &Job{
		ID:           id,
		State:        State(fields["state"]),
		FailedReason: fields["failed_reason"],
	}
	if err := json.Unmarshal([]byte(fields["payload"]), &job.Payload); err != nil {
		return nil, fmt.Errorf("decoding payload for job %s: %w", id, err)
	}
	job.Attempts = atoi(fields["attempts"])
	job.MaxAttempts = atoi(fields["max_attempts"])
	job.Progress = atoi(fields["progress"])
	job.CreatedAt = msTime(fields["created_at"])
	job.ProcessedAt = msTime(fields["processed_at"])
	job.FinishedAt = msTime(fields["finished_at"])
	return job, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func msTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Remove deletes a pending or finished job.
func (q *RedisQueue) Remove(ctx context.Context, id string) error {
	keys := []string{q.jobKey(id), q.waitKey, q.delayKey, q.doneKey, q.eventsKey}
	res, err := removeScript.Run(ctx, q.rdb, keys, id).Int()
	if err != nil {
		return fmt.Errorf("removing job: %w", err)
	}
	switch res {
	case -1:
		return ErrJobNotFound
	case 0:
		return ErrJobActive
	}
	q.logger.Debug("job removed", "job_id", id)
	return nil
}

// promoteDelayed moves due delayed jobs back to waiting.
func (q *RedisQueue) promoteDelayed(ctx context.Context) (int, error) {
	keys := []string{q.delayKey, q.waitKey, q.eventsKey}
	n, err := promoteScript.Run(ctx, q.rdb, keys, nowMS(), q.jobKeyPrefix()).Int()
	if err != nil {
		return 0, fmt.Errorf("promoting delayed jobs: %w", err)
	}
	return n, nil
}

// Reserve blocks until a waiting job is available and marks it active.
func (q *RedisQueue) Reserve(ctx context.Context) (*Job, error) {
	for {
		if q.closed.Load() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := q.promoteDelayed(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		id, err := q.rdb.BLMove(ctx, q.waitKey, q.activeKey, "RIGHT", "LEFT", q.pollInterval).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("reserving job: %w", err)
		}

		keys := []string{q.jobKey(id), q.activeKey, q.eventsKey}
		err = activateScript.Run(ctx, q.rdb, keys, id, nowMS()).Err()
		if errors.Is(err, redis.Nil) {
			// Removed between BLMOVE and activation
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("activating job: %w", err)
		}
		return q.Get(ctx, id)
	}
}

// transitionResult maps the -1/0 sentinels shared by the transition scripts.
func transitionResult(id string, res int) error {
	switch res {
	case -1:
		return ErrJobNotFound
	case 0:
		return fmt.Errorf("job %s is not active", id)
	}
	return nil
}

// UpdateProgress records progress for an active job.
func (q *RedisQueue) UpdateProgress(ctx context.Context, id string, progress int) error {
	keys := []string{q.jobKey(id), q.eventsKey}
	res, err := progressScript.Run(ctx, q.rdb, keys, id, clampProgress(progress)).Int()
	if err != nil {
		return fmt.Errorf("updating progress: %w", err)
	}
	return transitionResult(id, res)
}

// Complete marks an active job completed.
func (q *RedisQueue) Complete(ctx context.Context, id string) error {
	keys := []string{q.jobKey(id), q.activeKey, q.doneKey, q.eventsKey}
	res, err := completeScript.Run(ctx, q.rdb, keys, id, nowMS()).Int()
	if err != nil {
		return fmt.Errorf("completing job: %w", err)
	}
	if err := transitionResult(id, res); err != nil {
		return err
	}
	q.logger.Debug("job completed", "job_id", id)
	return nil
}

// Fail records a failed attempt and schedules a retry while attempts remain.
func (q *RedisQueue) Fail(ctx context.Context, id string, cause error) (State, error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	keys := []string{q.jobKey(id), q.activeKey, q.delayKey, q.doneKey, q.eventsKey}
	res, err := failScript.Run(ctx, q.rdb, keys, id, reason, nowMS(), q.opts.Backoff.Milliseconds()).Int()
	if err != nil {
		return "", fmt.Errorf("failing job: %w", err)
	}
	if err := transitionResult(id, res); err != nil {
		return "", err
	}
	if res == 1 {
		q.logger.Info("job delayed for retry", "job_id", id, "error", reason)
		return StateDelayed, nil
	}
	q.logger.Warn("job failed", "job_id", id, "error", reason)
	return StateFailed, nil
}

// Clean purges finished jobs older than the retention window.
func (q *RedisQueue) Clean(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-q.opts.Retention).UnixMilli()
	n, err := cleanScript.Run(ctx, q.rdb, []string{q.doneKey}, cutoff, q.jobKeyPrefix()).Int()
	if err != nil {
		return 0, fmt.Errorf("cleaning jobs: %w", err)
	}
	return n, nil
}

// Recover requeues jobs a crashed process left active. Call it once at startup,
// before any worker of this deployment starts reserving.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	keys := []string{q.activeKey, q.waitKey, q.eventsKey}
	n, err := recoverScript.Run(ctx, q.rdb, keys, q.jobKeyPrefix()).Int()
	if err != nil {
		return 0, fmt.Errorf("recovering stalled jobs: %w", err)
	}
	if n > 0 {
		q.logger.Warn("requeued stalled jobs", "count", n)
	}
	return n, nil
}

// Subscribe streams lifecycle events published by any process sharing the prefix.
func (q *RedisQueue) Subscribe(ctx context.Context) (<-chan Event, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}

	ps := q.rdb.Subscribe(ctx, q.eventsKey)
	// Wait for the subscription to be confirmed so no event published after
	// Subscribe returns can be missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribing to queue events: %w", err)
	}

	mb := mailbox.New[Event](0)
	go func() {
		defer mb.Close()
		defer ps.Close()

		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					q.logger.Warn("ignoring malformed queue event", "error", err)
					continue
				}
				if err := mb.Push(ev); err != nil {
					return
				}
			}
		}
	}()

	return forward(ctx, mb, q.logger), nil
}

// Close marks the queue closed. The Redis client is owned by the caller.
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}

var _ Queue = (*RedisQueue)(nil)
