// Package queue implements the multi-pool durable queue: one FIFO
// list per pool plus a shared-by-pool DLQ, built directly on Redis
// Lists so push/pop keep the native atomicity spec.md §5 requires
// (no Streams/consumer-group machinery — see DESIGN.md).
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maumercado/task-queue-go/internal/apperr"
	"github.com/maumercado/task-queue-go/internal/persistence"
)

type Queue struct {
	client            *redis.Client
	maxDepth          int64
	dequeueTimeout    time.Duration
}

func New(client *redis.Client, maxDepth int64, dequeueTimeout time.Duration) *Queue {
	return &Queue{client: client, maxDepth: maxDepth, dequeueTimeout: dequeueTimeout}
}

// Enqueue pushes task id onto the tail of pool's FIFO. Returns
// apperr.QueueFull if the pool's depth is at or beyond the
// configured high-water mark (spec.md §5 backpressure).
func (q *Queue) Enqueue(ctx context.Context, pool, taskID string) error {
	if q.maxDepth > 0 {
		depth, err := q.client.LLen(ctx, persistence.QueueKey(pool)).Result()
		if err != nil {
			return apperr.Wrap(apperr.Unavailable, "queue.Enqueue", err)
		}
		if depth >= q.maxDepth {
			return apperr.New(apperr.QueueFull, "queue.Enqueue", "pool "+pool+" is at its queue depth high-water mark")
		}
	}
	if err := q.client.RPush(ctx, persistence.QueueKey(pool), taskID).Err(); err != nil {
		return apperr.Wrap(apperr.Unavailable, "queue.Enqueue", err)
	}
	return nil
}

// EnqueueFront pushes task id back onto the head of pool's FIFO. The
// worker's no-capacity path does not use it: it re-queues at the tail
// with Enqueue.
func (q *Queue) EnqueueFront(ctx context.Context, pool, taskID string) error {
	if err := q.client.LPush(ctx, persistence.QueueKey(pool), taskID).Err(); err != nil {
		return apperr.Wrap(apperr.Unavailable, "queue.EnqueueFront", err)
	}
	return nil
}

// Dequeue blocks up to the configured timeout for an item from pool.
// Returns ("", false, nil) on timeout — callers treat that as "no work".
func (q *Queue) Dequeue(ctx context.Context, pool string) (string, bool, error) {
	res, err := q.client.BLPop(ctx, q.dequeueTimeout, persistence.QueueKey(pool)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperr.Wrap(apperr.Unavailable, "queue.Dequeue", err)
	}
	return res[1], true, nil
}

// DequeueAny scans pools in round-robin order starting at
// startIndex, returning the first pool with an item. Round-robin
// rather than lexical order is required for fairness across pools
// (spec.md §4.3). A single BLPOP across all keys would give Redis's
// own left-to-right priority instead, so this issues a short
// non-blocking LPOP sweep first, falling back to a blocking BLPOP
// across the full key set only when every pool was empty.
func (q *Queue) DequeueAny(ctx context.Context, pools []string, startIndex int) (pool, taskID string, ok bool, nextIndex int, err error) {
	if len(pools) == 0 {
		return "", "", false, startIndex, nil
	}
	n := len(pools)
	for i := 0; i < n; i++ {
		idx := (startIndex + i) % n
		p := pools[idx]
		res, lerr := q.client.LPop(ctx, persistence.QueueKey(p)).Result()
		if lerr == redis.Nil {
			continue
		}
		if lerr != nil {
			return "", "", false, startIndex, apperr.Wrap(apperr.Unavailable, "queue.DequeueAny", lerr)
		}
		return p, res, true, (idx + 1) % n, nil
	}

	keys := make([]string, n)
	for i, p := range pools {
		keys[i] = persistence.QueueKey(p)
	}
	bres, berr := q.client.BLPop(ctx, q.dequeueTimeout, keys...).Result()
	if berr == redis.Nil {
		return "", "", false, startIndex, nil
	}
	if berr != nil {
		return "", "", false, startIndex, apperr.Wrap(apperr.Unavailable, "queue.DequeueAny", berr)
	}

	for i, p := range pools {
		if persistence.QueueKey(p) == bres[0] {
			return p, bres[1], true, (i + 1) % n, nil
		}
	}
	return "", "", false, startIndex, nil
}

// Peek returns the head of pool's FIFO without removing it.
func (q *Queue) Peek(ctx context.Context, pool string) (string, bool, error) {
	res, err := q.client.LIndex(ctx, persistence.QueueKey(pool), 0).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperr.Wrap(apperr.Unavailable, "queue.Peek", err)
	}
	return res, true, nil
}

// Depth returns the current length of pool's FIFO.
func (q *Queue) Depth(ctx context.Context, pool string) (int64, error) {
	n, err := q.client.LLen(ctx, persistence.QueueKey(pool)).Result()
	if err != nil {
		return 0, apperr.Wrap(apperr.Unavailable, "queue.Depth", err)
	}
	return n, nil
}

// Stats is the aggregate view spec.md §4.3/§6 requires for
// get_queue_status.
type Stats struct {
	QueueDepth int64
	DLQSize    int64
	PerPool    map[string]PoolStats
}

type PoolStats struct {
	Depth   int64
	DLQSize int64
}

func (q *Queue) Stats(ctx context.Context, pools []string) (*Stats, error) {
	out := &Stats{PerPool: make(map[string]PoolStats, len(pools))}
	for _, p := range pools {
		depth, err := q.Depth(ctx, p)
		if err != nil {
			return nil, err
		}
		dlqSize, err := q.DLQSize(ctx, p)
		if err != nil {
			return nil, err
		}
		out.PerPool[p] = PoolStats{Depth: depth, DLQSize: dlqSize}
		out.QueueDepth += depth
		out.DLQSize += dlqSize
	}
	return out, nil
}

// DLQEntry records one terminally failed task, kept until explicitly
// cleared (spec.md §3).
type DLQEntry struct {
	TaskID        string    `json:"task_id"`
	Pool          string    `json:"pool"`
	Reason        string    `json:"reason"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	AttemptCount  int       `json:"attempt_count"`
}

// ToDLQ appends entry to pool's DLQ list.
func (q *Queue) ToDLQ(ctx context.Context, entry DLQEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "queue.ToDLQ", err)
	}
	if err := q.client.RPush(ctx, persistence.DLQKey(entry.Pool), data).Err(); err != nil {
		return apperr.Wrap(apperr.Unavailable, "queue.ToDLQ", err)
	}
	return nil
}

// ListDLQ returns every entry currently parked for pool.
func (q *Queue) ListDLQ(ctx context.Context, pool string) ([]DLQEntry, error) {
	raw, err := q.client.LRange(ctx, persistence.DLQKey(pool), 0, -1).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "queue.ListDLQ", err)
	}
	out := make([]DLQEntry, 0, len(raw))
	for _, r := range raw {
		var e DLQEntry
		if err := json.Unmarshal([]byte(r), &e); err == nil {
			out = append(out, e)
		}
	}
	return out, nil
}

// ClearDLQ empties pool's DLQ. Clearing an already-empty DLQ succeeds
// silently, per spec.md §7.
func (q *Queue) ClearDLQ(ctx context.Context, pool string) error {
	if err := q.client.Del(ctx, persistence.DLQKey(pool)).Err(); err != nil {
		return apperr.Wrap(apperr.Unavailable, "queue.ClearDLQ", err)
	}
	return nil
}

// DLQSize returns the number of entries parked for pool.
func (q *Queue) DLQSize(ctx context.Context, pool string) (int64, error) {
	n, err := q.client.LLen(ctx, persistence.DLQKey(pool)).Result()
	if err != nil {
		return 0, apperr.Wrap(apperr.Unavailable, "queue.DLQSize", err)
	}
	return n, nil
}

// RequeueFromDLQ removes the first matching entry for taskID from
// pool's DLQ and re-enqueues it, for the dlq_requeue admin operation.
func (q *Queue) RequeueFromDLQ(ctx context.Context, pool, taskID string) error {
	entries, err := q.ListDLQ(ctx, pool)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.TaskID != taskID {
			continue
		}
		data, _ := json.Marshal(e)
		if err := q.client.LRem(ctx, persistence.DLQKey(pool), 1, data).Err(); err != nil {
			return apperr.Wrap(apperr.Unavailable, "queue.RequeueFromDLQ", err)
		}
		return q.Enqueue(ctx, pool, taskID)
	}
	return apperr.New(apperr.NotFound, "queue.RequeueFromDLQ", "task "+taskID+" not found in dlq for pool "+pool)
}
