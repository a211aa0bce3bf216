package task

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maumercado/task-queue-go/internal/apperr"
	"github.com/maumercado/task-queue-go/internal/persistence"
)

// Store is the canonical task record store: create/get/update/
// transition/list, all atomic w.r.t. a single task, per spec.md §4.1.
type Store struct {
	client *redis.Client
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Create persists a brand-new task record. Callers must have already
// resolved idempotency (see internal/idempotency) before calling this.
func (s *Store) Create(ctx context.Context, t *Task) error {
	key := persistence.TaskKey(t.ID)
	if err := s.client.HSet(ctx, key, t.ToHash()).Err(); err != nil {
		return apperr.Wrap(apperr.Unavailable, "task.Create", err)
	}
	return nil
}

// Get loads a task by id.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	h, err := s.client.HGetAll(ctx, persistence.TaskKey(id)).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "task.Get", err)
	}
	if len(h) == 0 {
		return nil, apperr.New(apperr.NotFound, "task.Get", "task "+id+" not found")
	}
	t, err := FromHash(h)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "task.Get", err)
	}
	return t, nil
}

// Update writes arbitrary hash fields for a task without touching its
// status — used for progress updates, heartbeat stamps, and binding
// remote_scan_id/scanner_instance_key.
func (s *Store) Update(ctx context.Context, id string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	key := persistence.TaskKey(id)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, "task.Update", err)
	}
	if exists == 0 {
		return apperr.New(apperr.NotFound, "task.Update", "task "+id+" not found")
	}
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return apperr.Wrap(apperr.Unavailable, "task.Update", err)
	}
	return nil
}

// Heartbeat stamps last_heartbeat_at with the current time.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	return s.Update(ctx, id, map[string]interface{}{
		"last_heartbeat_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Transition atomically moves a task from its current state to target
// using a Redis-side compare-and-set, so no client-side read-then-
// write race exists between two workers or a worker and the reaper.
func (s *Store) Transition(ctx context.Context, id string, target State, extra map[string]string) error {
	key := persistence.TaskKey(id)

	var allowedFrom []string
	for from, edges := range ValidTransitions {
		for _, e := range edges {
			if e == target {
				allowedFrom = append(allowedFrom, string(from))
				break
			}
		}
	}
	if len(allowedFrom) == 0 {
		return apperr.New(apperr.InvalidTransition, "task.Transition", "no state transitions to "+string(target))
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	completedAt := ""
	switch target {
	case StateRunning:
		extra = withField(extra, "started_at", now)
	case StateCompleted, StateFailed, StateCancelled, StateExpired:
		completedAt = now
	}

	result, err := persistence.CASTransition(ctx, s.client, key, allowedFrom, string(target), completedAt, extra)
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, "task.Transition", err)
	}
	switch result {
	case persistence.TransitionMissing:
		return apperr.New(apperr.NotFound, "task.Transition", "task "+id+" not found")
	case persistence.TransitionRejected:
		return apperr.New(apperr.InvalidTransition, "task.Transition", "task "+id+" is not in a state that can move to "+string(target))
	}
	return nil
}

func withField(m map[string]string, k, v string) map[string]string {
	if m == nil {
		m = map[string]string{}
	}
	m[k] = v
	return m
}

// ListFilter narrows List to matching tasks.
type ListFilter struct {
	Status State
	Pool   string
}

// List scans all known task ids (maintained via a sorted set index,
// see indexKey) and applies Status/Pool filters, paginating by
// creation timestamp cursor per spec.md §4.1. total is the count of
// tasks matching filter across the whole index, before cursor/limit
// are applied, for list_tasks's total field.
func (s *Store) List(ctx context.Context, filter ListFilter, limit int, cursor string) (page []*Task, total int, nextCursor string, err error) {
	ids, err := s.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, 0, "", apperr.Wrap(apperr.Unavailable, "task.List", err)
	}

	var all []*Task
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Pool != "" && t.ScannerPool != filter.Pool {
			continue
		}
		all = append(all, t)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	start := 0
	if cursor != "" {
		if cursorTime, err := time.Parse(time.RFC3339Nano, cursor); err == nil {
			for i, t := range all {
				if t.CreatedAt.After(cursorTime) {
					start = i
					break
				}
				start = i + 1
			}
		}
	}

	total = len(all)
	if start >= total {
		return nil, total, "", nil
	}
	end := start + limit
	if limit <= 0 || end > total {
		end = total
	}

	page = all[start:end]
	if end < total {
		nextCursor = page[len(page)-1].CreatedAt.Format(time.RFC3339Nano)
	}
	return page, total, nextCursor, nil
}

// indexKey is a sorted set of all task ids scored by creation time,
// maintained alongside Create so List never needs a Redis KEYS scan.
const indexKey = "tasks:index"

// Index registers a newly created task in the listing index.
func (s *Store) Index(ctx context.Context, t *Task) error {
	return s.client.ZAdd(ctx, indexKey, redis.Z{
		Score:  float64(t.CreatedAt.Unix()),
		Member: t.ID,
	}).Err()
}

// ListNonTerminalOlderThan returns non-terminal tasks created before
// the cutoff, for the TTL housekeeper's task_ttl sweep.
func (s *Store) ListNonTerminalOlderThan(ctx context.Context, cutoff time.Time) ([]*Task, error) {
	ids, err := s.client.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "task.ListNonTerminalOlderThan", err)
	}
	var out []*Task
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if err != nil || t.Status.IsFinal() {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// ListRunningWithStaleHeartbeat returns tasks in the running state
// whose last_heartbeat_at is older than cutoff, for the worker's
// reaper goroutine (spec.md §4.6, "Heartbeat").
func (s *Store) ListRunningWithStaleHeartbeat(ctx context.Context, cutoff time.Time) ([]*Task, error) {
	ids, err := s.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "task.ListRunningWithStaleHeartbeat", err)
	}
	var out []*Task
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if err != nil || t.Status != StateRunning {
			continue
		}
		if t.LastHeartbeatAt == nil || t.LastHeartbeatAt.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out, nil
}

// ListCompletedExpiringBefore returns completed tasks whose
// completed_at + artifact_ttl has already passed.
func (s *Store) ListCompletedExpiringBefore(ctx context.Context, artifactTTL time.Duration, now time.Time) ([]*Task, error) {
	ids, err := s.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "task.ListCompletedExpiringBefore", err)
	}
	var out []*Task
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if t.Status != StateCompleted || t.CompletedAt == nil {
			continue
		}
		if t.CompletedAt.Add(artifactTTL).Before(now) {
			out = append(out, t)
		}
	}
	return out, nil
}
