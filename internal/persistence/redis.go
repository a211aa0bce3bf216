// Package persistence wires the Redis client and the Lua scripts
// shared by the task store, idempotency index, and queue: atomic
// counters, lists usable as FIFOs, hashes, keys with TTL, and
// compare-and-set, per spec.md §4.1's persistence abstraction.
package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a thin wrapper around a go-redis client plus the
// connection lifecycle the rest of the core depends on.
type Store struct {
	Client *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{
		Client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.Client.Close()
}

// transitionScript performs the task state-machine compare-and-set:
// it reads the current status field, checks it against the expected
// "from" set (comma-joined), and only then overwrites status plus the
// caller-supplied extra fields. Grounded on the lock-renewal/
// cancel-and-acquire Lua pattern used for atomic read-compare-write in
// the driftd scan store.
//
// KEYS[1] = task hash key
// ARGV[1] = comma-separated allowed "from" states
// ARGV[2] = target state
// ARGV[3] = completed_at timestamp to stamp, or "" if this transition
//           doesn't reach a completed_at-bearing state. Written with
//           HSETNX: completed -> expired (the housekeeper's artifact
//           sweep) must not clobber the original completion time.
// ARGV[4..] = alternating extra field/value pairs to HSET alongside status
//
// Returns 1 on success, 0 if the current state was not in the allowed
// set (stale/already-transitioned), or -1 if the hash does not exist.
var transitionScript = redis.NewScript(`
local key = KEYS[1]
local allowed = ARGV[1]
local target = ARGV[2]
local completedAt = ARGV[3]

local current = redis.call('HGET', key, 'status')
if current == false then
  return -1
end

local found = false
for s in string.gmatch(allowed, '([^,]+)') do
  if s == current then
    found = true
    break
  end
end
if not found then
  return 0
end

redis.call('HSET', key, 'status', target)
if completedAt ~= '' then
  redis.call('HSETNX', key, 'completed_at', completedAt)
end
for i = 4, #ARGV, 2 do
  redis.call('HSET', key, ARGV[i], ARGV[i+1])
end
return 1
`)

// TransitionResult classifies the outcome of a CAS transition attempt.
type TransitionResult int

const (
	TransitionApplied TransitionResult = iota
	TransitionRejected
	TransitionMissing
)

// CASTransition atomically moves the hash at key from one of
// allowedFrom to target, also writing extraFields, and reports which
// of the three outcomes occurred. completedAt is stamped with HSETNX
// (pass "" to skip it) so a second arrival at a terminal state, such
// as completed -> expired, never overwrites the original timestamp.
func CASTransition(ctx context.Context, client *redis.Client, key string, allowedFrom []string, target, completedAt string, extraFields map[string]string) (TransitionResult, error) {
	allowed := ""
	for i, s := range allowedFrom {
		if i > 0 {
			allowed += ","
		}
		allowed += s
	}

	args := []interface{}{allowed, target, completedAt}
	for k, v := range extraFields {
		args = append(args, k, v)
	}

	res, err := transitionScript.Run(ctx, client, []string{key}, args...).Int()
	if err != nil {
		return TransitionMissing, err
	}

	switch res {
	case 1:
		return TransitionApplied, nil
	case 0:
		return TransitionRejected, nil
	default:
		return TransitionMissing, nil
	}
}

// SetNX implements a compare-and-set "claim" over a single key: the
// idempotency index's core primitive (spec.md §4.2).
func SetNX(ctx context.Context, client *redis.Client, key, value string, ttl time.Duration) (bool, error) {
	return client.SetNX(ctx, key, value, ttl).Result()
}

// Key helpers centralize the persisted layout spec.md §6 names.
func TaskKey(id string) string       { return fmt.Sprintf("task:%s", id) }
func QueueKey(pool string) string    { return fmt.Sprintf("queue:%s", pool) }
func DLQKey(pool string) string      { return fmt.Sprintf("dlq:%s", pool) }
func IdemKey(key string) string      { return fmt.Sprintf("idem:%s", key) }
func IdemPayloadKey(key string) string { return fmt.Sprintf("idem:%s:payload", key) }
