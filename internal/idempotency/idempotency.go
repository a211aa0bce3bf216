// Package idempotency implements the client-supplied idempotency-key
// index: claim/lookup over a strict set-if-absent, per spec.md §4.2.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maumercado/task-queue-go/internal/apperr"
	"github.com/maumercado/task-queue-go/internal/persistence"
)

type Index struct {
	client *redis.Client
}

func NewIndex(client *redis.Client) *Index {
	return &Index{client: client}
}

// Claim performs compare-and-set over idem:<key>. If the key is
// absent, it binds taskID and returns (taskID, true). If present, it
// returns the previously bound id and false — the caller must NOT
// create a new task. Concurrent Claim calls with the same key and
// payload are guaranteed to observe the same winning taskID since
// SETNX is a single atomic operation.
//
// payload is a caller-supplied fingerprint (e.g. targets+scan_name);
// if a second Claim arrives with the same key but a different
// payload, it is a Conflict (spec.md §7) rather than a silent replay.
func (idx *Index) Claim(ctx context.Context, key, taskID, payload string, ttl time.Duration) (boundTaskID string, wasNew bool, err error) {
	payloadHash := hashPayload(payload)

	ok, setErr := persistence.SetNX(ctx, idx.client, persistence.IdemKey(key), taskID, ttl)
	if setErr != nil {
		return "", false, apperr.Wrap(apperr.Unavailable, "idempotency.Claim", setErr)
	}
	if ok {
		if err := idx.client.Set(ctx, persistence.IdemPayloadKey(key), payloadHash, ttl).Err(); err != nil {
			return "", false, apperr.Wrap(apperr.Unavailable, "idempotency.Claim", err)
		}
		return taskID, true, nil
	}

	existingID, getErr := idx.client.Get(ctx, persistence.IdemKey(key)).Result()
	if getErr != nil {
		return "", false, apperr.Wrap(apperr.Unavailable, "idempotency.Claim", getErr)
	}

	existingPayload, _ := idx.client.Get(ctx, persistence.IdemPayloadKey(key)).Result()
	if existingPayload != "" && existingPayload != payloadHash {
		return "", false, apperr.New(apperr.Conflict, "idempotency.Claim",
			"idempotency key "+key+" already bound to a different payload")
	}

	return existingID, false, nil
}

// Lookup returns the task id bound to key, or ("", false) if absent.
func (idx *Index) Lookup(ctx context.Context, key string) (string, bool, error) {
	id, err := idx.client.Get(ctx, persistence.IdemKey(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperr.Wrap(apperr.Unavailable, "idempotency.Lookup", err)
	}
	return id, true, nil
}

func hashPayload(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
