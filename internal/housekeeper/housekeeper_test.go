package housekeeper

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maumercado/task-queue-go/internal/task"
)

func newTestHousekeeper(t *testing.T, artifactTTL, taskTTL time.Duration) (*Housekeeper, *task.Store, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := task.NewStore(client)
	h := New(store, artifactTTL, taskTTL, "@every 1m")
	return h, store, context.Background()
}

func seedQueuedTask(t *testing.T, store *task.Store, ctx context.Context, id string, createdAt time.Time) *task.Task {
	t.Helper()
	tk := task.New(id, task.ScanTypeUntrusted, "10.0.0.1", "scan-a", "", "nessus", "")
	tk.CreatedAt = createdAt
	require.NoError(t, store.Create(ctx, tk))
	require.NoError(t, store.Index(ctx, tk))
	return tk
}

func TestHousekeeper_SweepTaskTTL_ExpiresStaleNonTerminal(t *testing.T) {
	h, store, ctx := newTestHousekeeper(t, 0, time.Hour)

	stale := seedQueuedTask(t, store, ctx, "nessus-i1-1700000000", time.Now().UTC().Add(-2*time.Hour))
	fresh := seedQueuedTask(t, store, ctx, "nessus-i2-1700000100", time.Now().UTC())

	h.Sweep(ctx)

	got, err := store.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateExpired, got.Status)

	gotFresh, err := store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateQueued, gotFresh.Status)
}

func TestHousekeeper_SweepTaskTTL_Disabled(t *testing.T) {
	h, store, ctx := newTestHousekeeper(t, 0, 0)

	stale := seedQueuedTask(t, store, ctx, "nessus-i1-1700000000", time.Now().UTC().Add(-100*time.Hour))

	h.Sweep(ctx)

	got, err := store.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateQueued, got.Status)
}

func TestHousekeeper_SweepArtifactTTL_RemovesArtifactAndExpires(t *testing.T) {
	h, store, ctx := newTestHousekeeper(t, time.Hour, 0)

	tk := seedQueuedTask(t, store, ctx, "nessus-i1-1700000000", time.Now().UTC())
	taskDir := filepath.Join(t.TempDir(), tk.ID)
	require.NoError(t, os.MkdirAll(taskDir, 0o755))
	artifactPath := filepath.Join(taskDir, "scan_native.xml")
	require.NoError(t, os.WriteFile(artifactPath, []byte("<ReportHost/>"), 0o644))
	require.NoError(t, store.Transition(ctx, tk.ID, task.StateRunning, nil))
	require.NoError(t, store.Transition(ctx, tk.ID, task.StateCompleted, map[string]string{"artifact_path": artifactPath}))

	completed, err := store.Get(ctx, tk.ID)
	require.NoError(t, err)
	backdated := completed.CompletedAt.Add(-2 * time.Hour)
	require.NoError(t, store.Update(ctx, tk.ID, map[string]interface{}{"completed_at": backdated.Format(time.RFC3339Nano)}))

	h.Sweep(ctx)

	got, err := store.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateExpired, got.Status)
	assert.True(t, got.CompletedAt.Equal(backdated), "expiring must preserve the original completed_at")

	_, statErr := os.Stat(artifactPath)
	assert.True(t, os.IsNotExist(statErr), "artifact file should have been removed")
	_, dirStatErr := os.Stat(taskDir)
	assert.True(t, os.IsNotExist(dirStatErr), "artifact directory should have been removed")
}

func TestHousekeeper_SweepArtifactTTL_NotYetDue(t *testing.T) {
	h, store, ctx := newTestHousekeeper(t, time.Hour, 0)

	tk := seedQueuedTask(t, store, ctx, "nessus-i1-1700000000", time.Now().UTC())
	require.NoError(t, store.Transition(ctx, tk.ID, task.StateRunning, nil))
	require.NoError(t, store.Transition(ctx, tk.ID, task.StateCompleted, map[string]string{"artifact_path": ""}))

	h.Sweep(ctx)

	got, err := store.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, got.Status, "a task well within artifact_ttl must not be touched")
}

func TestHousekeeper_SweepArtifactTTL_IdempotentOnAlreadyRemovedArtifact(t *testing.T) {
	h, store, ctx := newTestHousekeeper(t, time.Hour, 0)

	tk := seedQueuedTask(t, store, ctx, "nessus-i1-1700000000", time.Now().UTC())
	require.NoError(t, store.Transition(ctx, tk.ID, task.StateRunning, nil))
	require.NoError(t, store.Transition(ctx, tk.ID, task.StateCompleted, map[string]string{
		"artifact_path": filepath.Join(t.TempDir(), "already-gone.xml"),
	}))

	completed, err := store.Get(ctx, tk.ID)
	require.NoError(t, err)
	backdated := completed.CompletedAt.Add(-2 * time.Hour)
	require.NoError(t, store.Update(ctx, tk.ID, map[string]interface{}{"completed_at": backdated.Format(time.RFC3339Nano)}))

	h.Sweep(ctx)

	got, err := store.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateExpired, got.Status, "a missing artifact file must not block the expire transition")
}
