package worker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maumercado/task-queue-go/internal/config"
	"github.com/maumercado/task-queue-go/internal/queue"
	"github.com/maumercado/task-queue-go/internal/registry"
	"github.com/maumercado/task-queue-go/internal/scanner"
	"github.com/maumercado/task-queue-go/internal/scanner/testscanner"
	"github.com/maumercado/task-queue-go/internal/task"
)

func newTestPool(t *testing.T, reg *registry.Registry, factory ScannerFactory) (*Pool, *task.Store, *queue.Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	store := task.NewStore(client)
	q := queue.New(client, 100, 50*time.Millisecond)

	dataDir := t.TempDir()
	cfg := &config.WorkerConfig{
		ID:                "test-worker",
		Concurrency:       1,
		WorkerPools:       []string{"nessus"},
		DataDir:           dataDir,
		PollInterval:      20 * time.Millisecond,
		ScanTimeout:       5 * time.Second,
		DequeueTimeout:    50 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatTimeout:  500 * time.Millisecond,
		ShutdownTimeout:   2 * time.Second,
	}

	p := NewPool(cfg, store, q, reg, factory, client)
	return p, store, q, client
}

func newTestPoolWithScanTimeout(t *testing.T, reg *registry.Registry, factory ScannerFactory, scanTimeout time.Duration) (*Pool, *task.Store, *queue.Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	store := task.NewStore(client)
	q := queue.New(client, 100, 50*time.Millisecond)

	cfg := &config.WorkerConfig{
		ID:                "test-worker",
		Concurrency:       1,
		WorkerPools:       []string{"nessus"},
		DataDir:           t.TempDir(),
		PollInterval:      10 * time.Millisecond,
		ScanTimeout:       scanTimeout,
		DequeueTimeout:    50 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatTimeout:  500 * time.Millisecond,
		ShutdownTimeout:   2 * time.Second,
	}

	p := NewPool(cfg, store, q, reg, factory, client)
	return p, store, q, client
}

func seedTask(t *testing.T, store *task.Store, q *queue.Queue, pool string) *task.Task {
	t.Helper()
	ctx := context.Background()
	id := task.NewID("nessus", "a", time.Now())
	tk := task.New(id, task.ScanTypeUntrusted, "10.0.0.0/24", "nightly", "", pool, "")
	require.NoError(t, store.Create(ctx, tk))
	require.NoError(t, store.Index(ctx, tk))
	require.NoError(t, q.Enqueue(ctx, pool, tk.ID))
	return tk
}

func TestPool_RunOne_HappyPath(t *testing.T) {
	reg := registry.New([]registry.Descriptor{
		{InstanceKey: "nessus-a", ScannerType: "nessus", Pool: "nessus", Enabled: true, MaxConcurrentScans: 1},
	})
	mock := &testscanner.Mock{ExportData: []byte("<NessusClientData_v2><Report><ReportHost><ReportItem severity=\"3\"/></ReportHost></Report></NessusClientData_v2>")}
	factory := func(d registry.Descriptor) (scanner.Scanner, error) { return mock, nil }

	p, store, q, client := newTestPool(t, reg, factory)
	defer client.Close()
	ctx := context.Background()

	tk := seedTask(t, store, q, "nessus")

	require.NoError(t, p.runOne(ctx, "nessus", tk.ID))

	got, err := store.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, got.Status)
	assert.NotEmpty(t, got.ArtifactPath)
	require.NotNil(t, got.VulnerabilitiesFound)
	assert.Equal(t, 1, *got.VulnerabilitiesFound)
	assert.Equal(t, 1, mock.CreateCalls)
	assert.Equal(t, 1, mock.LaunchCalls)

	_, err = os.Stat(got.ArtifactPath)
	assert.NoError(t, err)

	// registry reservation must have been released
	_, ok := reg.Reserve("nessus")
	assert.True(t, ok)
}

func TestPool_RunOne_CreateScanRejected(t *testing.T) {
	reg := registry.New([]registry.Descriptor{
		{InstanceKey: "nessus-a", ScannerType: "nessus", Pool: "nessus", Enabled: true, MaxConcurrentScans: 1},
	})
	mock := &testscanner.Mock{CreateErr: assertErr("credential rejected")}
	factory := func(d registry.Descriptor) (scanner.Scanner, error) { return mock, nil }

	p, store, q, client := newTestPool(t, reg, factory)
	defer client.Close()
	ctx := context.Background()

	tk := seedTask(t, store, q, "nessus")
	require.NoError(t, p.runOne(ctx, "nessus", tk.ID))

	got, err := store.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, got.Status)
	assert.Equal(t, task.ReasonCreateRejected, got.FailureReason)

	entries, err := q.ListDLQ(ctx, "nessus")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, tk.ID, entries[0].TaskID)
}

func TestPool_RunOne_LaunchScanRejected_RollsBackWithDelete(t *testing.T) {
	reg := registry.New([]registry.Descriptor{
		{InstanceKey: "nessus-a", ScannerType: "nessus", Pool: "nessus", Enabled: true, MaxConcurrentScans: 1},
	})
	mock := &testscanner.Mock{LaunchErr: assertErr("launch rejected")}
	factory := func(d registry.Descriptor) (scanner.Scanner, error) { return mock, nil }

	p, store, q, client := newTestPool(t, reg, factory)
	defer client.Close()
	ctx := context.Background()

	tk := seedTask(t, store, q, "nessus")
	require.NoError(t, p.runOne(ctx, "nessus", tk.ID))

	got, err := store.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, got.Status)
	assert.Equal(t, task.ReasonLaunchRejected, got.FailureReason)
	assert.Equal(t, 1, mock.DeleteCalls, "launch failure must roll back the create via delete_scan")
}

func TestPool_RunOne_NoCapacity_ReEnqueues(t *testing.T) {
	reg := registry.New([]registry.Descriptor{
		{InstanceKey: "nessus-a", ScannerType: "nessus", Pool: "nessus", Enabled: true, MaxConcurrentScans: 1},
	})
	_, ok := reg.Reserve("nessus")
	require.True(t, ok)

	factory := func(d registry.Descriptor) (scanner.Scanner, error) { return &testscanner.Mock{}, nil }
	p, store, q, client := newTestPool(t, reg, factory)
	defer client.Close()
	ctx := context.Background()

	tk := seedTask(t, store, q, "nessus")
	// runOne is handed an id the dispatch loop already dequeued.
	_, ok, err := q.Dequeue(ctx, "nessus")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, p.runOne(ctx, "nessus", tk.ID))

	depth, err := q.Depth(ctx, "nessus")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "task must be re-enqueued when no scanner instance has capacity")

	got, err := store.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateQueued, got.Status)
}

func TestPool_RunOne_SkipsAlreadyNonQueuedTask(t *testing.T) {
	reg := registry.New([]registry.Descriptor{
		{InstanceKey: "nessus-a", ScannerType: "nessus", Pool: "nessus", Enabled: true, MaxConcurrentScans: 1},
	})
	mock := &testscanner.Mock{}
	factory := func(d registry.Descriptor) (scanner.Scanner, error) { return mock, nil }

	p, store, q, client := newTestPool(t, reg, factory)
	defer client.Close()
	ctx := context.Background()

	tk := seedTask(t, store, q, "nessus")
	require.NoError(t, store.Transition(ctx, tk.ID, task.StateRunning, map[string]string{"scanner_instance_key": "nessus-a"}))

	require.NoError(t, p.runOne(ctx, "nessus", tk.ID))
	assert.Zero(t, mock.CreateCalls, "a task no longer queued must not be dispatched again")
}

func TestPool_RunOne_ScanTimeout_StopsAndFails(t *testing.T) {
	reg := registry.New([]registry.Descriptor{
		{InstanceKey: "nessus-a", ScannerType: "nessus", Pool: "nessus", Enabled: true, MaxConcurrentScans: 1},
	})
	mock := &testscanner.Mock{StatusSequence: []scanner.StatusReport{{Status: scanner.StatusRunning, Progress: 1}}}
	factory := func(d registry.Descriptor) (scanner.Scanner, error) { return mock, nil }

	p, store, q, client := newTestPoolWithScanTimeout(t, reg, factory, 50*time.Millisecond)
	defer client.Close()
	ctx := context.Background()

	tk := seedTask(t, store, q, "nessus")
	require.NoError(t, p.runOne(ctx, "nessus", tk.ID))

	got, err := store.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, got.Status)
	assert.Equal(t, task.ReasonTimeout, got.FailureReason)
	assert.Equal(t, 1, mock.StopCalls, "a scan that never completes must be stopped on the remote scanner")

	entries, err := q.ListDLQ(ctx, "nessus")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, tk.ID, entries[0].TaskID)

	_, ok := reg.Reserve("nessus")
	assert.True(t, ok, "registry reservation must be released even when the scan times out")
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(msg string) error { return simpleErr(msg) }
