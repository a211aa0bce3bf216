package ops

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

	"github.com/maumercado/task-queue-go/internal/apperr"
	"github.com/maumercado/task-queue-go/internal/idempotency"
	"github.com/maumercado/task-queue-go/internal/queue"
	"github.com/maumercado/task-queue-go/internal/registry"
	"github.com/maumercado/task-queue-go/internal/task"
)

func newTestOps(t *testing.T, descriptors []registry.Descriptor) (*Ops, *task.Store, *queue.Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := task.NewStore(client)
	idemIndex := idempotency.NewIndex(client)
	q := queue.New(client, 100, 50*time.Millisecond)
	reg := registry.New(descriptors)

	o := New(store, idemIndex, q, reg, nil, "nessus", time.Hour)
	return o, store, q
}

func TestOps_SubmitScan_HappyPath(t *testing.T) {
	o, store, q := newTestOps(t, nil)
	ctx := context.Background()

	result, err := o.SubmitScan(ctx, SubmitScanRequest{
		Targets:  "10.0.0.1",
		ScanName: "nightly",
		ScanType: task.ScanTypeUntrusted,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.TaskID)
	assert.Equal(t, task.StateQueued, result.Status)
	assert.False(t, result.Idempotent)

	stored, err := store.Get(ctx, result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", stored.Targets)
	assert.Equal(t, "nessus", stored.ScannerPool)

	depth, err := q.Depth(ctx, "nessus")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestOps_SubmitScan_MissingTargets_Rejected(t *testing.T) {
	o, _, _ := newTestOps(t, nil)
	_, err := o.SubmitScan(context.Background(), SubmitScanRequest{ScanName: "x", ScanType: task.ScanTypeUntrusted})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.InvalidArgument))
}

func TestOps_SubmitScan_InvalidScanType_Rejected(t *testing.T) {
	o, _, _ := newTestOps(t, nil)
	_, err := o.SubmitScan(context.Background(), SubmitScanRequest{Targets: "10.0.0.1", ScanName: "x", ScanType: "bogus"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.InvalidArgument))
}

func TestOps_SubmitScan_IdempotentReplay(t *testing.T) {
	o, _, q := newTestOps(t, nil)
	ctx := context.Background()

	req := SubmitScanRequest{Targets: "10.0.0.1", ScanName: "nightly", ScanType: task.ScanTypeUntrusted, IdempotencyKey: "K1"}

	first, err := o.SubmitScan(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Idempotent)

	second, err := o.SubmitScan(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Idempotent)
	assert.Equal(t, first.TaskID, second.TaskID)

	depth, err := q.Depth(ctx, "nessus")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "a replayed submit must not enqueue a second time")
}

func TestOps_SubmitScan_IdempotencyKeyConflict(t *testing.T) {
	o, _, _ := newTestOps(t, nil)
	ctx := context.Background()

	_, err := o.SubmitScan(ctx, SubmitScanRequest{Targets: "10.0.0.1", ScanName: "a", ScanType: task.ScanTypeUntrusted, IdempotencyKey: "K1"})
	require.NoError(t, err)

	_, err = o.SubmitScan(ctx, SubmitScanRequest{Targets: "10.0.0.2", ScanName: "b", ScanType: task.ScanTypeUntrusted, IdempotencyKey: "K1"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Conflict))
}

func TestOps_GetScanStatus_NotFound(t *testing.T) {
	o, _, _ := newTestOps(t, nil)
	_, err := o.GetScanStatus(context.Background(), "nessus-x-1")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestOps_GetScanStatus_ReflectsStore(t *testing.T) {
	o, store, _ := newTestOps(t, nil)
	ctx := context.Background()

	submitted, err := o.SubmitScan(ctx, SubmitScanRequest{Targets: "10.0.0.1", ScanName: "a", ScanType: task.ScanTypeUntrusted})
	require.NoError(t, err)
	require.NoError(t, store.Transition(ctx, submitted.TaskID, task.StateRunning, map[string]string{"scanner_instance_key": "i1"}))

	status, err := o.GetScanStatus(ctx, submitted.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StateRunning, status.Status)
	assert.Equal(t, "i1", status.ScannerInstanceKey)
	assert.NotNil(t, status.StartedAt)
}

func TestOps_ListTasks_FiltersAndTotal(t *testing.T) {
	o, _, _ := newTestOps(t, nil)
	ctx := context.Background()

	_, err := o.SubmitScan(ctx, SubmitScanRequest{Targets: "10.0.0.1", ScanName: "a", ScanType: task.ScanTypeUntrusted, ScannerPool: "nessus"})
	require.NoError(t, err)
	_, err = o.SubmitScan(ctx, SubmitScanRequest{Targets: "10.0.0.2", ScanName: "b", ScanType: task.ScanTypeUntrusted, ScannerPool: "dmz"})
	require.NoError(t, err)

	result, err := o.ListTasks(ctx, ListTasksRequest{Pool: "nessus", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)
	require.Len(t, result.Tasks, 1)
	assert.Equal(t, "nessus", result.Tasks[0].ScannerPool)
}

func TestOps_CancelScan_Queued(t *testing.T) {
	o, _, _ := newTestOps(t, nil)
	ctx := context.Background()

	submitted, err := o.SubmitScan(ctx, SubmitScanRequest{Targets: "10.0.0.1", ScanName: "a", ScanType: task.ScanTypeUntrusted})
	require.NoError(t, err)

	result, err := o.CancelScan(ctx, submitted.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StateCancelled, result.Status)
}

func TestOps_CancelScan_AlreadyCancelled_Idempotent(t *testing.T) {
	o, _, _ := newTestOps(t, nil)
	ctx := context.Background()

	submitted, err := o.SubmitScan(ctx, SubmitScanRequest{Targets: "10.0.0.1", ScanName: "a", ScanType: task.ScanTypeUntrusted})
	require.NoError(t, err)

	_, err = o.CancelScan(ctx, submitted.TaskID)
	require.NoError(t, err)

	result, err := o.CancelScan(ctx, submitted.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StateCancelled, result.Status)
}

func TestOps_CancelScan_Completed_Rejected(t *testing.T) {
	o, store, _ := newTestOps(t, nil)
	ctx := context.Background()

	submitted, err := o.SubmitScan(ctx, SubmitScanRequest{Targets: "10.0.0.1", ScanName: "a", ScanType: task.ScanTypeUntrusted})
	require.NoError(t, err)
	require.NoError(t, store.Transition(ctx, submitted.TaskID, task.StateRunning, nil))
	require.NoError(t, store.Transition(ctx, submitted.TaskID, task.StateCompleted, map[string]string{"artifact_path": "/tmp/x"}))

	_, err = o.CancelScan(ctx, submitted.TaskID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.InvalidTransition))
}

const sampleArtifact = `<?xml version="1.0"?>
<NessusClientData_v2>
  <Report name="dmz-sweep">
    <ReportHost name="10.0.0.1">
      <ReportItem pluginID="1001" pluginName="Outdated OpenSSH" severity="3">
        <cvss_base_score>7.5</cvss_base_score>
        <synopsis>SSH server is outdated.</synopsis>
        <description>old version</description>
        <solution>upgrade</solution>
        <exploit_available>true</exploit_available>
        <risk_factor>High</risk_factor>
      </ReportItem>
    </ReportHost>
  </Report>
</NessusClientData_v2>`

func TestOps_GetScanResults_NotReady(t *testing.T) {
	o, _, _ := newTestOps(t, nil)
	ctx := context.Background()

	submitted, err := o.SubmitScan(ctx, SubmitScanRequest{Targets: "10.0.0.1", ScanName: "a", ScanType: task.ScanTypeUntrusted})
	require.NoError(t, err)

	_, err = o.GetScanResults(ctx, submitted.TaskID, GetScanResultsRequest{})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NotReady))
}

func TestOps_GetScanResults_NotFound(t *testing.T) {
	o, _, _ := newTestOps(t, nil)
	_, err := o.GetScanResults(context.Background(), "nessus-x-1", GetScanResultsRequest{})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestOps_GetScanResults_Completed(t *testing.T) {
	o, store, _ := newTestOps(t, nil)
	ctx := context.Background()

	submitted, err := o.SubmitScan(ctx, SubmitScanRequest{Targets: "10.0.0.1", ScanName: "a", ScanType: task.ScanTypeUntrusted})
	require.NoError(t, err)

	taskDir := filepath.Join(t.TempDir(), submitted.TaskID)
	require.NoError(t, os.MkdirAll(taskDir, 0o755))
	artifactPath := filepath.Join(taskDir, "scan_native.xml")
	require.NoError(t, os.WriteFile(artifactPath, []byte(sampleArtifact), 0o644))

	require.NoError(t, store.Transition(ctx, submitted.TaskID, task.StateRunning, nil))
	require.NoError(t, store.Transition(ctx, submitted.TaskID, task.StateCompleted, map[string]string{"artifact_path": artifactPath}))

	out, err := o.GetScanResults(ctx, submitted.TaskID, GetScanResultsRequest{})
	require.NoError(t, err)
	assert.Contains(t, string(out), "\"type\":\"schema\"")
	assert.Contains(t, string(out), "\"type\":\"vulnerability\"")
	assert.Contains(t, string(out), "\"type\":\"pagination\"")
}

func TestOps_GetScanResults_PageZero_FullSet(t *testing.T) {
	o, store, _ := newTestOps(t, nil)
	ctx := context.Background()

	submitted, err := o.SubmitScan(ctx, SubmitScanRequest{Targets: "10.0.0.1", ScanName: "a", ScanType: task.ScanTypeUntrusted})
	require.NoError(t, err)

	taskDir := filepath.Join(t.TempDir(), submitted.TaskID)
	require.NoError(t, os.MkdirAll(taskDir, 0o755))
	artifactPath := filepath.Join(taskDir, "scan_native.xml")
	require.NoError(t, os.WriteFile(artifactPath, []byte(sampleArtifact), 0o644))

	require.NoError(t, store.Transition(ctx, submitted.TaskID, task.StateRunning, nil))
	require.NoError(t, store.Transition(ctx, submitted.TaskID, task.StateCompleted, map[string]string{"artifact_path": artifactPath}))

	page := 0
	out, err := o.GetScanResults(ctx, submitted.TaskID, GetScanResultsRequest{Page: &page})
	require.NoError(t, err)
	assert.Contains(t, string(out), "\"type\":\"vulnerability\"")
	assert.NotContains(t, string(out), "\"type\":\"pagination\"")
}

func TestOps_ListScannersAndPools(t *testing.T) {
	descriptors := []registry.Descriptor{
		{InstanceKey: "i1", ScannerType: "nessus", Pool: "nessus", Enabled: true, MaxConcurrentScans: 2},
		{InstanceKey: "i2", ScannerType: "nessus", Pool: "dmz", Enabled: true, MaxConcurrentScans: 1},
	}
	o, _, _ := newTestOps(t, descriptors)

	scanners := o.ListScanners(context.Background())
	assert.Len(t, scanners.Scanners, 2)

	pools := o.ListPools(context.Background())
	assert.ElementsMatch(t, []string{"nessus", "dmz"}, pools.Pools)
	assert.Equal(t, "nessus", pools.DefaultPool)
}

func TestOps_GetPoolStatus(t *testing.T) {
	descriptors := []registry.Descriptor{
		{InstanceKey: "i1", ScannerType: "nessus", Pool: "nessus", Enabled: true, MaxConcurrentScans: 2},
	}
	o, _, _ := newTestOps(t, descriptors)

	status, err := o.GetPoolStatus(context.Background(), "nessus")
	require.NoError(t, err)
	assert.Equal(t, 2, status.TotalCapacity)
	assert.Equal(t, 0, status.TotalActive)
	assert.Equal(t, 2, status.AvailableCapacity)
}

func TestOps_GetPoolStatus_UnknownPool(t *testing.T) {
	o, _, _ := newTestOps(t, nil)
	_, err := o.GetPoolStatus(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestOps_GetQueueStatus(t *testing.T) {
	descriptors := []registry.Descriptor{
		{InstanceKey: "i1", ScannerType: "nessus", Pool: "nessus", Enabled: true, MaxConcurrentScans: 2},
	}
	o, _, _ := newTestOps(t, descriptors)
	ctx := context.Background()

	_, err := o.SubmitScan(ctx, SubmitScanRequest{Targets: "10.0.0.1", ScanName: "a", ScanType: task.ScanTypeUntrusted, ScannerPool: "nessus"})
	require.NoError(t, err)

	status, err := o.GetQueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.QueueDepth)
	assert.Equal(t, int64(1), status.PerPool["nessus"].Depth)
}

func TestOps_DLQClear_Empty_SucceedsSilently(t *testing.T) {
	o, _, _ := newTestOps(t, nil)
	err := o.DLQClear(context.Background(), "nessus")
	require.NoError(t, err)
}

func TestOps_DLQRequeue(t *testing.T) {
	o, _, q := newTestOps(t, nil)
	ctx := context.Background()

	entry := queue.DLQEntry{TaskID: "nessus-a-1", Pool: "nessus", Reason: "timeout", FirstFailedAt: time.Now().UTC(), AttemptCount: 3}
	require.NoError(t, q.ToDLQ(ctx, entry))

	err := o.DLQRequeue(ctx, "nessus", "nessus-a-1")
	require.NoError(t, err)

	depth, err := q.Depth(ctx, "nessus")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	size, err := q.DLQSize(ctx, "nessus")
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
}

func TestOps_DLQRequeue_NotFound(t *testing.T) {
	o, _, _ := newTestOps(t, nil)
	err := o.DLQRequeue(context.Background(), "nessus", "ghost")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}
