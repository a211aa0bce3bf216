// Package ops implements the operations surface of spec.md §6: one
// method per named operation, composing the task store, idempotency
// index, queue, registry, and projector. This is the seam between
// transport (internal/api) and the dispatch core.
package ops

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/maumercado/task-queue-go/internal/apperr"
	"github.com/maumercado/task-queue-go/internal/events"
	"github.com/maumercado/task-queue-go/internal/idempotency"
	"github.com/maumercado/task-queue-go/internal/logger"
	"github.com/maumercado/task-queue-go/internal/metrics"
	"github.com/maumercado/task-queue-go/internal/projector"
	"github.com/maumercado/task-queue-go/internal/queue"
	"github.com/maumercado/task-queue-go/internal/registry"
	"github.com/maumercado/task-queue-go/internal/task"
)

// Ops holds every collaborator an operation needs. publisher is
// optional (nil disables event emission) since not every deployment
// runs the websocket push hub.
type Ops struct {
	store          *task.Store
	idempotency    *idempotency.Index
	queue          *queue.Queue
	registry       *registry.Registry
	publisher      events.Publisher
	defaultPool    string
	idempotencyTTL time.Duration
}

func New(store *task.Store, idemIndex *idempotency.Index, q *queue.Queue, reg *registry.Registry, publisher events.Publisher, defaultPool string, idempotencyTTL time.Duration) *Ops {
	if defaultPool == "" {
		defaultPool = "nessus"
	}
	return &Ops{
		store:          store,
		idempotency:    idemIndex,
		queue:          q,
		registry:       reg,
		publisher:      publisher,
		defaultPool:    defaultPool,
		idempotencyTTL: idempotencyTTL,
	}
}

func (o *Ops) publish(ctx context.Context, eventType events.EventType, data map[string]interface{}) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(ctx, events.NewEvent(eventType, data)); err != nil {
		logger.Warn().Err(err).Str("event", string(eventType)).Msg("ops: failed to publish event")
	}
}

// SubmitScanRequest carries submit_scan's inputs, per spec.md §6.
type SubmitScanRequest struct {
	Targets        string
	ScanName       string
	Description    string
	ScanType       task.ScanType
	ScannerPool    string
	IdempotencyKey string
}

// SubmitScanResult is submit_scan's output.
type SubmitScanResult struct {
	TaskID      string
	Status      task.State
	Idempotent  bool
}

// SubmitScan creates and enqueues a new task, or returns the task
// already bound to IdempotencyKey if one exists (spec.md §4.2).
func (o *Ops) SubmitScan(ctx context.Context, req SubmitScanRequest) (*SubmitScanResult, error) {
	if req.Targets == "" {
		return nil, apperr.New(apperr.InvalidArgument, "ops.SubmitScan", "targets is required")
	}
	if req.ScanName == "" {
		return nil, apperr.New(apperr.InvalidArgument, "ops.SubmitScan", "scan_name is required")
	}
	if req.ScanType != task.ScanTypeUntrusted && req.ScanType != task.ScanTypeAuthenticated {
		return nil, apperr.New(apperr.InvalidArgument, "ops.SubmitScan", "scan_type must be untrusted or authenticated")
	}

	pool := req.ScannerPool
	if pool == "" {
		pool = o.defaultPool
	}

	id := task.NewID(pool, uuid.NewString()[:8], time.Now())

	if req.IdempotencyKey != "" {
		payload := fmt.Sprintf("%s|%s|%s|%s", req.Targets, req.ScanName, req.ScanType, pool)
		boundID, wasNew, err := o.idempotency.Claim(ctx, req.IdempotencyKey, id, payload, o.idempotencyTTL)
		if err != nil {
			return nil, err
		}
		if !wasNew {
			existing, err := o.store.Get(ctx, boundID)
			if err != nil {
				return nil, err
			}
			return &SubmitScanResult{TaskID: existing.ID, Status: existing.Status, Idempotent: true}, nil
		}
		id = boundID
	}

	t := task.New(id, req.ScanType, req.Targets, req.ScanName, req.Description, pool, req.IdempotencyKey)
	if err := o.store.Create(ctx, t); err != nil {
		return nil, err
	}
	if err := o.store.Index(ctx, t); err != nil {
		return nil, err
	}
	if err := o.queue.Enqueue(ctx, pool, t.ID); err != nil {
		return nil, err
	}

	metrics.ScansSubmitted.WithLabelValues(pool, string(req.ScanType)).Inc()
	o.publish(ctx, events.EventScanSubmitted, events.ScanEventData(t.ID, pool, string(task.StateQueued), nil))

	return &SubmitScanResult{TaskID: t.ID, Status: task.StateQueued, Idempotent: false}, nil
}

// ScanStatus is get_scan_status's output.
type ScanStatus struct {
	TaskID               string
	Status               task.State
	Progress             int
	ScannerInstanceKey   string
	StartedAt            *time.Time
	CompletedAt          *time.Time
	VulnerabilitiesFound *int
	FailureReason        task.FailureReason
}

func (o *Ops) GetScanStatus(ctx context.Context, taskID string) (*ScanStatus, error) {
	t, err := o.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &ScanStatus{
		TaskID:               t.ID,
		Status:               t.Status,
		Progress:             t.Progress,
		ScannerInstanceKey:   t.ScannerInstanceKey,
		StartedAt:            t.StartedAt,
		CompletedAt:          t.CompletedAt,
		VulnerabilitiesFound: t.VulnerabilitiesFound,
		FailureReason:        t.FailureReason,
	}, nil
}

// ListTasksRequest carries list_tasks's inputs.
type ListTasksRequest struct {
	Status task.State
	Pool   string
	Limit  int
	Cursor string
}

type ListTasksResult struct {
	Tasks      []*task.Task
	Total      int
	NextCursor string
}

func (o *Ops) ListTasks(ctx context.Context, req ListTasksRequest) (*ListTasksResult, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	page, total, nextCursor, err := o.store.List(ctx, task.ListFilter{Status: req.Status, Pool: req.Pool}, limit, req.Cursor)
	if err != nil {
		return nil, err
	}
	return &ListTasksResult{Tasks: page, Total: total, NextCursor: nextCursor}, nil
}

// CancelScanResult is cancel_scan's output.
type CancelScanResult struct {
	TaskID string
	Status task.State
}

// CancelScan transitions a queued or running task to cancelled.
// Cancelling an already-cancelled task succeeds silently per spec.md
// §7; the worker observes the new status on its next poll tick and
// calls stop_scan itself (internal/worker's pollUntilDone).
func (o *Ops) CancelScan(ctx context.Context, taskID string) (*CancelScanResult, error) {
	t, err := o.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status == task.StateCancelled {
		return &CancelScanResult{TaskID: t.ID, Status: t.Status}, nil
	}

	if err := o.store.Transition(ctx, taskID, task.StateCancelled, map[string]string{
		"failure_reason": string(task.ReasonCancelledByUser),
	}); err != nil {
		return nil, err
	}

	o.publish(ctx, events.EventScanCancelled, events.ScanEventData(taskID, t.ScannerPool, string(task.StateCancelled), nil))
	return &CancelScanResult{TaskID: taskID, Status: task.StateCancelled}, nil
}

// GetScanResultsRequest carries get_scan_results's inputs. Page is a
// tri-state: nil means the caller didn't specify one and defaults to
// 1; a pointer to 0 is the explicit "full filtered set, no pagination"
// request spec.md §4.7 defines, and must survive as a literal 0 all
// the way to projector.Render.
type GetScanResultsRequest struct {
	Page          *int
	PageSize      int
	SchemaProfile projector.Profile
	CustomFields  []string
	Filters       map[string]string
}

// GetScanResults reads the completed task's artifact off disk and
// runs it through internal/projector. Fails NotFound if the task does
// not exist, NotReady if it has not reached completed.
func (o *Ops) GetScanResults(ctx context.Context, taskID string, req GetScanResultsRequest) ([]byte, error) {
	t, err := o.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StateCompleted {
		return nil, apperr.New(apperr.NotReady, "ops.GetScanResults", "task "+taskID+" is not completed (status "+string(t.Status)+")")
	}
	if t.ArtifactPath == "" {
		return nil, apperr.New(apperr.NotReady, "ops.GetScanResults", "task "+taskID+" has no artifact recorded")
	}

	data, err := os.ReadFile(t.ArtifactPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.NotReady, "ops.GetScanResults", err)
	}

	page := 1
	if req.Page != nil {
		page = *req.Page
	}
	pageSize := req.PageSize
	if pageSize == 0 {
		pageSize = 40
	}

	return projector.Render(data, projector.Options{
		SchemaProfile: req.SchemaProfile,
		CustomFields:  req.CustomFields,
		Filters:       req.Filters,
		Page:          page,
		PageSize:      pageSize,
	})
}

// ListScannersResult is list_scanners's output.
type ListScannersResult struct {
	Scanners []registry.Descriptor
}

func (o *Ops) ListScanners(ctx context.Context) *ListScannersResult {
	return &ListScannersResult{Scanners: o.registry.ListScanners()}
}

// ListPoolsResult is list_pools's output.
type ListPoolsResult struct {
	Pools       []string
	DefaultPool string
}

func (o *Ops) ListPools(ctx context.Context) *ListPoolsResult {
	return &ListPoolsResult{Pools: o.registry.ListPools(), DefaultPool: o.defaultPool}
}

// GetPoolStatus returns capacity/utilization for pool.
func (o *Ops) GetPoolStatus(ctx context.Context, pool string) (*registry.PoolStatus, error) {
	if pool == "" {
		pool = o.defaultPool
	}
	return o.registry.PoolStatus(pool)
}

// QueueStatusResult is get_queue_status's output.
type QueueStatusResult struct {
	QueueDepth int64
	DLQSize    int64
	PerPool    map[string]queue.PoolStats
}

func (o *Ops) GetQueueStatus(ctx context.Context) (*QueueStatusResult, error) {
	pools := o.registry.ListPools()
	if len(pools) == 0 {
		pools = []string{o.defaultPool}
	}
	stats, err := o.queue.Stats(ctx, pools)
	if err != nil {
		return nil, err
	}
	return &QueueStatusResult{QueueDepth: stats.QueueDepth, DLQSize: stats.DLQSize, PerPool: stats.PerPool}, nil
}

// DLQClear empties pool's dead letter queue. Clearing an already
// empty DLQ succeeds silently per spec.md §7.
func (o *Ops) DLQClear(ctx context.Context, pool string) error {
	return o.queue.ClearDLQ(ctx, pool)
}

// DLQRequeue moves one parked entry for taskID back onto pool's FIFO.
func (o *Ops) DLQRequeue(ctx context.Context, pool, taskID string) error {
	return o.queue.RequeueFromDLQ(ctx, pool, taskID)
}
