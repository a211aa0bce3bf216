package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/maumercado/task-queue-go/internal/apperr"
	"github.com/maumercado/task-queue-go/internal/config"
	"github.com/maumercado/task-queue-go/internal/logger"
	"github.com/maumercado/task-queue-go/internal/queue"
	"github.com/maumercado/task-queue-go/internal/registry"
	"github.com/maumercado/task-queue-go/internal/scanner"
	"github.com/maumercado/task-queue-go/internal/task"
)

// State represents the worker pool's current operational state.
type State int

const (
	StateIdle         State = iota
	StateBusy
	StatePaused
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StatePaused:
		return "paused"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// ScannerFactory builds the Scanner adapter bound to a reserved
// registry instance. cmd/worker wires httpscanner.Factory; callers may
// inject whichever backend client they run.
type ScannerFactory func(d registry.Descriptor) (scanner.Scanner, error)

// Pool drives the dispatch loop of spec.md §4.6: dequeue, reserve,
// run a scan through its scanner lifecycle, release, repeat.
type Pool struct {
	id             string
	store          *task.Store
	queue          *queue.Queue
	registry       *registry.Registry
	scannerFactory ScannerFactory
	cfg            *config.WorkerConfig

	heartbeat *Heartbeat

	state   State
	stateMu sync.RWMutex

	rrMu    sync.Mutex
	rrIndex int

	wg     sync.WaitGroup
	stopCh chan struct{}
}

func NewPool(cfg *config.WorkerConfig, store *task.Store, q *queue.Queue, reg *registry.Registry, factory ScannerFactory, client *redis.Client) *Pool {
	id := cfg.ID
	if id == "" {
		id = fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	}
	return &Pool{
		id:             id,
		store:          store,
		queue:          q,
		registry:       reg,
		scannerFactory: factory,
		cfg:            cfg,
		state:          StateIdle,
		stopCh:         make(chan struct{}),
		heartbeat:      NewHeartbeat(client, id, cfg.HeartbeatInterval, cfg.HeartbeatTimeout),
	}
}

// Start spawns cfg.Concurrency dispatch goroutines plus the
// heartbeat-staleness reaper.
func (p *Pool) Start(ctx context.Context) {
	p.stateMu.Lock()
	p.state = StateBusy
	p.stateMu.Unlock()

	p.heartbeat.Start(ctx)

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.dispatchLoop(ctx, i)
	}

	p.wg.Add(1)
	go p.reapLoop(ctx)

	logger.Info().Str("worker_id", p.id).Int("concurrency", p.cfg.Concurrency).Strs("pools", p.cfg.WorkerPools).Msg("worker pool started")
}

// Stop signals every dispatch goroutine to exit and waits up to
// cfg.ShutdownTimeout for in-flight scans to finish.
func (p *Pool) Stop(ctx context.Context) {
	p.stateMu.Lock()
	p.state = StateShuttingDown
	p.stateMu.Unlock()

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Str("worker_id", p.id).Msg("worker pool stopped gracefully")
	case <-time.After(p.cfg.ShutdownTimeout):
		logger.Warn().Str("worker_id", p.id).Msg("worker pool shutdown timed out")
	case <-ctx.Done():
		logger.Warn().Str("worker_id", p.id).Msg("worker pool shutdown canceled")
	}

	p.heartbeat.Stop()
}

func (p *Pool) ID() string { return p.id }

func (p *Pool) State() State {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.state
}

// nextDequeue advances the pool's shared round-robin cursor across
// the configured worker pools; every dispatch goroutine shares one
// cursor so fairness holds across the whole worker process, not just
// within a single goroutine.
func (p *Pool) nextDequeue(ctx context.Context) (pool, taskID string, ok bool, err error) {
	p.rrMu.Lock()
	start := p.rrIndex
	p.rrMu.Unlock()

	pool, taskID, ok, next, err := p.queue.DequeueAny(ctx, p.cfg.WorkerPools, start)
	if err != nil {
		return "", "", false, err
	}

	p.rrMu.Lock()
	p.rrIndex = next
	p.rrMu.Unlock()

	return pool, taskID, ok, nil
}

func (p *Pool) dispatchLoop(ctx context.Context, n int) {
	defer p.wg.Done()

	log := logger.WithWorker(p.id)
	log.Info().Int("slot", n).Msg("dispatch loop started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		pool, taskID, ok, err := p.nextDequeue(ctx)
		if err != nil {
			log.Error().Err(err).Msg("dequeue failed")
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}
		if !ok {
			continue
		}

		if err := p.runOne(ctx, pool, taskID); err != nil {
			log.Error().Err(err).Str("task_id", taskID).Msg("scan run ended in error")
		}
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-p.stopCh:
	case <-ctx.Done():
	}
}

// runOne implements spec.md §4.6 steps 1-7 for a single dequeued task.
func (p *Pool) runOne(ctx context.Context, pool, taskID string) error {
	log := logger.WithTask(taskID)

	t, err := p.store.Get(ctx, taskID)
	if err != nil {
		log.Warn().Err(err).Msg("dequeued task id has no record, dropping")
		return nil
	}
	if t.Status != task.StateQueued {
		log.Debug().Str("status", string(t.Status)).Msg("dequeued task no longer queued, dropping")
		return nil
	}

	instanceKey, ok := p.registry.Reserve(t.ScannerPool)
	if !ok {
		if err := p.queue.Enqueue(ctx, pool, taskID); err != nil {
			log.Error().Err(err).Msg("failed to re-enqueue task with no scanner capacity")
		}
		p.sleep(ctx, jitter(p.cfg.PollInterval))
		return nil
	}
	defer p.registry.Release(instanceKey)

	desc, ok := p.registry.Get(instanceKey)
	if !ok {
		log.Error().Str("instance_key", instanceKey).Msg("reserved instance key has no descriptor")
		p.failAndPark(ctx, t, pool, task.ReasonScannerUnreachable)
		return nil
	}
	sc, err := p.scannerFactory(desc)
	if err != nil {
		log.Error().Err(err).Str("instance_key", instanceKey).Msg("failed to build scanner adapter")
		p.failAndPark(ctx, t, pool, task.ReasonScannerUnreachable)
		return err
	}
	defer sc.Close()

	if err := p.store.Transition(ctx, taskID, task.StateRunning, map[string]string{
		"scanner_instance_key": instanceKey,
	}); err != nil {
		log.Error().Err(err).Msg("failed to transition task to running")
		return err
	}
	t.Status = task.StateRunning
	t.ScannerInstanceKey = instanceKey

	p.runScan(ctx, t, pool, sc)
	return nil
}

// errScanTimeout marks a scan that exceeded cfg.Worker.ScanTimeout
// while queued→running; runScan maps it to task.ReasonTimeout instead
// of the generic ReasonScannerUnreachable other poll errors get.
var errScanTimeout = errors.New("scan exceeded wall-clock timeout")

// runScan drives the create/launch/poll/export lifecycle for a single
// running task. Every remote call goes through Step for panic
// recovery and timeout classification; create_scan and launch_scan are
// never blindly retried (spec.md §4.6) — a launch failure after a
// successful create is rolled back with delete_scan instead. The
// whole create→launch→poll lifecycle runs under cfg.Worker.ScanTimeout
// (spec.md §5); exceeding it stops the remote scan and fails the task
// with reason timeout.
func (p *Pool) runScan(ctx context.Context, t *task.Task, pool string, sc scanner.Scanner) {
	log := logger.WithTask(t.ID)

	scanCtx := ctx
	if p.cfg.ScanTimeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, p.cfg.ScanTimeout)
		defer cancel()
	}

	var remoteID string
	createErr := Step(scanCtx, t.ID, "create_scan", func(ctx context.Context) error {
		id, err := sc.CreateScan(ctx, scanner.CreateRequest{
			Targets:     t.Targets,
			ScanName:    t.ScanName,
			Description: t.Description,
		})
		remoteID = id
		return err
	})
	if createErr != nil {
		log.Error().Err(createErr).Msg("create_scan failed")
		if timedOut(scanCtx) {
			p.failAndPark(ctx, t, pool, task.ReasonTimeout)
		} else {
			p.failAndPark(ctx, t, pool, task.ReasonCreateRejected)
		}
		return
	}

	if err := p.store.Update(ctx, t.ID, map[string]interface{}{"remote_scan_id": remoteID}); err != nil {
		log.Error().Err(err).Msg("failed to persist remote_scan_id")
	}
	t.RemoteScanID = remoteID

	launchErr := Step(scanCtx, t.ID, "launch_scan", func(ctx context.Context) error {
		_, err := sc.LaunchScan(ctx, remoteID)
		return err
	})
	if launchErr != nil {
		log.Error().Err(launchErr).Msg("launch_scan failed, rolling back create via delete_scan")
		p.deleteRemoteScan(t.ID, remoteID, sc)
		if timedOut(scanCtx) {
			p.failAndPark(ctx, t, pool, task.ReasonTimeout)
		} else {
			p.failAndPark(ctx, t, pool, task.ReasonLaunchRejected)
		}
		return
	}

	finalStatus, pollErr := p.pollUntilDone(scanCtx, t, remoteID, sc)
	if pollErr != nil {
		if errors.Is(pollErr, errScanTimeout) {
			log.Warn().Dur("timeout", p.cfg.ScanTimeout).Msg("scan exceeded timeout, stopping")
			p.stopRemoteScan(t.ID, remoteID, sc)
			p.failAndPark(ctx, t, pool, task.ReasonTimeout)
			return
		}
		log.Error().Err(pollErr).Msg("polling ended in error")
		p.failAndPark(ctx, t, pool, task.ReasonScannerUnreachable)
		return
	}

	switch finalStatus {
	case scanner.StatusCompleted:
		p.exportAndComplete(ctx, t, pool, remoteID, sc)
	case scanner.StatusCancelled:
		if err := p.store.Transition(ctx, t.ID, task.StateCancelled, nil); err != nil {
			log.Error().Err(err).Msg("failed to record external cancellation")
		}
	default:
		// pollUntilDone only returns once get_status reports a
		// terminal status, so StatusFailed is the only case left to
		// name explicitly; the default exists for completeness against
		// scanner.Status rather than a real reachable path.
		p.failAndPark(ctx, t, pool, task.ReasonInternalError)
	}
}

// timedOut reports whether scanCtx's deadline (cfg.Worker.ScanTimeout),
// not an outer shutdown cancellation, is what ended it.
func timedOut(scanCtx context.Context) bool {
	return errors.Is(scanCtx.Err(), context.DeadlineExceeded)
}

// deleteRemoteScan and stopRemoteScan run cleanup calls against a
// fresh context since scanCtx may already be expired by the time
// these are invoked.
func (p *Pool) deleteRemoteScan(taskID, remoteID string, sc scanner.Scanner) {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = Step(cleanupCtx, taskID, "delete_scan", func(ctx context.Context) error {
		_, err := sc.DeleteScan(ctx, remoteID)
		return err
	})
}

func (p *Pool) stopRemoteScan(taskID, remoteID string, sc scanner.Scanner) {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = Step(cleanupCtx, taskID, "stop_scan", func(ctx context.Context) error {
		_, err := sc.StopScan(ctx, remoteID)
		return err
	})
}

// pollUntilDone polls get_status at cfg.PollInterval, stamping
// progress and heartbeat on every tick, and stops the remote scan if
// the task record was cancelled by someone else in the meantime.
// Transient get_status errors are retried under task.PollRetryPolicy;
// this governs only the poll step, never create_scan/launch_scan. ctx
// is scanCtx from runScan, so its deadline is cfg.Worker.ScanTimeout;
// returns errScanTimeout rather than ctx.Err() when that deadline, not
// an outer shutdown, is what ended the loop.
func (p *Pool) pollUntilDone(ctx context.Context, t *task.Task, remoteID string, sc scanner.Scanner) (scanner.Status, error) {
	policy := task.DefaultPollRetryPolicy()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			if timedOut(ctx) {
				return "", errScanTimeout
			}
			return "", ctx.Err()
		case <-p.stopCh:
			return "", context.Canceled
		case <-ticker.C:
		}

		if current, err := p.store.Get(ctx, t.ID); err == nil && current.Status == task.StateCancelled {
			_ = Step(ctx, t.ID, "stop_scan", func(ctx context.Context) error {
				_, err := sc.StopScan(ctx, remoteID)
				return err
			})
			return scanner.StatusCancelled, nil
		}

		var report scanner.StatusReport
		err := Step(ctx, t.ID, "get_status", func(ctx context.Context) error {
			r, err := sc.GetStatus(ctx, remoteID)
			report = r
			return err
		})
		if err != nil {
			attempts++
			if !policy.ShouldRetry(attempts) {
				return "", err
			}
			p.sleep(ctx, policy.Backoff(attempts))
			continue
		}
		attempts = 0

		if err := p.store.Update(ctx, t.ID, map[string]interface{}{"progress": report.Progress}); err != nil {
			logger.WithTask(t.ID).Warn().Err(err).Msg("failed to persist progress")
		}
		if err := p.store.Heartbeat(ctx, t.ID); err != nil {
			logger.WithTask(t.ID).Warn().Err(err).Msg("failed to stamp heartbeat")
		}

		if report.Status == scanner.StatusCompleted || report.Status == scanner.StatusFailed || report.Status == scanner.StatusCancelled {
			return report.Status, nil
		}
	}
}

func (p *Pool) exportAndComplete(ctx context.Context, t *task.Task, pool, remoteID string, sc scanner.Scanner) {
	log := logger.WithTask(t.ID)

	var data []byte
	err := Step(ctx, t.ID, "export_results", func(ctx context.Context) error {
		d, err := sc.ExportResults(ctx, remoteID)
		data = d
		return err
	})
	if err != nil {
		log.Error().Err(err).Msg("export_results failed")
		p.failAndPark(ctx, t, pool, task.ReasonExportFailed)
		return
	}

	artifactPath, writeErr := p.writeArtifact(t.ID, data)
	if writeErr != nil {
		log.Error().Err(writeErr).Msg("failed to write artifact")
		p.failAndPark(ctx, t, pool, task.ReasonExportFailed)
		return
	}

	vulnCount := countVulnerabilities(data)
	if err := p.store.Transition(ctx, t.ID, task.StateCompleted, map[string]string{
		"artifact_path":         artifactPath,
		"vulnerabilities_found": fmt.Sprintf("%d", vulnCount),
	}); err != nil {
		log.Error().Err(err).Msg("failed to transition task to completed")
	}
}

// writeArtifact writes data under the task's own artifact directory
// (<data_dir>/<task_id>/scan_native.xml), via a temp file renamed into
// place, so a reader never observes a partially-written artifact and
// the housekeeper can remove the whole directory in one RemoveAll.
func (p *Pool) writeArtifact(taskID string, data []byte) (string, error) {
	taskDir := filepath.Join(p.cfg.DataDir, taskID)
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return "", err
	}
	finalPath := filepath.Join(taskDir, "scan_native.xml")
	tmpPath := finalPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", err
	}
	return finalPath, nil
}

// countVulnerabilities is a cheap opportunistic count recorded on the
// task record itself; internal/projector parses the artifact properly
// for get_scan_results.
func countVulnerabilities(data []byte) int {
	count := 0
	needle := []byte("<ReportItem")
	for i := 0; i+len(needle) <= len(data); i++ {
		match := true
		for j := range needle {
			if data[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			count++
		}
	}
	return count
}

// failAndPark transitions t to failed with reason and moves it to the
// pool's DLQ, per spec.md §4.6 step 7.
func (p *Pool) failAndPark(ctx context.Context, t *task.Task, pool string, reason task.FailureReason) {
	log := logger.WithTask(t.ID)

	if err := p.store.Transition(ctx, t.ID, task.StateFailed, map[string]string{
		"failure_reason": string(reason),
	}); err != nil {
		if !apperr.Is(err, apperr.InvalidTransition) {
			log.Error().Err(err).Msg("failed to transition task to failed")
		}
	}

	entry := queue.DLQEntry{
		TaskID:        t.ID,
		Pool:          pool,
		Reason:        string(reason),
		FirstFailedAt: time.Now().UTC(),
		AttemptCount:  1,
	}
	if err := p.queue.ToDLQ(ctx, entry); err != nil {
		log.Error().Err(err).Msg("failed to park task in dlq")
	}
}

// reapLoop periodically transitions running tasks whose heartbeat has
// gone stale (worker crash, network partition) to failed, freeing
// their registry reservation. This replaces Redis-Streams orphan
// reclaim with a simple heartbeat-staleness check, since the queue no
// longer carries per-consumer pending-entry lists.
func (p *Pool) reapLoop(ctx context.Context) {
	defer p.wg.Done()

	interval := p.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapStale(ctx)
		}
	}
}

func (p *Pool) reapStale(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-3 * p.cfg.PollInterval)
	stale, err := p.store.ListRunningWithStaleHeartbeat(ctx, cutoff)
	if err != nil {
		logger.Error().Err(err).Msg("reaper: failed to list stale running tasks")
		return
	}

	for _, t := range stale {
		log := logger.WithTask(t.ID)
		if err := p.store.Transition(ctx, t.ID, task.StateFailed, map[string]string{
			"failure_reason": string(task.ReasonInternalError),
		}); err != nil {
			if !apperr.Is(err, apperr.InvalidTransition) {
				log.Error().Err(err).Msg("reaper: failed to transition stale task")
			}
			continue
		}
		if t.ScannerInstanceKey != "" {
			p.registry.Release(t.ScannerInstanceKey)
		}
		log.Warn().Time("cutoff", cutoff).Msg("reaped task with stale heartbeat")
	}
}

// jitter returns a duration in [d, d+d/2] to avoid thundering-herd
// retries across worker goroutines; used only where a plain
// task.PollRetryPolicy backoff would otherwise be shared verbatim.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}
