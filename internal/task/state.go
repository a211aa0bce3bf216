package task

import (
	"time"

	"github.com/maumercado/task-queue-go/internal/apperr"
)

// State is a scan task's position in its lifecycle.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateExpired   State = "expired"
)

func (s State) String() string {
	return string(s)
}

func ParseState(s string) State {
	switch State(s) {
	case StateQueued, StateRunning, StateCompleted, StateFailed, StateCancelled, StateExpired:
		return State(s)
	default:
		return StateQueued
	}
}

// IsFinal reports whether s is a terminal state.
func (s State) IsFinal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateExpired:
		return true
	default:
		return false
	}
}

// ValidTransitions is the allowed-edge set from spec.md §3: queued may
// move to running or cancelled; running may complete, fail, or be
// cancelled; any non-terminal state may be expired by the TTL sweep.
// completed is additionally expirable: §4.8 has the housekeeper delete
// a completed task's artifact past artifact_ttl and transition it to
// expired through this same CAS path, so completed is not a dead end.
// failed and cancelled never carry an artifact and only leave via the
// task_ttl branch, which applies to non-terminal tasks, so they stay
// dead ends. All other edges are rejected.
var ValidTransitions = map[State][]State{
	StateQueued:    {StateRunning, StateCancelled, StateExpired},
	StateRunning:   {StateCompleted, StateFailed, StateCancelled, StateExpired},
	StateCompleted: {StateExpired},
	StateFailed:    {},
	StateCancelled: {},
	StateExpired:   {},
}

// CanTransitionTo reports whether s -> target is an allowed edge.
func (s State) CanTransitionTo(target State) bool {
	for _, v := range ValidTransitions[s] {
		if v == target {
			return true
		}
	}
	return false
}

// FailureReason is the closed set of causes a terminal `failed` task
// records, per spec.md §7.
type FailureReason string

const (
	ReasonScannerUnreachable  FailureReason = "scanner_unreachable"
	ReasonAuthenticationFailed FailureReason = "authentication_failed"
	ReasonCreateRejected      FailureReason = "create_rejected"
	ReasonLaunchRejected      FailureReason = "launch_rejected"
	ReasonExportFailed        FailureReason = "export_failed"
	ReasonTimeout             FailureReason = "timeout"
	ReasonCancelledByUser     FailureReason = "cancelled_by_user"
	ReasonInternalError       FailureReason = "internal_error"
)

// StateMachine enforces the transition graph on a single in-memory
// Task and stamps the appropriate timestamp. Persisting the new state
// durably and atomically is the task store's job (see Store.Transition),
// which runs this same check inside a Lua compare-and-set so no
// read-modify-write race exists between the check here and the write.
type StateMachine struct {
	task *Task
}

func NewStateMachine(t *Task) *StateMachine {
	return &StateMachine{task: t}
}

// Transition validates and applies target, stamping started_at or
// completed_at as appropriate. Returns an apperr.InvalidTransition
// error on a disallowed edge.
func (sm *StateMachine) Transition(target State) error {
	if !sm.task.Status.CanTransitionTo(target) {
		return apperr.New(apperr.InvalidTransition, "task.Transition",
			string(sm.task.Status)+" -> "+string(target)+" is not allowed")
	}

	now := time.Now().UTC()
	sm.task.Status = target

	switch target {
	case StateRunning:
		sm.task.StartedAt = &now
	case StateCompleted, StateFailed, StateCancelled, StateExpired:
		// Only stamp on first arrival at a terminal state. completed ->
		// expired is a second terminal transition (the housekeeper's
		// artifact sweep) and must not overwrite the original
		// completed_at the sweep's own cutoff query depends on.
		if sm.task.CompletedAt == nil {
			sm.task.CompletedAt = &now
		}
	}

	return nil
}

// Start transitions queued -> running and binds the reserved instance.
func (sm *StateMachine) Start(instanceKey string) error {
	if err := sm.Transition(StateRunning); err != nil {
		return err
	}
	sm.task.ScannerInstanceKey = instanceKey
	return nil
}

// Complete transitions running -> completed, recording the artifact
// path and vulnerability count.
func (sm *StateMachine) Complete(artifactPath string, vulnerabilitiesFound int) error {
	if err := sm.Transition(StateCompleted); err != nil {
		return err
	}
	sm.task.ArtifactPath = artifactPath
	sm.task.VulnerabilitiesFound = &vulnerabilitiesFound
	return nil
}

// Fail transitions running -> failed, recording the reason.
func (sm *StateMachine) Fail(reason FailureReason) error {
	if err := sm.Transition(StateFailed); err != nil {
		return err
	}
	sm.task.FailureReason = reason
	return nil
}

// Cancel transitions queued or running -> cancelled.
func (sm *StateMachine) Cancel() error {
	if err := sm.Transition(StateCancelled); err != nil {
		return err
	}
	sm.task.FailureReason = ReasonCancelledByUser
	return nil
}

// Expire transitions any non-terminal state -> expired via the TTL sweep.
func (sm *StateMachine) Expire() error {
	return sm.Transition(StateExpired)
}
