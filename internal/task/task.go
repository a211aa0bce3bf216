// Package task defines the canonical scan task record and its state
// machine.
package task

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ScanType distinguishes a credentialed scan from an unauthenticated one.
type ScanType string

const (
	ScanTypeUntrusted    ScanType = "untrusted"
	ScanTypeAuthenticated ScanType = "authenticated"
)

// Task is the canonical record for one scan request, per spec.md §3.
// Its id is stable and submitter-generated:
// "<scanner-type>-<instance>-<UTC-timestamp>".
type Task struct {
	ID                   string        `json:"id"`
	ScanType             ScanType      `json:"scan_type"`
	Targets              string        `json:"targets"`
	ScanName             string        `json:"scan_name"`
	Description          string        `json:"description,omitempty"`
	ScannerPool          string        `json:"scanner_pool"`
	IdempotencyKey       string        `json:"idempotency_key,omitempty"`
	Status               State         `json:"status"`
	CreatedAt            time.Time     `json:"created_at"`
	StartedAt            *time.Time    `json:"started_at,omitempty"`
	CompletedAt          *time.Time    `json:"completed_at,omitempty"`
	LastHeartbeatAt      *time.Time    `json:"last_heartbeat_at,omitempty"`
	ScannerInstanceKey   string        `json:"scanner_instance_key,omitempty"`
	RemoteScanID         string        `json:"remote_scan_id,omitempty"`
	Progress             int           `json:"progress"`
	VulnerabilitiesFound *int          `json:"vulnerabilities_found,omitempty"`
	FailureReason        FailureReason `json:"failure_reason,omitempty"`
	ArtifactPath         string        `json:"artifact_path,omitempty"`
}

// NewID builds the submitter-namespaced task id spec.md §3 mandates.
func NewID(scannerType, instanceHint string, at time.Time) string {
	return fmt.Sprintf("%s-%s-%d", scannerType, instanceHint, at.UTC().Unix())
}

// New constructs a Task in the `queued` state with timestamps stamped now.
func New(id string, scanType ScanType, targets, scanName, description, pool, idempotencyKey string) *Task {
	if pool == "" {
		pool = "nessus"
	}
	return &Task{
		ID:             id,
		ScanType:       scanType,
		Targets:        targets,
		ScanName:       scanName,
		Description:    description,
		ScannerPool:    pool,
		IdempotencyKey: idempotencyKey,
		Status:         StateQueued,
		CreatedAt:      time.Now().UTC(),
		Progress:       0,
	}
}

// ToJSON/FromJSON encode the full record as JSON. The queue and DLQ
// store the task id rather than the full record, and the task store
// itself uses ToHash/FromHash (below) so individual fields can be
// updated without a read-modify-write of the whole record.
func (t *Task) ToJSON() ([]byte, error) {
	return json.Marshal(t)
}

func FromJSON(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ToHash flattens the task into string fields for a Redis hash, the
// storage shape spec.md §6 calls out (one hash per task id).
func (t *Task) ToHash() map[string]interface{} {
	h := map[string]interface{}{
		"id":             t.ID,
		"scan_type":      string(t.ScanType),
		"targets":        t.Targets,
		"scan_name":      t.ScanName,
		"description":    t.Description,
		"scanner_pool":   t.ScannerPool,
		"idempotency_key": t.IdempotencyKey,
		"status":         string(t.Status),
		"created_at":     t.CreatedAt.UTC().Format(time.RFC3339Nano),
		"progress":       strconv.Itoa(t.Progress),
	}
	if t.StartedAt != nil {
		h["started_at"] = t.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if t.CompletedAt != nil {
		h["completed_at"] = t.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	if t.LastHeartbeatAt != nil {
		h["last_heartbeat_at"] = t.LastHeartbeatAt.UTC().Format(time.RFC3339Nano)
	}
	if t.ScannerInstanceKey != "" {
		h["scanner_instance_key"] = t.ScannerInstanceKey
	}
	if t.RemoteScanID != "" {
		h["remote_scan_id"] = t.RemoteScanID
	}
	if t.VulnerabilitiesFound != nil {
		h["vulnerabilities_found"] = strconv.Itoa(*t.VulnerabilitiesFound)
	}
	if t.FailureReason != "" {
		h["failure_reason"] = string(t.FailureReason)
	}
	if t.ArtifactPath != "" {
		h["artifact_path"] = t.ArtifactPath
	}
	return h
}

// FromHash reconstructs a Task from a Redis HGETALL result.
func FromHash(h map[string]string) (*Task, error) {
	if h["id"] == "" {
		return nil, fmt.Errorf("task: empty hash")
	}
	t := &Task{
		ID:             h["id"],
		ScanType:       ScanType(h["scan_type"]),
		Targets:        h["targets"],
		ScanName:       h["scan_name"],
		Description:    h["description"],
		ScannerPool:    h["scanner_pool"],
		IdempotencyKey: h["idempotency_key"],
		Status:         ParseState(h["status"]),
		ScannerInstanceKey: h["scanner_instance_key"],
		RemoteScanID:       h["remote_scan_id"],
		FailureReason:      FailureReason(h["failure_reason"]),
		ArtifactPath:       h["artifact_path"],
	}
	if v, err := strconv.Atoi(h["progress"]); err == nil {
		t.Progress = v
	}
	if ts, err := time.Parse(time.RFC3339Nano, h["created_at"]); err == nil {
		t.CreatedAt = ts
	}
	if s := h["started_at"]; s != "" {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t.StartedAt = &ts
		}
	}
	if s := h["completed_at"]; s != "" {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t.CompletedAt = &ts
		}
	}
	if s := h["last_heartbeat_at"]; s != "" {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t.LastHeartbeatAt = &ts
		}
	}
	if s := h["vulnerabilities_found"]; s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			t.VulnerabilitiesFound = &v
		}
	}
	return t, nil
}
