// Package scanner defines the capability contract a backend
// vulnerability scanner must implement, per spec.md §4.4. No
// concrete adapter lives here: authentication, session management,
// and per-operation HTTP timeouts are the adapter's concern, not the
// core's.
package scanner

import "context"

// Status is the normalized scan state a Scanner reports, collapsing
// whatever vocabulary the backend uses.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// NormalizeStatus maps a backend-reported state string onto the
// normalized vocabulary per spec.md §4.4's table. The "paused" case
// is an explicit Open Question in spec.md §9; see DESIGN.md for the
// decision (mapped to queued, since a paused instance is not actively
// running work but is not a terminal condition either).
func NormalizeStatus(backendState string) Status {
	switch backendState {
	case "pending", "paused":
		return StatusQueued
	case "running":
		return StatusRunning
	case "completed":
		return StatusCompleted
	case "stopped", "canceled", "cancelled":
		return StatusCancelled
	case "aborted", "error":
		return StatusFailed
	default:
		return StatusFailed
	}
}

// CreateRequest is the minimal set of fields a scanner needs to start
// a scan: targets, a human name, an optional description, and an
// optional credential.
type CreateRequest struct {
	Targets     string
	ScanName    string
	Description string
	Credential  string
}

// StatusReport is the result of polling a running remote scan.
type StatusReport struct {
	Status   Status
	Progress int
}

// Scanner is the capability interface every backend adapter
// implements; the worker drives a scan purely through these calls.
type Scanner interface {
	CreateScan(ctx context.Context, req CreateRequest) (remoteID string, err error)
	LaunchScan(ctx context.Context, remoteID string) (remoteUUID string, err error)
	GetStatus(ctx context.Context, remoteID string) (StatusReport, error)
	ExportResults(ctx context.Context, remoteID string) ([]byte, error)
	StopScan(ctx context.Context, remoteID string) (bool, error)
	DeleteScan(ctx context.Context, remoteID string) (bool, error)
	Close() error
}
