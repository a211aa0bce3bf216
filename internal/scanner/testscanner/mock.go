// Package testscanner provides a scripted Scanner double for worker
// and registry tests, standing in for a concrete backend adapter such
// as internal/scanner/httpscanner.
package testscanner

import (
	"context"
	"sync"

	"github.com/maumercado/task-queue-go/internal/scanner"
)

// Mock is a programmable scanner.Scanner. Each Create/Launch/Stop/
// Delete call is counted; GetStatus replays StatusSequence in order,
// holding on the last entry once exhausted.
type Mock struct {
	mu sync.Mutex

	CreateErr  error
	LaunchErr  error
	ExportErr  error
	ExportData []byte
	StopErr    error
	DeleteErr  error

	StatusSequence []scanner.StatusReport
	statusIdx      int

	CreateCalls int
	LaunchCalls int
	StopCalls   int
	DeleteCalls int
	ClosedCalls int
}

func (m *Mock) CreateScan(ctx context.Context, req scanner.CreateRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateCalls++
	if m.CreateErr != nil {
		return "", m.CreateErr
	}
	return "remote-id-1", nil
}

func (m *Mock) LaunchScan(ctx context.Context, remoteID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LaunchCalls++
	if m.LaunchErr != nil {
		return "", m.LaunchErr
	}
	return "remote-uuid-1", nil
}

func (m *Mock) GetStatus(ctx context.Context, remoteID string) (scanner.StatusReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.StatusSequence) == 0 {
		return scanner.StatusReport{Status: scanner.StatusCompleted, Progress: 100}, nil
	}
	idx := m.statusIdx
	if idx >= len(m.StatusSequence) {
		idx = len(m.StatusSequence) - 1
	} else {
		m.statusIdx++
	}
	return m.StatusSequence[idx], nil
}

func (m *Mock) ExportResults(ctx context.Context, remoteID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ExportErr != nil {
		return nil, m.ExportErr
	}
	return m.ExportData, nil
}

func (m *Mock) StopScan(ctx context.Context, remoteID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StopCalls++
	if m.StopErr != nil {
		return false, m.StopErr
	}
	return true, nil
}

func (m *Mock) DeleteScan(ctx context.Context, remoteID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalls++
	if m.DeleteErr != nil {
		return false, m.DeleteErr
	}
	return true, nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ClosedCalls++
	return nil
}
