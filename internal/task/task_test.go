package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	id := NewID("nessus", "i1", at)
	assert.Equal(t, "nessus-i1-1767225600", id)
}

func TestNew(t *testing.T) {
	id := NewID("nessus", "i1", time.Now())
	tk := New(id, ScanTypeAuthenticated, "10.0.0.0/24", "weekly sweep", "desc", "", "k1")

	assert.Equal(t, id, tk.ID)
	assert.Equal(t, ScanTypeAuthenticated, tk.ScanType)
	assert.Equal(t, "nessus", tk.ScannerPool, "empty pool defaults to nessus")
	assert.Equal(t, StateQueued, tk.Status)
	assert.Equal(t, 0, tk.Progress)
	assert.False(t, tk.CreatedAt.IsZero())
}

func TestTask_ToJSON_FromJSON(t *testing.T) {
	id := NewID("nessus", "i1", time.Now())
	original := New(id, ScanTypeUntrusted, "10.0.0.1", "scan-a", "", "dmz", "")

	data, err := original.ToJSON()
	require.NoError(t, err)

	restored, err := FromJSON(data)
	require.NoError(t, err)

	assert.Equal(t, original.ID, restored.ID)
	assert.Equal(t, original.ScannerPool, restored.ScannerPool)
	assert.Equal(t, original.Status, restored.Status)
}

func TestFromJSON_Invalid(t *testing.T) {
	_, err := FromJSON([]byte("not json"))
	assert.Error(t, err)
}

func TestTask_ToHash_FromHash(t *testing.T) {
	id := NewID("nessus", "i1", time.Now())
	original := New(id, ScanTypeAuthenticated, "10.0.0.1", "scan-a", "desc", "dmz", "idem-1")
	original.Progress = 42
	original.ScannerInstanceKey = "nessus-i1"
	vulns := 7
	original.VulnerabilitiesFound = &vulns

	h := original.ToHash()
	strHash := make(map[string]string, len(h))
	for k, v := range h {
		strHash[k] = v.(string)
	}

	restored, err := FromHash(strHash)
	require.NoError(t, err)

	assert.Equal(t, original.ID, restored.ID)
	assert.Equal(t, original.ScanType, restored.ScanType)
	assert.Equal(t, original.ScannerPool, restored.ScannerPool)
	assert.Equal(t, original.IdempotencyKey, restored.IdempotencyKey)
	assert.Equal(t, original.Progress, restored.Progress)
	assert.Equal(t, original.ScannerInstanceKey, restored.ScannerInstanceKey)
	require.NotNil(t, restored.VulnerabilitiesFound)
	assert.Equal(t, 7, *restored.VulnerabilitiesFound)
}

func TestFromHash_Empty(t *testing.T) {
	_, err := FromHash(map[string]string{})
	assert.Error(t, err)
}

func TestTask_ArtifactPathOnlyOnSuccessfulTerminal(t *testing.T) {
	id := NewID("nessus", "i1", time.Now())
	tk := New(id, ScanTypeUntrusted, "10.0.0.1", "scan-a", "", "nessus", "")
	sm := NewStateMachine(tk)

	require.NoError(t, sm.Start("nessus-i1"))
	require.NoError(t, sm.Fail(ReasonTimeout))

	assert.Empty(t, tk.ArtifactPath, "a failed task must not have an artifact path")
}
