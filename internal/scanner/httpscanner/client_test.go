package httpscanner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maumercado/task-queue-go/internal/registry"
	"github.com/maumercado/task-queue-go/internal/scanner"
)

func TestClient_CreateLaunchStatusExportLifecycle(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/scans", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "remote-1"})
	})
	mux.HandleFunc("/scans/remote-1/launch", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"uuid": "uuid-1"})
	})
	mux.HandleFunc("/scans/remote-1/status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": "running", "progress": 42})
	})
	mux.HandleFunc("/scans/remote-1/export", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<ReportHost/>"))
	})
	mux.HandleFunc("/scans/remote-1/stop", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(registry.Descriptor{URL: srv.URL, Credential: "secret"}, time.Second)
	defer c.Close()

	ctx := context.Background()

	remoteID, err := c.CreateScan(ctx, scanner.CreateRequest{Targets: "10.0.0.1", ScanName: "n"})
	require.NoError(t, err)
	assert.Equal(t, "remote-1", remoteID)

	uuid, err := c.LaunchScan(ctx, remoteID)
	require.NoError(t, err)
	assert.Equal(t, "uuid-1", uuid)

	report, err := c.GetStatus(ctx, remoteID)
	require.NoError(t, err)
	assert.Equal(t, scanner.StatusRunning, report.Status)
	assert.Equal(t, 42, report.Progress)

	data, err := c.ExportResults(ctx, remoteID)
	require.NoError(t, err)
	assert.Equal(t, "<ReportHost/>", string(data))

	ok, err := c.StopScan(ctx, remoteID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClient_CreateScan_ErrorStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/scans", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(registry.Descriptor{URL: srv.URL}, time.Second)
	defer c.Close()

	_, err := c.CreateScan(context.Background(), scanner.CreateRequest{Targets: "10.0.0.1"})
	assert.Error(t, err)
}
