// Package httpscanner implements scanner.Scanner against a generic
// JSON-over-HTTP scan backend: POST /scans to create, POST
// /scans/{id}/launch to start, GET /scans/{id}/status to poll, GET
// /scans/{id}/export to pull the native report, POST /scans/{id}/stop
// and DELETE /scans/{id} to cancel/roll back. A specific backend's
// exact wire contract is out of scope; this is the shape cmd/worker
// wires by default and a real deployment swaps out for its own
// adapter package.
package httpscanner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/maumercado/task-queue-go/internal/registry"
	"github.com/maumercado/task-queue-go/internal/scanner"
)

// Client adapts one reserved scanner instance to scanner.Scanner.
type Client struct {
	baseURL    string
	credential string
	httpClient *http.Client
}

// New builds a Client bound to a reserved registry descriptor.
func New(d registry.Descriptor, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    d.URL,
		credential: d.Credential,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Factory adapts New to worker.ScannerFactory.
func Factory(timeout time.Duration) func(d registry.Descriptor) (scanner.Scanner, error) {
	return func(d registry.Descriptor) (scanner.Scanner, error) {
		return New(d, timeout), nil
	}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("httpscanner: %s %s returned %d: %s", method, path, resp.StatusCode, string(body))
	}
	return resp, nil
}

func (c *Client) CreateScan(ctx context.Context, req scanner.CreateRequest) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/scans", map[string]string{
		"targets":     req.Targets,
		"scan_name":   req.ScanName,
		"description": req.Description,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("httpscanner: decoding create response: %w", err)
	}
	return out.ID, nil
}

func (c *Client) LaunchScan(ctx context.Context, remoteID string) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/scans/"+remoteID+"/launch", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		UUID string `json:"uuid"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return out.UUID, nil
}

func (c *Client) GetStatus(ctx context.Context, remoteID string) (scanner.StatusReport, error) {
	resp, err := c.do(ctx, http.MethodGet, "/scans/"+remoteID+"/status", nil)
	if err != nil {
		return scanner.StatusReport{}, err
	}
	defer resp.Body.Close()

	var out struct {
		Status   string `json:"status"`
		Progress int    `json:"progress"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return scanner.StatusReport{}, fmt.Errorf("httpscanner: decoding status response: %w", err)
	}
	return scanner.StatusReport{Status: scanner.NormalizeStatus(out.Status), Progress: out.Progress}, nil
}

func (c *Client) ExportResults(ctx context.Context, remoteID string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/scans/"+remoteID+"/export", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *Client) StopScan(ctx context.Context, remoteID string) (bool, error) {
	if _, err := c.do(ctx, http.MethodPost, "/scans/"+remoteID+"/stop", nil); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) DeleteScan(ctx context.Context, remoteID string) (bool, error) {
	if _, err := c.do(ctx, http.MethodDelete, "/scans/"+remoteID, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
