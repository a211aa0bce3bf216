package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ScanClient is a Go SDK for the scan dispatch API.
type ScanClient struct {
	baseURL string
	opts    *options
	ws      *WebSocketClient
}

// New creates a new ScanClient bound to baseURL.
func New(baseURL string, opts ...Option) (*ScanClient, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &ScanClient{baseURL: baseURL, opts: o}, nil
}

// SubmitScanRequest is the payload for SubmitScan.
type SubmitScanRequest struct {
	Targets        string `json:"targets"`
	ScanName       string `json:"scan_name"`
	Description    string `json:"description,omitempty"`
	ScanType       string `json:"scan_type"`
	ScannerPool    string `json:"scanner_pool,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// SubmitScanResponse is the response from SubmitScan.
type SubmitScanResponse struct {
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	Idempotent bool   `json:"idempotent"`
}

// SubmitScan creates a new scan task.
func (c *ScanClient) SubmitScan(ctx context.Context, req SubmitScanRequest) (*SubmitScanResponse, error) {
	var out SubmitScanResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/scans", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetScanStatus retrieves the status of a scan task.
func (c *ScanClient) GetScanStatus(ctx context.Context, taskID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/scans/"+url.PathEscape(taskID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CancelScan cancels a scan task.
func (c *ScanClient) CancelScan(ctx context.Context, taskID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.doJSON(ctx, http.MethodDelete, "/api/v1/scans/"+url.PathEscape(taskID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListScansOptions filters ListScans.
type ListScansOptions struct {
	Status string
	Pool   string
	Limit  int
	Cursor string
}

// ListScans lists scan tasks.
func (c *ScanClient) ListScans(ctx context.Context, opts ListScansOptions) (map[string]interface{}, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Pool != "" {
		q.Set("pool", opts.Pool)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}

	var out map[string]interface{}
	path := "/api/v1/scans"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetScanResultsOptions controls projection of GetScanResults. Page is
// a tri-state pointer: nil omits the query parameter entirely (server
// defaults to page 1); a pointer to 0 explicitly requests the full
// filtered set with no pagination, per spec.md §4.7.
type GetScanResultsOptions struct {
	Page          *int
	PageSize      int
	SchemaProfile string
	CustomFields  []string
	Filters       map[string]string
}

// GetScanResults streams the newline-delimited JSON finding records for a
// completed scan task.
func (c *ScanClient) GetScanResults(ctx context.Context, taskID string, opts GetScanResultsOptions) ([]byte, error) {
	q := url.Values{}
	if opts.Page != nil {
		q.Set("page", strconv.Itoa(*opts.Page))
	}
	if opts.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(opts.PageSize))
	}
	if opts.SchemaProfile != "" {
		q.Set("schema_profile", opts.SchemaProfile)
	}
	if len(opts.CustomFields) > 0 {
		q.Set("custom_fields", strings.Join(opts.CustomFields, ","))
	}
	for k, v := range opts.Filters {
		q.Set("filter."+k, v)
	}

	path := "/api/v1/scans/" + url.PathEscape(taskID) + "/results"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errorFromResponse(resp)
	}
	return io.ReadAll(resp.Body)
}

// ListScanners returns the registered scanner instances.
func (c *ScanClient) ListScanners(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.doJSON(ctx, http.MethodGet, "/admin/scanners", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListPools returns the configured scanner pools.
func (c *ScanClient) ListPools(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.doJSON(ctx, http.MethodGet, "/admin/pools", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetPoolStatus returns a single pool's capacity and utilization.
func (c *ScanClient) GetPoolStatus(ctx context.Context, pool string) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.doJSON(ctx, http.MethodGet, "/admin/pools/"+url.PathEscape(pool), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetQueueStatus returns the per-pool queue depths.
func (c *ScanClient) GetQueueStatus(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.doJSON(ctx, http.MethodGet, "/admin/queue", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ClearDLQ clears a pool's dead letter queue.
func (c *ScanClient) ClearDLQ(ctx context.Context, pool string) error {
	return c.doJSON(ctx, http.MethodDelete, "/admin/dlq/"+url.PathEscape(pool), nil, nil)
}

// RequeueDLQ re-queues a single parked task back onto its pool.
func (c *ScanClient) RequeueDLQ(ctx context.Context, pool, taskID string) error {
	body := map[string]string{"task_id": taskID}
	return c.doJSON(ctx, http.MethodPost, "/admin/dlq/"+url.PathEscape(pool)+"/requeue", body, nil)
}

// CheckHealth checks the health of the API server.
func (c *ScanClient) CheckHealth(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.doJSON(ctx, http.MethodGet, "/admin/health", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ConnectWebSocket establishes a WebSocket connection for real-time events.
func (c *ScanClient) ConnectWebSocket(ctx context.Context) error {
	if c.ws != nil && c.ws.IsConnected() {
		return nil
	}
	c.ws = newWebSocketClient(c.baseURL, c.opts.apiKey)
	return c.ws.Connect(ctx)
}

// Events returns a channel that receives WebSocket events. Must call
// ConnectWebSocket first.
func (c *ScanClient) Events() <-chan *Event {
	if c.ws == nil {
		ch := make(chan *Event)
		close(ch)
		return ch
	}
	return c.ws.Events()
}

// CloseWebSocket closes the WebSocket connection.
func (c *ScanClient) CloseWebSocket() error {
	if c.ws == nil {
		return nil
	}
	return c.ws.Close()
}

// SubscribeEvents subscribes to specific event types.
func (c *ScanClient) SubscribeEvents(eventTypes ...EventType) error {
	if c.ws == nil {
		return fmt.Errorf("websocket not connected")
	}
	return c.ws.Subscribe(eventTypes...)
}

func (c *ScanClient) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
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
	if err := c.opts.applyHeaders()(ctx, req); err != nil {
		return nil, err
	}

	return c.opts.httpClient.Do(req)
}

func (c *ScanClient) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errorFromResponse(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func errorFromResponse(resp *http.Response) error {
	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Message != "" {
		return fmt.Errorf("%s: %s", apiErr.Error, apiErr.Message)
	}
	return fmt.Errorf("unexpected status: %d", resp.StatusCode)
}
