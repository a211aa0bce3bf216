// Package client provides a Go SDK for the scan dispatch API.
//
// It wraps the HTTP operations surface (submit/status/list/cancel/results
// plus the admin registry, pool, queue and DLQ views) with typed methods,
// plus a WebSocket client for real-time event streaming.
//
// # Basic Usage
//
//	client, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	scan, err := client.SubmitScan(ctx, client.SubmitScanRequest{
//	    Targets:  "10.0.0.1,10.0.0.2",
//	    ScanName: "weekly-sweep",
//	    ScanType: "untrusted",
//	})
//
// # WebSocket Events
//
//	err := client.ConnectWebSocket(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.CloseWebSocket()
//
//	for event := range client.Events() {
//	    fmt.Printf("Event: %s\n", event.Type)
//	}
//
// # Configuration
//
// The client supports functional options for configuration:
//
//	client, err := client.New("http://localhost:8080",
//	    client.WithAPIKey("your-api-key"),
//	    client.WithTimeout(30 * time.Second),
//	)
package client
