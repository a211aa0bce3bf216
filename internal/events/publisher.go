package events

import (
	"context"
	"encoding/json"
	"time"
)

// EventType represents the type of event published off the dispatch core.
type EventType string

const (
	EventScanSubmitted EventType = "scan.submitted"
	EventScanStarted   EventType = "scan.started"
	EventScanProgress  EventType = "scan.progress"
	EventScanCompleted EventType = "scan.completed"
	EventScanFailed    EventType = "scan.failed"
	EventScanCancelled EventType = "scan.cancelled"
	EventScanExpired   EventType = "scan.expired"

	EventQueueDepth  EventType = "queue.depth"
	EventDLQParked   EventType = "dlq.parked"
	EventPoolStatus  EventType = "pool.status"
)

// Event represents a system event.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

func NewEvent(eventType EventType, data map[string]interface{}) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

func FromJSON(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// Publisher defines the interface for event publishers.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	Subscribe(ctx context.Context, eventTypes ...EventType) (<-chan *Event, error)
	Close() error
}

// ScanEventData builds event data for a scan task transition.
func ScanEventData(taskID, pool, status string, extra map[string]interface{}) map[string]interface{} {
	data := map[string]interface{}{
		"task_id": taskID,
		"pool":    pool,
		"status":  status,
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

// QueueDepthData builds event data for a queue depth snapshot.
func QueueDepthData(depths map[string]int64) map[string]interface{} {
	return map[string]interface{}{
		"depths": depths,
	}
}
