package protection

import (
	"sync"
	"time"
)

// EventType categorizes protection events
type EventType string

const (
	EventEnrolled          EventType = "enrolled"
	EventStateChanged      EventType = "state_changed"
	EventPointCommitted    EventType = "point_committed"
	EventSyncDegraded      EventType = "sync_degraded"
	EventFailoverStarted   EventType = "failover_started"
	EventFailoverCompleted EventType = "failover_completed"
	EventFailoverFailed    EventType = "failover_failed"
	EventReprotected       EventType = "reprotected"
)

// Event is an entry in the tracker's event history.
type Event struct {
	Type      EventType         `json:"type"`
	ItemID    string            `json:"item_id"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type eventLog struct {
	mu      sync.RWMutex
	events  []Event
	max     int
	onEvent func(*Event)
}

func newEventLog(max int) *eventLog {
	return &eventLog{max: max}
}

func (l *eventLog) append(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	if len(l.events) > l.max {
		l.events = l.events[len(l.events)-l.max:]
	}
	cb := l.onEvent
	l.mu.Unlock()

	if cb != nil {
		cb(&ev)
	}
}

func (l *eventLog) recent(limit int, itemID string) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var src []Event
	if itemID == "" {
		src = l.events
	} else {
		for _, ev := range l.events {
			if ev.ItemID == itemID {
				src = append(src, ev)
			}
		}
	}

	if limit <= 0 || limit > len(src) {
		limit = len(src)
	}
	result := make([]Event, limit)
	copy(result, src[len(src)-limit:])
	return result
}

// Events returns up to limit recent events, oldest first. A non-empty itemID
// filters to one item.
func (t *Tracker) Events(limit int, itemID string) []Event {
	return t.events.recent(limit, itemID)
}

// SetEventCallback sets the event notification callback. The callback runs
// on the goroutine that produced the event and must not block.
func (t *Tracker) SetEventCallback(cb func(*Event)) {
	t.events.mu.Lock()
	defer t.events.mu.Unlock()
	t.events.onEvent = cb
}

// RecordEvent appends an event raised outside the tracker, such as a degraded
// sync cycle or a failover step.
func (t *Tracker) RecordEvent(typ EventType, itemID, message string, metadata map[string]string) {
	t.emit(typ, itemID, message, metadata)
}

func (t *Tracker) emit(typ EventType, itemID, message string, metadata map[string]string) {
	t.events.append(Event{
		Type:      typ,
		ItemID:    itemID,
		Timestamp: t.now(),
		Message:   message,
		Metadata:  metadata,
	})
}
