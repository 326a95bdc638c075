package workerpool

import "time"

// EventType classifies worker lifecycle events.
type EventType string

const (
	EventWorkerAdded   EventType = "worker_added"
	EventWorkerRemoved EventType = "worker_removed"

	// EventWorkerHealthChanged fires on every health transition, in both
	// directions.
	EventWorkerHealthChanged EventType = "worker_health_changed"

	EventScaledUp   EventType = "pool_scaled_up"
	EventScaledDown EventType = "pool_scaled_down"
)

// Event describes a worker lifecycle change. Payload carries
// event-specific detail (health verdict, removal mode, queue length at a
// scaling decision).
type Event struct {
	Type      EventType      `json:"type"`
	WorkerID  string         `json:"worker_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

const eventBuffer = 32

// Subscribe returns a buffered channel receiving pool events. Slow
// consumers do not block the pool: when a subscriber's buffer is full the
// event is dropped for that subscriber.
func (m *Manager) Subscribe() chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Event, eventBuffer)
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// Unsubscribe removes and closes a channel previously returned by Subscribe.
func (m *Manager) Unsubscribe(ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, sub := range m.subscribers {
		if sub == ch {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// notifyLocked fans an event out to all subscribers with a non-blocking
// send. Requires m.mu held.
func (m *Manager) notifyLocked(eventType EventType, workerID string, payload map[string]any) {
	if len(m.subscribers) == 0 {
		return
	}

	event := Event{
		Type:      eventType,
		WorkerID:  workerID,
		Payload:   payload,
		Timestamp: m.timeNow(),
	}

	for _, ch := range m.subscribers {
		select {
		case ch <- event:
		default:
			m.log.Debugw("Dropping pool event for slow subscriber",
				"event_type", eventType,
				"worker_id", workerID)
		}
	}
}
