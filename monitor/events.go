package monitor

import "time"

// EventType classifies monitor events.
type EventType string

const (
	// EventMetricsCollected fires after each metrics snapshot lands in
	// the history ring. Payload carries the snapshot.
	EventMetricsCollected EventType = "metrics_collected"

	// EventAlertTriggered fires when a rule breaches outside its
	// cooldown window.
	EventAlertTriggered EventType = "alert_triggered"

	// EventAlertAcknowledged fires when an operator acknowledges an
	// active alert.
	EventAlertAcknowledged EventType = "alert_acknowledged"

	// EventAlertResolved fires when an operator resolves an alert and it
	// leaves the active table.
	EventAlertResolved EventType = "alert_resolved"
)

// Event describes a monitor occurrence. AlertID is empty for metrics
// events.
type Event struct {
	Type      EventType      `json:"type"`
	AlertID   string         `json:"alert_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

const eventBuffer = 32

// Subscribe returns a buffered channel receiving monitor events. Slow
// consumers do not block the tickers: when a subscriber's buffer is full
// the event is dropped for that subscriber.
func (m *Monitor) Subscribe() chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Event, eventBuffer)
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// Unsubscribe removes and closes a channel previously returned by Subscribe.
func (m *Monitor) Unsubscribe(ch chan Event) {
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
func (m *Monitor) notifyLocked(eventType EventType, alertID string, payload map[string]any) {
	if len(m.subscribers) == 0 {
		return
	}

	event := Event{
		Type:      eventType,
		AlertID:   alertID,
		Payload:   payload,
		Timestamp: m.timeNow(),
	}

	for _, ch := range m.subscribers {
		select {
		case ch <- event:
		default:
			m.log.Debugw("Dropping monitor event for slow subscriber",
				"event_type", eventType)
		}
	}
}
