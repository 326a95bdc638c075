package scheduler

import "time"

// EventType classifies scheduler lifecycle events.
type EventType string

const (
	// EventScheduleTriggered fires after a schedule successfully produced
	// a job, whether by the ticker or a forced trigger.
	EventScheduleTriggered EventType = "schedule_triggered"

	// EventScheduleError fires when job creation for a due schedule
	// failed. The schedule's lastRun and nextRun are left untouched so
	// the run is retried on the next tick.
	EventScheduleError EventType = "schedule_error"
)

// Event describes a schedule firing or failure. Payload carries the
// produced job ID or the creation error.
type Event struct {
	Type       EventType      `json:"type"`
	ScheduleID string         `json:"schedule_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

const eventBuffer = 32

// Subscribe returns a buffered channel receiving scheduler events. Slow
// consumers do not block the ticker: when a subscriber's buffer is full
// the event is dropped for that subscriber.
func (s *Scheduler) Subscribe() chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, eventBuffer)
	s.subscribers = append(s.subscribers, ch)
	return ch
}

// Unsubscribe removes and closes a channel previously returned by Subscribe.
func (s *Scheduler) Unsubscribe(ch chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// notifyLocked fans an event out to all subscribers with a non-blocking
// send. Requires s.mu held.
func (s *Scheduler) notifyLocked(eventType EventType, def *Definition, payload map[string]any) {
	if len(s.subscribers) == 0 {
		return
	}

	event := Event{
		Type:       eventType,
		ScheduleID: def.ID,
		Payload:    payload,
		Timestamp:  s.timeNow(),
	}

	for _, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
			s.log.Debugw("Dropping scheduler event for slow subscriber",
				"event_type", eventType,
				"schedule_id", def.ID)
		}
	}
}
