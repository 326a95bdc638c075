package queue

import "time"

// EventType classifies queue lifecycle events.
type EventType string

const (
	EventCreated         EventType = "created"
	EventStarted         EventType = "started"
	EventCompleted       EventType = "completed"
	EventFailed          EventType = "failed"
	EventCancelled       EventType = "cancelled"
	EventRetrying        EventType = "retrying"
	EventProgressUpdated EventType = "progress_updated"
)

// Event describes a job state change. Job is a snapshot taken at emission
// time; Payload carries event-specific detail (retry delay, final-failure
// flag, handler result data).
type Event struct {
	Type      EventType      `json:"type"`
	JobID     string         `json:"job_id"`
	Job       *Job           `json:"job,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Subscribe returns a buffered channel receiving queue events. Slow
// consumers do not block the queue: when a subscriber's buffer is full the
// event is dropped for that subscriber.
func (q *Queue) Subscribe() chan Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	buffer := q.cfg.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	ch := make(chan Event, buffer)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes and closes a channel previously returned by Subscribe.
func (q *Queue) Unsubscribe(ch chan Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// notifyLocked fans an event out to all subscribers with a non-blocking
// send. Requires q.mu held.
func (q *Queue) notifyLocked(eventType EventType, job *Job, payload map[string]any) {
	if len(q.subscribers) == 0 {
		return
	}

	event := Event{
		Type:      eventType,
		JobID:     job.ID,
		Job:       job.Clone(),
		Payload:   payload,
		Timestamp: q.timeNow(),
	}

	for _, ch := range q.subscribers {
		select {
		case ch <- event:
		default:
			q.log.Debugw("Dropping queue event for slow subscriber",
				"event_type", eventType,
				"job_id", job.ID)
		}
	}
}
