package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// EventType names a job lifecycle transition.
type EventType string

const (
	EventWaiting   EventType = "waiting"
	EventActive    EventType = "active"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventRetrying  EventType = "retrying"
	EventFailed    EventType = "failed"
	EventStalled   EventType = "stalled"
	EventRemoved   EventType = "removed"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventWaiting, EventActive, EventProgress, EventCompleted,
		EventRetrying, EventFailed, EventStalled, EventRemoved:
		return true
	}
	return false
}

// Event is a job lifecycle notification.
type Event struct {
	Queue        string    `json:"queue"`
	Type         EventType `json:"event"`
	JobID        string    `json:"jobId"`
	Progress     int       `json:"progress,omitempty"`
	AttemptsMade int       `json:"attemptsMade,omitempty"`
	FailedReason string    `json:"failedReason,omitempty"`
	Timestamp    int64     `json:"timestamp"`
}

func (q *Queue) publish(ctx context.Context, ev Event) {
	ev.Queue = q.name
	if ev.Timestamp == 0 {
		ev.Timestamp = q.now().UnixMilli()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		q.logger.Error("Failed to encode event", "event", ev.Type, "job_id", ev.JobID, "error", err)
		return
	}
	if err := q.rdb.Publish(ctx, q.keys.events, raw).Err(); err != nil {
		q.logger.Warn("Failed to publish event", "event", ev.Type, "job_id", ev.JobID, "error", err)
	}
}

// Subscription delivers the events of one queue.
type Subscription struct {
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Events returns the event channel. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event { return s.events }

// Close ends the subscription and waits for the reader to stop.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

// Subscribe starts listening for lifecycle events. Events published while
// nobody is subscribed are not replayed. Subscribe returns once the
// subscription is active on the server.
func (q *Queue) Subscribe(ctx context.Context) (*Subscription, error) {
	ps := q.rdb.Subscribe(ctx, q.keys.events)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe to %s events: %w", q.name, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		events: make(chan Event, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sub.done)
		defer close(sub.events)
		defer ps.Close()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					q.logger.Warn("Dropping malformed event", "error", err)
					continue
				}
				select {
				case sub.events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return sub, nil
}
