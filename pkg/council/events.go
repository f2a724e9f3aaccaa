// Package council implements the deliberation pipeline: the stage
// machine that fans a question out to the decision-maker endpoints,
// runs cross-review and peer ranking, synthesizes a final answer
// through the moderator, and commits the transcript atomically.
package council

import (
	"context"
	"encoding/json"
	"sync"
)

// Event types pushed into the deliberation queue. Each becomes one
// wire frame on the client stream.
const (
	EventRunStarted      = "run_started"
	EventStagePreparing  = "stage_preparing"
	EventStage1Start     = "stage1_start"
	EventStage1Complete  = "stage1_complete"
	EventStage15Start    = "stage1_5_start"
	EventStage15Complete = "stage1_5_complete"
	EventStage15Skipped  = "stage1_5_skipped"
	EventStage2Start     = "stage2_start"
	EventStage2Complete  = "stage2_complete"
	EventStage2Skipped   = "stage2_skipped"
	EventStage3Start     = "stage3_start"
	EventStage3Complete  = "stage3_complete"
	EventHeartbeat       = "heartbeat"
	EventTitleComplete   = "title_complete"
	EventComplete        = "complete"
	EventError           = "error"
	EventRetry           = "retry"
)

// Event is one envelope on the deliberation stream. Fields are merged
// next to the type on the wire: {"type": "...", <fields>...}.
type Event struct {
	Type   string
	Fields map[string]any
}

// NewEvent builds an event with optional payload fields.
func NewEvent(eventType string, fields map[string]any) Event {
	return Event{Type: eventType, Fields: fields}
}

// MarshalJSON flattens the type into the payload object.
func (e Event) MarshalJSON() ([]byte, error) {
	envelope := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		envelope[k] = v
	}
	envelope["type"] = e.Type
	return json.Marshal(envelope)
}

// Queue is the unbounded event channel between one scheduler task and
// at most one reader. Put never blocks, so the scheduler makes progress
// whether or not a client is still attached. Close posts the sentinel:
// after draining, Get reports ok=false.
type Queue struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	signal chan struct{}
}

// NewQueue creates an empty open queue.
func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

// Put enqueues an event. Events put after Close are dropped.
func (q *Queue) Put(e Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, e)
	q.mu.Unlock()
	q.notify()
}

// Close marks the end of the stream. Buffered events remain readable.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

// Get returns the next event in put order. ok=false means the queue is
// closed and drained, or the context was cancelled.
func (q *Queue) Get(ctx context.Context) (Event, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return e, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Event{}, false
		}

		select {
		case <-ctx.Done():
			return Event{}, false
		case <-q.signal:
		}
	}
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
