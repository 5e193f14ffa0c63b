package bus

import (
	"context"

	"github.com/tribridge/tribridge/internal/message"
)

// queueSize bounds the queue. Listeners block when the worker falls this
// far behind, which is acceptable back-pressure for chat volumes.
const queueSize = 1024

// Queue is the FIFO connecting listeners to the worker. Safe for any
// number of producers; the worker is the only consumer.
type Queue struct {
	events chan Event
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{events: make(chan Event, queueSize)}
}

// PublishMessage enqueues a forward message.
func (q *Queue) PublishMessage(msg *message.Message) {
	q.events <- Event{Message: msg}
}

// PublishTask enqueues an internal delete/edit/command task.
func (q *Queue) PublishTask(task *Task) {
	q.events <- Event{Task: task}
}

// Consume blocks until an event is available or the context is canceled.
// The second return value is false on cancellation.
func (q *Queue) Consume(ctx context.Context) (Event, bool) {
	select {
	case ev := <-q.events:
		return ev, true
	case <-ctx.Done():
		return Event{}, false
	}
}
