package turn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"helixrun/internal/protocol"
)

// Handle is the conversation a session drives.
type Handle interface {
	Submit(ctx context.Context, op protocol.Op) error
	NextEvent(ctx context.Context) (protocol.Event, error)
}

// EventQueue is an unbounded FIFO between the listener and the turn loop.
// There is exactly one producer and one consumer.
type EventQueue struct {
	mu     sync.Mutex
	items  []protocol.Event
	closed bool
	ready  chan struct{}
}

func newEventQueue() *EventQueue {
	return &EventQueue{ready: make(chan struct{}, 1)}
}

// Listen relays events from h into a new queue until the stream ends. The
// queue is closed when the listener exits.
func Listen(ctx context.Context, h Handle, logger *slog.Logger) *EventQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := newEventQueue()
	go func() {
		defer q.close()
		for {
			ev, err := h.NextEvent(ctx)
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
					logger.Error("event stream closed", "err", err)
				}
				return
			}
			q.push(ev)
		}
	}()
	return q
}

// Ready is signaled whenever an event may be available or the queue has
// closed. After a receive, call Pop.
func (q *EventQueue) Ready() <-chan struct{} {
	return q.ready
}

// Pop takes the next event. closed is true once the queue is closed and
// fully drained. Pop re-arms Ready while anything remains to observe.
func (q *EventQueue) Pop() (ev protocol.Event, ok bool, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		if q.closed {
			q.signal()
		}
		return protocol.Event{}, false, q.closed
	}
	ev = q.items[0]
	q.items[0] = protocol.Event{}
	q.items = q.items[1:]
	if len(q.items) > 0 || q.closed {
		q.signal()
	}
	return ev, true, false
}

// Closed reports whether the queue is closed and holds no events.
func (q *EventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.items) == 0
}

func (q *EventQueue) push(ev protocol.Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.signal()
	q.mu.Unlock()
}

func (q *EventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.signal()
	q.mu.Unlock()
}

func (q *EventQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
