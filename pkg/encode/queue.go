package encode

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Push after Close
var ErrQueueClosed = errors.New("encode queue closed")

// Queue is a bounded FIFO between one producer and one consumer.
// Push blocks while the queue is full; nothing is ever dropped.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	items  []Frame
	head   int
	size   int
	closed bool
}

// NewQueue creates a queue holding at most capacity frames
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	q := &Queue{items: make([]Frame, capacity)}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Push appends f, waiting for space while the queue is full
func (q *Queue) Push(ctx context.Context, f Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == len(q.items) && !q.closed {
		stop := context.AfterFunc(ctx, func() {
			q.mu.Lock()
			q.notFull.Broadcast()
			q.mu.Unlock()
		})
		defer stop()

		for q.size == len(q.items) && !q.closed {
			if err := ctx.Err(); err != nil {
				return err
			}
			q.notFull.Wait()
		}
	}

	if q.closed {
		return ErrQueueClosed
	}

	q.items[(q.head+q.size)%len(q.items)] = f
	q.size++
	q.notEmpty.Signal()
	return nil
}

// Pop removes the oldest frame, waiting while the queue is empty.
// ok is false once the queue is closed and drained.
func (q *Queue) Pop() (f Frame, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.size == 0 {
		return Frame{}, false
	}

	f = q.items[q.head]
	q.items[q.head] = Frame{}
	q.head = (q.head + 1) % len(q.items)
	q.size--
	q.notFull.Signal()
	return f, true
}

// Close stops accepting frames. Frames already queued can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.mu.Unlock()
}

// Len returns the number of queued frames
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity
func (q *Queue) Cap() int {
	return len(q.items)
}
