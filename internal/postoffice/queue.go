package postoffice

import (
	"context"
	"sync"
	"time"
)

// queue is an unbounded FIFO with any number of waiters. push never blocks,
// so the pump is never held up by a slow consumer.
type queue[T any] struct {
	mu      sync.Mutex
	items   []T
	notify  chan struct{} // closed and replaced on every push
	err     error
	waiters int
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{notify: make(chan struct{})}
}

// push appends v. It reports false once the queue has failed.
func (q *queue[T]) push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return false
	}
	q.items = append(q.items, v)
	close(q.notify)
	q.notify = make(chan struct{})
	return true
}

// fail wakes every waiter with err. Items already queued are still handed
// out before err is returned.
func (q *queue[T]) fail(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return
	}
	q.err = err
	close(q.notify)
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue[T]) idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0 && q.waiters == 0
}

// pop waits for the next item. A zero timeout waits until ctx ends.
// Giving up leaves the queue untouched.
func (q *queue[T]) pop(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	q.mu.Lock()
	q.waiters++
	defer func() {
		q.mu.Lock()
		q.waiters--
		q.mu.Unlock()
	}()

	for {
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, nil
		}
		if q.err != nil {
			err := q.err
			q.mu.Unlock()
			return zero, err
		}
		wake := q.notify
		q.mu.Unlock()

		select {
		case <-wake:
		case <-timer:
			return zero, ErrTimeout
		case <-ctx.Done():
			return zero, ctx.Err()
		}
		q.mu.Lock()
	}
}
