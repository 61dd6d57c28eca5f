// Package queue provides an unbounded FIFO channel adapter.
package queue

import "sync"

// Unbounded buffers pushed values without limit and hands them to a single
// consumer through Out in push order. Push never waits on the consumer.
type Unbounded[T any] struct {
	mu     sync.RWMutex
	closed bool
	in     chan T
	out    chan T
}

// NewUnbounded starts the pump goroutine. Call Close to stop it.
func NewUnbounded[T any]() *Unbounded[T] {
	q := &Unbounded[T]{
		in:  make(chan T),
		out: make(chan T),
	}
	go q.pump()
	return q
}

// Push enqueues v. It returns false once the queue is closed.
func (q *Unbounded[T]) Push(v T) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	q.in <- v
	return true
}

// Out is closed after Close. Values still buffered at that point are discarded.
func (q *Unbounded[T]) Out() <-chan T {
	return q.out
}

func (q *Unbounded[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.in)
	}
}

func (q *Unbounded[T]) pump() {
	defer close(q.out)

	var buf []T
	for {
		var out chan T
		var next T
		if len(buf) > 0 {
			out = q.out
			next = buf[0]
		}

		select {
		case v, ok := <-q.in:
			if !ok {
				return
			}
			buf = append(buf, v)
		case out <- next:
			var zero T
			buf[0] = zero
			buf = buf[1:]
		}
	}
}
