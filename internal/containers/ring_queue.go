// Package containers provides the fixed-capacity ring buffer used by the
// presentation manager's free/present queues.
package containers

import "errors"

var (
	ErrQueueFull  = errors.New("ring queue is full")
	ErrQueueEmpty = errors.New("ring queue is empty")
)

// RingQueue is a fixed-capacity FIFO. Grounded on
// engine/containers/ring_queue.go, generalized to generics (the teacher's
// version is interface{}-typed).
type RingQueue[T any] struct {
	data       []T
	size       int
	readIndex  int
	writeIndex int
	count      int
}

func NewRingQueue[T any](size int) *RingQueue[T] {
	return &RingQueue[T]{
		data: make([]T, size),
		size: size,
	}
}

func (rq *RingQueue[T]) Enqueue(value T) error {
	if rq.IsFull() {
		return ErrQueueFull
	}
	rq.data[rq.writeIndex] = value
	rq.writeIndex = (rq.writeIndex + 1) % rq.size
	rq.count++
	return nil
}

func (rq *RingQueue[T]) Dequeue() (T, error) {
	var zero T
	if rq.IsEmpty() {
		return zero, ErrQueueEmpty
	}
	value := rq.data[rq.readIndex]
	rq.data[rq.readIndex] = zero
	rq.readIndex = (rq.readIndex + 1) % rq.size
	rq.count--
	return value, nil
}

func (rq *RingQueue[T]) Peek() (T, error) {
	var zero T
	if rq.IsEmpty() {
		return zero, ErrQueueEmpty
	}
	return rq.data[rq.readIndex], nil
}

func (rq *RingQueue[T]) IsEmpty() bool { return rq.count == 0 }
func (rq *RingQueue[T]) IsFull() bool  { return rq.count == rq.size }
func (rq *RingQueue[T]) Len() int      { return rq.count }
