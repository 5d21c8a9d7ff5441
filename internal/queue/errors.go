package queue

import "errors"

var (
	// ErrQueueClosed is returned when operating on a closed queue
	ErrQueueClosed = errors.New("queue is closed")

	// ErrQueueFull is returned by a bounded queue that cannot take more items
	ErrQueueFull = errors.New("queue is full")
)
