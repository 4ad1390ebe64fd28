package queue

import "errors"

var (
	ErrNoItems     = errors.New("no media items provided")
	ErrQueueFull   = errors.New("queue is full")
	ErrJobNotFound = errors.New("job not found")
	ErrJobFinished = errors.New("job already finished")
	ErrClosed      = errors.New("queue manager is closed")
)
