// Package task provides single-assignment futures and a worker pool executor that runs functions
// and their continuations on a fixed set of indexed worker goroutines.
package task

import (
	"context"
	"sync/atomic"
)

// Task is a handle to a value that will be produced once. It may be shared between goroutines;
// every reader observes the same value and error.
type Task[T any] struct {
	done  chan struct{}
	ready atomic.Bool
	value T
	err   error
}

func newTask[T any]() *Task[T] {
	return &Task[T]{done: make(chan struct{})}
}

// Ready reports whether the task has completed, without blocking
func (t *Task[T]) Ready() bool {
	return t.ready.Load()
}

// Done returns a channel that is closed once the task has completed
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

func (t *Task[T]) Wait() {
	<-t.done
}

// WaitContext blocks until the task completes or ctx is cancelled
func (t *Task[T]) WaitContext(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get blocks until the task completes and returns its result
func (t *Task[T]) Get() (T, error) {
	<-t.done
	return t.value, t.err
}

// Err blocks until the task completes and returns its error
func (t *Task[T]) Err() error {
	<-t.done
	return t.err
}

func (t *Task[T]) settle(value T, err error) bool {
	select {
	case <-t.done:
		return false
	default:
	}

	t.value = value
	t.err = err
	t.ready.Store(true)
	close(t.done)
	return true
}
