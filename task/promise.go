package task

import "sync"

// Promise is the write side of a Task. It may be settled exactly once.
type Promise[T any] struct {
	mutex sync.Mutex
	task  *Task[T]
}

func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{task: newTask[T]()}
}

func (p *Promise[T]) Task() *Task[T] {
	return p.task
}

// Resolve completes the task with value. It panics if the promise was already settled.
func (p *Promise[T]) Resolve(value T) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.task.settle(value, nil) {
		panic("attempted to resolve a promise that was already settled")
	}
}

// Reject completes the task with err. It panics if the promise was already settled.
func (p *Promise[T]) Reject(err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	var zero T
	if !p.task.settle(zero, err) {
		panic("attempted to reject a promise that was already settled")
	}
}

// Settle resolves or rejects the promise depending on err
func (p *Promise[T]) Settle(value T, err error) {
	if err != nil {
		p.Reject(err)
		return
	}
	p.Resolve(value)
}

// Resolved returns a task that has already completed with value
func Resolved[T any](value T) *Task[T] {
	t := newTask[T]()
	t.settle(value, nil)
	return t
}

// Failed returns a task that has already completed with err
func Failed[T any](err error) *Task[T] {
	t := newTask[T]()
	var zero T
	t.settle(zero, err)
	return t
}
