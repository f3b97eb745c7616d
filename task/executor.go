package task

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/conductor/internal/utils"
)

const (
	// DefaultPollInterval is the interval at which pending continuations are checked and
	// WaitForTasks rechecks for quiescence when CreateOptions.PollInterval is left at zero
	DefaultPollInterval = 2 * time.Millisecond
)

// ErrPanicked is marked onto the error of any task whose function panicked
var ErrPanicked = errors.New("task panicked")

// CreateOptions contains optional settings when creating an executor
type CreateOptions struct {
	// WorkerCount is the number of worker goroutines. When zero or negative, GOMAXPROCS is used.
	WorkerCount int
	// PollInterval is how often the continuation resolver scans pending continuations in the
	// absence of completion hints
	PollInterval time.Duration
}

type continuation struct {
	ready func() bool
	run   job
}

// Executor runs tasks on a fixed pool of workers, each identified by a thread index in
// [0, WorkerCount). Continuations registered with LaunchAfter wait in a pending list until their
// dependency is ready; a resolver goroutine moves them onto the pool.
type Executor struct {
	logger       *slog.Logger
	workerCount  int
	pollInterval time.Duration

	queue *workQueue
	// queued or running jobs
	active atomic.Int64

	pendingMutex sync.Mutex
	pending      []continuation

	wake         utils.WakeSignal
	closed       atomic.Bool
	closing      chan struct{}
	workers      sync.WaitGroup
	resolverDone chan struct{}
}

func NewExecutor(logger *slog.Logger, options CreateOptions) *Executor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	workerCount := options.WorkerCount
	if workerCount <= 0 {
		workerCount = runtime.GOMAXPROCS(0)
	}

	pollInterval := options.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	e := &Executor{
		logger:       logger,
		workerCount:  workerCount,
		pollInterval: pollInterval,
		queue:        newWorkQueue(),
		wake:         utils.NewWakeSignal(),
		closing:      make(chan struct{}),
		resolverDone: make(chan struct{}),
	}

	e.workers.Add(workerCount)
	for threadIndex := 0; threadIndex < workerCount; threadIndex++ {
		go e.work(threadIndex)
	}
	go e.resolve()

	return e
}

func (e *Executor) WorkerCount() int { return e.workerCount }

// Pending is the number of continuations still waiting on their dependency
func (e *Executor) Pending() int {
	e.pendingMutex.Lock()
	defer e.pendingMutex.Unlock()

	return len(e.pending)
}

// Active is the number of tasks queued or running on the pool
func (e *Executor) Active() int {
	return int(e.active.Load())
}

func (e *Executor) work(threadIndex int) {
	defer e.workers.Done()

	for {
		j, ok := e.queue.Pop()
		if !ok {
			return
		}

		j(threadIndex)
		e.active.Add(-1)
		// A completed task may have readied pending continuations
		e.wake.Notify()
	}
}

func (e *Executor) resolve() {
	defer close(e.resolverDone)

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.closing:
			return
		case <-ticker.C:
		case <-e.wake.C:
		}

		e.dispatchReady()
	}
}

// dispatchReady moves every continuation whose dependency is ready onto the pool. The move
// happens under pendingMutex so that WaitForTasks never observes a continuation in neither place.
func (e *Executor) dispatchReady() {
	e.pendingMutex.Lock()
	defer e.pendingMutex.Unlock()

	remaining := e.pending[:0]
	for _, c := range e.pending {
		if !c.ready() {
			remaining = append(remaining, c)
			continue
		}

		e.active.Add(1)
		e.queue.Push(c.run)
	}

	for i := len(remaining); i < len(e.pending); i++ {
		e.pending[i] = continuation{}
	}
	e.pending = remaining
}

func (e *Executor) submit(j job) {
	if e.closed.Load() {
		panic("attempted to launch a task on a closed executor")
	}

	e.active.Add(1)
	e.queue.Push(j)
}

func (e *Executor) schedule(c continuation) {
	if e.closed.Load() {
		panic("attempted to launch a task on a closed executor")
	}

	e.pendingMutex.Lock()
	e.pending = append(e.pending, c)
	e.pendingMutex.Unlock()

	e.wake.Notify()
}

func (e *Executor) quiescent() bool {
	e.pendingMutex.Lock()
	defer e.pendingMutex.Unlock()

	return len(e.pending) == 0 && e.active.Load() == 0
}

// WaitForTasks blocks until no task is queued or running and no continuation is pending,
// including work launched by tasks while waiting. Continuations whose dependency never
// completes will block this call forever.
func (e *Executor) WaitForTasks() {
	for !e.quiescent() {
		time.Sleep(e.pollInterval)
	}
}

// WaitForTasksContext is WaitForTasks bounded by ctx
func (e *Executor) WaitForTasksContext(ctx context.Context) error {
	for !e.quiescent() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.pollInterval):
		}
	}

	return nil
}

// Close waits for outstanding work and stops the workers and resolver. Launching after Close panics.
func (e *Executor) Close() {
	e.WaitForTasks()

	if e.closed.Swap(true) {
		return
	}

	close(e.closing)
	e.queue.Close()
	e.workers.Wait()
	<-e.resolverDone
}

func invoke[R any](logger *slog.Logger, threadIndex int, fn func(threadIndex int) (R, error)) (result R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Mark(errors.Newf("task panicked on thread %d: %v", threadIndex, r), ErrPanicked)
			logger.LogAttrs(context.Background(), slog.LevelError, "task panicked",
				slog.Int("threadIndex", threadIndex),
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	return fn(threadIndex)
}

// Launch runs fn on the pool
func Launch[R any](e *Executor, fn func() (R, error)) *Task[R] {
	return LaunchIndexed(e, func(int) (R, error) {
		return fn()
	})
}

// LaunchIndexed runs fn on the pool, passing the index of the worker that runs it
func LaunchIndexed[R any](e *Executor, fn func(threadIndex int) (R, error)) *Task[R] {
	promise := NewPromise[R]()
	e.submit(func(threadIndex int) {
		promise.Settle(invoke(e.logger, threadIndex, fn))
	})

	return promise.Task()
}

// LaunchAfter runs fn on the pool with the value of dependency once dependency completes. If
// dependency fails, fn is not run and the returned task fails with dependency's error.
func LaunchAfter[D, R any](e *Executor, dependency *Task[D], fn func(D) (R, error)) *Task[R] {
	promise := NewPromise[R]()
	e.schedule(continuation{
		ready: dependency.Ready,
		run: func(threadIndex int) {
			value, err := dependency.Get()
			if err != nil {
				promise.Reject(errors.Wrap(err, "dependency failed"))
				return
			}

			promise.Settle(invoke(e.logger, threadIndex, func(int) (R, error) {
				return fn(value)
			}))
		},
	})

	return promise.Task()
}
