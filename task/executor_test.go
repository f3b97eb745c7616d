package task

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func readyExecutor(t *testing.T, workers int) *Executor {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	executor := NewExecutor(logger, CreateOptions{WorkerCount: workers, PollInterval: time.Millisecond})
	t.Cleanup(executor.Close)
	return executor
}

func TestWaitForTasksObservesAllSideEffects(t *testing.T) {
	for _, workers := range []int{1, 2, 8} {
		for _, count := range []int{0, 1, 10, 500} {
			t.Run(fmt.Sprintf("workers=%d/tasks=%d", workers, count), func(t *testing.T) {
				executor := readyExecutor(t, workers)

				var completed atomic.Int64
				for i := 0; i < count; i++ {
					Launch(executor, func() (struct{}, error) {
						completed.Add(1)
						return struct{}{}, nil
					})
				}

				executor.WaitForTasks()
				require.Equal(t, int64(count), completed.Load())
				require.Equal(t, 0, executor.Active())
				require.Equal(t, 0, executor.Pending())
			})
		}
	}
}

func TestDistinctSlotWrites(t *testing.T) {
	for _, workers := range []int{2, 8} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			executor := readyExecutor(t, workers)

			slots := make([]int, 4)
			for i := range slots {
				Launch(executor, func() (struct{}, error) {
					slots[i] = i + 1
					return struct{}{}, nil
				})
			}

			executor.WaitForTasks()
			require.Equal(t, []int{1, 2, 3, 4}, slots)
		})
	}
}

func TestContinuationChain(t *testing.T) {
	executor := readyExecutor(t, 2)

	a := Launch(executor, func() (int, error) {
		return 20, nil
	})
	b := LaunchAfter(executor, a, func(value int) (int, error) {
		return value + 1, nil
	})
	c := LaunchAfter(executor, b, func(value int) (string, error) {
		return fmt.Sprintf("value=%d", value*2), nil
	})

	result, err := c.Get()
	require.NoError(t, err)
	require.Equal(t, "value=42", result)
}

func TestContinuationOnExternalPromise(t *testing.T) {
	executor := readyExecutor(t, 2)

	promise := NewPromise[int]()
	var ran atomic.Bool
	continued := LaunchAfter(executor, promise.Task(), func(value int) (int, error) {
		ran.Store(true)
		return value * 3, nil
	})

	time.Sleep(5 * time.Millisecond)
	require.False(t, ran.Load())
	require.False(t, continued.Ready())
	require.Equal(t, 1, executor.Pending())

	promise.Resolve(5)

	value, err := continued.Get()
	require.NoError(t, err)
	require.Equal(t, 15, value)
}

func TestWaitForTasksIncludesPendingContinuations(t *testing.T) {
	executor := readyExecutor(t, 2)

	var final atomic.Int64
	first := Launch(executor, func() (int, error) {
		time.Sleep(5 * time.Millisecond)
		return 1, nil
	})
	LaunchAfter(executor, first, func(value int) (struct{}, error) {
		time.Sleep(5 * time.Millisecond)
		final.Store(int64(value + 1))
		return struct{}{}, nil
	})

	executor.WaitForTasks()
	require.Equal(t, int64(2), final.Load())
}

func TestNestedLaunchesAreAwaited(t *testing.T) {
	executor := readyExecutor(t, 1)

	var leaves atomic.Int64
	Launch(executor, func() (struct{}, error) {
		for i := 0; i < 10; i++ {
			parent := Launch(executor, func() (int, error) {
				return i, nil
			})
			LaunchAfter(executor, parent, func(int) (struct{}, error) {
				leaves.Add(1)
				return struct{}{}, nil
			})
		}
		return struct{}{}, nil
	})

	executor.WaitForTasks()
	require.Equal(t, int64(10), leaves.Load())
}

func TestFailedDependencySkipsContinuation(t *testing.T) {
	executor := readyExecutor(t, 2)

	rootErr := errors.New("recording failed")
	failed := Launch(executor, func() (int, error) {
		return 0, rootErr
	})

	var ran atomic.Bool
	continued := LaunchAfter(executor, failed, func(int) (int, error) {
		ran.Store(true)
		return 1, nil
	})

	_, err := continued.Get()
	require.True(t, errors.Is(err, rootErr))
	require.False(t, ran.Load())
}

func TestPanickingTaskFails(t *testing.T) {
	executor := readyExecutor(t, 1)

	panicked := Launch(executor, func() (int, error) {
		panic("boom")
	})
	_, err := panicked.Get()
	require.True(t, errors.Is(err, ErrPanicked))
	require.Contains(t, err.Error(), "boom")

	// The worker survives
	healthy := Launch(executor, func() (int, error) {
		return 7, nil
	})
	value, err := healthy.Get()
	require.NoError(t, err)
	require.Equal(t, 7, value)
}

func TestLaunchIndexedThreadIndices(t *testing.T) {
	const workers = 4
	executor := readyExecutor(t, workers)

	var mutex sync.Mutex
	seen := map[int]bool{}
	for i := 0; i < 100; i++ {
		LaunchIndexed(executor, func(threadIndex int) (struct{}, error) {
			mutex.Lock()
			seen[threadIndex] = true
			mutex.Unlock()
			return struct{}{}, nil
		})
	}
	executor.WaitForTasks()

	for threadIndex := range seen {
		require.GreaterOrEqual(t, threadIndex, 0)
		require.Less(t, threadIndex, workers)
	}
}

func TestCloseRejectsNewWork(t *testing.T) {
	executor := NewExecutor(nil, CreateOptions{WorkerCount: 2})

	var done atomic.Bool
	Launch(executor, func() (struct{}, error) {
		time.Sleep(2 * time.Millisecond)
		done.Store(true)
		return struct{}{}, nil
	})

	executor.Close()
	require.True(t, done.Load())
	executor.Close()

	require.Panics(t, func() {
		Launch(executor, func() (int, error) { return 0, nil })
	})
}

func TestWaitForTasksContext(t *testing.T) {
	executor := readyExecutor(t, 1)

	blocker := NewPromise[struct{}]()
	LaunchAfter(executor, blocker.Task(), func(struct{}) (struct{}, error) {
		return struct{}{}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, executor.WaitForTasksContext(ctx), context.DeadlineExceeded)

	blocker.Resolve(struct{}{})
	require.NoError(t, executor.WaitForTasksContext(context.Background()))
}
