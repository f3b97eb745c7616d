package task

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestPromiseResolve(t *testing.T) {
	promise := NewPromise[string]()
	task := promise.Task()
	require.False(t, task.Ready())

	go func() {
		time.Sleep(time.Millisecond)
		promise.Resolve("done")
	}()

	value, err := task.Get()
	require.NoError(t, err)
	require.Equal(t, "done", value)
	require.True(t, task.Ready())
	require.NoError(t, task.Err())

	require.Panics(t, func() { promise.Resolve("again") })
	require.Panics(t, func() { promise.Reject(errors.New("late")) })
}

func TestPromiseReject(t *testing.T) {
	promise := NewPromise[int]()
	failure := errors.New("device lost")
	promise.Settle(4, failure)

	value, err := promise.Task().Get()
	require.Zero(t, value)
	require.True(t, errors.Is(err, failure))
}

func TestWaitContext(t *testing.T) {
	promise := NewPromise[int]()

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	require.ErrorIs(t, promise.Task().WaitContext(ctx), context.DeadlineExceeded)

	promise.Resolve(1)
	require.NoError(t, promise.Task().WaitContext(context.Background()))

	select {
	case <-promise.Task().Done():
	default:
		t.Fatal("expected done channel to be closed")
	}
}

func TestPresettledTasks(t *testing.T) {
	resolved := Resolved(3)
	require.True(t, resolved.Ready())
	value, err := resolved.Get()
	require.NoError(t, err)
	require.Equal(t, 3, value)

	failure := errors.New("nope")
	failed := Failed[int](failure)
	require.True(t, failed.Ready())
	require.ErrorIs(t, failed.Err(), failure)
}
