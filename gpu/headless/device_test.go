package headless

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/conductor/gpu"
)

func recordedBuffer(t *testing.T, pool gpu.CommandPool) gpu.CommandBuffer {
	buffer, err := pool.AllocateCommandBuffer()
	require.NoError(t, err)
	require.NoError(t, buffer.Begin())
	require.NoError(t, buffer.End())
	return buffer
}

func TestQueueSignalsFencesInOrder(t *testing.T) {
	device := New(nil, Options{Latency: time.Millisecond})
	defer device.Close()

	pool, err := device.CreateCommandPool("test")
	require.NoError(t, err)

	first, err := device.CreateFence()
	require.NoError(t, err)
	second, err := device.CreateFence()
	require.NoError(t, err)

	a := recordedBuffer(t, pool)
	b := recordedBuffer(t, pool)
	require.NoError(t, device.Queue().Submit([]gpu.CommandBuffer{a}, first))
	require.NoError(t, device.Queue().Submit([]gpu.CommandBuffer{b}, second))

	signalled, err := second.Wait(time.Second)
	require.NoError(t, err)
	require.True(t, signalled)
	require.True(t, first.(*Fence).Signalled())

	submissions := device.Submissions()
	require.Len(t, submissions, 2)
	require.Equal(t, []int{a.(*CommandBuffer).ID()}, submissions[0].CommandBuffers)
	require.Equal(t, []int{b.(*CommandBuffer).ID()}, submissions[1].CommandBuffers)

	require.NoError(t, first.Reset())
	require.False(t, first.(*Fence).Signalled())

	first.Destroy()
	second.Destroy()
	require.Equal(t, 0, device.LiveFences())
}

func TestQueueRejectsUnfinishedBuffers(t *testing.T) {
	device := New(nil, Options{})
	defer device.Close()

	pool, err := device.CreateCommandPool("test")
	require.NoError(t, err)
	buffer, err := pool.AllocateCommandBuffer()
	require.NoError(t, err)
	require.NoError(t, buffer.Begin())
	require.Error(t, buffer.Begin())

	err = device.Queue().Submit([]gpu.CommandBuffer{buffer}, nil)
	require.Error(t, err)

	require.NoError(t, buffer.End())
	require.NoError(t, device.Queue().Submit([]gpu.CommandBuffer{buffer}, nil))

	require.NoError(t, pool.Reset())
	require.Error(t, buffer.End())
	require.Equal(t, 1, pool.(*CommandPool).Resets())
}

func TestFenceWaitTimesOutWhilePaused(t *testing.T) {
	device := New(nil, Options{})
	defer device.Close()

	fence, err := device.CreateFence()
	require.NoError(t, err)

	device.Pause()
	require.NoError(t, device.Queue().Submit(nil, fence))

	signalled, err := fence.Wait(5 * time.Millisecond)
	require.NoError(t, err)
	require.False(t, signalled)

	device.Resume()
	signalled, err = fence.Wait(time.Second)
	require.NoError(t, err)
	require.True(t, signalled)
	require.NoError(t, device.WaitIdle())
}

func TestLostDeviceFailsWaits(t *testing.T) {
	device := New(nil, Options{})
	defer device.Close()

	fence, err := device.CreateFence()
	require.NoError(t, err)

	device.Pause()
	require.NoError(t, device.Queue().Submit(nil, fence))
	device.LoseDevice()

	_, err = fence.Wait(time.Second)
	require.True(t, errors.Is(err, gpu.ErrDeviceLost))

	err = device.Queue().Submit(nil, nil)
	require.True(t, errors.Is(err, gpu.ErrDeviceLost))

	_, err = device.CreateFence()
	require.True(t, errors.Is(err, gpu.ErrDeviceLost))
}

func TestMemory(t *testing.T) {
	device := New(nil, Options{MemoryLimit: 1024})
	defer device.Close()

	local, err := device.AllocateMemory(0, 512)
	require.NoError(t, err)
	_, err = local.Map()
	require.Error(t, err)

	visible, err := device.AllocateMemory(1, 512)
	require.NoError(t, err)
	ptr, err := visible.Map()
	require.NoError(t, err)
	require.NotNil(t, ptr)
	visible.Unmap()

	_, err = device.AllocateMemory(1, 1)
	require.True(t, errors.Is(err, gpu.ErrOutOfDeviceMemory))

	local.Destroy()
	visible.Destroy()
	require.Equal(t, 0, device.LiveMemory())
}
