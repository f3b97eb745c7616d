// Package wgpuhal adapts a gogpu/wgpu HAL device to the gpu interfaces. Command pools are sets of
// command encoders, fences are submission-index watermarks observed through Queue.PollCompleted,
// and device memory is backed by HAL buffers.
package wgpuhal

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/vkngwrapper/conductor/gpu"
)

type Device struct {
	device hal.Device
	queue  *Queue
}

var _ gpu.Device = &Device{}
var _ gpu.MemoryDevice = &Device{}

func New(device hal.Device, queue hal.Queue) *Device {
	return &Device{
		device: device,
		queue:  &Queue{queue: queue},
	}
}

// Open opens a device on adapter with default limits and no optional features
func Open(adapter hal.Adapter) (*Device, error) {
	opened, err := adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		return nil, translateError(err, "failed to open adapter")
	}

	return New(opened.Device, opened.Queue), nil
}

func (d *Device) HalDevice() hal.Device { return d.device }
func (d *Device) HalQueue() hal.Queue   { return d.queue.queue }

func (d *Device) CreateCommandPool(label string) (gpu.CommandPool, error) {
	return &CommandPool{device: d.device, label: label}, nil
}

func (d *Device) CreateFence() (gpu.Fence, error) {
	return &Fence{queue: d.queue}, nil
}

func (d *Device) Queue() gpu.Queue {
	return d.queue
}

func (d *Device) WaitIdle() error {
	return translateError(d.device.WaitIdle(), "failed waiting for device idle")
}

// Destroy destroys the underlying HAL device
func (d *Device) Destroy() {
	d.device.Destroy()
}

func translateError(err error, message string) error {
	if err == nil {
		return nil
	}

	err = errors.Wrap(err, message)
	switch {
	case errors.Is(err, hal.ErrDeviceLost):
		return errors.Mark(err, gpu.ErrDeviceLost)
	case errors.Is(err, hal.ErrDeviceOutOfMemory):
		return errors.Mark(err, gpu.ErrOutOfDeviceMemory)
	}
	return err
}

// Queue serializes access to the HAL queue, which is not safe for concurrent submission and polling
type Queue struct {
	mutex sync.Mutex
	queue hal.Queue
}

func (q *Queue) Submit(commandBuffers []gpu.CommandBuffer, fence gpu.Fence) error {
	halBuffers := make([]hal.CommandBuffer, 0, len(commandBuffers))
	for _, commandBuffer := range commandBuffers {
		buffer, ok := commandBuffer.(*CommandBuffer)
		if !ok {
			return errors.Newf("wgpu queue cannot submit command buffer of type %T", commandBuffer)
		}
		if buffer.finished == nil {
			return errors.Newf("command buffer %q was submitted before recording ended", buffer.label)
		}
		halBuffers = append(halBuffers, buffer.finished)
	}

	var watermark *Fence
	if fence != nil {
		var ok bool
		watermark, ok = fence.(*Fence)
		if !ok {
			return errors.Newf("wgpu queue cannot signal fence of type %T", fence)
		}
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()

	index, err := q.queue.Submit(halBuffers)
	if err != nil {
		return translateError(err, "queue submission failed")
	}

	if watermark != nil {
		watermark.target.Store(index)
	}
	return nil
}

func (q *Queue) completed() uint64 {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return q.queue.PollCompleted()
}
