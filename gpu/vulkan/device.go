// Package vulkan adapts a vkngwrapper core 1.0 device to the gpu interfaces
package vulkan

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/conductor/gpu"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
)

// Options selects the queue used for submission
type Options struct {
	QueueFamilyIndex int
	QueueIndex       int
	// AllocationCallbacks are passed to every object creation and destruction made by the adapter
	AllocationCallbacks *driver.AllocationCallbacks
}

type Device struct {
	device      core1_0.Device
	callbacks   *driver.AllocationCallbacks
	familyIndex int
	queue       *Queue
	memoryTypes []gpu.MemoryType
}

var _ gpu.Device = &Device{}
var _ gpu.MemoryDevice = &Device{}

func New(physicalDevice core1_0.PhysicalDevice, device core1_0.Device, options Options) *Device {
	memoryProperties := physicalDevice.MemoryProperties()
	memoryTypes := make([]gpu.MemoryType, len(memoryProperties.MemoryTypes))
	for typeIndex, memoryType := range memoryProperties.MemoryTypes {
		memoryTypes[typeIndex] = gpu.MemoryType{
			PropertyFlags: translateMemoryProperties(memoryType.PropertyFlags),
			HeapIndex:     memoryType.HeapIndex,
		}
	}

	return &Device{
		device:      device,
		callbacks:   options.AllocationCallbacks,
		familyIndex: options.QueueFamilyIndex,
		queue: &Queue{
			device: device,
			queue:  device.GetQueue(options.QueueFamilyIndex, options.QueueIndex),
		},
		memoryTypes: memoryTypes,
	}
}

func (d *Device) CreateCommandPool(label string) (gpu.CommandPool, error) {
	pool, res, err := d.device.CreateCommandPool(d.callbacks, core1_0.CommandPoolCreateInfo{
		QueueFamilyIndex: d.familyIndex,
	})
	if err != nil {
		return nil, translateError(res, err, "failed to create command pool %q", label)
	}

	return &CommandPool{device: d.device, pool: pool, callbacks: d.callbacks}, nil
}

func (d *Device) CreateFence() (gpu.Fence, error) {
	fence, res, err := d.device.CreateFence(d.callbacks, core1_0.FenceCreateInfo{})
	if err != nil {
		return nil, translateError(res, err, "failed to create fence")
	}

	return &Fence{device: d.device, fence: fence, callbacks: d.callbacks}, nil
}

func (d *Device) Queue() gpu.Queue {
	return d.queue
}

func (d *Device) WaitIdle() error {
	d.queue.mutex.Lock()
	defer d.queue.mutex.Unlock()

	res, err := d.device.WaitIdle()
	if err != nil {
		return translateError(res, err, "failed waiting for device idle")
	}
	return nil
}

func translateError(res common.VkResult, err error, format string, args ...any) error {
	err = errors.Wrapf(err, format, args...)

	switch res {
	case core1_0.VKErrorDeviceLost:
		return errors.Mark(err, gpu.ErrDeviceLost)
	case core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfHostMemory:
		return errors.Mark(err, gpu.ErrOutOfDeviceMemory)
	}
	return err
}

func translateMemoryProperties(flags core1_0.MemoryPropertyFlags) gpu.MemoryPropertyFlags {
	var result gpu.MemoryPropertyFlags
	if flags&core1_0.MemoryPropertyDeviceLocal != 0 {
		result |= gpu.MemoryPropertyDeviceLocal
	}
	if flags&core1_0.MemoryPropertyHostVisible != 0 {
		result |= gpu.MemoryPropertyHostVisible
	}
	if flags&core1_0.MemoryPropertyHostCoherent != 0 {
		result |= gpu.MemoryPropertyHostCoherent
	}
	if flags&core1_0.MemoryPropertyHostCached != 0 {
		result |= gpu.MemoryPropertyHostCached
	}
	return result
}

// Queue externally synchronizes the Vulkan queue
type Queue struct {
	device core1_0.Device
	mutex  sync.Mutex
	queue  core1_0.Queue
}

func (q *Queue) Submit(commandBuffers []gpu.CommandBuffer, fence gpu.Fence) error {
	vkBuffers := make([]core1_0.CommandBuffer, 0, len(commandBuffers))
	for _, commandBuffer := range commandBuffers {
		buffer, ok := commandBuffer.(*CommandBuffer)
		if !ok {
			return errors.Newf("vulkan queue cannot submit command buffer of type %T", commandBuffer)
		}
		vkBuffers = append(vkBuffers, buffer.buffer)
	}

	var vkFence core1_0.Fence
	if fence != nil {
		wrapped, ok := fence.(*Fence)
		if !ok {
			return errors.Newf("vulkan queue cannot signal fence of type %T", fence)
		}
		vkFence = wrapped.fence
	}

	var submits []core1_0.SubmitInfo
	if len(vkBuffers) > 0 {
		submits = []core1_0.SubmitInfo{{CommandBuffers: vkBuffers}}
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()

	res, err := q.queue.Submit(vkFence, submits)
	if err != nil {
		return translateError(res, err, "queue submission failed")
	}
	return nil
}

type Fence struct {
	device    core1_0.Device
	fence     core1_0.Fence
	callbacks *driver.AllocationCallbacks
}

func (f *Fence) Wait(timeout time.Duration) (bool, error) {
	res, err := f.device.WaitForFences(true, timeout, []core1_0.Fence{f.fence})
	if res == core1_0.VKTimeout {
		return false, nil
	}
	if err != nil {
		return false, translateError(res, err, "failed waiting for fence")
	}
	return true, nil
}

func (f *Fence) Reset() error {
	res, err := f.device.ResetFences([]core1_0.Fence{f.fence})
	if err != nil {
		return translateError(res, err, "failed to reset fence")
	}
	return nil
}

func (f *Fence) Destroy() {
	f.fence.Destroy(f.callbacks)
}
