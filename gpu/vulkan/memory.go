package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/conductor/gpu"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
)

// wholeSize maps the remainder of an allocation, as VK_WHOLE_SIZE
const wholeSize = -1

func (d *Device) MemoryTypes() []gpu.MemoryType {
	return d.memoryTypes
}

func (d *Device) AllocateMemory(memoryTypeIndex int, size int) (gpu.DeviceMemory, error) {
	if memoryTypeIndex < 0 || memoryTypeIndex >= len(d.memoryTypes) {
		return nil, errors.Newf("memory type index %d is out of range", memoryTypeIndex)
	}

	memory, res, err := d.device.AllocateMemory(d.callbacks, core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		return nil, translateError(res, err, "failed to allocate %d bytes of memory type %d", size, memoryTypeIndex)
	}

	return &Memory{memory: memory, callbacks: d.callbacks}, nil
}

type Memory struct {
	memory    core1_0.DeviceMemory
	callbacks *driver.AllocationCallbacks
}

func (m *Memory) VulkanMemory() core1_0.DeviceMemory { return m.memory }

func (m *Memory) Map() (unsafe.Pointer, error) {
	ptr, res, err := m.memory.Map(0, wholeSize, 0)
	if err != nil {
		return nil, translateError(res, err, "failed to map device memory")
	}
	return ptr, nil
}

func (m *Memory) Unmap() {
	m.memory.Unmap()
}

func (m *Memory) Destroy() {
	m.memory.Free(m.callbacks)
}
