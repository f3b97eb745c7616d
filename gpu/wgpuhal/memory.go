package wgpuhal

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/vkngwrapper/conductor/gpu"
)

const (
	deviceLocalMemoryType = 0
	uploadMemoryType      = 1
)

var memoryTypes = []gpu.MemoryType{
	deviceLocalMemoryType: {PropertyFlags: gpu.MemoryPropertyDeviceLocal, HeapIndex: 0},
	uploadMemoryType:      {PropertyFlags: gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCoherent, HeapIndex: 1},
}

// MemoryTypes reports a device-local type backed by storage buffers and a host-visible upload type
// backed by mappable staging buffers
func (d *Device) MemoryTypes() []gpu.MemoryType {
	return memoryTypes
}

func (d *Device) AllocateMemory(memoryTypeIndex int, size int) (gpu.DeviceMemory, error) {
	var usage gputypes.BufferUsage
	switch memoryTypeIndex {
	case deviceLocalMemoryType:
		usage = gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	case uploadMemoryType:
		usage = gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopySrc
	default:
		return nil, errors.Newf("memory type index %d is out of range", memoryTypeIndex)
	}

	buffer, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "conductor arena block",
		Size:  uint64(size),
		Usage: usage,
	})
	if err != nil {
		return nil, translateError(err, "failed to create arena buffer")
	}

	return &Memory{
		device: d.device,
		buffer: buffer,
		size:   size,
	}, nil
}

// Memory is a HAL buffer used as an arena block
type Memory struct {
	device hal.Device
	buffer hal.Buffer
	size   int
}

func (m *Memory) Buffer() hal.Buffer { return m.buffer }

func (m *Memory) Map() (unsafe.Pointer, error) {
	mapping, err := m.device.MapBuffer(m.buffer, 0, uint64(m.size))
	if err != nil {
		return nil, translateError(err, "failed to map arena buffer")
	}

	return mapping.Ptr, nil
}

func (m *Memory) Unmap() {
	// A failed unmap leaves nothing to recover; the buffer is about to be destroyed
	_ = m.device.UnmapBuffer(m.buffer)
}

func (m *Memory) Destroy() {
	m.device.DestroyBuffer(m.buffer)
}
