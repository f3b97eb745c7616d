package headless

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/conductor/gpu"
)

// Memory is device memory backed by a Go byte slice
type Memory struct {
	device          *Device
	memoryTypeIndex int
	data            []byte
	mapped          bool
}

func (d *Device) MemoryTypes() []gpu.MemoryType {
	return d.options.MemoryTypes
}

func (d *Device) AllocateMemory(memoryTypeIndex int, size int) (gpu.DeviceMemory, error) {
	if memoryTypeIndex < 0 || memoryTypeIndex >= len(d.options.MemoryTypes) {
		return nil, errors.Newf("memory type index %d is out of range", memoryTypeIndex)
	}
	if size <= 0 {
		return nil, errors.Newf("cannot allocate %d bytes of device memory", size)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.lost {
		return nil, d.lostError("allocate memory")
	}
	if d.options.MemoryLimit > 0 && d.allocatedBytes+size > d.options.MemoryLimit {
		return nil, errors.Mark(
			errors.Newf("headless device: allocating %d bytes would exceed the %d byte limit", size, d.options.MemoryLimit),
			gpu.ErrOutOfDeviceMemory,
		)
	}

	d.allocatedBytes += size
	d.liveMemory++
	return &Memory{
		device:          d,
		memoryTypeIndex: memoryTypeIndex,
		data:            make([]byte, size),
	}, nil
}

func (m *Memory) Size() int { return len(m.data) }

func (m *Memory) Map() (unsafe.Pointer, error) {
	flags := m.device.options.MemoryTypes[m.memoryTypeIndex].PropertyFlags
	if !flags.Contains(gpu.MemoryPropertyHostVisible) {
		return nil, errors.Newf("memory type %d (%s) is not host visible", m.memoryTypeIndex, flags)
	}
	if m.mapped {
		return nil, errors.New("memory is already mapped")
	}

	m.mapped = true
	return unsafe.Pointer(&m.data[0]), nil
}

func (m *Memory) Unmap() {
	m.mapped = false
}

func (m *Memory) Destroy() {
	if m.data == nil {
		panic("headless memory destroyed twice")
	}

	m.device.mutex.Lock()
	m.device.allocatedBytes -= len(m.data)
	m.device.liveMemory--
	m.device.mutex.Unlock()

	m.data = nil
}
