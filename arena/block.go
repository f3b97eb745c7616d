package arena

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/conductor/gpu"
	"github.com/vkngwrapper/conductor/memutils"
)

type memoryBlock struct {
	id              int
	memoryTypeIndex int
	capacity        int
	consumed        int
	memory          gpu.DeviceMemory
	mapped          unsafe.Pointer
}

func (b *memoryBlock) Init(id, memoryTypeIndex, capacity int, memory gpu.DeviceMemory, mapped unsafe.Pointer) {
	if b.memory != nil {
		panic("attempting to initialize a memory block that is already in use")
	}

	b.id = id
	b.memoryTypeIndex = memoryTypeIndex
	b.capacity = capacity
	b.consumed = 0
	b.memory = memory
	b.mapped = mapped
}

// tryAllocate bumps the consumed offset if size bytes at the requested alignment still fit.
// It returns the offset of the new allocation.
func (b *memoryBlock) tryAllocate(size int, alignment uint) (int, bool) {
	memutils.DebugCheckPow2(alignment, "alignment")

	offset := memutils.AlignUp(b.consumed, alignment)
	if offset+size > b.capacity {
		return 0, false
	}

	b.consumed = offset + size
	return offset, true
}

func (b *memoryBlock) Reset() {
	b.consumed = 0
}

func (b *memoryBlock) Destroy() {
	if b.memory == nil {
		panic("attempting to destroy a memory block, but it did not have a backing memory handle")
	}

	if b.mapped != nil {
		b.memory.Unmap()
		b.mapped = nil
	}
	b.memory.Destroy()
	b.memory = nil
}

func (b *memoryBlock) Validate() error {
	if b.memory == nil {
		return errors.Newf("memory block %d has no valid memory", b.id)
	}
	if b.capacity < 1 {
		return errors.Newf("memory block %d has an invalid capacity %d", b.id, b.capacity)
	}
	if b.consumed < 0 || b.consumed > b.capacity {
		return errors.Newf("memory block %d has consumed %d bytes of a %d byte capacity", b.id, b.consumed, b.capacity)
	}

	return nil
}

func (b *memoryBlock) printJson(json *jwriter.ObjectState) {
	json.Name("MemoryTypeIndex").Int(b.memoryTypeIndex)
	json.Name("Capacity").Int(b.capacity)
	json.Name("Consumed").Int(b.consumed)
	json.Name("Mapped").Bool(b.mapped != nil)
}
