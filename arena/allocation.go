package arena

import (
	"unsafe"

	"github.com/vkngwrapper/conductor/gpu"
)

// MemoryRequirements describes a single allocation request
type MemoryRequirements struct {
	// Size is the number of bytes required. It must be positive.
	Size int
	// Alignment is the required alignment of the allocation's offset within its block. It must be
	// a power of two; zero is treated as 1.
	Alignment uint
	// MemoryTypeBits has bit i set if memory type i may back the allocation
	MemoryTypeBits uint32
}

// Allocation is a view of a range within an arena block. There is no per-allocation free: the
// range remains valid until the next DeallocateAll or Destroy on the owning Allocator.
type Allocation struct {
	block  *memoryBlock
	offset int
	size   int
}

func (a *Allocation) Offset() int              { return a.offset }
func (a *Allocation) Size() int                { return a.size }
func (a *Allocation) BlockID() int             { return a.block.id }
func (a *Allocation) MemoryTypeIndex() int     { return a.block.memoryTypeIndex }
func (a *Allocation) Memory() gpu.DeviceMemory { return a.block.memory }

// MappedPointer returns a pointer to the start of the allocation if its block is persistently
// mapped, or nil otherwise
func (a *Allocation) MappedPointer() unsafe.Pointer {
	if a.block.mapped == nil {
		return nil
	}

	return unsafe.Add(a.block.mapped, a.offset)
}

// MappedData returns the allocation's bytes if its block is persistently mapped, or nil otherwise
func (a *Allocation) MappedData() []byte {
	ptr := a.MappedPointer()
	if ptr == nil {
		return nil
	}

	return unsafe.Slice((*byte)(ptr), a.size)
}
