package arena

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/conductor/gpu"
	"github.com/vkngwrapper/conductor/internal/utils"
	"github.com/vkngwrapper/conductor/memutils"
)

// Allocator is a bump allocator over lazily-created device memory blocks. Allocations are never
// freed individually: DeallocateAll rewinds every block at once, after which previously returned
// Allocation objects must not be used.
type Allocator struct {
	logger      *slog.Logger
	device      gpu.MemoryDevice
	blockSize   int
	createFlags CreateFlags
	memoryTypes []gpu.MemoryType

	mutex       utils.OptionalRWMutex
	blocks      []*memoryBlock
	nextBlockID int

	allocationCount int
	allocationBytes int
}

// FindMemoryTypeIndex returns the first memory type permitted by memoryTypeBits whose
// property flags contain all of properties
func (a *Allocator) FindMemoryTypeIndex(memoryTypeBits uint32, properties gpu.MemoryPropertyFlags) (int, error) {
	for typeIndex, memoryType := range a.memoryTypes {
		if typeIndex >= 32 {
			break
		}
		if memutils.Bit(memoryTypeBits, typeIndex) && memoryType.PropertyFlags.Contains(properties) {
			return typeIndex, nil
		}
	}

	return -1, errors.Wrapf(memutils.ErrNoSuitableMemoryType, "memory type bits %#x, properties %s", memoryTypeBits, properties)
}

// Allocate returns a range satisfying requirements from the first block of a suitable memory type
// with room for it, creating a new block if no existing block fits. Blocks of host-visible memory
// are persistently mapped when they are created.
func (a *Allocator) Allocate(requirements MemoryRequirements, properties gpu.MemoryPropertyFlags) (*Allocation, error) {
	if requirements.Size <= 0 {
		return nil, errors.Newf("cannot allocate %d bytes", requirements.Size)
	}

	alignment := requirements.Alignment
	if alignment == 0 {
		alignment = 1
	}
	err := memutils.CheckPow2(alignment, "requirements.Alignment")
	if err != nil {
		return nil, err
	}

	typeIndex, err := a.FindMemoryTypeIndex(requirements.MemoryTypeBits, properties)
	if err != nil {
		return nil, err
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	for _, block := range a.blocks {
		if block.memoryTypeIndex != typeIndex {
			continue
		}

		offset, ok := block.tryAllocate(requirements.Size, alignment)
		if ok {
			return a.commitAllocation(block, offset, requirements.Size), nil
		}
	}

	block, err := a.createBlock(typeIndex, max(a.blockSize, requirements.Size))
	if err != nil {
		return nil, err
	}

	offset, ok := block.tryAllocate(requirements.Size, alignment)
	if !ok {
		return nil, errors.AssertionFailedf("a fresh block of %d bytes could not hold %d bytes", block.capacity, requirements.Size)
	}

	return a.commitAllocation(block, offset, requirements.Size), nil
}

func (a *Allocator) commitAllocation(block *memoryBlock, offset, size int) *Allocation {
	a.allocationCount++
	a.allocationBytes += size
	memutils.DebugValidate(block)

	return &Allocation{
		block:  block,
		offset: offset,
		size:   size,
	}
}

func (a *Allocator) createBlock(typeIndex, size int) (*memoryBlock, error) {
	memory, err := a.device.AllocateMemory(typeIndex, size)
	if err != nil {
		return nil, errors.Mark(
			errors.Wrapf(err, "failed to allocate a %d byte block of memory type %d", size, typeIndex),
			memutils.ErrOutOfMemory,
		)
	}

	block := &memoryBlock{}
	if a.memoryTypes[typeIndex].PropertyFlags.Contains(gpu.MemoryPropertyHostVisible) {
		mapped, err := memory.Map()
		if err != nil {
			memory.Destroy()
			return nil, errors.Wrapf(err, "failed to map a new block of memory type %d", typeIndex)
		}
		block.Init(a.nextBlockID, typeIndex, size, memory, mapped)
	} else {
		block.Init(a.nextBlockID, typeIndex, size, memory, nil)
	}

	a.nextBlockID++
	a.blocks = append(a.blocks, block)

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "arena created memory block",
		slog.Int("id", block.id),
		slog.Int("memoryTypeIndex", typeIndex),
		slog.Int("size", size),
		slog.Bool("mapped", block.mapped != nil),
	)
	return block, nil
}

// DeallocateAll rewinds every block to offset zero. Blocks are retained for reuse.
func (a *Allocator) DeallocateAll() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for _, block := range a.blocks {
		block.Reset()
	}
	a.allocationCount = 0
	a.allocationBytes = 0
}

// Destroy returns every block to the device. The allocator may continue to be used afterward and
// will create new blocks on demand.
func (a *Allocator) Destroy() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for _, block := range a.blocks {
		block.Destroy()
	}
	a.blocks = nil
	a.allocationCount = 0
	a.allocationBytes = 0
}

func (a *Allocator) BlockCount() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return len(a.blocks)
}

func (a *Allocator) Statistics() memutils.Statistics {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.statisticsLocked()
}

func (a *Allocator) statisticsLocked() memutils.Statistics {
	stats := memutils.Statistics{
		BlockCount:      len(a.blocks),
		AllocationCount: a.allocationCount,
		AllocationBytes: a.allocationBytes,
	}
	for _, block := range a.blocks {
		stats.BlockBytes += block.capacity
	}

	return stats
}

// Validate verifies every block's bookkeeping
func (a *Allocator) Validate() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	for _, block := range a.blocks {
		err := block.Validate()
		if err != nil {
			return err
		}
	}

	return nil
}

// PrintJson writes the allocator's statistics and per-block state into json
func (a *Allocator) PrintJson(json *jwriter.ObjectState) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	stats := a.statisticsLocked()
	totalObj := json.Name("Total").Object()
	stats.PrintJson(&totalObj)
	totalObj.End()

	blocksObj := json.Name("Blocks").Object()
	for _, block := range a.blocks {
		blockObj := blocksObj.Name(strconv.Itoa(block.id)).Object()
		block.printJson(&blockObj)
		blockObj.End()
	}
	blocksObj.End()
}

// BuildStatsString returns a JSON document describing the allocator's current state
func (a *Allocator) BuildStatsString() (string, error) {
	writer := jwriter.NewWriter()
	objState := writer.Object()
	objState.Name("Flags").String(a.createFlags.String())
	objState.Name("DefaultBlockSize").Int(a.blockSize)
	a.PrintJson(&objState)
	objState.End()

	if err := writer.Error(); err != nil {
		return "", err
	}
	return string(writer.Bytes()), nil
}
