// Package gpu defines the narrow set of device primitives the scheduler consumes from a graphics
// backend. Adapters for concrete backends live in subpackages.
package gpu

//go:generate mockgen -destination ./mocks/gpu.go -package mocks github.com/vkngwrapper/conductor/gpu CommandBuffer,CommandPool,Device,DeviceMemory,Fence,MemoryDevice,Queue

import (
	"time"
	"unsafe"
)

// Destroyer is any device object with explicit destruction
type Destroyer interface {
	Destroy()
}

// CommandBuffer is a recordable command handle allocated from a CommandPool
type CommandBuffer interface {
	Begin() error
	End() error
}

// CommandPool hands out CommandBuffers. Reset recycles every buffer allocated from the pool at once;
// the caller must guarantee that the GPU has finished consuming all of them.
type CommandPool interface {
	Destroyer
	AllocateCommandBuffer() (CommandBuffer, error)
	Reset() error
}

// Fence is a GPU-to-CPU completion signal. Wait returns false, nil when the timeout elapses
// before the fence is signalled.
type Fence interface {
	Destroyer
	Wait(timeout time.Duration) (bool, error)
	Reset() error
}

// Queue accepts ordered batches of finished command buffers. fence is signalled once every
// buffer in the batch has completed on the GPU. Submitting an empty batch still signals the fence.
type Queue interface {
	Submit(commandBuffers []CommandBuffer, fence Fence) error
}

// Device is the command-submission side of a backend
type Device interface {
	CreateCommandPool(label string) (CommandPool, error)
	CreateFence() (Fence, error)
	Queue() Queue
	WaitIdle() error
}

// MemoryType describes one memory type exposed by a MemoryDevice
type MemoryType struct {
	PropertyFlags MemoryPropertyFlags
	HeapIndex     int
}

// DeviceMemory is a single allocation of device memory. Map returns a pointer to the start of the
// allocation and may only be called on host-visible memory.
type DeviceMemory interface {
	Destroyer
	Map() (unsafe.Pointer, error)
	Unmap()
}

// MemoryDevice is the memory side of a backend
type MemoryDevice interface {
	MemoryTypes() []MemoryType
	AllocateMemory(memoryTypeIndex int, size int) (DeviceMemory, error)
}
