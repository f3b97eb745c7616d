package vulkan

import (
	"github.com/vkngwrapper/conductor/gpu"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
)

// CommandPool allocates primary command buffers. Buffers are recycled together through Reset.
type CommandPool struct {
	device    core1_0.Device
	pool      core1_0.CommandPool
	callbacks *driver.AllocationCallbacks
}

func (p *CommandPool) AllocateCommandBuffer() (gpu.CommandBuffer, error) {
	buffers, res, err := p.device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        p.pool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	})
	if err != nil {
		return nil, translateError(res, err, "failed to allocate command buffer")
	}

	return &CommandBuffer{buffer: buffers[0]}, nil
}

func (p *CommandPool) Reset() error {
	res, err := p.pool.Reset(0)
	if err != nil {
		return translateError(res, err, "failed to reset command pool")
	}
	return nil
}

func (p *CommandPool) Destroy() {
	p.pool.Destroy(p.callbacks)
}

// CommandBuffer wraps a primary Vulkan command buffer. VulkanCommandBuffer exposes it for recording.
type CommandBuffer struct {
	buffer core1_0.CommandBuffer
}

func (b *CommandBuffer) VulkanCommandBuffer() core1_0.CommandBuffer { return b.buffer }

func (b *CommandBuffer) Begin() error {
	res, err := b.buffer.Begin(core1_0.CommandBufferBeginInfo{
		Flags: core1_0.CommandBufferUsageOneTimeSubmit,
	})
	if err != nil {
		return translateError(res, err, "failed to begin command buffer")
	}
	return nil
}

func (b *CommandBuffer) End() error {
	res, err := b.buffer.End()
	if err != nil {
		return translateError(res, err, "failed to end command buffer")
	}
	return nil
}
