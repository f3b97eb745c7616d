package wgpuhal

import (
	"github.com/cockroachdb/errors"
	"github.com/gogpu/wgpu/hal"
	"github.com/vkngwrapper/conductor/gpu"
)

type CommandPool struct {
	device  hal.Device
	label   string
	buffers []*CommandBuffer
}

func (p *CommandPool) AllocateCommandBuffer() (gpu.CommandBuffer, error) {
	encoder, err := p.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: p.label})
	if err != nil {
		return nil, translateError(err, "failed to create command encoder")
	}

	buffer := &CommandBuffer{
		encoder: encoder,
		label:   p.label,
	}
	p.buffers = append(p.buffers, buffer)
	return buffer, nil
}

// Reset releases every finished HAL command buffer and discards any recording still open
func (p *CommandPool) Reset() error {
	for _, buffer := range p.buffers {
		buffer.reset()
	}
	return nil
}

func (p *CommandPool) Destroy() {
	for _, buffer := range p.buffers {
		buffer.reset()
		buffer.encoder.Destroy()
	}
	p.buffers = nil
}

// CommandBuffer wraps a HAL command encoder. Encoder exposes it so that callers can record
// backend commands between Begin and End.
type CommandBuffer struct {
	encoder   hal.CommandEncoder
	label     string
	recording bool
	finished  hal.CommandBuffer
}

func (b *CommandBuffer) Encoder() hal.CommandEncoder { return b.encoder }

func (b *CommandBuffer) Begin() error {
	if b.recording {
		return errors.Newf("command buffer %q is already recording", b.label)
	}

	err := b.encoder.BeginEncoding(b.label)
	if err != nil {
		return translateError(err, "failed to begin encoding")
	}

	b.recording = true
	return nil
}

func (b *CommandBuffer) End() error {
	if !b.recording {
		return errors.Newf("command buffer %q is not recording", b.label)
	}

	finished, err := b.encoder.EndEncoding()
	b.recording = false
	if err != nil {
		return translateError(err, "failed to end encoding")
	}

	if b.finished != nil {
		b.encoder.ResetAll([]hal.CommandBuffer{b.finished})
	}
	b.finished = finished
	return nil
}

func (b *CommandBuffer) reset() {
	if b.recording {
		b.encoder.DiscardEncoding()
		b.recording = false
	}
	if b.finished != nil {
		b.encoder.ResetAll([]hal.CommandBuffer{b.finished})
		b.finished = nil
	}
}
