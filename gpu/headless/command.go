package headless

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/conductor/gpu"
)

type bufferState int

const (
	bufferStateInitial bufferState = iota
	bufferStateRecording
	bufferStateExecutable
)

func (s bufferState) String() string {
	switch s {
	case bufferStateInitial:
		return "Initial"
	case bufferStateRecording:
		return "Recording"
	case bufferStateExecutable:
		return "Executable"
	}
	return "Unknown"
}

type CommandPool struct {
	device *Device
	id     int
	label  string

	mutex     sync.Mutex
	buffers   []*CommandBuffer
	resets    int
	destroyed bool
}

func (p *CommandPool) ID() int       { return p.id }
func (p *CommandPool) Label() string { return p.label }

// Resets is the number of times Reset has been called on this pool
func (p *CommandPool) Resets() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.resets
}

// BufferCount is the number of command buffers allocated from this pool
func (p *CommandPool) BufferCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return len(p.buffers)
}

func (p *CommandPool) Destroyed() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.destroyed
}

func (p *CommandPool) AllocateCommandBuffer() (gpu.CommandBuffer, error) {
	if p.device.isLost() {
		return nil, p.device.lostError("allocate command buffer")
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.destroyed {
		return nil, errors.Newf("command pool %d (%s) has been destroyed", p.id, p.label)
	}

	buffer := &CommandBuffer{
		pool: p,
		id:   p.device.issueBufferID(),
	}
	p.buffers = append(p.buffers, buffer)
	return buffer, nil
}

func (p *CommandPool) Reset() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, buffer := range p.buffers {
		buffer.setState(bufferStateInitial)
	}
	p.resets++
	return nil
}

func (p *CommandPool) Destroy() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.destroyed = true
	p.buffers = nil
}

type CommandBuffer struct {
	pool *CommandPool
	id   int

	mutex sync.Mutex
	state bufferState
}

func (b *CommandBuffer) ID() int { return b.id }

func (b *CommandBuffer) Begin() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.state == bufferStateRecording {
		return errors.Newf("command buffer %d is already recording", b.id)
	}
	b.state = bufferStateRecording
	return nil
}

func (b *CommandBuffer) End() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.state != bufferStateRecording {
		return errors.Newf("command buffer %d cannot end recording from state %s", b.id, b.state)
	}
	b.state = bufferStateExecutable
	return nil
}

func (b *CommandBuffer) setState(state bufferState) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.state = state
}

func (b *CommandBuffer) currentState() bufferState {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.state
}
