// Package command wraps a recordable command buffer together with the lifetime bookkeeping that
// must outlive recording: shared resources referenced by the recorded commands, and transient
// objects that may only be destroyed once the GPU has finished with them.
package command

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/conductor/gpu"
)

const initialReferenceCapacity = 8

// Recorder owns one command buffer. It is used by a single goroutine at a time: the frame
// scheduler hands each recorder to exactly one (frame, thread) pair.
type Recorder struct {
	buffer     gpu.CommandBuffer
	recording  bool
	references *swiss.Map[*gpu.Shared, struct{}]
	transients []gpu.Destroyer
}

func NewRecorder(buffer gpu.CommandBuffer) *Recorder {
	return &Recorder{
		buffer:     buffer,
		references: swiss.NewMap[*gpu.Shared, struct{}](initialReferenceCapacity),
	}
}

func (r *Recorder) CommandBuffer() gpu.CommandBuffer { return r.buffer }
func (r *Recorder) Recording() bool                  { return r.recording }
func (r *Recorder) ReferenceCount() int              { return r.references.Count() }
func (r *Recorder) TransientCount() int              { return len(r.transients) }

func (r *Recorder) Begin() error {
	if r.recording {
		return errors.New("command recorder is already recording")
	}

	err := r.buffer.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin command buffer")
	}

	r.recording = true
	return nil
}

func (r *Recorder) End() error {
	if !r.recording {
		return errors.New("command recorder is not recording")
	}

	r.recording = false
	err := r.buffer.End()
	if err != nil {
		return errors.Wrap(err, "failed to end command buffer")
	}

	return nil
}

// AddResourceReference keeps resource alive until the next Reset. Adding a resource that is
// already referenced is a no-op, so each distinct resource holds exactly one reference.
func (r *Recorder) AddResourceReference(resource *gpu.Shared) {
	if r.references.Has(resource) {
		return
	}

	resource.Acquire()
	r.references.Put(resource, struct{}{})
}

func (r *Recorder) HasReference(resource *gpu.Shared) bool {
	return r.references.Has(resource)
}

// TakeOwnership defers destruction of object until the next Reset
func (r *Recorder) TakeOwnership(object gpu.Destroyer) {
	r.transients = append(r.transients, object)
}

// Reset releases every referenced resource and destroys every owned transient. The caller must
// guarantee that the GPU has finished executing this recorder's commands.
func (r *Recorder) Reset() {
	r.references.Iter(func(resource *gpu.Shared, _ struct{}) bool {
		resource.Release()
		return false
	})
	r.references.Clear()

	for i, transient := range r.transients {
		transient.Destroy()
		r.transients[i] = nil
	}
	r.transients = r.transients[:0]
	r.recording = false
}
