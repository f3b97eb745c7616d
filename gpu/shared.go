package gpu

import (
	"fmt"
	"sync/atomic"
)

// Shared is a reference-counted handle to a device object that may be referenced by several
// in-flight command recorders. The creator holds the first reference; the object is destroyed
// when the last reference is released.
type Shared struct {
	object     Destroyer
	references atomic.Int32
}

func NewShared(object Destroyer) *Shared {
	s := &Shared{object: object}
	s.references.Store(1)
	return s
}

func (s *Shared) Object() Destroyer { return s.object }
func (s *Shared) References() int  { return int(s.references.Load()) }

// Acquire adds a reference. It panics if the object has already been destroyed.
func (s *Shared) Acquire() {
	if s.references.Add(1) <= 1 {
		panic("attempted to acquire a reference to a destroyed shared object")
	}
}

// Release drops a reference and destroys the object when none remain
func (s *Shared) Release() {
	remaining := s.references.Add(-1)
	if remaining < 0 {
		panic(fmt.Sprintf("shared object released too many times: %d references", remaining))
	}

	if remaining == 0 {
		s.object.Destroy()
	}
}
