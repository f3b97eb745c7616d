package utils

import (
	"sync"
)

// OptionalRWMutex behaves like sync.RWMutex when UseMutex is set and does nothing otherwise. It backs
// the ExternallySynchronized create flags.
type OptionalRWMutex struct {
	Mutex    sync.RWMutex
	UseMutex bool
}

func (m *OptionalRWMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalRWMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}

func (m *OptionalRWMutex) RLock() {
	if m.UseMutex {
		m.Mutex.RLock()
	}
}

func (m *OptionalRWMutex) RUnlock() {
	if m.UseMutex {
		m.Mutex.RUnlock()
	}
}

// WakeSignal is a non-blocking, coalescing notification. Any number of Notify calls made before the
// receiver drains C result in a single wakeup.
type WakeSignal struct {
	C chan struct{}
}

func NewWakeSignal() WakeSignal {
	return WakeSignal{C: make(chan struct{}, 1)}
}

func (s WakeSignal) Notify() {
	select {
	case s.C <- struct{}{}:
	default:
	}
}
