package headless

import (
	"sync"
	"time"
)

// Fence is signalled by the headless queue once the batch it was submitted with completes
type Fence struct {
	device *Device

	mutex     sync.Mutex
	signalled chan struct{}
	isSet     bool
	pending   bool
	destroyed bool
}

func newFence(device *Device) *Fence {
	return &Fence{
		device:    device,
		signalled: make(chan struct{}),
	}
}

func (f *Fence) Wait(timeout time.Duration) (bool, error) {
	f.mutex.Lock()
	signalled := f.signalled
	f.mutex.Unlock()

	// Check signalled first so that a fence completed before loss still reports success
	select {
	case <-signalled:
		return true, nil
	default:
	}

	if f.device.isLost() {
		return false, f.device.lostError("wait for fence")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-signalled:
		return true, nil
	case <-f.device.queue.lostChannel():
		return false, f.device.lostError("wait for fence")
	case <-timer.C:
		return false, nil
	}
}

func (f *Fence) Reset() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.isSet {
		f.signalled = make(chan struct{})
		f.isSet = false
	}
	return nil
}

// Signalled reports whether the fence is currently signalled
func (f *Fence) Signalled() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.isSet
}

func (f *Fence) Destroy() {
	f.mutex.Lock()
	if f.destroyed {
		f.mutex.Unlock()
		panic("fence destroyed twice")
	}
	f.destroyed = true
	f.mutex.Unlock()

	f.device.fenceDestroyed()
}

func (f *Fence) markPending() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.pending || f.isSet {
		return false
	}
	f.pending = true
	return true
}

func (f *Fence) signal() {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.pending = false
	if !f.isSet {
		f.isSet = true
		close(f.signalled)
	}
}
