package wgpuhal

import (
	"sync/atomic"
	"time"
)

const fencePollInterval = 50 * time.Microsecond

// Fence is signalled once the queue reports the submission index it was submitted with as complete
type Fence struct {
	queue *Queue
	// zero until submitted
	target atomic.Uint64
}

func (f *Fence) signalled() bool {
	target := f.target.Load()
	return target != 0 && f.queue.completed() >= target
}

func (f *Fence) Wait(timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)

	for {
		if f.signalled() {
			return true, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		time.Sleep(min(remaining, fencePollInterval))
	}
}

func (f *Fence) Reset() error {
	f.target.Store(0)
	return nil
}

func (f *Fence) Destroy() {}
