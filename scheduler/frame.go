package scheduler

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/conductor/arena"
	"github.com/vkngwrapper/conductor/command"
	"github.com/vkngwrapper/conductor/gpu"
	"github.com/vkngwrapper/conductor/memutils"
)

// threadSlot is only touched by the goroutine that owns its thread index, except for the
// allocated and inUse counters which stats readers load concurrently
type threadSlot struct {
	pool      gpu.CommandPool
	recorders []*command.Recorder
	used      int

	allocated atomic.Int32
	inUse     atomic.Int32
}

type frameSlot struct {
	index   int
	threads []threadSlot
	arena   *arena.Allocator

	mutex sync.Mutex
	// GPU work scheduled against this slot that has not completed
	pending int
	idle    chan struct{}
}

func newFrameSlot(index int, threadCount int, device gpu.Device) (*frameSlot, error) {
	idle := make(chan struct{})
	close(idle)

	frame := &frameSlot{
		index:   index,
		threads: make([]threadSlot, threadCount),
		idle:    idle,
	}

	for threadIndex := range frame.threads {
		pool, err := device.CreateCommandPool(fmt.Sprintf("frame %d thread %d", index, threadIndex))
		if err != nil {
			frame.destroy()
			return nil, errors.Wrapf(err, "failed to create command pool for frame %d thread %d", index, threadIndex)
		}
		frame.threads[threadIndex].pool = pool
	}

	return frame, nil
}

func (f *frameSlot) begin() {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.pending == 0 {
		f.idle = make(chan struct{})
	}
	f.pending++
}

func (f *frameSlot) finish() {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.pending--
	if f.pending < 0 {
		panic(fmt.Sprintf("frame slot %d finished more work than it began", f.index))
	}
	if f.pending == 0 {
		close(f.idle)
	}
}

func (f *frameSlot) Pending() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.pending
}

// Idle returns a channel that is closed once all GPU work scheduled against this slot so far completes
func (f *frameSlot) Idle() <-chan struct{} {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.idle
}

// recorder returns the next unused recorder for threadIndex, allocating one if every existing
// recorder is in use, and begins recording on it
func (f *frameSlot) recorder(threadIndex int) (*command.Recorder, error) {
	if threadIndex < 0 || threadIndex >= len(f.threads) {
		return nil, errors.Newf("thread index %d is out of range [0, %d)", threadIndex, len(f.threads))
	}
	thread := &f.threads[threadIndex]

	if thread.used == len(thread.recorders) {
		buffer, err := thread.pool.AllocateCommandBuffer()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to allocate command buffer for frame %d thread %d", f.index, threadIndex)
		}
		thread.recorders = append(thread.recorders, command.NewRecorder(buffer))
		thread.allocated.Store(int32(len(thread.recorders)))
	}

	recorder := thread.recorders[thread.used]
	thread.used++
	thread.inUse.Store(int32(thread.used))

	err := recorder.Begin()
	if err != nil {
		return nil, err
	}
	return recorder, nil
}

// reset recycles every command pool and recorder in this slot. The GPU must have finished all work
// submitted from this slot.
func (f *frameSlot) reset() error {
	memutils.DebugAssert(f.Pending() == 0, "frame slot %d was reset with %d submissions still in flight", f.index, f.Pending())

	var result error
	for threadIndex := range f.threads {
		thread := &f.threads[threadIndex]

		err := thread.pool.Reset()
		if err != nil {
			result = errors.CombineErrors(result, errors.Wrapf(err, "failed to reset command pool for frame %d thread %d", f.index, threadIndex))
		}

		for _, recorder := range thread.recorders[:thread.used] {
			recorder.Reset()
		}
		thread.used = 0
		thread.inUse.Store(0)
	}

	if f.arena != nil {
		f.arena.DeallocateAll()
	}

	return result
}

func (f *frameSlot) destroy() {
	for threadIndex := range f.threads {
		thread := &f.threads[threadIndex]
		for _, recorder := range thread.recorders {
			recorder.Reset()
		}
		thread.recorders = nil
		thread.used = 0
		thread.allocated.Store(0)
		thread.inUse.Store(0)

		if thread.pool != nil {
			thread.pool.Destroy()
			thread.pool = nil
		}
	}

	if f.arena != nil {
		f.arena.Destroy()
	}
}

func (f *frameSlot) printJson(json *jwriter.ObjectState) {
	json.Name("Index").Int(f.index)
	json.Name("Pending").Int(f.Pending())

	threads := json.Name("Threads").Array()
	for threadIndex := range f.threads {
		thread := &f.threads[threadIndex]
		threadObj := threads.Object()
		threadObj.Name("Recorders").Int(int(thread.allocated.Load()))
		threadObj.Name("Used").Int(int(thread.inUse.Load()))
		threadObj.End()
	}
	threads.End()

	if f.arena != nil {
		arenaObj := json.Name("Arena").Object()
		f.arena.PrintJson(&arenaObj)
		arenaObj.End()
	}
}
