// Package headless provides an in-process gpu.Device and gpu.MemoryDevice. Submissions are
// "executed" by a queue goroutine after a configurable latency, in submission order, and fences are
// signalled as they complete. It is used for tests and for driving the scheduler without a GPU.
package headless

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/conductor/gpu"
)

// Options contains optional settings when creating a headless device
type Options struct {
	// Latency is how long each submission takes to "execute" on the queue
	Latency time.Duration
	// MemoryTypes overrides the memory types reported by the device. When empty, the device
	// reports one device-local type and one host-visible, host-coherent type.
	MemoryTypes []gpu.MemoryType
	// MemoryLimit caps the total bytes of device memory that may be allocated. Zero means unlimited.
	MemoryLimit int
}

// Submission is a record of one batch passed to the queue
type Submission struct {
	Index          int
	CommandBuffers []int
}

type Device struct {
	logger  *slog.Logger
	options Options
	queue   *Queue

	mutex          sync.Mutex
	lost           bool
	nextPoolID     int
	nextBufferID   int
	liveFences     int
	allocatedBytes int
	liveMemory     int
	pools          []*CommandPool
}

var _ gpu.Device = &Device{}
var _ gpu.MemoryDevice = &Device{}

func New(logger *slog.Logger, options Options) *Device {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if len(options.MemoryTypes) == 0 {
		options.MemoryTypes = []gpu.MemoryType{
			{PropertyFlags: gpu.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCoherent, HeapIndex: 1},
		}
	}

	d := &Device{
		logger:  logger,
		options: options,
	}
	d.queue = newQueue(d)
	return d
}

func (d *Device) CreateCommandPool(label string) (gpu.CommandPool, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.lost {
		return nil, d.lostError("create command pool")
	}

	pool := &CommandPool{
		device: d,
		id:     d.nextPoolID,
		label:  label,
	}
	d.nextPoolID++
	d.pools = append(d.pools, pool)
	return pool, nil
}

func (d *Device) CreateFence() (gpu.Fence, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.lost {
		return nil, d.lostError("create fence")
	}

	d.liveFences++
	return newFence(d), nil
}

func (d *Device) Queue() gpu.Queue {
	return d.queue
}

func (d *Device) WaitIdle() error {
	return d.queue.waitIdle(context.Background())
}

// Close stops the queue goroutine. Work still queued is completed first.
func (d *Device) Close() {
	d.queue.close()
}

// LoseDevice simulates device loss: every subsequent call that touches the device fails with an error
// marked gpu.ErrDeviceLost, and unsignalled fences fail their waits.
func (d *Device) LoseDevice() {
	d.mutex.Lock()
	d.lost = true
	d.mutex.Unlock()

	d.queue.lose()
}

func (d *Device) isLost() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.lost
}

func (d *Device) lostError(operation string) error {
	return errors.Mark(errors.Newf("headless device: %s failed", operation), gpu.ErrDeviceLost)
}

// Pause holds queue execution; submissions accumulate until Resume is called
func (d *Device) Pause() { d.queue.setPaused(true) }

func (d *Device) Resume() { d.queue.setPaused(false) }

// Submissions returns a copy of every batch submitted so far, in submission order
func (d *Device) Submissions() []Submission {
	return d.queue.history()
}

// LiveFences is the number of fences created and not yet destroyed
func (d *Device) LiveFences() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.liveFences
}

// LiveMemory is the number of DeviceMemory objects allocated and not yet destroyed
func (d *Device) LiveMemory() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.liveMemory
}

// CommandPools returns every pool created from this device, including destroyed ones
func (d *Device) CommandPools() []*CommandPool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return append([]*CommandPool(nil), d.pools...)
}

func (d *Device) issueBufferID() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	id := d.nextBufferID
	d.nextBufferID++
	return id
}

func (d *Device) fenceDestroyed() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.liveFences--
}
