package headless

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/conductor/gpu"
)

type pendingBatch struct {
	submission Submission
	buffers    []*CommandBuffer
	fence      *Fence
}

// Queue executes batches in submission order on a dedicated goroutine
type Queue struct {
	device *Device

	mutex     sync.Mutex
	cond      *sync.Cond
	pending   []pendingBatch
	executing bool
	paused    bool
	closed    bool
	lost      chan struct{}
	submitted []Submission
	done      chan struct{}
}

var _ gpu.Queue = &Queue{}

func newQueue(device *Device) *Queue {
	q := &Queue{
		device: device,
		lost:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mutex)

	go q.run()
	return q
}

func (q *Queue) Submit(commandBuffers []gpu.CommandBuffer, fence gpu.Fence) error {
	if q.device.isLost() {
		return q.device.lostError("queue submit")
	}

	batch := pendingBatch{
		submission: Submission{CommandBuffers: make([]int, 0, len(commandBuffers))},
		buffers:    make([]*CommandBuffer, 0, len(commandBuffers)),
	}

	for _, commandBuffer := range commandBuffers {
		buffer, ok := commandBuffer.(*CommandBuffer)
		if !ok {
			return errors.Newf("headless queue cannot execute command buffer of type %T", commandBuffer)
		}
		if state := buffer.currentState(); state != bufferStateExecutable {
			return errors.Newf("command buffer %d was submitted in state %s", buffer.id, state)
		}

		batch.buffers = append(batch.buffers, buffer)
		batch.submission.CommandBuffers = append(batch.submission.CommandBuffers, buffer.id)
	}

	if fence != nil {
		headlessFence, ok := fence.(*Fence)
		if !ok {
			return errors.Newf("headless queue cannot signal fence of type %T", fence)
		}
		if !headlessFence.markPending() {
			return errors.New("fence was submitted while already pending or signalled")
		}
		batch.fence = headlessFence
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.closed {
		return errors.New("headless queue is closed")
	}

	batch.submission.Index = len(q.submitted)
	q.submitted = append(q.submitted, batch.submission)
	q.pending = append(q.pending, batch)
	q.cond.Broadcast()

	q.device.logger.LogAttrs(context.Background(), slog.LevelDebug, "headless queue accepted batch",
		slog.Int("index", batch.submission.Index),
		slog.Int("commandBuffers", len(batch.buffers)),
	)
	return nil
}

func (q *Queue) run() {
	defer close(q.done)

	for {
		q.mutex.Lock()
		for !q.closed && (q.paused || len(q.pending) == 0) {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			// closed with nothing left
			q.mutex.Unlock()
			return
		}

		batch := q.pending[0]
		q.pending = q.pending[1:]
		q.executing = true
		q.mutex.Unlock()

		if q.device.options.Latency > 0 {
			time.Sleep(q.device.options.Latency)
		}

		lost := q.device.isLost()
		if !lost && batch.fence != nil {
			batch.fence.signal()
		}

		q.mutex.Lock()
		q.executing = false
		q.cond.Broadcast()
		q.mutex.Unlock()
	}
}

func (q *Queue) waitIdle(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		q.mutex.Lock()
		q.cond.Broadcast()
		q.mutex.Unlock()
	})
	defer stop()

	q.mutex.Lock()
	defer q.mutex.Unlock()

	for len(q.pending) > 0 || q.executing {
		if q.isLostLocked() {
			return q.device.lostError("wait idle")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		q.cond.Wait()
	}

	if q.isLostLocked() {
		return q.device.lostError("wait idle")
	}
	return nil
}

func (q *Queue) isLostLocked() bool {
	select {
	case <-q.lost:
		return true
	default:
		return false
	}
}

func (q *Queue) lostChannel() <-chan struct{} {
	return q.lost
}

func (q *Queue) lose() {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if !q.isLostLocked() {
		close(q.lost)
	}
	// Lost batches never complete
	q.pending = nil
	q.cond.Broadcast()
}

func (q *Queue) setPaused(paused bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.paused = paused
	q.cond.Broadcast()
}

func (q *Queue) close() {
	q.mutex.Lock()
	if q.closed {
		q.mutex.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.paused = false
	q.cond.Broadcast()
	q.mutex.Unlock()

	<-q.done
}

func (q *Queue) history() []Submission {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	result := make([]Submission, len(q.submitted))
	for i, submission := range q.submitted {
		result[i] = Submission{
			Index:          submission.Index,
			CommandBuffers: append([]int(nil), submission.CommandBuffers...),
		}
	}
	return result
}
