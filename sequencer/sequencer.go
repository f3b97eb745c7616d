// Package sequencer turns command recorders filled out of order into queue submissions made in
// reservation order. Callers reserve a sequence index before recording begins and fill it once
// recording completes; the longest contiguous run of filled indices is flushed to the queue as a
// single batch guarded by a pooled fence.
package sequencer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/conductor/command"
	"github.com/vkngwrapper/conductor/gpu"
	"github.com/vkngwrapper/conductor/internal/utils"
	"github.com/vkngwrapper/conductor/task"
	"golang.org/x/exp/slices"
)

// CompletionFunc is called once the GPU has finished the submission containing a slot, or with
// an error if the submission failed or never completed
type CompletionFunc func(err error)

// ErrShutdown is passed to completion callbacks whose submissions were still outstanding when the
// sequencer was closed
var ErrShutdown = errors.New("sequencer closed before submission completed")

type slot struct {
	filled     bool
	recorder   *command.Recorder
	onComplete CompletionFunc
}

type inFlightSubmit struct {
	fence     gpu.Fence
	callbacks []CompletionFunc
	first     int
	count     int
}

type Sequencer struct {
	logger  *slog.Logger
	device  gpu.Device
	queue   gpu.Queue
	options CreateOptions

	mutex sync.Mutex
	// slots holds every reserved index from numSubmitted onward: slots[i] is index numSubmitted+i
	slots        []slot
	reserved     int
	numSubmitted int
	fencePool    []gpu.Fence
	fenceCount   int
	inFlight     []*inFlightSubmit
	retiring     int
	submissions  int
	closed       bool

	wake           utils.WakeSignal
	closing        chan struct{}
	completionDone chan struct{}
}

// ReserveSlot returns the next sequence index. It must be called before the work that fills the
// slot is dispatched, so that reservation order reflects program order.
func (s *Sequencer) ReserveSlot() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	seq := s.reserved
	s.reserved++
	s.slots = append(s.slots, slot{})
	return seq
}

// SubmitCommandBuffer fills slot seq with recorder, which must have finished recording, and flushes
// every contiguous filled slot from the front of the sequence. A nil recorder fills the slot without
// contributing commands, which lets later slots proceed when recording failed. onComplete may be nil.
//
// An error is returned without invoking onComplete if seq was never reserved or was already filled.
// If the flush itself fails, onComplete and the callbacks of every slot in the same run are invoked
// with the error, which is also returned.
func (s *Sequencer) SubmitCommandBuffer(seq int, recorder *command.Recorder, onComplete CompletionFunc) error {
	s.mutex.Lock()

	if s.closed {
		s.mutex.Unlock()
		return errors.Newf("cannot submit sequence index %d: sequencer is closed", seq)
	}
	if seq < 0 || seq >= s.reserved {
		s.mutex.Unlock()
		return errors.Newf("sequence index %d was never reserved", seq)
	}
	if seq < s.numSubmitted || s.slots[seq-s.numSubmitted].filled {
		s.mutex.Unlock()
		return errors.Newf("sequence index %d was already filled", seq)
	}

	s.slots[seq-s.numSubmitted] = slot{
		filled:     true,
		recorder:   recorder,
		onComplete: onComplete,
	}

	immediate, failed, err := s.flushLocked()
	s.mutex.Unlock()

	for _, callback := range immediate {
		callback(nil)
	}
	for _, callback := range failed {
		callback(err)
	}

	return err
}

// Submit fills slot seq with recorder and returns a task that completes when the GPU has executed it
func (s *Sequencer) Submit(seq int, recorder *command.Recorder) *task.Task[struct{}] {
	promise := task.NewPromise[struct{}]()
	var once sync.Once
	settle := func(err error) {
		once.Do(func() {
			promise.Settle(struct{}{}, err)
		})
	}

	err := s.SubmitCommandBuffer(seq, recorder, settle)
	if err != nil {
		settle(err)
	}

	return promise.Task()
}

// flushLocked submits the longest contiguous run of filled slots. It returns callbacks that should
// be run with a nil error and callbacks that should be run with the returned error; both must be
// invoked after the mutex is released.
func (s *Sequencer) flushLocked() (immediate []CompletionFunc, failed []CompletionFunc, err error) {
	runLength := 0
	for runLength < len(s.slots) && s.slots[runLength].filled {
		runLength++
	}
	if runLength == 0 {
		return nil, nil, nil
	}

	first := s.numSubmitted
	var buffers []gpu.CommandBuffer
	var callbacks []CompletionFunc
	for _, filled := range s.slots[:runLength] {
		if filled.recorder != nil {
			buffers = append(buffers, filled.recorder.CommandBuffer())
		}
		if filled.onComplete != nil {
			callbacks = append(callbacks, filled.onComplete)
		}
	}

	s.slots = deleteFront(s.slots, runLength)
	s.numSubmitted += runLength

	if len(buffers) == 0 {
		// Nothing for the GPU to do. Completion still waits on earlier work so callbacks fire in
		// sequence order.
		if len(s.inFlight) > 0 {
			last := s.inFlight[len(s.inFlight)-1]
			last.callbacks = append(last.callbacks, callbacks...)
			last.count += runLength
			return nil, nil, nil
		}
		return callbacks, nil, nil
	}

	fence, err := s.acquireFenceLocked()
	if err != nil {
		return nil, callbacks, errors.Wrapf(err, "failed to acquire fence for sequence indices %d-%d", first, first+runLength-1)
	}

	err = s.queue.Submit(buffers, fence)
	if err != nil {
		s.fencePool = append(s.fencePool, fence)
		return nil, callbacks, errors.Wrapf(err, "failed to submit sequence indices %d-%d", first, first+runLength-1)
	}

	s.inFlight = append(s.inFlight, &inFlightSubmit{
		fence:     fence,
		callbacks: callbacks,
		first:     first,
		count:     runLength,
	})
	s.submissions++
	s.wake.Notify()

	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "submitted command buffers",
		slog.Int("first", first),
		slog.Int("slots", runLength),
		slog.Int("commandBuffers", len(buffers)),
	)

	return nil, nil, nil
}

func (s *Sequencer) acquireFenceLocked() (gpu.Fence, error) {
	if len(s.fencePool) > 0 {
		fence := s.fencePool[len(s.fencePool)-1]
		s.fencePool = s.fencePool[:len(s.fencePool)-1]
		return fence, nil
	}

	fence, err := s.device.CreateFence()
	if err != nil {
		return nil, err
	}
	s.fenceCount++

	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "fence pool grew",
		slog.Int("fences", s.fenceCount),
	)
	return fence, nil
}

// complete is the body of the completion goroutine. Submissions complete in queue order, so only the
// oldest in-flight fence is polled.
func (s *Sequencer) complete() {
	defer close(s.completionDone)

	for {
		s.mutex.Lock()
		if len(s.inFlight) == 0 {
			s.mutex.Unlock()

			select {
			case <-s.closing:
				return
			case <-s.wake.C:
			}
			continue
		}
		head := s.inFlight[0]
		s.mutex.Unlock()

		signalled, err := head.fence.Wait(s.options.FencePollTimeout)
		if err != nil {
			s.retireHead(head, false)
			head.fence.Destroy()

			s.logger.LogAttrs(context.Background(), slog.LevelError, "fence wait failed",
				slog.Int("first", head.first),
				slog.Int("slots", head.count),
				slog.Any("error", err),
			)
			s.runRetired(head, errors.Wrap(err, "failed waiting for submission to complete"))
			continue
		}

		if !signalled {
			select {
			case <-s.closing:
				return
			default:
			}
			continue
		}

		err = head.fence.Reset()
		if err != nil {
			s.logger.LogAttrs(context.Background(), slog.LevelError, "failed to reset fence",
				slog.Any("error", err),
			)
		}
		s.retireHead(head, err == nil)
		if err != nil {
			head.fence.Destroy()
		}

		s.runRetired(head, nil)
	}
}

// retireHead removes head from the in-flight list and optionally returns its fence to the pool.
// The callback list is final once head has been removed.
func (s *Sequencer) retireHead(head *inFlightSubmit, recycle bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.inFlight = deleteFront(s.inFlight, 1)
	s.retiring++
	if recycle {
		s.fencePool = append(s.fencePool, head.fence)
	} else {
		s.fenceCount--
	}
}

// runRetired runs the callbacks of a head removed by retireHead
func (s *Sequencer) runRetired(head *inFlightSubmit, err error) {
	runCallbacks(head.callbacks, err)

	s.mutex.Lock()
	s.retiring--
	s.mutex.Unlock()
}

// deleteFront removes the first count elements and zeroes the vacated tail so that removed
// recorders and callbacks are not retained by the backing array
func deleteFront[T any](elements []T, count int) []T {
	length := len(elements)
	elements = slices.Delete(elements, 0, count)
	clear(elements[len(elements):length])
	return elements
}

func runCallbacks(callbacks []CompletionFunc, err error) {
	for _, callback := range callbacks {
		callback(err)
	}
}

func (s *Sequencer) idle() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return len(s.inFlight) == 0 && s.retiring == 0
}

// WaitIdle blocks until every flushed submission has completed and its callbacks have returned, or
// ctx is cancelled. Slots that are
// reserved but blocked behind an unfilled slot are not waited for.
func (s *Sequencer) WaitIdle(ctx context.Context) error {
	for !s.idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.options.IdlePollInterval):
		}
	}

	return nil
}

// Close waits up to ShutdownTimeout for in-flight submissions, stops the completion goroutine,
// and destroys pooled fences. A timeout is logged rather than returned: callbacks still outstanding
// receive ErrShutdown and their fences are abandoned rather than destroyed while in use.
func (s *Sequencer) Close() {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return
	}
	s.closed = true
	s.mutex.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.options.ShutdownTimeout)
	defer cancel()
	waitErr := s.WaitIdle(ctx)

	close(s.closing)
	<-s.completionDone

	s.mutex.Lock()
	abandoned := s.inFlight
	s.inFlight = nil
	unflushed := s.slots
	s.slots = nil
	pool := s.fencePool
	s.fencePool = nil
	s.fenceCount -= len(pool)
	s.mutex.Unlock()

	if waitErr != nil {
		s.logger.LogAttrs(context.Background(), slog.LevelError, "timed out waiting for in-flight submissions during shutdown",
			slog.Duration("timeout", s.options.ShutdownTimeout),
			slog.Int("submissions", len(abandoned)),
		)
	}
	for _, submit := range abandoned {
		runCallbacks(submit.callbacks, ErrShutdown)
	}

	unfilled := 0
	for _, remaining := range unflushed {
		if !remaining.filled {
			unfilled++
			continue
		}
		if remaining.onComplete != nil {
			remaining.onComplete(ErrShutdown)
		}
	}
	if len(unflushed) > 0 {
		s.logger.LogAttrs(context.Background(), slog.LevelWarn, "sequencer closed with unflushed slots",
			slog.Int("unfilled", unfilled),
			slog.Int("blocked", len(unflushed)-unfilled),
		)
	}

	for _, fence := range pool {
		fence.Destroy()
	}
}

func (s *Sequencer) Reserved() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.reserved
}

// NumSubmitted is the length of the flushed prefix of the sequence
func (s *Sequencer) NumSubmitted() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.numSubmitted
}

// InFlight is the number of queue submissions whose fences have not yet been observed
func (s *Sequencer) InFlight() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return len(s.inFlight)
}

func (s *Sequencer) PooledFences() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return len(s.fencePool)
}

// Submissions is the total number of queue submissions made
func (s *Sequencer) Submissions() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.submissions
}

func (s *Sequencer) PrintJson(json *jwriter.ObjectState) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	json.Name("Reserved").Int(s.reserved)
	json.Name("Submitted").Int(s.numSubmitted)
	json.Name("Submissions").Int(s.submissions)
	json.Name("InFlight").Int(len(s.inFlight))
	json.Name("Fences").Int(s.fenceCount)
	json.Name("PooledFences").Int(len(s.fencePool))
}
