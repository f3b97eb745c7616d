// Package scheduler is the public entry point for co-scheduling CPU and GPU work across frames. It
// owns a worker pool, a submission sequencer, and MaxFramesInFlight frame slots of per-thread
// command pools.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/conductor/arena"
	"github.com/vkngwrapper/conductor/command"
	"github.com/vkngwrapper/conductor/gpu"
	"github.com/vkngwrapper/conductor/sequencer"
	"github.com/vkngwrapper/conductor/task"
)

// MaxFramesInFlight is the number of frame slots the scheduler rotates through. While the CPU
// records frame N, the GPU may still be executing frame N-1.
const MaxFramesInFlight = 2

// ErrClosed fails GPU work scheduled after Close
var ErrClosed = errors.New("scheduler is closed")

// CreateOptions contains optional settings when creating a Scheduler
type CreateOptions struct {
	// WorkerCount is the number of CPU worker goroutines. When zero or negative, GOMAXPROCS is used.
	WorkerCount int
	// PollInterval is how often pending continuations are checked
	PollInterval time.Duration
	// Sequencer configures the GPU submission sequencer
	Sequencer sequencer.CreateOptions

	// MemoryDevice, if provided, is used to give every frame slot its own arena. The arena is
	// rewound when its frame slot is recycled.
	MemoryDevice gpu.MemoryDevice
	// Arena configures the per-frame arenas
	Arena arena.CreateOptions
}

type Scheduler struct {
	logger    *slog.Logger
	device    gpu.Device
	executor  *task.Executor
	sequencer *sequencer.Sequencer

	frames      [MaxFramesInFlight]*frameSlot
	frameIndex  atomic.Int32
	frameNumber atomic.Uint64

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New creates a Scheduler and all of its frame slots
func New(logger *slog.Logger, device gpu.Device, options CreateOptions) (*Scheduler, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	executor := task.NewExecutor(logger, task.CreateOptions{
		WorkerCount:  options.WorkerCount,
		PollInterval: options.PollInterval,
	})

	s := &Scheduler{
		logger:   logger,
		device:   device,
		executor: executor,
	}

	// One extra thread slot serves callers outside the worker pool
	threadCount := executor.WorkerCount() + 1
	for frameIndex := range s.frames {
		frame, err := newFrameSlot(frameIndex, threadCount, device)
		if err != nil {
			s.destroyFrames()
			executor.Close()
			return nil, err
		}
		s.frames[frameIndex] = frame

		if options.MemoryDevice != nil {
			frame.arena, err = arena.New(logger, options.MemoryDevice, options.Arena)
			if err != nil {
				s.destroyFrames()
				executor.Close()
				return nil, err
			}
		}
	}

	s.sequencer = sequencer.New(logger, device, options.Sequencer)
	return s, nil
}

func (s *Scheduler) destroyFrames() {
	for i, frame := range s.frames {
		if frame != nil {
			frame.destroy()
			s.frames[i] = nil
		}
	}
}

func (s *Scheduler) currentFrame() *frameSlot {
	return s.frames[s.frameIndex.Load()]
}

// FrameIndex is the frame slot currently being recorded, in [0, MaxFramesInFlight)
func (s *Scheduler) FrameIndex() int { return int(s.frameIndex.Load()) }

// FrameNumber is the number of times NextFrame has been called
func (s *Scheduler) FrameNumber() uint64 { return s.frameNumber.Load() }

// ExternalThreadIndex is the thread index reserved for goroutines outside the worker pool, such
// as the render loop, when calling GetCommandBuffer
func (s *Scheduler) ExternalThreadIndex() int { return s.executor.WorkerCount() }

func (s *Scheduler) WorkerCount() int { return s.executor.WorkerCount() }

func (s *Scheduler) Executor() *task.Executor { return s.executor }

func (s *Scheduler) Sequencer() *sequencer.Sequencer { return s.sequencer }

// FrameArena returns the arena belonging to the current frame slot, or nil if the scheduler was
// created without a MemoryDevice or has been closed
func (s *Scheduler) FrameArena() *arena.Allocator {
	frame := s.currentFrame()
	if frame == nil {
		return nil
	}
	return frame.arena
}

// GetCommandBuffer returns a recorder from the current frame slot that has begun recording.
// threadIndex must identify the calling goroutine: a worker's thread index, or ExternalThreadIndex.
func (s *Scheduler) GetCommandBuffer(threadIndex int) (*command.Recorder, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.currentFrame().recorder(threadIndex)
}

// Submit ends recording on a recorder obtained from GetCommandBuffer during the current frame and
// submits it in a newly reserved sequence slot. The returned task completes when the GPU has
// executed it.
func (s *Scheduler) Submit(recorder *command.Recorder) *task.Task[struct{}] {
	if s.closed.Load() {
		return task.Failed[struct{}](ErrClosed)
	}

	seq := s.sequencer.ReserveSlot()
	frame := s.currentFrame()
	frame.begin()

	promise := task.NewPromise[struct{}]()
	err := recorder.End()
	if err != nil {
		s.submitFailed(seq, frame, err, promise.Reject)
		return promise.Task()
	}

	s.submitRecorded(seq, frame, recorder, func(err error) {
		promise.Settle(struct{}{}, err)
	})
	return promise.Task()
}

// submitRecorded fills seq with recorder. onComplete is called exactly once, after frame's pending
// count has been released.
func (s *Scheduler) submitRecorded(seq int, frame *frameSlot, recorder *command.Recorder, onComplete func(error)) {
	var once sync.Once
	complete := func(err error) {
		once.Do(func() {
			frame.finish()
			onComplete(err)
		})
	}

	err := s.sequencer.SubmitCommandBuffer(seq, recorder, complete)
	if err != nil {
		complete(err)
	}
}

// submitFailed fills seq without commands so that later slots are not held back, then reports err
func (s *Scheduler) submitFailed(seq int, frame *frameSlot, err error, onFailed func(error)) {
	s.submitRecorded(seq, frame, nil, func(submitErr error) {
		onFailed(errors.CombineErrors(err, submitErr))
	})
}

// WaitForNextFrame blocks until the GPU has finished all work submitted from the frame slot that
// the next call to NextFrame will recycle
func (s *Scheduler) WaitForNextFrame(ctx context.Context) error {
	next := s.frames[(s.frameIndex.Load()+1)%MaxFramesInFlight]

	select {
	case <-next.Idle():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextFrame advances to the next frame slot and recycles its command pools, recorders, and arena.
// WaitForNextFrame must have returned first; debug builds panic if the slot still has work in flight.
func (s *Scheduler) NextFrame() error {
	nextIndex := (s.frameIndex.Load() + 1) % MaxFramesInFlight

	err := s.frames[nextIndex].reset()
	s.frameIndex.Store(nextIndex)
	s.frameNumber.Add(1)

	return err
}

// WaitForTasks blocks until every CPU task and pending continuation has run, including work
// launched while waiting
func (s *Scheduler) WaitForTasks() {
	s.executor.WaitForTasks()
}

// Close waits for outstanding CPU and GPU work and releases every resource owned by the scheduler
func (s *Scheduler) Close() error {
	s.closeOnce.Do(func() {
		// Tasks still running may schedule GPU work until the executor drains
		s.executor.Close()
		s.closed.Store(true)
		s.sequencer.Close()

		err := s.device.WaitIdle()
		if err != nil {
			s.closeErr = errors.Wrap(err, "failed waiting for device idle during shutdown")
		}

		s.destroyFrames()
	})

	return s.closeErr
}

// BuildStatsString returns a JSON document describing the scheduler's current state
func (s *Scheduler) BuildStatsString() (string, error) {
	writer := jwriter.NewWriter()
	objState := writer.Object()

	objState.Name("FrameNumber").Int(int(s.FrameNumber()))
	objState.Name("FrameIndex").Int(s.FrameIndex())

	executorObj := objState.Name("Executor").Object()
	executorObj.Name("WorkerCount").Int(s.executor.WorkerCount())
	executorObj.Name("Active").Int(s.executor.Active())
	executorObj.Name("Pending").Int(s.executor.Pending())
	executorObj.End()

	sequencerObj := objState.Name("Sequencer").Object()
	s.sequencer.PrintJson(&sequencerObj)
	sequencerObj.End()

	framesArr := objState.Name("Frames").Array()
	for _, frame := range s.frames {
		if frame == nil {
			continue
		}
		frameObj := framesArr.Object()
		frame.printJson(&frameObj)
		frameObj.End()
	}
	framesArr.End()

	objState.End()

	if err := writer.Error(); err != nil {
		return "", err
	}
	return string(writer.Bytes()), nil
}

// Schedule runs fn on the worker pool
func Schedule[R any](s *Scheduler, fn func() (R, error)) *task.Task[R] {
	return task.Launch(s.executor, fn)
}

// ScheduleIndexed runs fn on the worker pool, passing the worker's thread index
func ScheduleIndexed[R any](s *Scheduler, fn func(threadIndex int) (R, error)) *task.Task[R] {
	return task.LaunchIndexed(s.executor, fn)
}

// ScheduleAfter runs fn on the worker pool with dependency's value once dependency completes
func ScheduleAfter[D, R any](s *Scheduler, dependency *task.Task[D], fn func(D) (R, error)) *task.Task[R] {
	return task.LaunchAfter(s.executor, dependency, fn)
}

// ScheduleGpu runs fn on the worker pool with a recorder from the current frame slot, then submits
// the recording. Submission order follows the order of ScheduleGpu calls regardless of which
// recording finishes first. The returned task completes with fn's result once the GPU has executed
// the recorded commands. If fn fails, its slot is filled without commands so later work proceeds.
// After Close, the returned task fails with ErrClosed.
func ScheduleGpu[R any](s *Scheduler, fn func(recorder *command.Recorder) (R, error)) *task.Task[R] {
	if s.closed.Load() {
		return task.Failed[R](ErrClosed)
	}

	seq := s.sequencer.ReserveSlot()
	frame := s.currentFrame()
	frame.begin()

	promise := task.NewPromise[R]()
	task.LaunchIndexed(s.executor, func(threadIndex int) (struct{}, error) {
		recorder, err := frame.recorder(threadIndex)
		if err != nil {
			s.submitFailed(seq, frame, err, promise.Reject)
			return struct{}{}, nil
		}

		result, err := record(s.logger, recorder, fn)
		if err == nil {
			err = recorder.End()
		}
		if err != nil {
			s.submitFailed(seq, frame, err, promise.Reject)
			return struct{}{}, nil
		}

		s.submitRecorded(seq, frame, recorder, func(err error) {
			promise.Settle(result, err)
		})
		return struct{}{}, nil
	})

	return promise.Task()
}

// record runs fn and converts a panic into an error, so that a panicking recording still fills its slot
func record[R any](logger *slog.Logger, recorder *command.Recorder, fn func(*command.Recorder) (R, error)) (result R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Mark(errors.Newf("gpu task panicked: %v", r), task.ErrPanicked)
			logger.LogAttrs(context.Background(), slog.LevelError, "gpu task panicked",
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	return fn(recorder)
}
