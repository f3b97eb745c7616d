package main

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/wgpu/hal/noop"
	"github.com/vkngwrapper/conductor/arena"
	"github.com/vkngwrapper/conductor/command"
	"github.com/vkngwrapper/conductor/gpu"
	"github.com/vkngwrapper/conductor/gpu/headless"
	"github.com/vkngwrapper/conductor/gpu/wgpuhal"
	"github.com/vkngwrapper/conductor/scheduler"
	"github.com/vkngwrapper/conductor/task"
	"golang.org/x/sync/errgroup"
)

type backend struct {
	device gpu.Device
	memory gpu.MemoryDevice
	close  func()
}

func openBackend(logger *slog.Logger, config Config) (*backend, error) {
	switch config.Backend {
	case BackendNoop:
		instance, err := noop.API{}.CreateInstance(nil)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create noop instance")
		}
		adapters := instance.EnumerateAdapters(nil)
		if len(adapters) == 0 {
			instance.Destroy()
			return nil, errors.New("noop instance reported no adapters")
		}
		device, err := wgpuhal.Open(adapters[0].Adapter)
		if err != nil {
			instance.Destroy()
			return nil, err
		}
		return &backend{
			device: device,
			memory: device,
			close: func() {
				device.Destroy()
				instance.Destroy()
			},
		}, nil
	default:
		device := headless.New(logger, headless.Options{Latency: time.Duration(config.Latency)})
		return &backend{device: device, memory: device, close: device.Close}, nil
	}
}

// Result summarizes a soak run
type Result struct {
	Frames       int
	CpuTasks     int64
	GpuTasks     int64
	UploadedSize int64
	Elapsed      time.Duration
}

type soak struct {
	logger    *slog.Logger
	config    Config
	scheduler *scheduler.Scheduler

	cpuTasks atomic.Int64
	gpuTasks atomic.Int64
	uploaded atomic.Int64

	outstandingMutex sync.Mutex
	outstanding      []*task.Task[struct{}]
}

// Run drives config.Frames frames through a scheduler on the configured backend, failing on the
// first task error
func Run(ctx context.Context, logger *slog.Logger, config Config) (Result, string, error) {
	back, err := openBackend(logger, config)
	if err != nil {
		return Result{}, "", err
	}
	defer back.close()

	options := scheduler.CreateOptions{
		WorkerCount:  config.Workers,
		PollInterval: time.Duration(config.PollInterval),
	}
	if config.UploadBytes > 0 {
		options.MemoryDevice = back.memory
		options.Arena = arena.CreateOptions{DefaultBlockSize: config.ArenaBlockSize}
	}

	sched, err := scheduler.New(logger, back.device, options)
	if err != nil {
		return Result{}, "", err
	}

	s := &soak{logger: logger, config: config, scheduler: sched}
	start := time.Now()
	runErr := s.run(ctx)
	elapsed := time.Since(start)

	stats, statsErr := sched.BuildStatsString()
	closeErr := sched.Close()

	result := Result{
		Frames:       config.Frames,
		CpuTasks:     s.cpuTasks.Load(),
		GpuTasks:     s.gpuTasks.Load(),
		UploadedSize: s.uploaded.Load(),
		Elapsed:      elapsed,
	}
	return result, stats, errors.CombineErrors(runErr, errors.CombineErrors(statsErr, closeErr))
}

func (s *soak) run(ctx context.Context) error {
	for frame := 0; frame < s.config.Frames; frame++ {
		if err := s.frame(ctx); err != nil {
			return errors.Wrapf(err, "frame %d", frame)
		}

		waitCtx, cancel := context.WithTimeout(ctx, time.Duration(s.config.FrameTimeout))
		err := s.scheduler.WaitForNextFrame(waitCtx)
		cancel()
		if err != nil {
			return errors.Wrapf(err, "frame %d: waiting for frame slot", frame)
		}

		if err := s.collect(false); err != nil {
			return errors.Wrapf(err, "frame %d", frame)
		}
		if err := s.scheduler.NextFrame(); err != nil {
			return errors.Wrapf(err, "frame %d: recycling frame slot", frame)
		}

		if frame%60 == 0 {
			s.logger.LogAttrs(ctx, slog.LevelInfo, "soak progress",
				slog.Int("frame", frame),
				slog.Int64("cpuTasks", s.cpuTasks.Load()),
				slog.Int64("gpuTasks", s.gpuTasks.Load()),
			)
		}
	}

	s.scheduler.WaitForTasks()
	if err := s.scheduler.Sequencer().WaitIdle(ctx); err != nil {
		return err
	}
	return s.collect(true)
}

// frame has every producer schedule its share of work concurrently, then records one command
// buffer from the calling goroutine
func (s *soak) frame(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	for producer := 0; producer < s.config.Producers; producer++ {
		cpuTasks := share(s.config.CpuTasks, s.config.Producers, producer)
		gpuTasks := share(s.config.GpuTasks, s.config.Producers, producer)

		group.Go(func() error {
			for i := 0; i < cpuTasks; i++ {
				if err := groupCtx.Err(); err != nil {
					return err
				}
				s.scheduleCpu(i)
			}
			for i := 0; i < gpuTasks; i++ {
				if err := groupCtx.Err(); err != nil {
					return err
				}
				s.scheduleGpu()
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}

	recorder, err := s.scheduler.GetCommandBuffer(s.scheduler.ExternalThreadIndex())
	if err != nil {
		return err
	}
	s.track(s.scheduler.Submit(recorder))
	return nil
}

func share(total, parts, index int) int {
	count := total / parts
	if index < total%parts {
		count++
	}
	return count
}

func (s *soak) scheduleCpu(seed int) {
	sum := scheduler.Schedule(s.scheduler, func() (int, error) {
		s.cpuTasks.Add(1)
		total := 0
		for i := 0; i <= seed; i++ {
			total += i
		}
		return total, nil
	})

	s.track(scheduler.ScheduleAfter(s.scheduler, sum, func(total int) (struct{}, error) {
		if expected := seed * (seed + 1) / 2; total != expected {
			return struct{}{}, errors.Newf("checksum mismatch: %d != %d", total, expected)
		}
		return struct{}{}, nil
	}))
}

func (s *soak) scheduleGpu() {
	frameArena := s.scheduler.FrameArena()
	uploadBytes := s.config.UploadBytes

	s.track(scheduler.ScheduleGpu(s.scheduler, func(recorder *command.Recorder) (struct{}, error) {
		s.gpuTasks.Add(1)
		if frameArena == nil || uploadBytes == 0 {
			return struct{}{}, nil
		}

		allocation, err := frameArena.Allocate(arena.MemoryRequirements{
			Size:           uploadBytes,
			Alignment:      256,
			MemoryTypeBits: ^uint32(0),
		}, gpu.MemoryPropertyHostVisible)
		if err != nil {
			return struct{}{}, err
		}

		data := allocation.MappedData()
		for i := range data {
			data[i] = byte(i)
		}
		s.uploaded.Add(int64(len(data)))
		return struct{}{}, nil
	}))
}

func (s *soak) track(t *task.Task[struct{}]) {
	s.outstandingMutex.Lock()
	defer s.outstandingMutex.Unlock()

	s.outstanding = append(s.outstanding, t)
}

// collect drops settled tasks and returns the first failure. When all is set, every task must
// have settled.
func (s *soak) collect(all bool) error {
	s.outstandingMutex.Lock()
	defer s.outstandingMutex.Unlock()

	remaining := s.outstanding[:0]
	for _, t := range s.outstanding {
		if !t.Ready() {
			if all {
				return errors.New("task still outstanding after the scheduler went idle")
			}
			remaining = append(remaining, t)
			continue
		}
		if err := t.Err(); err != nil {
			return err
		}
	}

	clear(s.outstanding[len(remaining):])
	s.outstanding = remaining
	return nil
}
