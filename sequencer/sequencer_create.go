package sequencer

import (
	"log/slog"
	"time"

	"github.com/vkngwrapper/conductor/gpu"
	"github.com/vkngwrapper/conductor/internal/utils"
)

const (
	// DefaultFencePollTimeout bounds each fence wait performed by the completion goroutine so that
	// newly submitted work is noticed promptly
	DefaultFencePollTimeout = time.Millisecond
	// DefaultIdlePollInterval is how often Close and WaitIdle recheck for outstanding submissions
	DefaultIdlePollInterval = 2 * time.Millisecond
	// DefaultShutdownTimeout bounds how long Close waits for in-flight submissions
	DefaultShutdownTimeout = 5 * time.Second
)

// CreateOptions contains optional settings when creating a Sequencer. Zero values select defaults.
type CreateOptions struct {
	FencePollTimeout time.Duration
	IdlePollInterval time.Duration
	ShutdownTimeout  time.Duration
}

// New creates a Sequencer that submits to device's queue and starts its completion goroutine
func New(logger *slog.Logger, device gpu.Device, options CreateOptions) *Sequencer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if options.FencePollTimeout <= 0 {
		options.FencePollTimeout = DefaultFencePollTimeout
	}
	if options.IdlePollInterval <= 0 {
		options.IdlePollInterval = DefaultIdlePollInterval
	}
	if options.ShutdownTimeout <= 0 {
		options.ShutdownTimeout = DefaultShutdownTimeout
	}

	s := &Sequencer{
		logger:         logger,
		device:         device,
		queue:          device.Queue(),
		options:        options,
		wake:           utils.NewWakeSignal(),
		closing:        make(chan struct{}),
		completionDone: make(chan struct{}),
	}

	go s.complete()
	return s
}
