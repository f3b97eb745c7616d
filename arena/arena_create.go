package arena

import (
	"log/slog"

	"github.com/vkngwrapper/conductor/gpu"
	"github.com/vkngwrapper/conductor/internal/utils"
	"github.com/vkngwrapper/core/v2/common"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized ensures that this allocator will not be synchronized internally.
	// The consumer must guarantee it is used from only one goroutine at a time.
	CreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
}

const (
	// DefaultBlockSize is used when CreateOptions.DefaultBlockSize is left at zero. It is equal to 64Mb.
	DefaultBlockSize int = 64 * 1024 * 1024
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// DefaultBlockSize is the size of each block requested from the device. Requests larger than
	// this receive a block of exactly their own size.
	DefaultBlockSize int
}

// New creates a new Allocator
//
// device - The MemoryDevice that blocks will be allocated from
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, device gpu.MemoryDevice, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	blockSize := options.DefaultBlockSize
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	} else if blockSize < 0 {
		return nil, errInvalidBlockSize(blockSize)
	}

	allocator := &Allocator{
		logger:      logger,
		device:      device,
		blockSize:   blockSize,
		createFlags: options.Flags,
		memoryTypes: device.MemoryTypes(),
		mutex: utils.OptionalRWMutex{
			UseMutex: options.Flags&CreateExternallySynchronized == 0,
		},
	}

	return allocator, nil
}
