package arena

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/conductor/gpu"
	"github.com/vkngwrapper/conductor/gpu/headless"
	"github.com/vkngwrapper/conductor/gpu/mocks"
	"github.com/vkngwrapper/conductor/memutils"
	"go.uber.org/mock/gomock"
)

const (
	deviceLocalBits uint32 = 0b01
	hostVisibleBits uint32 = 0b10
	anyTypeBits     uint32 = 0b11
)

func readyAllocator(t *testing.T, options CreateOptions) (*headless.Device, *Allocator) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	device := headless.New(logger, headless.Options{})
	t.Cleanup(device.Close)

	allocator, err := New(logger, device, options)
	require.NoError(t, err)

	return device, allocator
}

func TestAllocateReusesBlock(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{DefaultBlockSize: 4096})

	first, err := allocator.Allocate(MemoryRequirements{Size: 1000, Alignment: 256, MemoryTypeBits: anyTypeBits}, gpu.MemoryPropertyDeviceLocal)
	require.NoError(t, err)
	require.Equal(t, 1, allocator.BlockCount())
	require.Equal(t, 0, first.Offset())
	require.Equal(t, 0, first.MemoryTypeIndex())

	second, err := allocator.Allocate(MemoryRequirements{Size: 500, Alignment: 256, MemoryTypeBits: anyTypeBits}, gpu.MemoryPropertyDeviceLocal)
	require.NoError(t, err)
	require.Equal(t, 1, allocator.BlockCount())
	require.Equal(t, first.BlockID(), second.BlockID())
	require.Equal(t, 1024, second.Offset())
	require.Equal(t, 0, second.Offset()%256)

	stats := allocator.Statistics()
	require.Equal(t, memutils.Statistics{
		BlockCount:      1,
		BlockBytes:      4096,
		AllocationCount: 2,
		AllocationBytes: 1500,
	}, stats)
}

func TestDeallocateAllRewindsBlocks(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{DefaultBlockSize: 4096})

	first, err := allocator.Allocate(MemoryRequirements{Size: 3000, MemoryTypeBits: anyTypeBits}, 0)
	require.NoError(t, err)

	allocator.DeallocateAll()
	require.Equal(t, 0, allocator.Statistics().AllocationCount)

	second, err := allocator.Allocate(MemoryRequirements{Size: 3000, MemoryTypeBits: anyTypeBits}, 0)
	require.NoError(t, err)
	require.Equal(t, 1, allocator.BlockCount())
	require.Equal(t, first.BlockID(), second.BlockID())
	require.Equal(t, 0, second.Offset())
}

func TestAllocateCreatesNewBlockWhenFull(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{DefaultBlockSize: 1024})

	first, err := allocator.Allocate(MemoryRequirements{Size: 800, MemoryTypeBits: anyTypeBits}, 0)
	require.NoError(t, err)
	second, err := allocator.Allocate(MemoryRequirements{Size: 800, MemoryTypeBits: anyTypeBits}, 0)
	require.NoError(t, err)

	require.NotEqual(t, first.BlockID(), second.BlockID())
	require.Equal(t, 0, second.Offset())
	require.Equal(t, 2, allocator.BlockCount())

	// The first block still has room for a small request
	third, err := allocator.Allocate(MemoryRequirements{Size: 100, Alignment: 16, MemoryTypeBits: anyTypeBits}, 0)
	require.NoError(t, err)
	require.Equal(t, first.BlockID(), third.BlockID())
	require.Equal(t, 800, third.Offset())
}

func TestOversizedRequestGetsDedicatedBlock(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{DefaultBlockSize: 1024})

	large, err := allocator.Allocate(MemoryRequirements{Size: 5000, MemoryTypeBits: anyTypeBits}, 0)
	require.NoError(t, err)
	require.Equal(t, 0, large.Offset())
	require.Equal(t, 5000, allocator.Statistics().BlockBytes)
}

func TestHostVisibleBlocksArePersistentlyMapped(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{DefaultBlockSize: 1024})

	local, err := allocator.Allocate(MemoryRequirements{Size: 64, MemoryTypeBits: anyTypeBits}, gpu.MemoryPropertyDeviceLocal)
	require.NoError(t, err)
	require.Nil(t, local.MappedPointer())
	require.Nil(t, local.MappedData())

	first, err := allocator.Allocate(MemoryRequirements{Size: 64, MemoryTypeBits: anyTypeBits}, gpu.MemoryPropertyHostVisible)
	require.NoError(t, err)
	require.Equal(t, 1, first.MemoryTypeIndex())
	second, err := allocator.Allocate(MemoryRequirements{Size: 64, Alignment: 64, MemoryTypeBits: anyTypeBits}, gpu.MemoryPropertyHostVisible)
	require.NoError(t, err)

	copy(first.MappedData(), []byte("first"))
	copy(second.MappedData(), []byte("second"))
	require.Equal(t, []byte("first"), first.MappedData()[:5])
	require.Equal(t, []byte("second"), second.MappedData()[:6])
	require.Len(t, second.MappedData(), 64)
}

func TestNoSuitableMemoryType(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{})

	_, err := allocator.Allocate(MemoryRequirements{Size: 64, MemoryTypeBits: deviceLocalBits}, gpu.MemoryPropertyHostVisible)
	require.True(t, errors.Is(err, memutils.ErrNoSuitableMemoryType))
	require.Equal(t, 0, allocator.BlockCount())

	_, err = allocator.Allocate(MemoryRequirements{Size: 64, MemoryTypeBits: hostVisibleBits}, gpu.MemoryPropertyHostVisible)
	require.NoError(t, err)
}

func TestInvalidRequests(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{})

	_, err := allocator.Allocate(MemoryRequirements{Size: 0, MemoryTypeBits: anyTypeBits}, 0)
	require.Error(t, err)

	_, err = allocator.Allocate(MemoryRequirements{Size: 16, Alignment: 24, MemoryTypeBits: anyTypeBits}, 0)
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))

	_, err = New(nil, headless.New(nil, headless.Options{}), CreateOptions{DefaultBlockSize: -1})
	require.Error(t, err)
}

func TestDeviceFailureIsOutOfMemory(t *testing.T) {
	ctrl := gomock.NewController(t)
	device := mocks.NewMockMemoryDevice(ctrl)
	device.EXPECT().MemoryTypes().Return([]gpu.MemoryType{{PropertyFlags: gpu.MemoryPropertyDeviceLocal}})
	device.EXPECT().AllocateMemory(0, 1024).Return(nil, errors.Mark(errors.New("refused"), gpu.ErrOutOfDeviceMemory))

	allocator, err := New(nil, device, CreateOptions{DefaultBlockSize: 1024})
	require.NoError(t, err)

	_, err = allocator.Allocate(MemoryRequirements{Size: 16, MemoryTypeBits: 1}, 0)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.True(t, errors.Is(err, gpu.ErrOutOfDeviceMemory))
	require.Equal(t, 0, allocator.BlockCount())
}

func TestHeadlessMemoryLimit(t *testing.T) {
	device := headless.New(nil, headless.Options{MemoryLimit: 2048})
	defer device.Close()

	allocator, err := New(nil, device, CreateOptions{DefaultBlockSize: 1024})
	require.NoError(t, err)

	_, err = allocator.Allocate(MemoryRequirements{Size: 1024, MemoryTypeBits: anyTypeBits}, 0)
	require.NoError(t, err)
	_, err = allocator.Allocate(MemoryRequirements{Size: 1024, MemoryTypeBits: anyTypeBits}, 0)
	require.NoError(t, err)
	_, err = allocator.Allocate(MemoryRequirements{Size: 1, MemoryTypeBits: anyTypeBits}, 0)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
}

func TestDestroyReleasesBlocks(t *testing.T) {
	device, allocator := readyAllocator(t, CreateOptions{DefaultBlockSize: 1024, Flags: CreateExternallySynchronized})

	_, err := allocator.Allocate(MemoryRequirements{Size: 16, MemoryTypeBits: anyTypeBits}, gpu.MemoryPropertyDeviceLocal)
	require.NoError(t, err)
	_, err = allocator.Allocate(MemoryRequirements{Size: 16, MemoryTypeBits: anyTypeBits}, gpu.MemoryPropertyHostVisible)
	require.NoError(t, err)
	require.Equal(t, 2, device.LiveMemory())
	require.NoError(t, allocator.Validate())

	allocator.Destroy()
	require.Equal(t, 0, device.LiveMemory())
	require.Equal(t, 0, allocator.BlockCount())
}

func TestBuildStatsString(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{DefaultBlockSize: 1024})

	_, err := allocator.Allocate(MemoryRequirements{Size: 100, MemoryTypeBits: anyTypeBits}, gpu.MemoryPropertyHostVisible)
	require.NoError(t, err)

	str, err := allocator.BuildStatsString()
	require.NoError(t, err)

	var parsed struct {
		DefaultBlockSize int
		Total            struct {
			BlockCount      int
			AllocationBytes int
		}
		Blocks map[string]struct {
			MemoryTypeIndex int
			Consumed        int
			Mapped          bool
		}
	}
	require.NoError(t, json.Unmarshal([]byte(str), &parsed))
	require.Equal(t, 1024, parsed.DefaultBlockSize)
	require.Equal(t, 1, parsed.Total.BlockCount)
	require.Equal(t, 100, parsed.Total.AllocationBytes)
	require.Equal(t, 1, parsed.Blocks["0"].MemoryTypeIndex)
	require.Equal(t, 100, parsed.Blocks["0"].Consumed)
	require.True(t, parsed.Blocks["0"].Mapped)
}
