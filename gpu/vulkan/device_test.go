package vulkan

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/conductor/gpu"
	"github.com/vkngwrapper/core/v2/core1_0"
)

func TestTranslateMemoryProperties(t *testing.T) {
	require.Equal(t, gpu.MemoryPropertyFlags(0), translateMemoryProperties(0))
	require.Equal(t, gpu.MemoryPropertyDeviceLocal, translateMemoryProperties(core1_0.MemoryPropertyDeviceLocal))
	require.Equal(t,
		gpu.MemoryPropertyHostVisible|gpu.MemoryPropertyHostCoherent|gpu.MemoryPropertyHostCached,
		translateMemoryProperties(core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent|core1_0.MemoryPropertyHostCached),
	)
}

func TestTranslateError(t *testing.T) {
	cause := errors.New("vulkan failure")

	err := translateError(core1_0.VKErrorDeviceLost, cause, "waiting on fence %d", 3)
	require.True(t, errors.Is(err, gpu.ErrDeviceLost))
	require.True(t, errors.Is(err, cause))
	require.Contains(t, err.Error(), "waiting on fence 3")

	err = translateError(core1_0.VKErrorOutOfDeviceMemory, cause, "allocating")
	require.True(t, errors.Is(err, gpu.ErrOutOfDeviceMemory))

	err = translateError(core1_0.VKErrorUnknown, cause, "other")
	require.False(t, errors.Is(err, gpu.ErrDeviceLost))
	require.False(t, errors.Is(err, gpu.ErrOutOfDeviceMemory))
}
