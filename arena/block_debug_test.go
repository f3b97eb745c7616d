//go:build debug_conductor

package arena

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/conductor/gpu/headless"
)

func TestTryAllocateRejectsUnalignedRequests(t *testing.T) {
	device := headless.New(nil, headless.Options{})
	defer device.Close()

	memory, err := device.AllocateMemory(0, 1024)
	require.NoError(t, err)

	block := &memoryBlock{}
	block.Init(0, 0, 1024, memory, nil)
	defer block.Destroy()

	offset, ok := block.tryAllocate(16, 64)
	require.True(t, ok)
	require.Equal(t, 0, offset)

	require.Panics(t, func() { block.tryAllocate(16, 24) })
}
