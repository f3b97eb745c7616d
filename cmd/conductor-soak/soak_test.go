package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func shortConfig(backend string) Config {
	config := DefaultConfig()
	config.Backend = backend
	config.Workers = 3
	config.Frames = 12
	config.Producers = 3
	config.CpuTasks = 9
	config.GpuTasks = 6
	config.UploadBytes = 512
	config.Latency = Duration(100 * time.Microsecond)
	return config
}

func runShort(t *testing.T, config Config) (Result, map[string]any) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	result, stats, err := Run(context.Background(), logger, config)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(stats), &parsed))
	return result, parsed
}

func TestRunHeadless(t *testing.T) {
	config := shortConfig(BackendHeadless)
	result, stats := runShort(t, config)

	require.Equal(t, int64(config.Frames*config.CpuTasks), result.CpuTasks)
	require.Equal(t, int64(config.Frames*config.GpuTasks), result.GpuTasks)
	require.Equal(t, int64(config.Frames*config.GpuTasks*config.UploadBytes), result.UploadedSize)
	require.EqualValues(t, config.Frames, stats["FrameNumber"])
	require.Contains(t, stats, "Sequencer")
	require.Len(t, stats["Frames"], 2)
}

func TestRunNoop(t *testing.T) {
	config := shortConfig(BackendNoop)
	result, _ := runShort(t, config)

	require.Equal(t, int64(config.Frames*config.GpuTasks), result.GpuTasks)
}

func TestRunWithoutArenas(t *testing.T) {
	config := shortConfig(BackendHeadless)
	config.UploadBytes = 0
	result, _ := runShort(t, config)

	require.Zero(t, result.UploadedSize)
}
