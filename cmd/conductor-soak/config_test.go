package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeConfigOverridesDefaults(t *testing.T) {
	config, err := DecodeConfig(strings.NewReader(`
backend = "noop"
log_level = "debug"
workers = 3
frames = 10
latency = "250us"
frame_timeout = "2s"
`))
	require.NoError(t, err)

	require.Equal(t, BackendNoop, config.Backend)
	require.Equal(t, slog.LevelDebug, config.LogLevel)
	require.Equal(t, 3, config.Workers)
	require.Equal(t, 10, config.Frames)
	require.Equal(t, Duration(250*time.Microsecond), config.Latency)
	require.Equal(t, Duration(2*time.Second), config.FrameTimeout)

	defaults := DefaultConfig()
	require.Equal(t, defaults.Producers, config.Producers)
	require.Equal(t, defaults.UploadBytes, config.UploadBytes)
}

func TestDecodeConfigRejectsUnknownKeys(t *testing.T) {
	_, err := DecodeConfig(strings.NewReader("frams = 10\n"))
	require.ErrorContains(t, err, "unknown configuration keys")
	require.ErrorContains(t, err, "frams")
}

func TestDecodeConfigRejectsBadValues(t *testing.T) {
	_, err := DecodeConfig(strings.NewReader(`latency = "soon"`))
	require.ErrorContains(t, err, "invalid duration")

	_, err = DecodeConfig(strings.NewReader(`backend = "metal"`))
	require.ErrorContains(t, err, "backend must be")

	_, err = DecodeConfig(strings.NewReader(`frames = 0`))
	require.ErrorContains(t, err, "frames must be positive")

	_, err = DecodeConfig(strings.NewReader("upload_bytes = 16\narena_block_size = 0\n"))
	require.ErrorContains(t, err, "arena_block_size")
}

func TestLoadConfig(t *testing.T) {
	config, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), config)

	path := filepath.Join(t.TempDir(), "soak.toml")
	require.NoError(t, os.WriteFile(path, []byte("producers = 5\n"), 0o600))

	config, err = LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 5, config.Producers)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestShare(t *testing.T) {
	total := 0
	for i := 0; i < 3; i++ {
		total += share(10, 3, i)
	}
	require.Equal(t, 10, total)
	require.Equal(t, 4, share(10, 3, 0))
	require.Equal(t, 3, share(10, 3, 2))
}
