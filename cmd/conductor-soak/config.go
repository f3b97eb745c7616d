package main

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
)

const (
	BackendHeadless = "headless"
	BackendNoop     = "noop"
)

// Duration is a time.Duration written as a Go duration string, such as "1.5ms"
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", text)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

type Config struct {
	Backend  string     `toml:"backend"`
	LogLevel slog.Level `toml:"log_level"`

	Workers   int `toml:"workers"`
	Frames    int `toml:"frames"`
	Producers int `toml:"producers"`

	CpuTasks int `toml:"cpu_tasks"`
	GpuTasks int `toml:"gpu_tasks"`
	// UploadBytes is how much host-visible arena memory each GPU task writes. Zero disables the
	// per-frame arenas.
	UploadBytes    int `toml:"upload_bytes"`
	ArenaBlockSize int `toml:"arena_block_size"`

	// Latency is the simulated execution time of each submission on the headless backend
	Latency      Duration `toml:"latency"`
	PollInterval Duration `toml:"poll_interval"`
	FrameTimeout Duration `toml:"frame_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Backend:        BackendHeadless,
		LogLevel:       slog.LevelInfo,
		Frames:         240,
		Producers:      2,
		CpuTasks:       32,
		GpuTasks:       8,
		UploadBytes:    4096,
		ArenaBlockSize: 1024 * 1024,
		Latency:        Duration(500 * time.Microsecond),
		FrameTimeout:   Duration(5 * time.Second),
	}
}

// DecodeConfig reads a TOML document over the defaults. Unknown keys are rejected.
func DecodeConfig(r io.Reader) (Config, error) {
	config := DefaultConfig()

	err := toml.NewDecoder(r).DisallowUnknownFields().Decode(&config)
	if err != nil {
		var strictErr *toml.StrictMissingError
		if errors.As(err, &strictErr) {
			return config, errors.Newf("unknown configuration keys:\n%s", strictErr.String())
		}
		return config, errors.Wrap(err, "failed to decode configuration")
	}

	return config, config.Validate()
}

func LoadConfig(path string) (Config, error) {
	if path == "" {
		config := DefaultConfig()
		return config, config.Validate()
	}

	file, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to open configuration")
	}
	defer file.Close()

	config, err := DecodeConfig(file)
	if err != nil {
		return config, errors.Wrapf(err, "configuration %s", path)
	}
	return config, nil
}

func (c Config) Validate() error {
	if c.Backend != BackendHeadless && c.Backend != BackendNoop {
		return errors.Newf("backend must be %q or %q, not %q", BackendHeadless, BackendNoop, c.Backend)
	}
	if c.Workers < 0 {
		return errors.Newf("workers may not be negative: %d", c.Workers)
	}
	if c.Frames <= 0 {
		return errors.Newf("frames must be positive: %d", c.Frames)
	}
	if c.Producers <= 0 {
		return errors.Newf("producers must be positive: %d", c.Producers)
	}
	if c.CpuTasks < 0 || c.GpuTasks < 0 || c.UploadBytes < 0 {
		return errors.New("task counts and upload size may not be negative")
	}
	if c.UploadBytes > 0 && c.ArenaBlockSize <= 0 {
		return errors.Newf("arena_block_size must be positive when uploading: %d", c.ArenaBlockSize)
	}
	if c.Latency < 0 || c.PollInterval < 0 {
		return errors.New("durations may not be negative")
	}
	if c.FrameTimeout <= 0 {
		return errors.New("frame_timeout must be positive")
	}
	return nil
}
