// Command conductor-soak drives a scheduler through many frames of mixed CPU and GPU work on a
// headless or noop backend and prints the final scheduler statistics as JSON.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML configuration file")
	backendName := flag.String("backend", "", "override the configured backend (headless or noop)")
	flag.Parse()

	config, err := LoadConfig(*configPath)
	if err == nil && *backendName != "" {
		config.Backend = *backendName
		err = config.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "conductor-soak: %+v\n", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.LogLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	result, stats, err := Run(ctx, logger, config)
	if stats != "" {
		fmt.Println(stats)
	}
	if err != nil {
		logger.LogAttrs(ctx, slog.LevelError, "soak failed", slog.String("error", fmt.Sprintf("%+v", err)))
		os.Exit(1)
	}

	logger.LogAttrs(ctx, slog.LevelInfo, "soak complete",
		slog.Int("frames", result.Frames),
		slog.Int64("cpuTasks", result.CpuTasks),
		slog.Int64("gpuTasks", result.GpuTasks),
		slog.Int64("uploadedBytes", result.UploadedSize),
		slog.Duration("elapsed", result.Elapsed),
	)
}
