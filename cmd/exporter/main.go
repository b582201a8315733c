package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/KimMachineGun/automemlimit"
	_ "go.uber.org/automaxprocs"

	"github.com/kubeadapt/gpu-exporter/internal/config"
	"github.com/kubeadapt/gpu-exporter/internal/exporter"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// 1. Load and validate config.
	cfg := config.Load()
	cfg.Version = version
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg))

	// 2. Create context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown signal received", "signal", sig)
		cancel()
	}()

	slog.Info("gpu-exporter starting",
		"version", cfg.Version,
		"instance_id", cfg.InstanceID,
		"port", cfg.Port,
		"metrics_path", cfg.MetricsPath,
		"probe_timeout", cfg.ProbeTimeout,
		"max_concurrent_devices", cfg.MaxConcurrentDevices,
	)

	// 3. Run until a signal arrives.
	exp := exporter.New(cfg, exporter.Deps{})
	if err := exp.Run(ctx); err != nil {
		if exporter.IsStartupError(err) {
			slog.Error("nvml is unavailable; check that the NVIDIA driver is loaded and the device nodes are mounted",
				"nvml_library_path", cfg.NVMLLibraryPath,
			)
		}
		slog.Error("gpu-exporter exited with error", "error", err)
		os.Exit(1)
	}

	slog.Info("gpu-exporter stopped")
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.LogFormat == "text" {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(h).With("component", "gpu-exporter")
}
