package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/etrt/internal/logger"
	"github.com/samcharles93/etrt/pkg/device"
	"github.com/samcharles93/etrt/pkg/device/memdev"
	"github.com/samcharles93/etrt/pkg/rt"
)

// session is a runtime over software devices, as configured by flags and
// the config file.
type session struct {
	cfg   Config
	log   logger.Logger
	layer *memdev.Layer
	rt    *rt.Runtime
}

// openSession resolves configuration, builds the logger and starts the
// runtime. The returned context carries the logger.
func openSession(ctx context.Context, cmd *cli.Command) (context.Context, *session, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return ctx, nil, err
	}
	applyRuntimeConfig(cmd, cfg)

	log, err := openLogger()
	if err != nil {
		return ctx, nil, err
	}
	ctx = logger.WithContext(ctx, log)

	devCfg, err := layerConfig(log)
	if err != nil {
		return ctx, nil, err
	}
	layer, err := memdev.New(devCfg)
	if err != nil {
		return ctx, nil, fmt.Errorf("start software devices: %w", err)
	}
	registerBuiltinKernels(layer)

	opts := rt.DefaultOptions()
	opts.Logger = log
	opts.HostPoolSize = hostPoolMB << 20
	opts.CheckMemcpyDeviceOperations = !noMemcpyCheck
	runtime, err := rt.New(layer, opts)
	if err != nil {
		_ = layer.Close()
		return ctx, nil, fmt.Errorf("start runtime: %w", err)
	}
	return ctx, &session{cfg: cfg, log: log, layer: layer, rt: runtime}, nil
}

func openLogger() (logger.Logger, error) {
	format, err := logger.ParseFormat(logFormat)
	if err != nil {
		return nil, err
	}
	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	if debug {
		level = slog.LevelDebug
	}
	return logger.Open(os.Stderr, logger.Options{
		Format:    format,
		Level:     level,
		AddSource: debug,
		NoColor:   os.Getenv("NO_COLOR") != "",
	})
}

func layerConfig(log logger.Logger) (memdev.Config, error) {
	switch {
	case deviceCount <= 0 || deviceCount > 64:
		return memdev.Config{}, fmt.Errorf("--devices must be between 1 and 64, got %d", deviceCount)
	case memoryMB <= 0:
		return memdev.Config{}, fmt.Errorf("--memory-mb must be positive, got %d", memoryMB)
	case dmaElementSize <= 0 || dmaElementCount <= 0:
		return memdev.Config{}, errors.New("DMA limits must be positive")
	case workers <= 0:
		return memdev.Config{}, fmt.Errorf("--workers must be positive, got %d", workers)
	}
	return memdev.Config{
		Devices:    int(deviceCount),
		MemorySize: uint64(memoryMB) << 20,
		DmaInfo: device.DmaInfo{
			MaxElementSize:  uint64(dmaElementSize),
			MaxElementCount: uint64(dmaElementCount),
		},
		Workers:    int(workers),
		Latency:    latency,
		DisableP2P: disableP2P,
		Logger:     log,
	}, nil
}

func (s *session) Close() error {
	rerr := s.rt.Close()
	lerr := s.layer.Close()
	return errors.Join(rerr, lerr)
}
