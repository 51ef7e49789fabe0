package main

import (
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/etrt/pkg/device/memdev"
	"github.com/samcharles93/etrt/pkg/rt"
)

var (
	deviceCount     int64
	memoryMB        int64
	dmaElementSize  int64
	dmaElementCount int64
	workers         int64
	latency         time.Duration
	disableP2P      bool
	hostPoolMB      int64
	noMemcpyCheck   bool
	logLevel        string
	logFormat       string
	debug           bool
)

func deviceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "devices",
			Aliases:     []string{"n"},
			Usage:       "number of software devices",
			Value:       1,
			Destination: &deviceCount,
		},
		&cli.Int64Flag{
			Name:        "memory-mb",
			Usage:       "device DRAM per device in MiB",
			Value:       memdev.DefaultMemorySize >> 20,
			Destination: &memoryMB,
		},
		&cli.Int64Flag{
			Name:        "dma-element-size",
			Usage:       "largest DMA list entry in bytes",
			Value:       int64(memdev.DefaultDmaInfo.MaxElementSize),
			Destination: &dmaElementSize,
		},
		&cli.Int64Flag{
			Name:        "dma-element-count",
			Usage:       "most DMA list entries per command",
			Value:       int64(memdev.DefaultDmaInfo.MaxElementCount),
			Destination: &dmaElementCount,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Usage:       "commands executed concurrently per device",
			Value:       memdev.DefaultWorkers,
			Destination: &workers,
		},
		&cli.DurationFlag{
			Name:        "latency",
			Usage:       "simulated latency per device command",
			Destination: &latency,
		},
		&cli.BoolFlag{
			Name:        "disable-p2p",
			Usage:       "report devices as not peer-DMA capable",
			Destination: &disableP2P,
		},
		&cli.Int64Flag{
			Name:        "host-pool-mb",
			Usage:       "host staging pool limit in MiB",
			Value:       rt.DefaultHostPoolSize >> 20,
			Destination: &hostPoolMB,
		},
		&cli.BoolFlag{
			Name:        "no-memcpy-check",
			Usage:       "skip validation of device ranges on copies",
			Destination: &noMemcpyCheck,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text, zap)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func runtimeFlags() []cli.Flag {
	return append(deviceFlags(), loggingFlags()...)
}
