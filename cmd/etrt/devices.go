package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/etrt/pkg/device"
	"github.com/samcharles93/etrt/pkg/rt"
)

type deviceReport struct {
	ID         int               `json:"id"`
	APIVersion string            `json:"api_version"`
	DmaInfo    device.DmaInfo    `json:"dma_info"`
	Memory     rt.MemoryStats    `json:"memory"`
	Properties device.Properties `json:"properties"`
}

func devicesCmd() *cli.Command {
	var asJSON bool

	return &cli.Command{
		Name:  "devices",
		Usage: "List devices and their properties",
		Flags: append(runtimeFlags(),
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print JSON instead of a summary",
				Destination: &asJSON,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			_, s, err := openSession(ctx, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			reports, err := collectDevices(s.rt)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(reports)
			}
			for _, r := range reports {
				p := r.Properties
				fmt.Printf("device %d\n", r.ID)
				fmt.Printf("  arch:        %s (%s)\n", p.DeviceArch, p.FormFactor)
				fmt.Printf("  api version: %s\n", r.APIVersion)
				fmt.Printf("  shires:      %d (mask %#x)\n", p.AvailableShires, p.ComputeMinionShireMask)
				fmt.Printf("  dram:        %#x + %d MiB\n", p.LocalDRAMBaseAddress, r.Memory.Total>>20)
				fmt.Printf("  dma:         %d entries x %d bytes\n", r.DmaInfo.MaxElementCount, r.DmaInfo.MaxElementSize)
				fmt.Printf("  p2p bitmap:  %#b\n", p.P2PBitmap)
			}
			return nil
		},
	}
}

func collectDevices(r *rt.Runtime) ([]deviceReport, error) {
	var out []deviceReport
	for _, id := range r.Devices() {
		props, err := r.DeviceProperties(id)
		if err != nil {
			return nil, err
		}
		info, err := r.DmaInfo(id)
		if err != nil {
			return nil, err
		}
		ver, err := r.APIVersion(id)
		if err != nil {
			return nil, err
		}
		mem, err := r.MemoryStats(id)
		if err != nil {
			return nil, err
		}
		out = append(out, deviceReport{
			ID:         int(id),
			APIVersion: ver.String(),
			DmaInfo:    info,
			Memory:     mem,
			Properties: props,
		})
	}
	return out, nil
}
