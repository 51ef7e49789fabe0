package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/samcharles93/etrt/internal/logger"
	"github.com/samcharles93/etrt/pkg/device"
	"github.com/samcharles93/etrt/pkg/device/memdev"
	"github.com/samcharles93/etrt/pkg/rt"
)

func newTestSession(t *testing.T, cfg memdev.Config) *session {
	t.Helper()
	log := logger.Nop()
	if cfg.MemorySize == 0 {
		cfg.MemorySize = 64 << 20
	}
	cfg.Logger = log
	layer, err := memdev.New(cfg)
	if err != nil {
		t.Fatalf("memdev.New: %v", err)
	}
	registerBuiltinKernels(layer)
	opts := rt.DefaultOptions()
	opts.Logger = log
	r, err := rt.New(layer, opts)
	if err != nil {
		_ = layer.Close()
		t.Fatalf("rt.New: %v", err)
	}
	s := &session{log: log, layer: layer, rt: r}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("close session: %v", err)
		}
	})
	return s
}

func TestSelftestPasses(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  memdev.Config
	}{
		{"single device", memdev.Config{Devices: 1}},
		{"peer devices", memdev.Config{Devices: 2}},
		{"peer copy disabled", memdev.Config{Devices: 2, DisableP2P: true}},
		{"small dma limits", memdev.Config{Devices: 1, DmaInfo: device.DmaInfo{MaxElementSize: 4096, MaxElementCount: 2}, Workers: 1}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestSession(t, tc.cfg)
			var out bytes.Buffer
			if failed := runSelftest(context.Background(), s, t.TempDir(), &out); failed != 0 {
				t.Fatalf("%d checks failed:\n%s", failed, out.String())
			}
			if n := strings.Count(out.String(), " ok "); n != len(selftestChecks()) {
				t.Fatalf("%d checks reported ok, want %d:\n%s", n, len(selftestChecks()), out.String())
			}
		})
	}
}

func TestSelftestReportsFailure(t *testing.T) {
	// Without the builtin kernels registered the launch check cannot succeed.
	layer, err := memdev.New(memdev.Config{Devices: 1, MemorySize: 16 << 20})
	if err != nil {
		t.Fatal(err)
	}
	r, err := rt.New(layer, rt.Options{Logger: logger.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	bare := &session{log: logger.Nop(), layer: layer, rt: r}
	defer bare.Close()

	var out bytes.Buffer
	if failed := runSelftest(context.Background(), bare, t.TempDir(), &out); failed == 0 {
		t.Fatalf("expected failures without builtin kernels:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "load/launch/unload") || !strings.Contains(out.String(), "FAIL") {
		t.Fatalf("failure not reported:\n%s", out.String())
	}
}

func TestFillArgs(t *testing.T) {
	args := fillArgs(0x1122, 3, 0xAB)
	if len(args) != 17 {
		t.Fatalf("len = %d, want 17", len(args))
	}
	if args[0] != 0x22 || args[1] != 0x11 || args[8] != 3 || args[16] != 0xAB {
		t.Fatalf("unexpected encoding % x", args)
	}
}
