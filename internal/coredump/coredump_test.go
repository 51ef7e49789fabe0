package coredump

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/samcharles93/etrt/pkg/device"
)

func sampleDump() Dump {
	ctx := device.ErrorContext{HartID: 3, Mepc: 0x8000_1000, Mcause: 2}
	return Dump{
		Instance:    "2f1c3c5e-9d4a-4b7e-8a55-3f0f4f1b2c11",
		Time:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Device:      1,
		Stream:      0x10000,
		Event:       42,
		Kernel:      0x10001,
		LoadAddress: 0x80_0000_1000,
		Code:        device.KernelLaunchException,
		ShireMask:   0x3,
		Context:     &ctx,
		Raw:         device.EncodeErrorContext(nil, ctx),
	}
}

func TestWriteReadPlainAndCompressed(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	for _, name := range []string{"core.json", "nested/core.json.lz4"} {
		path := filepath.Join(dir, name)
		want := sampleDump()
		if err := Write(path, want); err != nil {
			t.Fatalf("Write(%s): %v", name, err)
		}
		got, err := Read(path)
		if err != nil {
			t.Fatalf("Read(%s): %v", name, err)
		}
		if got.Code != want.Code || got.Event != want.Event || got.LoadAddress != want.LoadAddress {
			t.Fatalf("%s: got %+v", name, got)
		}
		if got.Context == nil || got.Context.HartID != 3 {
			t.Fatalf("%s: context = %+v", name, got.Context)
		}
		if !bytes.Equal(got.Raw, want.Raw) {
			t.Fatalf("%s: raw context differs", name)
		}
	}
}

func TestCompressedFileIsNotPlainJSON(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "core.lz4")
	if err := Write(path, sampleDump()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if bytes.HasPrefix(raw, []byte("{")) {
		t.Fatal("expected lz4 frame, got JSON")
	}
}

func TestEncodeUsesCodeNames(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := Encode(&buf, sampleDump()); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"KERNEL_LAUNCH_EXCEPTION"`)) {
		t.Fatalf("code not rendered by name: %s", buf.String())
	}
}

func TestWriteEmptyPath(t *testing.T) {
	t.Parallel()
	if err := Write("", Dump{}); err == nil {
		t.Fatal("expected error")
	}
}
