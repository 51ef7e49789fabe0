//go:build unix

package rt

import (
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/samcharles93/etrt/internal/coredump"
	"github.com/samcharles93/etrt/pkg/device"
	"github.com/samcharles93/etrt/pkg/device/memdev"
)

// A core dump whose file blocks on open must not hold up completions of
// other streams.
func TestCoreDumpWriteDoesNotStallCompletions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, memdev.Config{}, DefaultOptions())
	faultKernel(h.dev, "fault", nil)
	k := h.load("fault")

	path := filepath.Join(t.TempDir(), "core.json")
	if err := unix.Mkfifo(path, 0o600); err != nil {
		t.Skipf("mkfifo: %v", err)
	}

	faulted, err := h.rt.KernelLaunch(h.stream, k, nil, KernelLaunchOptions{CoreDumpFilePath: path})
	if err != nil {
		t.Fatalf("KernelLaunch: %v", err)
	}

	other, err := h.rt.CreateStream(0)
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	ptr := h.malloc(64)
	copied, err := h.rt.MemcpyHostToDevice(other, make([]byte, 64), ptr, 64, false, nil)
	if err != nil {
		t.Fatalf("MemcpyHostToDevice: %v", err)
	}
	h.wait(copied)
	if h.rt.WaitForEvent(t.Context(), faulted, 0) {
		t.Fatal("faulted launch completed before its core dump was written")
	}

	// Opening the fifo for reading lets the writer through.
	dump, err := coredump.Read(path)
	if err != nil {
		t.Fatalf("core dump: %v", err)
	}
	h.wait(faulted)
	if dump.Event != uint32(faulted) || dump.Code != device.KernelLaunchException {
		t.Fatalf("dump = %+v", dump)
	}
}
