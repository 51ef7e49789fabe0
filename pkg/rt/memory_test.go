package rt

import (
	"errors"
	"testing"
)

const testBase = 0x8000_0000

func TestAllocatorFirstFitAndCoalesce(t *testing.T) {
	t.Parallel()
	a := newAllocator(testBase, 4096, 64)

	var addrs []uint64
	for i := 0; i < 4; i++ {
		addr, err := a.alloc(1000, 0)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		addrs = append(addrs, addr)
	}
	if addrs[0] != testBase || addrs[1] != testBase+1024 {
		t.Fatalf("addresses %#x", addrs)
	}
	if _, err := a.alloc(64, 0); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("full allocator: %v", err)
	}

	for _, i := range []int{1, 3, 2, 0} {
		if err := a.release(addrs[i]); err != nil {
			t.Fatalf("release %#x: %v", addrs[i], err)
		}
	}
	st := a.stats()
	if st.Used != 0 || st.Allocations != 0 || st.LargestFree != 4096 {
		t.Fatalf("stats after release = %+v", st)
	}
	if len(a.free) != 1 {
		t.Fatalf("free list not coalesced: %+v", a.free)
	}
	if addr, err := a.alloc(4096, 0); err != nil || addr != testBase {
		t.Fatalf("whole range alloc = %#x, %v", addr, err)
	}
}

func TestAllocatorAlignment(t *testing.T) {
	t.Parallel()
	a := newAllocator(testBase+64, 1<<20, 64)

	addr, err := a.alloc(100, 4096)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if addr%4096 != 0 {
		t.Fatalf("address %#x not aligned", addr)
	}
	// The gap in front of the aligned block is still usable.
	small, err := a.alloc(64, 64)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if small != testBase+64 {
		t.Fatalf("gap not reused: %#x", small)
	}
	if st := a.stats(); st.Used != 128+64 {
		t.Fatalf("used = %d, want rounded sizes", st.Used)
	}

	for _, bad := range []uint64{3, 48, 100} {
		if _, err := a.alloc(64, bad); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("alignment %d: %v", bad, err)
		}
	}
}

func TestAllocatorContains(t *testing.T) {
	t.Parallel()
	a := newAllocator(testBase, 1<<16, 64)
	addr, _ := a.alloc(256, 0)

	tests := []struct {
		addr, size uint64
		want       bool
	}{
		{addr, 256, true},
		{addr + 128, 128, true},
		{addr + 128, 129, false},
		{addr + 256, 1, false},
		{addr - 1, 2, false},
		{^uint64(0) - 1, 4, false},
	}
	for _, tc := range tests {
		if got := a.contains(tc.addr, tc.size); got != tc.want {
			t.Errorf("contains(%#x, %d) = %v, want %v", tc.addr, tc.size, got, tc.want)
		}
	}
	_ = a.release(addr)
	if a.contains(addr, 1) {
		t.Fatal("released range still reported live")
	}
	if err := a.release(addr); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("double release: %v", err)
	}
}
