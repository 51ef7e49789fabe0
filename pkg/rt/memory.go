package rt

import (
	"fmt"
	"math/bits"
	"sort"
	"sync"
)

// MemoryStats reports the allocator state of one device.
type MemoryStats struct {
	Base        DevicePtr `json:"base"`
	Total       uint64    `json:"total"`
	Used        uint64    `json:"used"`
	Allocations int       `json:"allocations"`
	LargestFree uint64    `json:"largest_free"`
}

type extent struct {
	addr uint64
	size uint64
}

func (e extent) end() uint64 { return e.addr + e.size }

// allocator is a first-fit free list over one device DRAM range. Sizes are
// rounded up to the device minimum alignment so every free extent stays
// aligned to it.
type allocator struct {
	mu    sync.Mutex
	base  uint64
	total uint64
	grain uint64
	free  []extent // sorted by addr, never adjacent
	live  map[uint64]extent
	used  uint64
}

func newAllocator(base, size, grain uint64) *allocator {
	if grain == 0 {
		grain = 1
	}
	return &allocator{
		base:  base,
		total: size,
		grain: grain,
		free:  []extent{{addr: base, size: size}},
		live:  make(map[uint64]extent),
	}
}

func validAlignment(alignment uint64) bool {
	return alignment != 0 && bits.OnesCount64(alignment) == 1
}

func alignUp(v, alignment uint64) uint64 {
	return (v + alignment - 1) &^ (alignment - 1)
}

func (a *allocator) alloc(size, alignment uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: size is 0", ErrInvalidArgument)
	}
	if alignment == 0 {
		alignment = DefaultAlignment
	}
	if !validAlignment(alignment) {
		return 0, fmt.Errorf("%w: alignment %d is not a power of two", ErrInvalidArgument, alignment)
	}
	size = alignUp(size, a.grain)
	if size == 0 {
		return 0, fmt.Errorf("%w: size overflows", ErrInvalidArgument)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for i, f := range a.free {
		start := alignUp(f.addr, alignment)
		if start < f.addr || start+size < start || start+size > f.end() {
			continue
		}
		var repl []extent
		if start > f.addr {
			repl = append(repl, extent{addr: f.addr, size: start - f.addr})
		}
		if tail := f.end() - (start + size); tail > 0 {
			repl = append(repl, extent{addr: start + size, size: tail})
		}
		a.free = append(a.free[:i], append(repl, a.free[i+1:]...)...)
		a.live[start] = extent{addr: start, size: size}
		a.used += size
		return start, nil
	}
	return 0, fmt.Errorf("%w: no free range of %d bytes aligned to %d", ErrOutOfMemory, size, alignment)
}

func (a *allocator) release(addr uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.live[addr]
	if !ok {
		return fmt.Errorf("%w: %#x is not an allocation", ErrInvalidHandle, addr)
	}
	delete(a.live, addr)
	a.used -= e.size

	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].addr > addr })
	a.free = append(a.free, extent{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = e
	if i+1 < len(a.free) && a.free[i].end() == a.free[i+1].addr {
		a.free[i].size += a.free[i+1].size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].end() == a.free[i].addr {
		a.free[i-1].size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
	return nil
}

// contains reports whether [addr, addr+size) lies inside one live
// allocation.
func (a *allocator) contains(addr, size uint64) bool {
	end := addr + size
	if end < addr {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.live {
		if addr >= e.addr && end <= e.end() {
			return true
		}
	}
	return false
}

func (a *allocator) stats() MemoryStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := MemoryStats{
		Base:        DevicePtr(a.base),
		Total:       a.total,
		Used:        a.used,
		Allocations: len(a.live),
	}
	for _, f := range a.free {
		s.LargestFree = max(s.LargestFree, f.size)
	}
	return s
}
