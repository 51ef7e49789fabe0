package memdev

import (
	"fmt"
	"sync"
)

// dram is the memory of one software device, addressed from base.
type dram struct {
	base  uint64
	data  []byte
	unmap func() error
	once  sync.Once
}

func newDRAM(base, size uint64) (*dram, error) {
	if size == 0 {
		return nil, fmt.Errorf("device memory size must be > 0")
	}
	data, unmap, err := mapDRAM(size)
	if err != nil {
		return nil, fmt.Errorf("map device memory (%d bytes): %w", size, err)
	}
	return &dram{base: base, data: data, unmap: unmap}, nil
}

// span returns the bytes backing [addr, addr+size), or false when the range
// falls outside the device.
func (d *dram) span(addr, size uint64) ([]byte, bool) {
	if addr < d.base {
		return nil, false
	}
	off := addr - d.base
	end := off + size
	if end < off || end > uint64(len(d.data)) {
		return nil, false
	}
	return d.data[off:end:end], true
}

// tail returns everything from addr to the end of the device.
func (d *dram) tail(addr uint64) ([]byte, bool) {
	if addr < d.base || addr-d.base >= uint64(len(d.data)) {
		return nil, false
	}
	return d.data[addr-d.base:], true
}

func (d *dram) close() error {
	var err error
	d.once.Do(func() {
		err = d.unmap()
		d.data = nil
	})
	return err
}
