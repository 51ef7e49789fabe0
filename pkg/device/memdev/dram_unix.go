//go:build unix

package memdev

import "golang.org/x/sys/unix"

// mapDRAM reserves device memory as an anonymous private mapping so large
// devices only cost the pages that are actually touched.
func mapDRAM(size uint64) ([]byte, func() error, error) {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	return data, func() error { return unix.Munmap(data) }, nil
}
