//go:build !unix

package memdev

func mapDRAM(size uint64) ([]byte, func() error, error) {
	return make([]byte, size), func() error { return nil }, nil
}
