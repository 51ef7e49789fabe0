// Package coredump writes and reads kernel core dumps. A dump is a JSON
// document; paths ending in ".lz4" hold it lz4-compressed.
package coredump

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pierrec/lz4/v4"

	"github.com/samcharles93/etrt/pkg/device"
)

// Dump is the state of a faulted kernel launch.
type Dump struct {
	Instance    string               `json:"instance"`
	Time        time.Time            `json:"time"`
	Device      int                  `json:"device"`
	Stream      uint32               `json:"stream"`
	Event       uint32               `json:"event"`
	Kernel      uint32               `json:"kernel"`
	LoadAddress uint64               `json:"load_address"`
	Code        device.ErrorCode     `json:"code"`
	ShireMask   uint64               `json:"shire_mask,omitempty"`
	Context     *device.ErrorContext `json:"context,omitempty"`
	Raw         []byte               `json:"raw,omitempty"`
}

func compressed(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".lz4")
}

// Write stores d at path, replacing any existing file.
func Write(path string, d Dump) (err error) {
	if path == "" {
		return fmt.Errorf("core dump path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create core dump dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create core dump: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	if !compressed(path) {
		bw := bufio.NewWriter(f)
		if err := Encode(bw, d); err != nil {
			return err
		}
		return bw.Flush()
	}
	zw := lz4.NewWriter(f)
	if err := Encode(zw, d); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress core dump: %w", err)
	}
	return nil
}

// Encode writes d as indented JSON.
func Encode(w io.Writer, d Dump) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		return fmt.Errorf("encode core dump: %w", err)
	}
	return nil
}

// Read loads a dump written by Write.
func Read(path string) (Dump, error) {
	f, err := os.Open(path)
	if err != nil {
		return Dump{}, fmt.Errorf("open core dump: %w", err)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if compressed(path) {
		r = lz4.NewReader(r)
	}
	var d Dump
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return Dump{}, fmt.Errorf("decode core dump: %w", err)
	}
	return d, nil
}
