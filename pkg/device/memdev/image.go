package memdev

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// imageMagic marks the start of a software-device executable.
const imageMagic = "ETSW"

var errBadImage = errors.New("not a software device image")

// Image is the executable format understood by the software device. The
// runtime treats it as an opaque blob; the device decodes it from its own
// memory when a launch names the address the image was loaded at.
type Image struct {
	Magic   string `msgpack:"magic"`
	Kernel  string `msgpack:"kernel"`
	Version uint32 `msgpack:"version"`
	Text    []byte `msgpack:"text,omitempty"`
}

// EncodeImage builds an executable that runs the kernel registered under
// name. text is carried along as padding so images can have realistic sizes.
func EncodeImage(name string, text []byte) ([]byte, error) {
	if name == "" {
		return nil, fmt.Errorf("image kernel name is empty")
	}
	return msgpack.Marshal(&Image{Magic: imageMagic, Kernel: name, Version: 1, Text: text})
}

// MustImage is EncodeImage for tests and fixtures.
func MustImage(name string, text []byte) []byte {
	b, err := EncodeImage(name, text)
	if err != nil {
		panic(err)
	}
	return b
}

// decodeImage reads an image header from the start of mem. Trailing bytes
// are ignored.
func decodeImage(mem []byte) (Image, error) {
	var img Image
	dec := msgpack.NewDecoder(bytes.NewReader(mem))
	if err := dec.Decode(&img); err != nil {
		return Image{}, fmt.Errorf("%w: %v", errBadImage, err)
	}
	if img.Magic != imageMagic {
		return Image{}, errBadImage
	}
	return img, nil
}
