// Package firmware loads and parses Broadcom PatchRAM firmware images: an
// optional zlib wrapper around an Intel HEX instruction stream.
package firmware

import (
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
)

// maxDecompressedSize bounds the inflate output the same way the original
// implementation's fixed BUFFER_SIZE (1024 * 100 bytes) does.
const maxDecompressedSize = 1024 * 100

// ErrCorrupt indicates a zlib stream that failed to decompress.
var ErrCorrupt = errors.New("firmware: corrupt compressed image")

// looksCompressed reports whether the first two bytes of data are one of the
// three zlib header values decompressFirmware recognizes: no compression,
// default compression, or maximum compression.
func looksCompressed(data []byte) bool {
	if len(data) < 2 {
		return false
	}
	magic := uint16(data[0]) | uint16(data[1])<<8
	switch magic {
	case 0x0178, 0x9c78, 0xda78:
		return true
	}
	return false
}

// Decompress inflates data if it carries a recognized zlib header, returning
// it unchanged otherwise — mirroring decompressFirmware's "not compressed,
// return data normally" behavior. The inflated output is capped at 102,400
// bytes, matching decompressFirmware's fixed decompression buffer size.
func Decompress(data []byte) ([]byte, error) {
	if !looksCompressed(data) {
		return data, nil
	}

	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("firmware: open zlib stream: %w", ErrCorrupt)
	}
	defer r.Close()

	out := make([]byte, 0, len(data)*2)
	buf := make([]byte, 4096)
	for {
		if len(out) >= maxDecompressedSize {
			break
		}
		n, err := r.Read(buf)
		if n > 0 {
			remaining := maxDecompressedSize - len(out)
			if n > remaining {
				n = remaining
			}
			out = append(out, buf[:n]...)
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("firmware: inflate: %w", ErrCorrupt)
		}
	}
	return out, nil
}
