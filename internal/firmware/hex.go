package firmware

import (
	"fmt"

	"github.com/benbaker76/patchram/internal/hci"
)

// Intel HEX record layout constants, grounded on
// original_source/patchram/intel_firmware.h.
const (
	linePrefix = ':'
	headerSize = 4 // length(1) + address(2) + record type(1)

	recData = 0
	recEOF  = 1
	recESA  = 2
	recSSA  = 3
	recELA  = 4
	recSLA  = 5
)

// ParseErrorKind classifies why ParseHex rejected an image.
type ParseErrorKind int

const (
	BadPrefix ParseErrorKind = iota
	Checksum
	UnsupportedRecord
	UnknownRecord
	Truncated
)

func (k ParseErrorKind) String() string {
	switch k {
	case BadPrefix:
		return "bad prefix"
	case Checksum:
		return "checksum mismatch"
	case UnsupportedRecord:
		return "unsupported record type"
	case UnknownRecord:
		return "unknown record type"
	case Truncated:
		return "truncated record"
	default:
		return "unknown error"
	}
}

// ParseError reports a malformed Intel HEX image, including the byte offset
// of the record that failed.
type ParseError struct {
	Kind   ParseErrorKind
	Offset int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("firmware: invalid hex data at offset %d: %s", e.Offset, e.Kind)
}

func isHexChar(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

func checksum(data []byte) byte {
	var sum uint32
	for _, b := range data {
		sum += uint32(b)
	}
	return byte((^sum + 1) & 0xff)
}

// ParseHex decodes an Intel HEX firmware image into a sequence of fully
// framed VSC_LAUNCH_RAM commands, following
// original_source/patchram/intel_firmware.c's parseFirmware byte-for-byte:
// running address reconstruction via ESA/ELA, per-line two's-complement
// checksum validation, and REC_TYPE_EOF as the sole successful terminator.
func ParseHex(data []byte) ([][]byte, error) {
	if len(data) == 0 || data[0] != linePrefix {
		return nil, &ParseError{Kind: BadPrefix, Offset: 0}
	}

	var instructions [][]byte
	var address uint32
	pos := 0

	for pos < len(data) && data[pos] == linePrefix {
		lineStart := pos
		pos++

		var binary []byte
		for pos < len(data) && isHexChar(data[pos]) {
			if pos+1 >= len(data) || !isHexChar(data[pos+1]) {
				return nil, &ParseError{Kind: Truncated, Offset: lineStart}
			}
			b := hexVal(data[pos])<<4 | hexVal(data[pos+1])
			binary = append(binary, b)
			pos += 2
		}

		if len(binary) < headerSize+1 {
			return nil, &ParseError{Kind: Truncated, Offset: lineStart}
		}

		length := int(binary[0])
		addr := uint32(binary[1])<<8 | uint32(binary[2])
		recordType := binary[3]

		if len(binary) < headerSize+length+1 {
			return nil, &ParseError{Kind: Truncated, Offset: lineStart}
		}
		wantChecksum := binary[headerSize+length]
		gotChecksum := checksum(binary[:headerSize+length])
		if wantChecksum != gotChecksum {
			return nil, &ParseError{Kind: Checksum, Offset: lineStart}
		}

		switch recordType {
		case recData:
			address = (address &^ 0xffff) | addr
			payload := binary[headerSize : headerSize+length]
			instructions = append(instructions, hci.LaunchRAM(address, payload))

		case recEOF:
			if len(instructions) == 0 {
				return nil, &ParseError{Kind: Truncated, Offset: lineStart}
			}
			return instructions, nil

		case recESA:
			if length < 2 {
				return nil, &ParseError{Kind: Truncated, Offset: lineStart}
			}
			seg := uint32(binary[headerSize])<<8 | uint32(binary[headerSize+1])
			address = seg << 4

		case recSSA:
			return nil, &ParseError{Kind: UnsupportedRecord, Offset: lineStart}

		case recELA:
			if length < 2 {
				return nil, &ParseError{Kind: Truncated, Offset: lineStart}
			}
			address = uint32(binary[headerSize])<<24 | uint32(binary[headerSize+1])<<16

		case recSLA:
			return nil, &ParseError{Kind: UnsupportedRecord, Offset: lineStart}

		default:
			return nil, &ParseError{Kind: UnknownRecord, Offset: lineStart}
		}

		for pos < len(data) && !isHexChar(data[pos]) && data[pos] != linePrefix {
			pos++
		}
	}

	return nil, &ParseError{Kind: Truncated, Offset: pos}
}
