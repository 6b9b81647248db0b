package firmware

import (
	"bytes"
	"compress/zlib"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildLine assembles one Intel HEX line (without the leading ':') from a
// record and returns the line including prefix and checksum.
func buildLine(length byte, addr uint16, recordType byte, payload []byte) string {
	binary := []byte{length, byte(addr >> 8), byte(addr), recordType}
	binary = append(binary, payload...)
	sum := checksum(binary)
	line := ":"
	for _, b := range append(binary, sum) {
		line += hexByte(b)
	}
	return line
}

func hexByte(b byte) string {
	const digits = "0123456789ABCDEF"
	return string([]byte{digits[b>>4], digits[b&0x0f]})
}

func TestParseHexMinimalRoundTrip(t *testing.T) {
	// S1: one DATA record at address 0, then EOF.
	data := buildLine(2, 0x0000, recData, []byte{0xaa, 0xbb}) + "\n" +
		buildLine(0, 0x0000, recEOF, nil) + "\n"

	instructions, err := ParseHex([]byte(data))
	require.NoError(t, err)
	require.Len(t, instructions, 1)
	assert.Equal(t, []byte{0x4c, 0xfc, 0x06, 0x00, 0x00, 0x00, 0x00, 0xaa, 0xbb}, instructions[0])
}

func TestParseHexExtendedLinearAddress(t *testing.T) {
	// S2: ELA sets the upper 16 bits, then a DATA record at a low address
	// should be framed against the combined 32-bit address.
	data := buildLine(2, 0x0000, recELA, []byte{0x00, 0x20}) + "\n" +
		buildLine(1, 0x0010, recData, []byte{0xff}) + "\n" +
		buildLine(0, 0x0000, recEOF, nil) + "\n"

	instructions, err := ParseHex([]byte(data))
	require.NoError(t, err)
	require.Len(t, instructions, 1)
	// address = 0x00200000 | 0x0010 = 0x00200010, little-endian in the command.
	assert.Equal(t, []byte{0x4c, 0xfc, 0x05, 0x10, 0x00, 0x20, 0x00, 0xff}, instructions[0])
}

func TestParseHexExtendedSegmentAddress(t *testing.T) {
	data := buildLine(2, 0x0000, recESA, []byte{0x10, 0x00}) + "\n" +
		buildLine(1, 0x0000, recData, []byte{0x5a}) + "\n" +
		buildLine(0, 0x0000, recEOF, nil) + "\n"

	instructions, err := ParseHex([]byte(data))
	require.NoError(t, err)
	require.Len(t, instructions, 1)
	// segment 0x1000 << 4 = 0x00010000
	assert.Equal(t, []byte{0x4c, 0xfc, 0x05, 0x00, 0x00, 0x01, 0x00, 0x5a}, instructions[0])
}

func TestParseHexChecksumMismatch(t *testing.T) {
	// S3: corrupt a valid line's checksum byte.
	line := buildLine(1, 0x0000, recData, []byte{0x01})
	corrupted := line[:len(line)-1] + "0"
	if corrupted == line {
		corrupted = line[:len(line)-1] + "1"
	}

	_, err := ParseHex([]byte(corrupted + "\n"))
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, Checksum, perr.Kind)
}

func TestParseHexBadPrefix(t *testing.T) {
	_, err := ParseHex([]byte("not hex data"))
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, BadPrefix, perr.Kind)
}

func TestParseHexUnknownRecordType(t *testing.T) {
	data := buildLine(0, 0x0000, 0x07, nil) + "\n"
	_, err := ParseHex([]byte(data))
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, UnknownRecord, perr.Kind)
}

func TestParseHexUnsupportedRecordType(t *testing.T) {
	for _, rt := range []byte{recSSA, recSLA} {
		data := buildLine(2, 0x0000, rt, []byte{0x00, 0x00}) + "\n"
		_, err := ParseHex([]byte(data))
		var perr *ParseError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, UnsupportedRecord, perr.Kind)
	}
}

func TestParseHexMissingEOFIsTruncated(t *testing.T) {
	data := buildLine(1, 0x0000, recData, []byte{0x01}) + "\n"
	_, err := ParseHex([]byte(data))
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, Truncated, perr.Kind)
}

func TestParseHexBareEOFIsTruncated(t *testing.T) {
	// A checksum-valid EOF record with no preceding DATA record must not
	// succeed with an empty instruction sequence.
	data := buildLine(0, 0x0000, recEOF, nil) + "\n"
	_, err := ParseHex([]byte(data))
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, Truncated, perr.Kind)
}

func TestDecompressPassthroughWhenNotCompressed(t *testing.T) {
	data := []byte(":020000040020DA\n:00000001FF\n")
	out, err := Decompress(data)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestDecompressZlibWrapped(t *testing.T) {
	// S6: a zlib-wrapped HEX image must inflate back to the original bytes.
	plain := []byte(":020000040020DA\n:00000001FF\n")

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write(plain)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	out, err := Decompress(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestDecompressCorruptStream(t *testing.T) {
	corrupt := []byte{0x78, 0x9c, 0x00, 0x00, 0x00, 0x00}
	_, err := Decompress(corrupt)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestChecksumInvariant(t *testing.T) {
	// Invariant: for any record, checksum(binary[:headerSize+length]) makes
	// the full byte sequence (including the checksum byte) sum to 0 mod 256.
	binary := []byte{0x02, 0x00, 0x00, 0x00, 0xaa, 0xbb}
	sum := checksum(binary)

	var total byte
	for _, b := range append(binary, sum) {
		total += b
	}
	assert.Equal(t, byte(0), total)
}
