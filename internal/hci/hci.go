// Package hci implements the small slice of the Bluetooth Host Controller
// Interface needed to drive a Broadcom PatchRAM firmware download: framing
// outgoing vendor/standard commands and classifying incoming events.
package hci

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Opcodes used during a PatchRAM upgrade, encoded as used on the wire
// (little-endian OCF/OGF pair).
const (
	OpReset              uint16 = 0x0c03
	OpReadLocalVersion   uint16 = 0x1001
	OpReadUSBProduct     uint16 = 0xfc5a
	OpReadVerboseConfig  uint16 = 0xfc79
	OpDownloadMiniDriver uint16 = 0xfc2e
	OpLaunchRAM          uint16 = 0xfc4c
	OpEndOfRecord        uint16 = 0xfc4e
)

// Event codes carried in the first byte of an HCI event frame.
const (
	EventCommandComplete     byte = 0x0e
	EventNumCompletedPackets byte = 0x13
	EventConnComplete        byte = 0x03
	EventDisconnComplete     byte = 0x05
	EventHardwareError       byte = 0x10
	EventModeChange          byte = 0x14
	EventLEMeta              byte = 0x3e
	EventVendor              byte = 0xff
)

// ErrShortEvent is returned by ParseEvent when the buffer is too small to
// contain a well-formed event header plus its declared parameters.
var ErrShortEvent = errors.New("hci: short event")

// BuildCommand frames a command as opcode_lo, opcode_hi, param_len, params...
// This single formula produces every command byte-for-byte used in this
// protocol, including VSC_END_OF_RECORD (opcode 0xfc4e, params
// {0xff,0xff,0xff,0xff}) and the LAUNCH RAM instructions emitted by the HEX
// parser (opcode 0xfc4c, params = address || data).
func BuildCommand(opcode uint16, params []byte) []byte {
	if len(params) > 0xff {
		panic("hci: command parameters exceed 255 bytes")
	}
	cmd := make([]byte, 3+len(params))
	binary.LittleEndian.PutUint16(cmd[0:2], opcode)
	cmd[2] = byte(len(params))
	copy(cmd[3:], params)
	return cmd
}

// Reset frames HCI_RESET.
func Reset() []byte { return BuildCommand(OpReset, nil) }

// ReadLocalVersion frames READ_LOCAL_VERSION.
func ReadLocalVersion() []byte { return BuildCommand(OpReadLocalVersion, nil) }

// ReadUSBProduct frames the Broadcom VSC_READ_USB_PRODUCT command.
func ReadUSBProduct() []byte { return BuildCommand(OpReadUSBProduct, nil) }

// ReadVerboseConfig frames the Broadcom VSC_READ_VERBOSE_CONFIG command.
func ReadVerboseConfig() []byte { return BuildCommand(OpReadVerboseConfig, nil) }

// DownloadMiniDriver frames the Broadcom VSC_DOWNLOAD_MINIDRIVER command.
func DownloadMiniDriver() []byte { return BuildCommand(OpDownloadMiniDriver, nil) }

// EndOfRecord frames the Broadcom VSC_END_OF_RECORD command, whose payload is
// the fixed 4-byte marker 0xff 0xff 0xff 0xff.
func EndOfRecord() []byte {
	return BuildCommand(OpEndOfRecord, []byte{0xff, 0xff, 0xff, 0xff})
}

// LaunchRAM frames a VSC_LAUNCH_RAM command writing data to address.
func LaunchRAM(address uint32, data []byte) []byte {
	params := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(params[0:4], address)
	copy(params[4:], data)
	return BuildCommand(OpLaunchRAM, params)
}

// Event is a parsed HCI event frame: event_code || param_len || params...
type Event struct {
	Code   byte
	Params []byte
}

// ParseEvent classifies a raw event buffer read off the interrupt-in pipe.
func ParseEvent(buf []byte) (Event, error) {
	if len(buf) < 2 {
		return Event{}, ErrShortEvent
	}
	paramLen := int(buf[1])
	if len(buf) < 2+paramLen {
		return Event{}, ErrShortEvent
	}
	return Event{Code: buf[0], Params: buf[2 : 2+paramLen]}, nil
}

// CommandComplete extracts the opcode and status from a COMMAND_COMPLETE
// event's payload (num_hci_pkts(1) || opcode(2 LE) || status(1) || ...). ok is
// false if this event is not a COMMAND_COMPLETE or is too short to contain
// those fields.
func (e Event) CommandComplete() (opcode uint16, status byte, ok bool) {
	if e.Code != EventCommandComplete || len(e.Params) < 4 {
		return 0, 0, false
	}
	opcode = binary.LittleEndian.Uint16(e.Params[1:3])
	status = e.Params[3]
	return opcode, status, true
}

// ParseLocalVersionResponse decodes the return parameters of
// READ_LOCAL_VERSION from a COMMAND_COMPLETE event. The return parameters
// share their leading status byte with the COMMAND_COMPLETE header's own
// status field, per the HCI convention hciParseResponse relies on.
func ParseLocalVersionResponse(e Event) (hciVer byte, hciRev uint16, lmpVer byte, manufacturer uint16, lmpSubver uint16, ok bool) {
	if len(e.Params) < 12 {
		return 0, 0, 0, 0, 0, false
	}
	hciVer = e.Params[4]
	hciRev = binary.LittleEndian.Uint16(e.Params[5:7])
	lmpVer = e.Params[7]
	manufacturer = binary.LittleEndian.Uint16(e.Params[8:10])
	lmpSubver = binary.LittleEndian.Uint16(e.Params[10:12])
	return hciVer, hciRev, lmpVer, manufacturer, lmpSubver, true
}

// ParseUSBProductResponse decodes the return parameters of
// VSC_READ_USB_PRODUCT.
func ParseUSBProductResponse(e Event) (vid, pid uint16, ok bool) {
	if len(e.Params) < 8 {
		return 0, 0, false
	}
	vid = binary.LittleEndian.Uint16(e.Params[4:6])
	pid = binary.LittleEndian.Uint16(e.Params[6:8])
	return vid, pid, true
}

// ParseVerboseConfigResponse decodes the return parameters of
// VSC_READ_VERBOSE_CONFIG.
func ParseVerboseConfigResponse(e Event) (chipsetID byte, build uint16, ok bool) {
	if len(e.Params) < 10 {
		return 0, 0, false
	}
	chipsetID = e.Params[4]
	build = binary.LittleEndian.Uint16(e.Params[8:10])
	return chipsetID, build, true
}

func (e Event) String() string {
	return fmt.Sprintf("hci.Event{code: 0x%02x, params: % x}", e.Code, e.Params)
}
