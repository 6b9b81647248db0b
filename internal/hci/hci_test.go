package hci

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCommand(t *testing.T) {
	cases := []struct {
		name   string
		opcode uint16
		params []byte
		want   []byte
	}{
		{"reset", OpReset, nil, []byte{0x03, 0x0c, 0x00}},
		{"read-local-version", OpReadLocalVersion, nil, []byte{0x01, 0x10, 0x00}},
		{"read-verbose-config", OpReadVerboseConfig, nil, []byte{0x79, 0xfc, 0x00}},
		{"read-usb-product", OpReadUSBProduct, nil, []byte{0x5a, 0xfc, 0x00}},
		{"download-minidriver", OpDownloadMiniDriver, nil, []byte{0x2e, 0xfc, 0x00}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, BuildCommand(c.opcode, c.params))
		})
	}
}

func TestEndOfRecord(t *testing.T) {
	assert.Equal(t, []byte{0x4e, 0xfc, 0x04, 0xff, 0xff, 0xff, 0xff}, EndOfRecord())
}

func TestLaunchRAM(t *testing.T) {
	got := LaunchRAM(0x00200000, []byte{0xaa, 0xbb})
	want := []byte{0x4c, 0xfc, 0x06, 0x00, 0x00, 0x20, 0x00, 0xaa, 0xbb}
	assert.Equal(t, want, got)
}

func TestBuildCommandPanicsOnOversizeParams(t *testing.T) {
	assert.Panics(t, func() {
		BuildCommand(OpLaunchRAM, make([]byte, 256))
	})
}

func TestParseEvent(t *testing.T) {
	buf := []byte{EventCommandComplete, 0x04, 0x01, 0x03, 0x0c, 0x00}
	ev, err := ParseEvent(buf)
	require.NoError(t, err)
	assert.Equal(t, EventCommandComplete, ev.Code)
	assert.Equal(t, []byte{0x01, 0x03, 0x0c, 0x00}, ev.Params)
}

func TestParseEventShort(t *testing.T) {
	_, err := ParseEvent([]byte{0x0e})
	assert.ErrorIs(t, err, ErrShortEvent)

	_, err = ParseEvent([]byte{0x0e, 0x05, 0x01})
	assert.ErrorIs(t, err, ErrShortEvent)
}

func TestCommandComplete(t *testing.T) {
	ev := Event{Code: EventCommandComplete, Params: []byte{0x01, 0x03, 0x0c, 0x00}}
	opcode, status, ok := ev.CommandComplete()
	require.True(t, ok)
	assert.Equal(t, OpReset, opcode)
	assert.Equal(t, byte(0x00), status)
}

func TestCommandCompleteRejectsOtherEvents(t *testing.T) {
	ev := Event{Code: EventHardwareError, Params: []byte{0x01, 0x03, 0x0c, 0x00}}
	_, _, ok := ev.CommandComplete()
	assert.False(t, ok)
}

func TestParseLocalVersionResponse(t *testing.T) {
	// num_hci_pkts, opcode(2), status, hci_ver, hci_rev(2), lmp_ver, manufacturer(2), lmp_subver(2)
	params := []byte{0x01, 0x01, 0x10, 0x00, 0x06, 0x00, 0x0f, 0x0a, 0x00, 0x00, 0x0e, 0x21}
	ev := Event{Code: EventCommandComplete, Params: params}
	hciVer, hciRev, lmpVer, manufacturer, lmpSubver, ok := ParseLocalVersionResponse(ev)
	require.True(t, ok)
	assert.Equal(t, byte(0x06), hciVer)
	assert.Equal(t, uint16(0x0f00), hciRev)
	assert.Equal(t, byte(0x0a), lmpVer)
	assert.Equal(t, uint16(0x0000), manufacturer)
	assert.Equal(t, uint16(0x210e), lmpSubver)
}

func TestParseUSBProductResponse(t *testing.T) {
	params := []byte{0x01, 0x5a, 0xfc, 0x00, 0x5c, 0x0a, 0x6f, 0x21}
	ev := Event{Code: EventCommandComplete, Params: params}
	vid, pid, ok := ParseUSBProductResponse(ev)
	require.True(t, ok)
	assert.Equal(t, uint16(0x0a5c), vid)
	assert.Equal(t, uint16(0x216f), pid)
}

func TestParseVerboseConfigResponse(t *testing.T) {
	params := []byte{0x01, 0x79, 0xfc, 0x00, 0x25, 0x00, 0x00, 0x00, 0x2a, 0x00}
	ev := Event{Code: EventCommandComplete, Params: params}
	chipsetID, build, ok := ParseVerboseConfigResponse(ev)
	require.True(t, ok)
	assert.Equal(t, byte(0x25), chipsetID)
	assert.Equal(t, uint16(0x002a), build)
}

func TestSupportsHandshake(t *testing.T) {
	assert.True(t, SupportsHandshake(0x0a5c, 0x216f))
	assert.True(t, SupportsHandshake(0x0489, 0xe07a))
	assert.False(t, SupportsHandshake(0x1234, 0x5678))
}

func TestControllerNameAndFormatVersion(t *testing.T) {
	assert.Equal(t, "BCM20702A1", ControllerName(0x220e))
	assert.Equal(t, "BCM", ControllerName(0xffff))

	got := FormatVersion(0x220e, 0x0600)
	assert.Equal(t, "BCM20702A1_001.002.014.1536", got)
}
