package hci

import "fmt"

// handshake lists the (vid, pid) pairs of controllers that require the
// handshake variant of the upgrade sequence, grounded on
// original_source/patchram/hci.cpp's hskSupport table.
var handshake = map[[2]uint16]bool{
	{0x0a5c, 0x216f}: true,
	{0x0a5c, 0x21ec}: true,
	{0x0a5c, 0x6412}: true,
	{0x0a5c, 0x6414}: true,
	{0x0489, 0xe07a}: true,
}

// SupportsHandshake reports whether the controller identified by vid/pid
// requires the handshake variant of the upgrade state machine.
func SupportsHandshake(vid, pid uint16) bool {
	return handshake[[2]uint16{vid, pid}]
}

// subverNames maps the lmp_subver field of a READ_LOCAL_VERSION response to a
// human-readable Broadcom chip name, grounded on
// original_source/patchram/hci.cpp's bcm_usb_subver_table.
var subverNames = map[uint16]string{
	0x2105: "BCM20703A1",
	0x210b: "BCM43142A0",
	0x2112: "BCM4314A0",
	0x2118: "BCM20702A0",
	0x2126: "BCM4335A0",
	0x220e: "BCM20702A1",
	0x230f: "BCM4356A2",
	0x4106: "BCM4335B0",
	0x410e: "BCM20702B0",
	0x6109: "BCM4335C0",
	0x610c: "BCM4354",
	0x6607: "BCM4350C5",
}

// ControllerName returns the Broadcom chip name for the given lmp_subver, or
// "BCM" if it is not present in the table.
func ControllerName(lmpSubver uint16) string {
	if name, ok := subverNames[lmpSubver]; ok {
		return name
	}
	return "BCM"
}

// FormatVersion renders the local-version tuple the same way the original
// implementation's printf("Local Version: %s_%3.3u.%3.3u.%3.3u.%4.4u\n") does:
// the chip name followed by the three subver-derived fields and the masked
// hci_rev.
func FormatVersion(lmpSubver, hciRev uint16) string {
	name := ControllerName(lmpSubver)
	major := (lmpSubver >> 13) & 0x7
	minor := (lmpSubver & 0x1f00) >> 8
	patch := lmpSubver & 0x00ff
	return fmt.Sprintf("%s_%03d.%03d.%03d.%04d", name, major, minor, patch, hciRev&0x0fff)
}
