package endpoint

import (
	"bytes"
	"net"
)

const wolRepeat = 16

// DefaultWOLAddr is the broadcast target of magic packets, UDP discard port
// as used by most BIOS implementations.
const DefaultWOLAddr = "255.255.255.255:9"

// MagicPacket builds the wake-on-lan frame for mac: 6 bytes of 0xFF followed
// by the MAC address repeated 16 times.
func MagicPacket(mac string) ([]byte, error) {
	hw, err := net.ParseMAC(mac)
	if nil != err {
		return nil, wrapError(err, "invalid MAC address %q", mac)
	}
	if 6 != len(hw) {
		return nil, newError("unsupported %d byte hardware address", len(hw))
	}

	var buf bytes.Buffer
	buf.Write(bytes.Repeat([]byte{0xFF}, 6))
	for range wolRepeat {
		buf.Write(hw)
	}
	return buf.Bytes(), nil
}

// SendWOL broadcasts the magic packet for mac to addr.
func SendWOL(addr string, mac string) error {
	frame, err := MagicPacket(mac)
	if nil != err {
		return err
	}

	conn, err := net.Dial("udp", addr)
	if nil != err {
		return wrapError(err, "failed UDP dial on %s", addr)
	}
	defer conn.Close()

	_, err = conn.Write(frame)
	return wrapError(err, "failed magic packet write") // nil if err is nil...
}
