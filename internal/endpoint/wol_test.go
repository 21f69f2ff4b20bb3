package endpoint

import (
	"bytes"
	"net"
	"testing"
)

func TestMagicPacket(t *testing.T) {
	frame, err := MagicPacket("aa:bb:cc:dd:ee:ff")
	if nil != err {
		t.Fatalf("failed building magic packet, got error %v", err)
	}
	if 102 != len(frame) {
		t.Fatalf("Oops, magic packet is %d bytes", len(frame))
	}
	if !bytes.Equal(bytes.Repeat([]byte{0xFF}, 6), frame[:6]) {
		t.Fatalf("Oops, magic packet preamble is %x", frame[:6])
	}
	mac := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	for i := range 16 {
		if !bytes.Equal(mac, frame[6+6*i:12+6*i]) {
			t.Fatalf("Oops, MAC repetition %d is %x", i, frame[6+6*i:12+6*i])
		}
	}
}

func TestMagicPacketBadMAC(t *testing.T) {
	_, err := MagicPacket("not-a-mac")
	if nil == err {
		t.Fatalf("Oops, invalid MAC was accepted")
	}
}

func TestSendWOL(t *testing.T) {
	sink, err := net.ListenPacket("udp", "127.0.0.1:0")
	if nil != err {
		t.Fatalf("failed UDP listen, got error %v", err)
	}
	defer sink.Close()

	err = SendWOL(sink.LocalAddr().String(), "aa:bb:cc:dd:ee:ff")
	if nil != err {
		t.Fatalf("failed SendWOL, got error %v", err)
	}

	buf := make([]byte, 256)
	n, _, err := sink.ReadFrom(buf)
	if nil != err {
		t.Fatalf("failed reading magic packet, got error %v", err)
	}
	if 102 != n {
		t.Fatalf("Oops, received %d bytes", n)
	}
}
