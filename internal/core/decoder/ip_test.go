package decoder

import (
	"errors"
	"net/netip"
	"testing"

	"firestige.xyz/tap/internal/core"
)

func ipv4Header(totalLen byte, flags byte) []byte {
	return []byte{
		0x45, 0x10, // Version 4, IHL 5, TOS 0x10
		0x00, totalLen, // Total length
		0x12, 0x34, // Identification
		flags, 0x00, // Flags + fragment offset
		0x40, 0x06, // TTL 64, protocol TCP
		0x00, 0x00, // Checksum
		192, 168, 1, 10, // Src
		10, 0, 0, 1, // Dst
	}
}

func TestDecodeIPv4(t *testing.T) {
	data := append(ipv4Header(24, 0x40), 0xDE, 0xAD, 0xBE, 0xEF)

	ip, payload, err := DecodeIPv4(data)
	if err != nil {
		t.Fatalf("DecodeIPv4 failed: %v", err)
	}
	if ip.Source != netip.MustParseAddr("192.168.1.10") {
		t.Errorf("Expected source 192.168.1.10, got %s", ip.Source)
	}
	if ip.Destination != netip.MustParseAddr("10.0.0.1") {
		t.Errorf("Expected destination 10.0.0.1, got %s", ip.Destination)
	}
	if ip.TTL != 64 || ip.Protocol != 6 || ip.TOS != 0x10 {
		t.Errorf("Unexpected TTL/protocol/TOS: %d/%d/%#x", ip.TTL, ip.Protocol, ip.TOS)
	}
	if !ip.DontFragment {
		t.Error("Expected DF flag")
	}
	if len(payload) != 4 {
		t.Errorf("Expected payload length 4, got %d", len(payload))
	}
}

func TestDecodeIPv4StripsPadding(t *testing.T) {
	// Total length says 22 bytes, the Ethernet minimum frame padded it further
	data := append(ipv4Header(22, 0x00), 0x01, 0x02, 0x00, 0x00, 0x00, 0x00)

	_, payload, err := DecodeIPv4(data)
	if err != nil {
		t.Fatalf("DecodeIPv4 failed: %v", err)
	}
	if len(payload) != 2 {
		t.Errorf("Expected payload length 2, got %d", len(payload))
	}
}

func TestDecodeIPv4TrailingFragment(t *testing.T) {
	data := ipv4Header(20, 0x20)
	data[7] = 0x10 // offset 16 * 8 bytes

	ip, _, err := DecodeIPv4(data)
	if err != nil {
		t.Fatalf("DecodeIPv4 failed: %v", err)
	}
	if !ip.MoreFragments || !ip.IsTrailingFragment() {
		t.Errorf("Expected trailing fragment, got MF=%v offset=%d", ip.MoreFragments, ip.FragmentOffset)
	}
}

func TestDecodeIPv4Errors(t *testing.T) {
	badIHL := ipv4Header(20, 0)
	badIHL[0] = 0x4F // claims 60 bytes of header

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"too short", []byte{0x45, 0x00}, core.ErrTruncated},
		{"ipv6", append([]byte{0x60}, make([]byte, 39)...), core.ErrUnsupportedProtocol},
		{"ihl beyond buffer", badIHL, core.ErrTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := DecodeIPv4(tt.data); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}
