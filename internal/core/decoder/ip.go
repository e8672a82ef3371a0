package decoder

import (
	"encoding/binary"
	"net/netip"

	"firestige.xyz/tap/internal/core"
)

const ipv4HeaderMinLen = 20

// IPv4Header is the subset of the IPv4 header the pipeline uses.
type IPv4Header struct {
	Source         netip.Addr
	Destination    netip.Addr
	TOS            uint8
	TotalLen       uint16
	TTL            uint8
	Protocol       uint8
	DontFragment   bool
	MoreFragments  bool
	FragmentOffset uint16
}

// IsTrailingFragment reports whether the packet is a fragment other than
// the first, which carries no transport header.
func (h IPv4Header) IsTrailingFragment() bool {
	return h.FragmentOffset != 0
}

// DecodeIPv4 decodes an IPv4 header. The payload is cut to the total length
// announced by the header so Ethernet padding does not leak into it.
func DecodeIPv4(data []byte) (IPv4Header, []byte, error) {
	if len(data) < ipv4HeaderMinLen {
		return IPv4Header{}, nil, core.ErrTruncated
	}
	if data[0]>>4 != 4 {
		return IPv4Header{}, nil, core.ErrUnsupportedProtocol
	}

	// IHL is in 32-bit words
	headerLen := int(data[0]&0x0F) * 4
	if headerLen < ipv4HeaderMinLen || len(data) < headerLen {
		return IPv4Header{}, nil, core.ErrTruncated
	}

	ip := IPv4Header{
		TOS:      data[1],
		TotalLen: binary.BigEndian.Uint16(data[2:4]),
		TTL:      data[8],
		Protocol: data[9],
	}

	fragment := binary.BigEndian.Uint16(data[6:8])
	ip.DontFragment = fragment&0x4000 != 0
	ip.MoreFragments = fragment&0x2000 != 0
	ip.FragmentOffset = fragment & 0x1FFF

	ip.Source = netip.AddrFrom4([4]byte(data[12:16]))
	ip.Destination = netip.AddrFrom4([4]byte(data[16:20]))

	end := len(data)
	if int(ip.TotalLen) >= headerLen && int(ip.TotalLen) < end {
		end = int(ip.TotalLen)
	}
	return ip, data[headerLen:end], nil
}
