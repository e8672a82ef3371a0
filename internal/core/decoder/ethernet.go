// Package decoder implements the binary header decoders used by the brokers.
package decoder

import (
	"encoding/binary"

	"firestige.xyz/tap/internal/core"
)

const (
	// Ethernet constants
	ethernetHeaderLen = 14
	vlanHeaderLen     = 4

	// EtherType values
	EtherTypeIPv4 = 0x0800
	EtherTypeARP  = 0x0806
	EtherTypeIPv6 = 0x86DD
	etherTypeVLAN = 0x8100
	etherTypeQinQ = 0x88A8
)

// DecodeEthernet decodes an Ethernet II header including VLAN tags.
// The returned packet's Payload starts after the last tag.
func DecodeEthernet(data []byte) (core.EthernetPacket, error) {
	if len(data) < ethernetHeaderLen {
		return core.EthernetPacket{}, core.ErrTruncated
	}

	eth := core.EthernetPacket{
		Destination: core.MACFromBytes(data[0:6]),
		Source:      core.MACFromBytes(data[6:12]),
		Size:        len(data),
	}

	etherType := binary.BigEndian.Uint16(data[12:14])
	offset := ethernetHeaderLen

	// Tags can be nested (QinQ)
	for etherType == etherTypeVLAN || etherType == etherTypeQinQ {
		if len(data) < offset+vlanHeaderLen {
			return eth, core.ErrTruncated
		}
		tci := binary.BigEndian.Uint16(data[offset : offset+2])
		eth.VLANs = append(eth.VLANs, tci&0x0FFF)
		etherType = binary.BigEndian.Uint16(data[offset+2 : offset+4])
		offset += vlanHeaderLen
	}

	eth.EtherType = etherType
	eth.Payload = data[offset:]
	return eth, nil
}
