package broker

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"firestige.xyz/tap/internal/core"
)

const (
	portDHCPServer = 67
	portDHCPClient = 68
)

func isDHCP(d *core.Datagram) bool {
	return (d.SourcePort == portDHCPClient && d.DestinationPort == portDHCPServer) ||
		(d.SourcePort == portDHCPServer && d.DestinationPort == portDHCPClient)
}

// decodeDHCP parses a DHCPv4 message carried by d.
func decodeDHCP(d *core.Datagram) (*core.Dhcpv4Packet, error) {
	msg, err := dhcpv4.FromBytes(d.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: dhcpv4: %v", core.ErrTruncated, err)
	}

	p := &core.Dhcpv4Packet{
		SourceMAC:        d.SourceMAC,
		DestinationMAC:   d.DestinationMAC,
		Source:           d.Source,
		Destination:      d.Destination,
		SourcePort:       d.SourcePort,
		DestinationPort:  d.DestinationPort,
		OpCode:           msg.OpCode.String(),
		HardwareType:     msg.HWType.String(),
		TransactionID:    uint32(msg.TransactionID[0])<<24 | uint32(msg.TransactionID[1])<<16 | uint32(msg.TransactionID[2])<<8 | uint32(msg.TransactionID[3]),
		SecondsElapsed:   msg.NumSeconds,
		ClientAddress:    ipv4Addr(msg.ClientIPAddr),
		AssignedAddress:  ipv4Addr(msg.YourIPAddr),
		ClientMAC:        core.MACFromBytes(msg.ClientHWAddr),
		MessageType:      msg.MessageType().String(),
		RequestedAddress: ipv4Addr(msg.RequestedIPAddress()),
		Hostname:         msg.HostName(),
		Size:             d.Size,
		Timestamp:        d.Timestamp,
	}
	for _, code := range msg.ParameterRequestList() {
		p.ParameterRequestList = append(p.ParameterRequestList, code.Code())
	}

	return p, nil
}

func ipv4Addr(ip net.IP) netip.Addr {
	v4 := ip.To4()
	if v4 == nil || v4.IsUnspecified() {
		return netip.Addr{}
	}
	addr, _ := netip.AddrFromSlice(v4)
	return addr
}
