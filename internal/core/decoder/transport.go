package decoder

import (
	"encoding/binary"

	"firestige.xyz/tap/internal/core"
)

const (
	udpHeaderLen    = 8
	tcpHeaderMinLen = 20

	// TCP option kinds
	tcpOptionEnd         = 0
	tcpOptionNop         = 1
	tcpOptionMSS         = 2
	tcpOptionWindowScale = 3
)

// TCPHeader is a decoded TCP header.
type TCPHeader struct {
	SrcPort    uint16
	DstPort    uint16
	SeqNum     uint32
	AckNum     uint32
	Flags      core.TcpFlags
	WindowSize uint16
	Options    core.TcpOptions
}

// UDPHeader is a decoded UDP header.
type UDPHeader struct {
	SrcPort uint16
	DstPort uint16
	Length  uint16
}

// DecodeUDP decodes a UDP header. The payload is cut to the UDP length
// field when it is shorter than the buffer.
func DecodeUDP(data []byte) (UDPHeader, []byte, error) {
	if len(data) < udpHeaderLen {
		return UDPHeader{}, nil, core.ErrTruncated
	}

	udp := UDPHeader{
		SrcPort: binary.BigEndian.Uint16(data[0:2]),
		DstPort: binary.BigEndian.Uint16(data[2:4]),
		Length:  binary.BigEndian.Uint16(data[4:6]),
	}

	end := len(data)
	if int(udp.Length) >= udpHeaderLen && int(udp.Length) < end {
		end = int(udp.Length)
	}
	return udp, data[udpHeaderLen:end], nil
}

// DecodeTCP decodes a TCP header and its options.
func DecodeTCP(data []byte) (TCPHeader, []byte, error) {
	if len(data) < tcpHeaderMinLen {
		return TCPHeader{}, nil, core.ErrTruncated
	}

	tcp := TCPHeader{
		SrcPort:    binary.BigEndian.Uint16(data[0:2]),
		DstPort:    binary.BigEndian.Uint16(data[2:4]),
		SeqNum:     binary.BigEndian.Uint32(data[4:8]),
		AckNum:     binary.BigEndian.Uint32(data[8:12]),
		Flags:      core.TcpFlags(data[13]),
		WindowSize: binary.BigEndian.Uint16(data[14:16]),
	}

	// Data offset is in 32-bit words
	headerLen := int(data[12]>>4) * 4
	if headerLen < tcpHeaderMinLen || len(data) < headerLen {
		return tcp, nil, core.ErrTruncated
	}

	tcp.Options = decodeTCPOptions(data[tcpHeaderMinLen:headerLen])
	return tcp, data[headerLen:], nil
}

func decodeTCPOptions(data []byte) core.TcpOptions {
	var opts core.TcpOptions
	for i := 0; i < len(data); {
		kind := data[i]
		opts.Kinds = append(opts.Kinds, kind)
		switch kind {
		case tcpOptionEnd:
			return opts
		case tcpOptionNop:
			i++
			continue
		}

		if i+1 >= len(data) {
			return opts
		}
		length := int(data[i+1])
		if length < 2 || i+length > len(data) {
			return opts
		}

		switch kind {
		case tcpOptionMSS:
			if length == 4 {
				opts.MaximumSegmentSize = binary.BigEndian.Uint16(data[i+2 : i+4])
			}
		case tcpOptionWindowScale:
			if length == 3 {
				opts.WindowScale = data[i+2]
				opts.HasWindowScale = true
			}
		}
		i += length
	}
	return opts
}
