package core

import (
	"crypto/sha256"
	"encoding/hex"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// EthernetPacket is a decoded Ethernet II header plus its payload.
type EthernetPacket struct {
	Source      MAC
	Destination MAC
	EtherType   uint16
	VLANs       []uint16
	Payload     []byte
	Size        int
	Timestamp   time.Time
}

// ArpOpCode is the ARP operation.
type ArpOpCode uint16

const (
	ArpRequest ArpOpCode = 1
	ArpReply   ArpOpCode = 2
)

func (o ArpOpCode) String() string {
	switch o {
	case ArpRequest:
		return "request"
	case ArpReply:
		return "reply"
	default:
		return "unknown"
	}
}

// ArpPacket is an Ethernet/IPv4 ARP message.
type ArpPacket struct {
	EthernetSource      MAC
	EthernetDestination MAC
	Operation           ArpOpCode
	SenderMAC           MAC
	SenderAddress       netip.Addr
	TargetMAC           MAC
	TargetAddress       netip.Addr
	Size                int
	Timestamp           time.Time
}

// IPv4Packet is a decoded IPv4 header plus its payload.
type IPv4Packet struct {
	SourceMAC      MAC
	DestinationMAC MAC
	Source         netip.Addr
	Destination    netip.Addr
	TTL            uint8
	TOS            uint8
	DontFragment   bool
	Protocol       uint8
	Payload        []byte
	Size           int
	Timestamp      time.Time
}

// TcpOptions holds the handshake fingerprinting material of a segment.
type TcpOptions struct {
	MaximumSegmentSize uint16
	WindowScale        uint8
	HasWindowScale     bool
	Kinds              []uint8
}

// TcpSegment is a decoded TCP segment with its IP context.
type TcpSegment struct {
	SourceMAC       MAC
	DestinationMAC  MAC
	Source          netip.Addr
	Destination     netip.Addr
	SourcePort      uint16
	DestinationPort uint16
	Key             SessionKey
	SequenceNumber  uint32
	AckNumber       uint32
	Flags           TcpFlags
	WindowSize      uint16
	Options         TcpOptions
	IPTTL           uint8
	IPTOS           uint8
	IPDontFragment  bool
	Payload         []byte
	Size            int
	Timestamp       time.Time
}

// Datagram is a decoded UDP datagram with its IP context.
type Datagram struct {
	SourceMAC       MAC
	DestinationMAC  MAC
	Source          netip.Addr
	Destination     netip.Addr
	SourcePort      uint16
	DestinationPort uint16
	Key             SessionKey
	Payload         []byte
	Size            int
	Timestamp       time.Time
}

// DnsType tells queries and responses apart.
type DnsType string

const (
	DnsQuery         DnsType = "query"
	DnsQueryResponse DnsType = "query_response"
)

// DnsData is one question or answer record.
type DnsData struct {
	Name       string
	DataType   string
	Class      string
	Value      string
	TTL        uint32
	Entropy    float64
	HasEntropy bool
}

// DnsPacket is a decoded DNS message. mDNS messages carry no usable
// transaction id and have HasTransactionID unset.
type DnsPacket struct {
	TransactionID    uint16
	HasTransactionID bool
	SourceMAC        MAC
	DestinationMAC   MAC
	Source           netip.Addr
	Destination      netip.Addr
	SourcePort       uint16
	DestinationPort  uint16
	Type             DnsType
	NXDomain         bool
	QuestionCount    uint16
	AnswerCount      uint16
	Queries          []DnsData
	Responses        []DnsData
	Size             int
	Timestamp        time.Time
}

// Dhcpv4Packet is a decoded DHCPv4 message.
type Dhcpv4Packet struct {
	SourceMAC            MAC
	DestinationMAC       MAC
	Source               netip.Addr
	Destination          netip.Addr
	SourcePort           uint16
	DestinationPort      uint16
	OpCode               string
	HardwareType         string
	TransactionID        uint32
	SecondsElapsed       uint16
	ClientAddress        netip.Addr
	AssignedAddress      netip.Addr
	ClientMAC            MAC
	MessageType          string
	RequestedAddress     netip.Addr
	Hostname             string
	ParameterRequestList []uint8
	Size                 int
	Timestamp            time.Time
}

// Fingerprint hashes the parameter request list. Clients of the same DHCP
// implementation request the same options in the same order.
func (p *Dhcpv4Packet) Fingerprint() string {
	if len(p.ParameterRequestList) == 0 {
		return ""
	}
	parts := make([]string, len(p.ParameterRequestList))
	for i, code := range p.ParameterRequestList {
		parts[i] = strconv.Itoa(int(code))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, ",")))
	return hex.EncodeToString(sum[:])
}

// RadiotapHeader is the capture metadata prefixed to wireless frames.
type RadiotapHeader struct {
	Length        uint16
	Present       []uint32
	TSFT          uint64
	Flags         uint8
	HasFCS        bool
	BadFCS        bool
	DataRate      uint32 // kbit/s
	Frequency     uint16
	ChannelFlags  uint16
	Channel       uint16
	HasSignal     bool
	AntennaSignal int8
	HasNoise      bool
	AntennaNoise  int8
	Antenna       uint8
}

// Dot11Frame is an 802.11 frame with its radio metadata.
type Dot11Frame struct {
	InterfaceName string
	Radio         RadiotapHeader
	FrameType     string
	MainType      string
	Transmitter   MAC
	Receiver      MAC
	BSSID         MAC
	Protected     bool
	Payload       []byte
	Length        int
	Timestamp     time.Time
}
