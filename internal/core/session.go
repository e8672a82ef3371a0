package core

import (
	"fmt"
	"net/netip"
)

// IP protocol numbers carried in a SessionKey.
const (
	ProtocolTCP uint8 = 6
	ProtocolUDP uint8 = 17
)

// SessionKey identifies a flow independently of direction: the lower
// endpoint always sorts first, so both directions produce the same key.
type SessionKey struct {
	AddressLow  netip.Addr
	PortLow     uint16
	AddressHigh netip.Addr
	PortHigh    uint16
	Protocol    uint8
}

// NewSessionKey builds the canonical key for a flow between a and b.
func NewSessionKey(a netip.Addr, aPort uint16, b netip.Addr, bPort uint16, protocol uint8) SessionKey {
	if endpointLess(b, bPort, a, aPort) {
		a, aPort, b, bPort = b, bPort, a, aPort
	}
	return SessionKey{
		AddressLow:  a,
		PortLow:     aPort,
		AddressHigh: b,
		PortHigh:    bPort,
		Protocol:    protocol,
	}
}

func endpointLess(a netip.Addr, aPort uint16, b netip.Addr, bPort uint16) bool {
	if c := a.Compare(b); c != 0 {
		return c < 0
	}
	return aPort < bPort
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%s-%s/%d",
		netip.AddrPortFrom(k.AddressLow, k.PortLow),
		netip.AddrPortFrom(k.AddressHigh, k.PortHigh),
		k.Protocol)
}

// MarshalText lets a SessionKey be used as a JSON object key.
func (k SessionKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// TcpFlags is the TCP control bits byte.
type TcpFlags uint8

const (
	FlagFIN TcpFlags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
)

// Has reports whether every bit in f is set.
func (t TcpFlags) Has(f TcpFlags) bool {
	return t&f == f
}

func (t TcpFlags) String() string {
	names := []string{"FIN", "SYN", "RST", "PSH", "ACK", "URG", "ECE", "CWR"}
	out := ""
	for i, n := range names {
		if t&(1<<i) != 0 {
			if out != "" {
				out += "|"
			}
			out += n
		}
	}
	if out == "" {
		return "NONE"
	}
	return out
}

// L7Tag is an application protocol classification attached to a session.
type L7Tag string

const (
	TagUnencrypted L7Tag = "unencrypted"
	TagHttp        L7Tag = "http"
	TagSmtp        L7Tag = "smtp"
	TagImap        L7Tag = "imap"
	TagPop3        L7Tag = "pop3"
	TagFtp         L7Tag = "ftp"
	TagTelnet      L7Tag = "telnet"
	TagTls         L7Tag = "tls"
	TagDns         L7Tag = "dns"
	TagSsh         L7Tag = "ssh"
	TagSocks       L7Tag = "socks"
	TagDhcpv4      L7Tag = "dhcpv4"
	TagSip         L7Tag = "sip"
)

// ConnectionStatus is the coarse state reported for tunnels and SSH
// sessions derived from a TCP session.
type ConnectionStatus string

const (
	ConnectionActive          ConnectionStatus = "active"
	ConnectionInactive        ConnectionStatus = "inactive"
	ConnectionInactiveTimeout ConnectionStatus = "inactive_timeout"
)

// Terminal reports whether the connection has ended.
func (s ConnectionStatus) Terminal() bool {
	return s != ConnectionActive
}
