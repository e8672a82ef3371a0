package core

import (
	"net/netip"
	"time"
)

// SessionMeta is the TCP session context attached to events derived from
// a tagged session.
type SessionMeta struct {
	Key                   SessionKey
	SourceMAC             MAC
	DestinationMAC        MAC
	Source                netip.Addr
	Destination           netip.Addr
	SourcePort            uint16
	DestinationPort       uint16
	Status                ConnectionStatus
	TunneledBytes         uint64
	EstablishedAt         time.Time
	TerminatedAt          *time.Time
	MostRecentSegmentTime time.Time
}

// SshVersion is one side of the SSH identification exchange.
type SshVersion struct {
	Version  string `json:"version"`
	Software string `json:"software"`
	Comments string `json:"comments,omitempty"`
}

// SshSession is emitted when a TCP session is recognized as SSH.
type SshSession struct {
	SessionMeta
	ClientVersion SshVersion
	ServerVersion SshVersion
}

// SocksType is the SOCKS protocol revision.
type SocksType string

const (
	Socks4  SocksType = "socks4"
	Socks4A SocksType = "socks4a"
	Socks5  SocksType = "socks5"
)

// SocksAuthenticationResult is the outcome of SOCKS5 sub-negotiation.
type SocksAuthenticationResult string

const (
	SocksAuthSuccess SocksAuthenticationResult = "success"
	SocksAuthFailure SocksAuthenticationResult = "failure"
	SocksAuthUnknown SocksAuthenticationResult = "unknown"
)

// SocksHandshakeStatus is the server verdict on the connect request.
type SocksHandshakeStatus string

const (
	SocksGranted                        SocksHandshakeStatus = "granted"
	SocksRejected                       SocksHandshakeStatus = "rejected"
	SocksFailedIdentdUnreachable        SocksHandshakeStatus = "failed_identd_unreachable"
	SocksFailedIdentdAuth               SocksHandshakeStatus = "failed_identd_auth"
	SocksInvalid                        SocksHandshakeStatus = "invalid"
	SocksGeneralFailure                 SocksHandshakeStatus = "general_failure"
	SocksConnectionNotAllowedByRuleset  SocksHandshakeStatus = "connection_not_allowed_by_ruleset"
	SocksNetworkUnreachable             SocksHandshakeStatus = "network_unreachable"
	SocksHostUnreachable                SocksHandshakeStatus = "host_unreachable"
	SocksConnectionRefusedByDestination SocksHandshakeStatus = "connection_refused_by_destination"
	SocksTtlExpired                     SocksHandshakeStatus = "ttl_expired"
	SocksUnsupportedCommand             SocksHandshakeStatus = "unsupported_command"
	SocksUnsupportedAddressType         SocksHandshakeStatus = "unsupported_address_type"
)

// SocksTunnel is emitted when a TCP session is recognized as a SOCKS tunnel.
type SocksTunnel struct {
	SessionMeta
	Type                 SocksType
	AuthenticationStatus SocksAuthenticationResult
	HandshakeStatus      SocksHandshakeStatus
	Username             string
	DestinationAddress   netip.Addr
	DestinationHost      string
	DestinationPort      uint16
}

// ObservationKind names a class of event decoded outside the core.
type ObservationKind string

const (
	ObservationBluetooth ObservationKind = "bluetooth"
	ObservationUav       ObservationKind = "uav_remote_id"
	ObservationGnss      ObservationKind = "gnss_nmea"
)

// Observation is a decoded event delivered by an external decoder
// (Bluetooth device sighting, UAV remote ID broadcast, GNSS sentence).
type Observation struct {
	Kind       ObservationKind
	Attributes map[string]any
	Size       int
	Timestamp  time.Time
}
