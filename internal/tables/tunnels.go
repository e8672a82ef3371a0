package tables

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"firestige.xyz/tap/internal/core"
	"firestige.xyz/tap/internal/link"
	"firestige.xyz/tap/internal/metrics"
)

const (
	sshReportPath   = "ssh/sessions"
	socksReportPath = "socks/tunnels"
)

type sessionMetaReport struct {
	ConnectionStatus      core.ConnectionStatus `json:"connection_status"`
	TunneledBytes         uint64                `json:"tunneled_bytes"`
	SourceMAC             core.MAC              `json:"source_mac"`
	DestinationMAC        core.MAC              `json:"destination_mac"`
	SourceAddress         netip.Addr            `json:"source_address"`
	SourcePort            uint16                `json:"source_port"`
	DestinationAddress    netip.Addr            `json:"destination_address"`
	DestinationPort       uint16                `json:"destination_port"`
	EstablishedAt         time.Time             `json:"established_at"`
	TerminatedAt          *time.Time            `json:"terminated_at"`
	MostRecentSegmentTime time.Time             `json:"most_recent_segment_time"`
}

func metaReport(m core.SessionMeta) sessionMetaReport {
	return sessionMetaReport{
		ConnectionStatus:      m.Status,
		TunneledBytes:         m.TunneledBytes,
		SourceMAC:             m.SourceMAC,
		DestinationMAC:        m.DestinationMAC,
		SourceAddress:         m.Source,
		SourcePort:            m.SourcePort,
		DestinationAddress:    m.Destination,
		DestinationPort:       m.DestinationPort,
		EstablishedAt:         m.EstablishedAt,
		TerminatedAt:          m.TerminatedAt,
		MostRecentSegmentTime: m.MostRecentSegmentTime,
	}
}

// tunnelTable keeps the latest event per TCP session key. Entries whose
// connection is no longer active are evicted once reported.
type tunnelTable[T any] struct {
	mu      sync.Mutex
	name    string
	path    string
	entries map[core.SessionKey]T
	meta    func(T) core.SessionMeta
	report  func(T) any
	sender  link.Sender
}

func (t *tunnelTable[T]) Name() string { return t.name }

func (t *tunnelTable[T]) upsert(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[t.meta(v).Key] = v
}

func (t *tunnelTable[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *tunnelTable[T]) ProcessReport() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	values := make([]T, 0, len(t.entries))
	for _, v := range t.entries {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool {
		return t.meta(values[i]).EstablishedAt.Before(t.meta(values[j]).EstablishedAt)
	})
	doc := make([]any, len(values))
	for i, v := range values {
		doc[i] = t.report(v)
	}

	err := submit(t.sender, t.path, doc)

	for key, v := range t.entries {
		if t.meta(v).Status.Terminal() {
			delete(t.entries, key)
		}
	}
	return err
}

func (t *tunnelTable[T]) CalculateMetrics() {
	size := t.Len()
	metrics.SetGauge("tables."+t.name+".size", float64(size))
	metrics.TableSize.WithLabelValues(t.name).Set(float64(size))
}

// SshTable holds SSH sessions recognized by the tagger.
type SshTable struct {
	tunnelTable[*core.SshSession]
}

type sshSessionReport struct {
	ClientVersion core.SshVersion `json:"client_version"`
	ServerVersion core.SshVersion `json:"server_version"`
	sessionMetaReport
}

func NewSshTable(sender link.Sender) *SshTable {
	return &SshTable{tunnelTable[*core.SshSession]{
		name:    "ssh",
		path:    sshReportPath,
		entries: make(map[core.SessionKey]*core.SshSession),
		meta:    func(s *core.SshSession) core.SessionMeta { return s.SessionMeta },
		report: func(s *core.SshSession) any {
			return sshSessionReport{
				ClientVersion:     s.ClientVersion,
				ServerVersion:     s.ServerVersion,
				sessionMetaReport: metaReport(s.SessionMeta),
			}
		},
		sender: sender,
	}}
}

func (t *SshTable) RegisterSession(s *core.SshSession) { t.upsert(s) }

// SocksTable holds SOCKS tunnels recognized by the tagger.
type SocksTable struct {
	tunnelTable[*core.SocksTunnel]
}

type socksTunnelReport struct {
	SocksType                  core.SocksType                 `json:"socks_type"`
	AuthenticationStatus       core.SocksAuthenticationResult `json:"authentication_status"`
	HandshakeStatus            core.SocksHandshakeStatus      `json:"handshake_status"`
	Username                   *string                        `json:"username"`
	TunneledDestinationAddress *netip.Addr                    `json:"tunneled_destination_address"`
	TunneledDestinationHost    *string                        `json:"tunneled_destination_host"`
	TunneledDestinationPort    uint16                         `json:"tunneled_destination_port"`
	sessionMetaReport
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func NewSocksTable(sender link.Sender) *SocksTable {
	return &SocksTable{tunnelTable[*core.SocksTunnel]{
		name:    "socks",
		path:    socksReportPath,
		entries: make(map[core.SessionKey]*core.SocksTunnel),
		meta:    func(s *core.SocksTunnel) core.SessionMeta { return s.SessionMeta },
		report: func(s *core.SocksTunnel) any {
			r := socksTunnelReport{
				SocksType:               s.Type,
				AuthenticationStatus:    s.AuthenticationStatus,
				HandshakeStatus:         s.HandshakeStatus,
				Username:                optionalString(s.Username),
				TunneledDestinationHost: optionalString(s.DestinationHost),
				TunneledDestinationPort: s.DestinationPort,
				sessionMetaReport:       metaReport(s.SessionMeta),
			}
			if s.DestinationAddress.IsValid() {
				addr := s.DestinationAddress
				r.TunneledDestinationAddress = &addr
			}
			return r
		},
		sender: sender,
	}}
}

func (t *SocksTable) RegisterTunnel(s *core.SocksTunnel) { t.upsert(s) }
