package processor

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/tap/internal/contextengine"
	"firestige.xyz/tap/internal/core"
	"firestige.xyz/tap/internal/log"
	"firestige.xyz/tap/internal/tables"
)

// TCPProcessor feeds segments into the TCP table.
type TCPProcessor struct {
	table *tables.TcpTable
	log   log.Logger
}

func NewTCPProcessor(table *tables.TcpTable) *TCPProcessor {
	return &TCPProcessor{table: table, log: log.GetLogger().WithField("processor", "tcp")}
}

// Process registers seg. Segments of sessions whose handshake was not seen
// are expected and not an error.
func (p *TCPProcessor) Process(seg *core.TcpSegment) error {
	err := p.table.RegisterSegment(seg)
	if errors.Is(err, core.ErrNoSession) {
		if p.log.IsTraceEnabled() {
			p.log.Tracef("segment of untracked session %s", seg.Key)
		}
		return nil
	}
	return err
}

// UDPProcessor feeds datagrams into the UDP table.
type UDPProcessor struct {
	table *tables.UdpTable
}

func NewUDPProcessor(table *tables.UdpTable) *UDPProcessor {
	return &UDPProcessor{table: table}
}

func (p *UDPProcessor) Process(d *core.Datagram) error {
	p.table.RegisterDatagram(d)
	return nil
}

// Dot11Processor feeds 802.11 frames into the Dot11 table.
type Dot11Processor struct {
	table *tables.Dot11Table
}

func NewDot11Processor(table *tables.Dot11Table) *Dot11Processor {
	return &Dot11Processor{table: table}
}

func (p *Dot11Processor) Process(f *core.Dot11Frame) error {
	p.table.RegisterFrame(f)
	return nil
}

// ARPProcessor logs ARP packets and teaches the context engine which MAC
// uses which IP.
type ARPProcessor struct {
	table   *tables.ArpTable
	context *contextengine.Engine
}

func NewARPProcessor(table *tables.ArpTable, ctx *contextengine.Engine) *ARPProcessor {
	return &ARPProcessor{table: table, context: ctx}
}

func (p *ARPProcessor) Process(pkt *core.ArpPacket) error {
	p.table.RegisterPacket(pkt)
	p.context.RegisterMacAddressIP(pkt.SenderMAC, pkt.SenderAddress, contextengine.SourceArp)
	return nil
}

// DHCPProcessor tracks DHCPv4 transactions. A successful lease binds the
// client MAC to the assigned address and hostname.
type DHCPProcessor struct {
	table   *tables.DhcpTable
	context *contextengine.Engine
}

func NewDHCPProcessor(table *tables.DhcpTable, ctx *contextengine.Engine) *DHCPProcessor {
	return &DHCPProcessor{table: table, context: ctx}
}

func (p *DHCPProcessor) Process(pkt *core.Dhcpv4Packet) error {
	tx := p.table.RegisterPacket(pkt)
	if tx == nil || tx.ClientMAC == nil {
		return nil
	}
	if tx.AssignedAddress != nil {
		p.context.RegisterMacAddressIP(*tx.ClientMAC, *tx.AssignedAddress, contextengine.SourceDhcp)
	}
	if tx.Hostname != "" {
		p.context.RegisterMacAddressHostname(*tx.ClientMAC, tx.Hostname, nil, contextengine.SourceDhcp)
	}
	return nil
}

// DNSProcessor runs the DNS table and harvests hostnames from reverse
// lookups answered by the configured DNS servers.
type DNSProcessor struct {
	table   *tables.DnsTable
	context *contextengine.Engine
	servers map[netip.Addr]struct{}
	log     log.Logger
}

func NewDNSProcessor(table *tables.DnsTable, ctx *contextengine.Engine, servers []netip.Addr) *DNSProcessor {
	p := &DNSProcessor{
		table:   table,
		context: ctx,
		servers: make(map[netip.Addr]struct{}, len(servers)),
		log:     log.GetLogger().WithField("processor", "dns"),
	}
	for _, s := range servers {
		p.servers[s] = struct{}{}
	}
	return p
}

func (p *DNSProcessor) Process(pkt *core.DnsPacket) error {
	if pkt.HasTransactionID && hasPTRQuestion(pkt) {
		switch pkt.Type {
		case core.DnsQuery:
			if _, ok := p.servers[pkt.Destination]; ok {
				p.context.MarkTransactionID(pkt.TransactionID)
			}
		case core.DnsQueryResponse:
			if _, ok := p.servers[pkt.Source]; ok {
				p.harvestPTR(pkt)
			}
		}
	}

	p.table.RegisterPacket(pkt)
	return nil
}

func hasPTRQuestion(pkt *core.DnsPacket) bool {
	for _, q := range pkt.Queries {
		if q.DataType == "PTR" {
			return true
		}
	}
	return false
}

func (p *DNSProcessor) harvestPTR(pkt *core.DnsPacket) {
	txID := pkt.TransactionID
	for _, r := range pkt.Responses {
		if r.DataType != "PTR" || r.Value == "" {
			continue
		}
		ip, err := reverseLookupAddr(r.Name)
		if err != nil {
			p.log.WithError(err).Debug("skipping PTR answer")
			continue
		}
		mac, ok := p.context.LookupMac(ip)
		if !ok {
			p.log.Debugf("no MAC known for %s", ip)
			continue
		}
		p.context.RegisterMacAddressHostname(mac, r.Value, &txID, contextengine.SourcePtrDns)
	}
}

// reverseLookupAddr turns "2.0.0.10.in-addr.arpa" into 10.0.0.2.
func reverseLookupAddr(name string) (netip.Addr, error) {
	name = strings.TrimSuffix(strings.ToLower(name), ".")
	rest, ok := strings.CutSuffix(name, ".in-addr.arpa")
	if !ok {
		return netip.Addr{}, fmt.Errorf("not an IPv4 reverse name: %q", name)
	}
	labels := strings.Split(rest, ".")
	if len(labels) != 4 {
		return netip.Addr{}, fmt.Errorf("not an IPv4 reverse name: %q", name)
	}
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return netip.ParseAddr(strings.Join(labels, "."))
}

// SSHProcessor records SSH sessions re-published by the tagger.
type SSHProcessor struct {
	table *tables.SshTable
}

func NewSSHProcessor(table *tables.SshTable) *SSHProcessor {
	return &SSHProcessor{table: table}
}

func (p *SSHProcessor) Process(s *core.SshSession) error {
	p.table.RegisterSession(s)
	return nil
}

// SOCKSProcessor records SOCKS tunnels re-published by the tagger.
type SOCKSProcessor struct {
	table *tables.SocksTable
}

func NewSOCKSProcessor(table *tables.SocksTable) *SOCKSProcessor {
	return &SOCKSProcessor{table: table}
}

func (p *SOCKSProcessor) Process(t *core.SocksTunnel) error {
	p.table.RegisterTunnel(t)
	return nil
}

type bluetoothDevice struct {
	MAC  string `mapstructure:"mac"`
	Name string `mapstructure:"name"`
	RSSI int    `mapstructure:"rssi"`
}

type uavRemoteID struct {
	Identifier string  `mapstructure:"identifier"`
	Latitude   float64 `mapstructure:"latitude"`
	Longitude  float64 `mapstructure:"longitude"`
}

type gnssMessage struct {
	Constellation string `mapstructure:"constellation"`
	SentenceType  string `mapstructure:"sentence_type"`
}

// ObservationProcessor counts externally decoded observations in the
// table matching their kind.
type ObservationProcessor struct {
	table *tables.ObservationTable
}

func NewObservationProcessor(table *tables.ObservationTable) *ObservationProcessor {
	return &ObservationProcessor{table: table}
}

func (p *ObservationProcessor) Process(o *core.Observation) error {
	if o.Kind != p.table.Kind() {
		return fmt.Errorf("observation of kind %q sent to %q table", o.Kind, p.table.Kind())
	}
	id, err := observationIdentifier(o)
	if err != nil {
		return err
	}
	p.table.RegisterObservation(id, o)
	return nil
}

// observationIdentifier decodes the attributes of o into the typed shape
// of its kind and returns the field the kind is counted by.
func observationIdentifier(o *core.Observation) (string, error) {
	var id string
	switch o.Kind {
	case core.ObservationBluetooth:
		var dev bluetoothDevice
		if err := decodeAttributes(o.Attributes, &dev); err != nil {
			return "", err
		}
		id = strings.ToLower(dev.MAC)
	case core.ObservationUav:
		var uav uavRemoteID
		if err := decodeAttributes(o.Attributes, &uav); err != nil {
			return "", err
		}
		id = uav.Identifier
	case core.ObservationGnss:
		var msg gnssMessage
		if err := decodeAttributes(o.Attributes, &msg); err != nil {
			return "", err
		}
		id = msg.Constellation
	default:
		return "", fmt.Errorf("unknown observation kind %q", o.Kind)
	}
	if id == "" {
		return "", fmt.Errorf("%s observation without identifier", o.Kind)
	}
	return id, nil
}

func decodeAttributes(attrs map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(attrs); err != nil {
		return fmt.Errorf("decoding observation attributes: %w", err)
	}
	return nil
}
