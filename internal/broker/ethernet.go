package broker

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sourcegraph/conc/panics"

	"firestige.xyz/tap/internal/bus"
	"firestige.xyz/tap/internal/core"
	"firestige.xyz/tap/internal/core/decoder"
	"firestige.xyz/tap/internal/log"
	"firestige.xyz/tap/internal/metrics"
)

const ethernetBrokerName = "ethernet"

// EthernetBroker decodes wired frames from the ethernet_broker channel and
// publishes ARP, TCP, UDP, DNS and DHCPv4 packets.
type EthernetBroker struct {
	bus    *bus.Bus
	filter *Filter
	log    log.Logger
}

// NewEthernetBroker creates a wired broker. filter may be nil.
func NewEthernetBroker(b *bus.Bus, filter *Filter) *EthernetBroker {
	return &EthernetBroker{
		bus:    b,
		filter: filter,
		log:    log.GetLogger().WithField("broker", ethernetBrokerName),
	}
}

// Run consumes frames until the channel is closed or ctx is done.
func (e *EthernetBroker) Run(ctx context.Context) {
	frames := e.bus.EthernetBroker.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				e.log.Error("ethernet broker channel disconnected, stopping")
				return
			}
			_ = e.Handle(frame)
		}
	}
}

// Handle decodes one frame. A panic while decoding is recovered and
// returned as an error so the broker keeps running.
func (e *EthernetBroker) Handle(frame *core.RawFrame) (err error) {
	if r := panics.Try(func() { err = e.handle(frame) }); r != nil {
		metrics.PanicsTotal.WithLabelValues("ethernet_broker").Inc()
		e.log.WithField("panic", r.String()).Error("recovered from panic while decoding ethernet frame")
		return r.AsError()
	}
	if err != nil {
		recordDrop(ethernetBrokerName, err)
		if e.log.IsTraceEnabled() {
			e.log.WithError(err).Trace("dropped ethernet frame")
		}
	}
	return err
}

func (e *EthernetBroker) handle(frame *core.RawFrame) error {
	if !e.filter.Accept(frame.Data) {
		return core.ErrFiltered
	}

	eth, err := decoder.DecodeEthernet(frame.Data)
	if err != nil {
		return err
	}
	eth.Size = frame.Size()
	eth.Timestamp = frame.Timestamp

	switch eth.EtherType {
	case decoder.EtherTypeARP:
		return e.handleARP(&eth)
	case decoder.EtherTypeIPv4:
		return e.handleIPv4(&eth)
	default:
		return fmt.Errorf("%w: 0x%04x", core.ErrUnsupportedEtherType, eth.EtherType)
	}
}

func (e *EthernetBroker) handleARP(eth *core.EthernetPacket) error {
	var arp layers.ARP
	if err := arp.DecodeFromBytes(eth.Payload, gopacket.NilDecodeFeedback); err != nil {
		return fmt.Errorf("%w: arp: %v", core.ErrTruncated, err)
	}
	if arp.AddrType != layers.LinkTypeEthernet || arp.Protocol != layers.EthernetTypeIPv4 ||
		arp.HwAddressSize != 6 || arp.ProtAddressSize != 4 {
		return fmt.Errorf("%w: arp hardware/protocol combination", core.ErrUnsupportedProtocol)
	}

	sender, _ := netip.AddrFromSlice(arp.SourceProtAddress)
	target, _ := netip.AddrFromSlice(arp.DstProtAddress)
	pkt := &core.ArpPacket{
		EthernetSource:      eth.Source,
		EthernetDestination: eth.Destination,
		Operation:           core.ArpOpCode(arp.Operation),
		SenderMAC:           core.MACFromBytes(arp.SourceHwAddress),
		SenderAddress:       sender,
		TargetMAC:           core.MACFromBytes(arp.DstHwAddress),
		TargetAddress:       target,
		Size:                eth.Size,
		Timestamp:           eth.Timestamp,
	}
	return e.bus.ARP.Publish(pkt, pkt.Size)
}

func (e *EthernetBroker) handleIPv4(eth *core.EthernetPacket) error {
	ip, payload, err := decoder.DecodeIPv4(eth.Payload)
	if err != nil {
		return err
	}
	if ip.IsTrailingFragment() {
		return fmt.Errorf("%w: trailing ipv4 fragment", core.ErrUnsupportedProtocol)
	}

	switch ip.Protocol {
	case core.ProtocolTCP:
		return e.handleTCP(eth, &ip, payload)
	case core.ProtocolUDP:
		return e.handleUDP(eth, &ip, payload)
	default:
		return fmt.Errorf("%w: ip protocol %d", core.ErrUnsupportedProtocol, ip.Protocol)
	}
}

func (e *EthernetBroker) handleTCP(eth *core.EthernetPacket, ip *decoder.IPv4Header, data []byte) error {
	tcp, payload, err := decoder.DecodeTCP(data)
	if err != nil {
		return err
	}

	seg := &core.TcpSegment{
		SourceMAC:       eth.Source,
		DestinationMAC:  eth.Destination,
		Source:          ip.Source,
		Destination:     ip.Destination,
		SourcePort:      tcp.SrcPort,
		DestinationPort: tcp.DstPort,
		Key:             core.NewSessionKey(ip.Source, tcp.SrcPort, ip.Destination, tcp.DstPort, core.ProtocolTCP),
		SequenceNumber:  tcp.SeqNum,
		AckNumber:       tcp.AckNum,
		Flags:           tcp.Flags,
		WindowSize:      tcp.WindowSize,
		Options:         tcp.Options,
		IPTTL:           ip.TTL,
		IPTOS:           ip.TOS,
		IPDontFragment:  ip.DontFragment,
		Payload:         payload,
		Size:            eth.Size,
		Timestamp:       eth.Timestamp,
	}
	return e.bus.TCP.Publish(seg, seg.Size)
}

func (e *EthernetBroker) handleUDP(eth *core.EthernetPacket, ip *decoder.IPv4Header, data []byte) error {
	udp, payload, err := decoder.DecodeUDP(data)
	if err != nil {
		return err
	}

	dgram := &core.Datagram{
		SourceMAC:       eth.Source,
		DestinationMAC:  eth.Destination,
		Source:          ip.Source,
		Destination:     ip.Destination,
		SourcePort:      udp.SrcPort,
		DestinationPort: udp.DstPort,
		Key:             core.NewSessionKey(ip.Source, udp.SrcPort, ip.Destination, udp.DstPort, core.ProtocolUDP),
		Payload:         payload,
		Size:            eth.Size,
		Timestamp:       eth.Timestamp,
	}
	if err := e.bus.UDP.Publish(dgram, dgram.Size); err != nil {
		recordDrop(ethernetBrokerName, err)
	}

	switch {
	case isDNS(dgram):
		pkt, err := decodeDNS(dgram)
		if err != nil {
			return err
		}
		return e.bus.DNS.Publish(pkt, pkt.Size)
	case isDHCP(dgram):
		pkt, err := decodeDHCP(dgram)
		if err != nil {
			return err
		}
		return e.bus.DHCPv4.Publish(pkt, pkt.Size)
	}
	return nil
}
