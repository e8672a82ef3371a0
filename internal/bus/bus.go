// Package bus implements the channel hub connecting the pipeline stages.
package bus

import (
	"context"
	"fmt"
	"time"

	"firestige.xyz/tap/internal/config"
	"firestige.xyz/tap/internal/core"
	"firestige.xyz/tap/internal/log"
	"firestige.xyz/tap/internal/metrics"
)

// Name identifies a pipeline channel.
type Name string

const (
	EthernetBroker   Name = "ethernet_broker"
	Dot11Broker      Name = "dot11_broker"
	Dot11Frames      Name = "dot11_frames"
	ARP              Name = "arp"
	TCP              Name = "tcp"
	UDP              Name = "udp"
	DNS              Name = "dns"
	DHCPv4           Name = "dhcpv4"
	SSH              Name = "ssh"
	SOCKS            Name = "socks"
	BluetoothDevices Name = "bluetooth_devices"
	UAVRemoteID      Name = "uav_remote_id"
	GNSSNmea         Name = "gnss_nmea"
)

// Names lists every channel of the bus in pipeline order.
var Names = []Name{
	EthernetBroker, Dot11Broker, Dot11Frames, ARP, TCP, UDP, DNS, DHCPv4,
	SSH, SOCKS, BluetoothDevices, UAVRemoteID, GNSSNmea,
}

type monitored interface {
	Name() Name
	Stats() Stats
	resetWatermark() int64
}

// Bus is the collection of pipeline channels. Messages are shared
// pointers: a producer publishes once and consumers must not mutate them.
type Bus struct {
	EthernetBroker *Channel[*core.RawFrame]
	Dot11Broker    *Channel[*core.RawFrame]
	Dot11Frames    *Channel[*core.Dot11Frame]

	ARP    *Channel[*core.ArpPacket]
	TCP    *Channel[*core.TcpSegment]
	UDP    *Channel[*core.Datagram]
	DNS    *Channel[*core.DnsPacket]
	DHCPv4 *Channel[*core.Dhcpv4Packet]

	SSH   *Channel[*core.SshSession]
	SOCKS *Channel[*core.SocksTunnel]

	BluetoothDevices *Channel[*core.Observation]
	UAVRemoteID      *Channel[*core.Observation]
	GNSSNmea         *Channel[*core.Observation]

	all       []monitored
	lastError map[Name]uint64
}

// New creates the bus with capacities taken from cfg.
func New(cfg config.BusConfig) *Bus {
	capacity := func(n Name) int { return cfg.Capacity(string(n)) }

	b := &Bus{
		EthernetBroker:   NewChannel[*core.RawFrame](EthernetBroker, capacity(EthernetBroker)),
		Dot11Broker:      NewChannel[*core.RawFrame](Dot11Broker, capacity(Dot11Broker)),
		Dot11Frames:      NewChannel[*core.Dot11Frame](Dot11Frames, capacity(Dot11Frames)),
		ARP:              NewChannel[*core.ArpPacket](ARP, capacity(ARP)),
		TCP:              NewChannel[*core.TcpSegment](TCP, capacity(TCP)),
		UDP:              NewChannel[*core.Datagram](UDP, capacity(UDP)),
		DNS:              NewChannel[*core.DnsPacket](DNS, capacity(DNS)),
		DHCPv4:           NewChannel[*core.Dhcpv4Packet](DHCPv4, capacity(DHCPv4)),
		SSH:              NewChannel[*core.SshSession](SSH, capacity(SSH)),
		SOCKS:            NewChannel[*core.SocksTunnel](SOCKS, capacity(SOCKS)),
		BluetoothDevices: NewChannel[*core.Observation](BluetoothDevices, capacity(BluetoothDevices)),
		UAVRemoteID:      NewChannel[*core.Observation](UAVRemoteID, capacity(UAVRemoteID)),
		GNSSNmea:         NewChannel[*core.Observation](GNSSNmea, capacity(GNSSNmea)),
		lastError:        make(map[Name]uint64),
	}
	b.all = []monitored{
		b.EthernetBroker, b.Dot11Broker, b.Dot11Frames, b.ARP, b.TCP, b.UDP,
		b.DNS, b.DHCPv4, b.SSH, b.SOCKS, b.BluetoothDevices, b.UAVRemoteID, b.GNSSNmea,
	}
	return b
}

// Stats returns the gauges of the named channel.
func (b *Bus) Stats(name Name) (Stats, error) {
	for _, ch := range b.all {
		if ch.Name() == name {
			return ch.Stats(), nil
		}
	}
	return Stats{}, fmt.Errorf("%w: %s", core.ErrUnknownChannel, name)
}

// AllStats returns the gauges of every channel.
func (b *Bus) AllStats() []Stats {
	out := make([]Stats, 0, len(b.all))
	for _, ch := range b.all {
		out = append(out, ch.Stats())
	}
	return out
}

// PublishObservation routes an externally decoded observation to the
// channel matching its kind.
func (b *Bus) PublishObservation(o *core.Observation) error {
	switch o.Kind {
	case core.ObservationBluetooth:
		return b.BluetoothDevices.Publish(o, o.Size)
	case core.ObservationUav:
		return b.UAVRemoteID.Publish(o, o.Size)
	case core.ObservationGnss:
		return b.GNSSNmea.Publish(o, o.Size)
	default:
		return fmt.Errorf("%w: observation kind %q", core.ErrUnknownChannel, o.Kind)
	}
}

// CloseIngest closes the capture-facing channels so that brokers drain and
// stop.
func (b *Bus) CloseIngest() {
	b.EthernetBroker.Close()
	b.Dot11Broker.Close()
}

// CloseCaptured closes every channel fed from capture. The SSH and SOCKS
// channels stay open: the tagger publishes to them during report cycles.
func (b *Bus) CloseCaptured() {
	b.EthernetBroker.Close()
	b.Dot11Broker.Close()
	b.Dot11Frames.Close()
	b.ARP.Close()
	b.TCP.Close()
	b.UDP.Close()
	b.DNS.Close()
	b.DHCPv4.Close()
	b.BluetoothDevices.Close()
	b.UAVRemoteID.Close()
	b.GNSSNmea.Close()
}

// CloseTunnels closes the SSH and SOCKS channels.
func (b *Bus) CloseTunnels() {
	b.SSH.Close()
	b.SOCKS.Close()
}

// Close closes every channel.
func (b *Bus) Close() {
	b.CloseCaptured()
	b.CloseTunnels()
	log.GetLogger().Info("bus closed")
}

// Monitor reports channel drops every interval until ctx is done.
func (b *Bus) Monitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.checkChannels()
		}
	}
}

// checkChannels logs channels that dropped messages since the previous
// call and starts a new watermark interval.
func (b *Bus) checkChannels() []Stats {
	var dropping []Stats
	for _, ch := range b.all {
		s := ch.Stats()
		label := string(s.Name)

		metrics.ChannelWatermark.WithLabelValues(label).Set(float64(ch.resetWatermark()))
		metrics.ChannelDepth.WithLabelValues(label).Set(float64(s.Depth))

		dropped := s.Errors - b.lastError[s.Name]
		b.lastError[s.Name] = s.Errors
		if dropped == 0 {
			continue
		}
		dropping = append(dropping, s)
		log.GetLogger().WithFields(map[string]interface{}{
			"channel":  label,
			"dropped":  dropped,
			"capacity": s.Capacity,
		}).Warn("channel dropped messages, consider increasing its capacity")
	}
	return dropping
}
