// Package processor owns the goroutine topology that drains the typed bus
// channels into the session tables.
package processor

import (
	"context"
	"net/netip"
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"firestige.xyz/tap/internal/bus"
	"firestige.xyz/tap/internal/config"
	"firestige.xyz/tap/internal/contextengine"
	"firestige.xyz/tap/internal/log"
	"firestige.xyz/tap/internal/metrics"
	"firestige.xyz/tap/internal/tables"
)

// Tables is the state the processors write into.
type Tables struct {
	Dot11     *tables.Dot11Table
	TCP       *tables.TcpTable
	UDP       *tables.UdpTable
	ARP       *tables.ArpTable
	DHCP      *tables.DhcpTable
	DNS       *tables.DnsTable
	SSH       *tables.SshTable
	SOCKS     *tables.SocksTable
	Bluetooth *tables.ObservationTable
	UAV       *tables.ObservationTable
	GNSS      *tables.ObservationTable

	Context    *contextengine.Engine
	DNSServers []netip.Addr
}

// Controller runs dedicated lanes for the high volume channels (802.11,
// TCP, UDP) and a pool of goroutines multiplexing the remaining channels.
type Controller struct {
	bus       *bus.Bus
	cfg       config.ProcessorsConfig
	tables    Tables
	dedicated *conc.WaitGroup
	shared    *conc.WaitGroup
	drained   sync.WaitGroup // shared workers still reading captured channels
	log       log.Logger
}

func NewController(b *bus.Bus, cfg config.ProcessorsConfig, t Tables) *Controller {
	return &Controller{
		bus:       b,
		cfg:       cfg,
		tables:    t,
		dedicated: conc.NewWaitGroup(),
		shared:    conc.NewWaitGroup(),
		log:       log.GetLogger().WithField("component", "processor_controller"),
	}
}

// Start launches every lane. Lanes stop when ctx is done or their channel
// is closed.
func (c *Controller) Start(ctx context.Context) {
	for i := 0; i < c.cfg.Dot11; i++ {
		p := NewDot11Processor(c.tables.Dot11)
		c.dedicated.Go(func() { runLane(ctx, c.log, "dot11", c.bus.Dot11Frames.Subscribe(), p.Process) })
	}
	for i := 0; i < c.cfg.TCP; i++ {
		p := NewTCPProcessor(c.tables.TCP)
		c.dedicated.Go(func() { runLane(ctx, c.log, "tcp", c.bus.TCP.Subscribe(), p.Process) })
	}
	for i := 0; i < c.cfg.UDP; i++ {
		p := NewUDPProcessor(c.tables.UDP)
		c.dedicated.Go(func() { runLane(ctx, c.log, "udp", c.bus.UDP.Subscribe(), p.Process) })
	}
	for i := 0; i < c.cfg.Shared; i++ {
		s := c.newSharedWorker(i)
		c.drained.Add(1)
		c.shared.Go(func() { s.run(ctx, c.drained.Done) })
	}

	c.log.Infof("started processors: dot11=%d tcp=%d udp=%d shared=%d",
		c.cfg.Dot11, c.cfg.TCP, c.cfg.UDP, c.cfg.Shared)
}

// WaitCaptured blocks until every message from the captured channels has
// been processed. Shared workers keep serving SSH and SOCKS afterwards.
func (c *Controller) WaitCaptured() {
	c.dedicated.Wait()
	c.drained.Wait()
}

// Wait blocks until every lane has exited.
func (c *Controller) Wait() {
	c.dedicated.Wait()
	c.shared.Wait()
}

// runLane drains ch into process. A closed channel ends the lane.
func runLane[T any](ctx context.Context, l log.Logger, name string, ch <-chan T, process func(T) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				l.WithField("processor", name).Error("channel disconnected, processor stopping")
				return
			}
			handle(l, name, msg, process)
		}
	}
}

// handle runs process on one message inside a panic boundary.
func handle[T any](l log.Logger, name string, msg T, process func(T) error) {
	var err error
	if r := panics.Try(func() { err = process(msg) }); r != nil {
		metrics.PanicsTotal.WithLabelValues("processor." + name).Inc()
		err = r.AsError()
	}
	metrics.ProcessedTotal.WithLabelValues(name).Inc()
	if err != nil {
		l.WithField("processor", name).WithError(err).Warn("message dropped")
	}
}

// sharedWorker multiplexes the low volume channels. Each worker owns its
// processor instances.
type sharedWorker struct {
	bus *bus.Bus
	log log.Logger

	arp       *ARPProcessor
	dhcp      *DHCPProcessor
	dns       *DNSProcessor
	ssh       *SSHProcessor
	socks     *SOCKSProcessor
	bluetooth *ObservationProcessor
	uav       *ObservationProcessor
	gnss      *ObservationProcessor
}

func (c *Controller) newSharedWorker(id int) *sharedWorker {
	t := c.tables
	return &sharedWorker{
		bus:       c.bus,
		log:       c.log.WithField("shared_worker", id),
		arp:       NewARPProcessor(t.ARP, t.Context),
		dhcp:      NewDHCPProcessor(t.DHCP, t.Context),
		dns:       NewDNSProcessor(t.DNS, t.Context, t.DNSServers),
		ssh:       NewSSHProcessor(t.SSH),
		socks:     NewSOCKSProcessor(t.SOCKS),
		bluetooth: NewObservationProcessor(t.Bluetooth),
		uav:       NewObservationProcessor(t.UAV),
		gnss:      NewObservationProcessor(t.GNSS),
	}
}

// run selects over every shared channel. A closed channel is logged and
// set to nil so it never fires again; the worker exits once all are gone.
// drained is called once the captured channels are gone or ctx is done.
func (w *sharedWorker) run(ctx context.Context, drained func()) {
	var (
		arp       = w.bus.ARP.Subscribe()
		dhcp      = w.bus.DHCPv4.Subscribe()
		dns       = w.bus.DNS.Subscribe()
		ssh       = w.bus.SSH.Subscribe()
		socks     = w.bus.SOCKS.Subscribe()
		bluetooth = w.bus.BluetoothDevices.Subscribe()
		uav       = w.bus.UAVRemoteID.Subscribe()
		gnss      = w.bus.GNSSNmea.Subscribe()
	)
	open, captured := 8, 6

	var once sync.Once
	defer once.Do(drained)

	disconnected := func(name bus.Name) {
		open--
		w.log.WithField("channel", string(name)).Error("channel disconnected")
		if name != bus.SSH && name != bus.SOCKS {
			if captured--; captured == 0 {
				once.Do(drained)
			}
		}
	}

	for open > 0 {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-arp:
			if !ok {
				arp = nil
				disconnected(bus.ARP)
				continue
			}
			handle(w.log, "arp", msg, w.arp.Process)
		case msg, ok := <-dhcp:
			if !ok {
				dhcp = nil
				disconnected(bus.DHCPv4)
				continue
			}
			handle(w.log, "dhcpv4", msg, w.dhcp.Process)
		case msg, ok := <-dns:
			if !ok {
				dns = nil
				disconnected(bus.DNS)
				continue
			}
			handle(w.log, "dns", msg, w.dns.Process)
		case msg, ok := <-ssh:
			if !ok {
				ssh = nil
				disconnected(bus.SSH)
				continue
			}
			handle(w.log, "ssh", msg, w.ssh.Process)
		case msg, ok := <-socks:
			if !ok {
				socks = nil
				disconnected(bus.SOCKS)
				continue
			}
			handle(w.log, "socks", msg, w.socks.Process)
		case msg, ok := <-bluetooth:
			if !ok {
				bluetooth = nil
				disconnected(bus.BluetoothDevices)
				continue
			}
			handle(w.log, "bluetooth", msg, w.bluetooth.Process)
		case msg, ok := <-uav:
			if !ok {
				uav = nil
				disconnected(bus.UAVRemoteID)
				continue
			}
			handle(w.log, "uav_remote_id", msg, w.uav.Process)
		case msg, ok := <-gnss:
			if !ok {
				gnss = nil
				disconnected(bus.GNSSNmea)
				continue
			}
			handle(w.log, "gnss_nmea", msg, w.gnss.Process)
		}
	}
	w.log.Error("all shared channels disconnected, worker stopping")
}
