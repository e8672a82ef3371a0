// Package daemon assembles the tap runtime and manages its lifecycle.
package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"firestige.xyz/tap/internal/broker"
	"firestige.xyz/tap/internal/bus"
	"firestige.xyz/tap/internal/config"
	"firestige.xyz/tap/internal/contextengine"
	"firestige.xyz/tap/internal/core"
	"firestige.xyz/tap/internal/link"
	"firestige.xyz/tap/internal/log"
	"firestige.xyz/tap/internal/metrics"
	"firestige.xyz/tap/internal/processor"
	"firestige.xyz/tap/internal/source"
	"firestige.xyz/tap/internal/tables"
	"firestige.xyz/tap/internal/tagger"
)

// Daemon owns every component of a running tap.
type Daemon struct {
	// Configuration
	config  *config.GlobalConfig
	pidFile string

	// Pipeline
	sender     link.Sender
	bus        *bus.Bus
	ethernet   *broker.EthernetBroker
	dot11      *broker.Dot11Broker
	tables     processor.Tables
	controller *processor.Controller
	scheduler  *tables.Scheduler
	replay     *source.Replay  // nil without source.pcap_file
	metrics    *metrics.Server // nil if metrics disabled

	// Lifecycle management
	ctx          context.Context // sources, bus monitor, maintenance timers
	cancel       context.CancelFunc
	reportCtx    context.Context
	reportCancel context.CancelFunc
	background   *conc.WaitGroup
	brokers      *conc.WaitGroup
	reports      *conc.WaitGroup
	replayDone   chan struct{}
	replayErr    error
	shutdownChan chan struct{}
	sigChan      chan os.Signal
	stopOnce     sync.Once
	log          log.Logger
}

// New initializes logging and builds the pipeline described by cfg.
// Nothing runs until Start.
func New(cfg *config.GlobalConfig, pidFile string) (*Daemon, error) {
	if err := log.Init(cfg.Log); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	sender, err := link.New(cfg.Link, cfg.Node.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create link sender: %w", err)
	}
	return newDaemon(cfg, pidFile, sender)
}

func newDaemon(cfg *config.GlobalConfig, pidFile string, sender link.Sender) (*Daemon, error) {
	d := &Daemon{
		config:       cfg,
		pidFile:      pidFile,
		sender:       sender,
		background:   conc.NewWaitGroup(),
		brokers:      conc.NewWaitGroup(),
		reports:      conc.NewWaitGroup(),
		replayDone:   make(chan struct{}),
		shutdownChan: make(chan struct{}, 1),
		log:          log.GetLogger().WithField("component", "daemon"),
	}

	d.bus = bus.New(cfg.Bus)

	filter, err := broker.ParseFilter(cfg.Broker.Ethernet.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ethernet filter: %w", err)
	}
	d.ethernet = broker.NewEthernetBroker(d.bus, filter)
	d.dot11 = broker.NewDot11Broker(d.bus)

	servers, err := cfg.Context.Servers()
	if err != nil {
		return nil, err
	}
	tag := tagger.New(d.bus)
	d.tables = processor.Tables{
		Dot11:      tables.NewDot11Table(sender),
		TCP:        tables.NewTcpTable(cfg.Tables.TCP, sender, tag),
		UDP:        tables.NewUdpTable(cfg.Tables.UDP, sender, tag),
		ARP:        tables.NewArpTable(cfg.Tables.ARP, sender),
		DHCP:       tables.NewDhcpTable(sender),
		DNS:        tables.NewDnsTable(cfg.Tables.DNS, sender),
		SSH:        tables.NewSshTable(sender),
		SOCKS:      tables.NewSocksTable(sender),
		Bluetooth:  tables.NewObservationTable(core.ObservationBluetooth, sender),
		UAV:        tables.NewObservationTable(core.ObservationUav, sender),
		GNSS:       tables.NewObservationTable(core.ObservationGnss, sender),
		Context:    contextengine.New(cfg.Context, sender),
		DNSServers: servers,
	}
	d.controller = processor.NewController(d.bus, cfg.Processors, d.tables)

	t := d.tables
	d.scheduler = tables.NewScheduler(cfg.Tables.ReportInterval,
		t.Dot11, t.TCP, t.UDP, t.ARP, t.DHCP, t.DNS, t.SSH, t.SOCKS,
		t.Bluetooth, t.UAV, t.GNSS, t.Context,
	)

	if cfg.Source.PcapFile != "" {
		d.replay, err = source.NewReplay(cfg.Source, d.bus)
		if err != nil {
			return nil, err
		}
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.reportCtx, d.reportCancel = context.WithCancel(context.Background())
	return d, nil
}

// Tables exposes the state the processors write into.
func (d *Daemon) Tables() processor.Tables {
	return d.tables
}

// Bus exposes the pipeline channels so external capture can publish raw
// frames and observations.
func (d *Daemon) Bus() *bus.Bus {
	return d.bus
}

// Start launches every component, downstream first.
func (d *Daemon) Start() error {
	d.log.WithFields(map[string]interface{}{
		"node":   d.config.Node.Name,
		"link":   d.config.Link.Type,
		"source": d.config.Source.PcapFile,
	}).Info("starting tap")

	// 1. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 2. Start metrics server
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 3. Report cycle and processors. Both outlive the brokers so that
	// nothing captured before shutdown is lost.
	d.reports.Go(func() { d.scheduler.Run(d.reportCtx) })
	d.controller.Start(context.Background())

	// 4. Brokers stop when their ingest channel is closed.
	d.brokers.Go(func() { d.ethernet.Run(context.Background()) })
	d.brokers.Go(func() { d.dot11.Run(context.Background()) })

	// 5. Timers
	d.background.Go(func() { d.bus.Monitor(d.ctx, d.config.Bus.MonitorInterval) })
	d.background.Go(func() { d.tables.ARP.RunMaintenance(d.ctx) })
	d.background.Go(func() { d.tables.Context.Run(d.ctx) })

	// 6. Replay source
	if d.replay != nil {
		d.background.Go(func() {
			defer close(d.replayDone)
			if err := d.replay.Run(d.ctx); err != nil {
				d.log.WithError(err).Error("replay failed")
				d.replayErr = err
			}
		})
	}

	d.log.Info("tap started")
	return nil
}

// Stop shuts the pipeline down from the sources inward: every channel is
// drained and a final report cycle runs before Stop returns. It is safe
// to call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	d.log.Info("initiating graceful shutdown")

	// 1. Stop the replay source and timers
	d.cancel()
	d.background.Wait()

	// 2. Brokers drain the raw frames
	d.bus.CloseIngest()
	d.brokers.Wait()

	// 3. Processors drain the captured channels
	d.bus.CloseCaptured()
	d.controller.WaitCaptured()

	// 4. Final report cycle. Tagging still publishes SSH and SOCKS events.
	d.reportCancel()
	d.reports.Wait()

	// 5. Drain the tunnel events and report them
	d.bus.CloseTunnels()
	d.controller.Wait()
	d.flushTunnels()

	// 6. Flush the link
	if c, ok := d.sender.(io.Closer); ok {
		if err := c.Close(); err != nil {
			d.log.WithError(err).Error("error closing link")
		}
	}

	// 7. Stop metrics server
	if d.metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metrics.Stop(shutdownCtx); err != nil {
			d.log.WithError(err).Error("error stopping metrics server")
		}
	}

	// 8. Unregister signal handler to prevent goroutine leak
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	// 9. Remove PID file
	if err := d.removePIDFile(); err != nil {
		d.log.WithError(err).Error("error removing PID file")
	}

	d.log.Info("tap stopped gracefully")

	// 10. Release the log file
	if err := log.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "error closing log file: %v\n", err)
	}
}

// flushTunnels reports the SSH and SOCKS tables after the events tagged in
// the final cycle have landed.
func (d *Daemon) flushTunnels() {
	for _, t := range []tables.Reportable{d.tables.SSH, d.tables.SOCKS} {
		if err := t.ProcessReport(); err != nil {
			d.log.WithError(err).WithField("table", t.Name()).Error("final report failed")
		}
	}
}

// Run blocks until shutdown is triggered, then stops the daemon.
// Shutdown can be triggered by:
//  1. OS signals (SIGTERM, SIGINT)
//  2. TriggerShutdown
//  3. the end of a non-looping replay
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT)

	replayDone := d.replayDone
	if d.replay == nil {
		replayDone = nil
	}

	d.log.Info("tap running, waiting for signals")

	select {
	case sig := <-d.sigChan:
		d.log.WithField("signal", sig.String()).Info("received shutdown signal")
	case <-d.shutdownChan:
		d.log.Info("shutdown triggered")
	case <-replayDone:
		d.log.Info("replay finished")
	}
	d.Stop()
	return d.replayErr
}

// TriggerShutdown makes Run stop the daemon.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
	}
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		d.log.Info("metrics server disabled")
		return nil
	}

	d.metrics = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	if err := d.metrics.Start(d.ctx); err != nil {
		return err
	}
	return nil
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}
	d.log.WithField("path", d.pidFile).Debugf("PID file written, pid=%d", pid)
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
