// Package source feeds raw frames into the bus. Live capture is an
// external collaborator; this package replays capture files.
package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/tap/internal/bus"
	"firestige.xyz/tap/internal/config"
	"firestige.xyz/tap/internal/core"
	"firestige.xyz/tap/internal/log"
	"firestige.xyz/tap/internal/metrics"
)

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Replay publishes the frames of a pcap or pcapng file to the broker
// channel matching the file's link type.
type Replay struct {
	path  string
	iface string
	loop  bool
	bus   *bus.Bus
	log   log.Logger
}

func NewReplay(cfg config.SourceConfig, b *bus.Bus) (*Replay, error) {
	if cfg.PcapFile == "" {
		return nil, fmt.Errorf("%w: source.pcap_file is required", core.ErrInvalidConfig)
	}
	iface := cfg.InterfaceName
	if iface == "" {
		iface = "replay"
	}
	return &Replay{
		path:  cfg.PcapFile,
		iface: iface,
		loop:  cfg.Loop,
		bus:   b,
		log:   log.GetLogger().WithField("source", "replay"),
	}, nil
}

// Run replays the file once, or until ctx is done when looping.
func (r *Replay) Run(ctx context.Context) error {
	for {
		n, err := r.replayOnce(ctx)
		if err != nil {
			return err
		}
		r.log.Infof("replayed %d frames from %s", n, r.path)
		if !r.loop || ctx.Err() != nil {
			return nil
		}
	}
}

func (r *Replay) replayOnce(ctx context.Context) (int, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return 0, fmt.Errorf("opening capture file: %w", err)
	}
	defer f.Close()

	reader, err := openReader(f)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", r.path, err)
	}

	var target *bus.Channel[*core.RawFrame]
	switch reader.LinkType() {
	case layers.LinkTypeEthernet:
		target = r.bus.EthernetBroker
	case layers.LinkTypeIEEE80211Radio:
		target = r.bus.Dot11Broker
	default:
		return 0, fmt.Errorf("%w: %s", core.ErrUnsupportedLinkType, reader.LinkType())
	}

	count := 0
	for ctx.Err() == nil {
		data, ci, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return count, fmt.Errorf("reading packet %d: %w", count+1, err)
		}

		frame := &core.RawFrame{
			Data:          data,
			InterfaceName: r.iface,
			Source:        core.SourceAcquisition,
			Timestamp:     ci.Timestamp,
		}
		err = target.Publish(frame, frame.Size())
		if errors.Is(err, core.ErrChannelClosed) {
			return count, err
		}
		count++
	}
	metrics.SetGauge("source.replay.frames", float64(count))
	return count, nil
}

// openReader detects the file format: classic pcap first, then pcapng.
func openReader(f *os.File) (packetReader, error) {
	if r, err := pcapgo.NewReader(bufio.NewReader(f)); err == nil {
		return r, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	r, err := pcapgo.NewNgReader(bufio.NewReader(f), pcapgo.DefaultNgReaderOptions)
	if err != nil {
		return nil, fmt.Errorf("neither pcap nor pcapng: %w", err)
	}
	return r, nil
}
