package broker

import (
	"context"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/tap/internal/bus"
	"firestige.xyz/tap/internal/core"
	"firestige.xyz/tap/internal/core/decoder"
	"firestige.xyz/tap/internal/log"
)

const dot11BrokerName = "dot11"

// Dot11Broker decodes radiotap frames from the dot11_broker channel and
// publishes 802.11 frames to dot11_frames.
type Dot11Broker struct {
	bus *bus.Bus
	log log.Logger
}

// NewDot11Broker creates a wireless broker.
func NewDot11Broker(b *bus.Bus) *Dot11Broker {
	return &Dot11Broker{
		bus: b,
		log: log.GetLogger().WithField("broker", dot11BrokerName),
	}
}

// Run consumes frames until the channel is closed or ctx is done.
func (d *Dot11Broker) Run(ctx context.Context) {
	frames := d.bus.Dot11Broker.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				d.log.Error("dot11 broker channel disconnected, stopping")
				return
			}
			_ = d.Handle(frame)
		}
	}
}

// Handle decodes one frame. Malformed frames are dropped with a trace note.
func (d *Dot11Broker) Handle(frame *core.RawFrame) error {
	f, err := d.decode(frame)
	if err == nil {
		err = d.bus.Dot11Frames.Publish(f, f.Length)
	}
	if err != nil {
		recordDrop(dot11BrokerName, err)
		if d.log.IsTraceEnabled() {
			d.log.WithError(err).WithField("interface", frame.InterfaceName).Trace("dropped 802.11 frame")
		}
	}
	return err
}

func (d *Dot11Broker) decode(frame *core.RawFrame) (*core.Dot11Frame, error) {
	radio, body, err := decoder.DecodeRadiotap(frame.Data)
	if err != nil {
		return nil, err
	}

	// The 802.11 decoder always treats the trailing four bytes as FCS.
	if !radio.HasFCS {
		padded := make([]byte, len(body)+4)
		copy(padded, body)
		body = padded
	}

	var dot11 layers.Dot11
	if err := dot11.DecodeFromBytes(body, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("%w: 802.11: %v", core.ErrTruncated, err)
	}

	f := &core.Dot11Frame{
		InterfaceName: frame.InterfaceName,
		Radio:         radio,
		FrameType:     dot11.Type.String(),
		MainType:      mainTypeName(dot11.Type.MainType()),
		Receiver:      core.MACFromBytes(dot11.Address1),
		Transmitter:   core.MACFromBytes(dot11.Address2),
		Protected:     dot11.Flags.WEP(),
		Payload:       dot11.Payload,
		Length:        frame.Size(),
		Timestamp:     frame.Timestamp,
	}

	switch {
	case dot11.Type.MainType() == layers.Dot11TypeCtrl:
	case dot11.Flags.ToDS() && dot11.Flags.FromDS():
	case dot11.Flags.ToDS():
		f.BSSID = core.MACFromBytes(dot11.Address1)
	case dot11.Flags.FromDS():
		f.BSSID = core.MACFromBytes(dot11.Address2)
	default:
		f.BSSID = core.MACFromBytes(dot11.Address3)
	}

	return f, nil
}

func mainTypeName(t layers.Dot11Type) string {
	switch t {
	case layers.Dot11TypeMgmt:
		return "management"
	case layers.Dot11TypeCtrl:
		return "control"
	case layers.Dot11TypeData:
		return "data"
	default:
		return "reserved"
	}
}
