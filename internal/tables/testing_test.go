package tables

import (
	"encoding/json"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"firestige.xyz/tap/internal/core"
	"firestige.xyz/tap/internal/link"
	"firestige.xyz/tap/internal/tagger"
)

var (
	t0         = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clientAddr = netip.MustParseAddr("10.0.0.2")
	serverAddr = netip.MustParseAddr("93.184.216.34")
	clientMAC  = core.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	serverMAC  = core.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
)

const (
	clientPort = 51234
	serverPort = 80
)

// stubTagger records every subject and answers with fixed tags.
type stubTagger struct {
	mu   sync.Mutex
	tcp  []*tagger.Subject
	udp  []*tagger.Subject
	tags []core.L7Tag
	err  error
}

func (s *stubTagger) TagTCP(sub *tagger.Subject) ([]core.L7Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tcp = append(s.tcp, sub)
	return s.tags, s.err
}

func (s *stubTagger) TagUDP(sub *tagger.Subject) ([]core.L7Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.udp = append(s.udp, sub)
	return s.tags, s.err
}

func tcpKey() core.SessionKey {
	return core.NewSessionKey(clientAddr, clientPort, serverAddr, serverPort, core.ProtocolTCP)
}

func segment(fromClient bool, flags core.TcpFlags, seq uint32, payload []byte, ts time.Time) *core.TcpSegment {
	seg := &core.TcpSegment{
		SourceMAC:       clientMAC,
		DestinationMAC:  serverMAC,
		Source:          clientAddr,
		Destination:     serverAddr,
		SourcePort:      clientPort,
		DestinationPort: serverPort,
		Key:             tcpKey(),
		SequenceNumber:  seq,
		Flags:           flags,
		WindowSize:      64240,
		IPTTL:           64,
		IPDontFragment:  true,
		Payload:         payload,
		Size:            54 + len(payload),
		Timestamp:       ts,
	}
	if !fromClient {
		seg.SourceMAC, seg.DestinationMAC = serverMAC, clientMAC
		seg.Source, seg.Destination = serverAddr, clientAddr
		seg.SourcePort, seg.DestinationPort = serverPort, clientPort
	}
	return seg
}

// decodeLast unmarshals the latest report sent to path.
func decodeLast(t *testing.T, rec *link.Recorder, path string, v any) {
	t.Helper()
	r, ok := rec.Last(path)
	require.True(t, ok, "no report sent to %s", path)
	require.NoError(t, json.Unmarshal(r.Body, v))
}

func at(seconds int) time.Time {
	return t0.Add(time.Duration(seconds) * time.Second)
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}
