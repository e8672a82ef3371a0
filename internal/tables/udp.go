package tables

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"firestige.xyz/tap/internal/config"
	"firestige.xyz/tap/internal/core"
	"firestige.xyz/tap/internal/link"
	"firestige.xyz/tap/internal/log"
	"firestige.xyz/tap/internal/metrics"
	"firestige.xyz/tap/internal/tagger"
)

const udpReportPath = "udp/conversations"

type UdpConversationState string

const (
	UdpActive UdpConversationState = "Active"
	UdpClosed UdpConversationState = "Closed"
)

// payloadRing keeps the most recent payload of one direction within a
// byte budget, dropping the oldest chunks first.
type payloadRing struct {
	chunks [][]byte
	size   int
	budget int
}

func (r *payloadRing) push(p []byte) {
	if len(p) == 0 || r.budget <= 0 {
		return
	}
	// An oversized datagram keeps its head, where the tagger finds headers.
	if len(p) > r.budget {
		p = p[:r.budget]
	}
	for len(r.chunks) > 0 && r.size+len(p) > r.budget {
		r.size -= len(r.chunks[0])
		r.chunks[0] = nil
		r.chunks = r.chunks[1:]
	}
	r.chunks = append(r.chunks, append([]byte(nil), p...))
	r.size += len(p)
}

func (r *payloadRing) bytes() []byte {
	if r.size == 0 {
		return nil
	}
	out := make([]byte, 0, r.size)
	for _, c := range r.chunks {
		out = append(out, c...)
	}
	return out
}

// UdpConversation is the traffic of one UDP flow. The source is the
// endpoint that sent the first datagram.
type UdpConversation struct {
	Key                       core.SessionKey
	State                     UdpConversationState
	SourceMAC                 core.MAC
	DestinationMAC            core.MAC
	Source                    netip.Addr
	SourcePort                uint16
	Destination               netip.Addr
	DestinationPort           uint16
	StartTime                 time.Time
	EndTime                   time.Time
	MostRecentSegmentTime     time.Time
	DatagramsCount            uint64
	DatagramsCountIncremental uint64
	BytesCount                uint64
	BytesCountIncremental     uint64
	Tags                      []core.L7Tag

	clientToServer payloadRing
	serverToClient payloadRing
}

// BufferedBytes is the payload currently held in both rings.
func (c *UdpConversation) BufferedBytes() int {
	return c.clientToServer.size + c.serverToClient.size
}

// UdpTable tracks UDP conversations until they go quiet for longer than
// the conversation timeout.
type UdpTable struct {
	mu            sync.Mutex
	conversations map[core.SessionKey]*UdpConversation

	sender     link.Sender
	tagger     SessionTagger
	bufferSize int
	timeout    time.Duration
	now        func() time.Time
	log        log.Logger
}

func NewUdpTable(cfg config.UDPTableConfig, sender link.Sender, t SessionTagger) *UdpTable {
	return &UdpTable{
		conversations: make(map[core.SessionKey]*UdpConversation),
		sender:        sender,
		tagger:        t,
		bufferSize:    cfg.BufferSize,
		timeout:       cfg.ConversationTimeout,
		now:           time.Now,
		log:           log.GetLogger().WithField("table", "udp"),
	}
}

func (t *UdpTable) Name() string { return "udp" }

func (t *UdpTable) RegisterDatagram(d *core.Datagram) {
	start := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.conversations[d.Key]
	if !ok {
		c = &UdpConversation{
			Key:             d.Key,
			State:           UdpActive,
			SourceMAC:       d.SourceMAC,
			DestinationMAC:  d.DestinationMAC,
			Source:          d.Source,
			SourcePort:      d.SourcePort,
			Destination:     d.Destination,
			DestinationPort: d.DestinationPort,
			StartTime:       d.Timestamp,
			clientToServer:  payloadRing{budget: t.bufferSize},
			serverToClient:  payloadRing{budget: t.bufferSize},
		}
		t.conversations[d.Key] = c
		defer metrics.Since("tables.udp.conversations.timer.register_new", start)
	} else {
		defer metrics.Since("tables.udp.conversations.timer.register_existing", start)
	}

	// A datagram after the timeout but before the sweep revives the flow.
	c.State = UdpActive
	c.EndTime = time.Time{}
	c.MostRecentSegmentTime = d.Timestamp
	c.DatagramsCount++
	c.DatagramsCountIncremental++
	c.BytesCount += uint64(len(d.Payload))
	c.BytesCountIncremental += uint64(len(d.Payload))

	if d.Source == c.Source && d.SourcePort == c.SourcePort {
		c.clientToServer.push(d.Payload)
	} else {
		c.serverToClient.push(d.Payload)
	}
}

// Get returns a copy of the conversation for key.
func (t *UdpTable) Get(key core.SessionKey) (UdpConversation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conversations[key]
	if !ok {
		return UdpConversation{}, false
	}
	return *c, true
}

func (t *UdpTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conversations)
}

// ProcessReport closes quiet conversations, tags, reports, drops closed
// conversations and resets the incremental counters, all under one lock.
func (t *UdpTable) ProcessReport() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for _, c := range t.conversations {
		if c.State == UdpActive && now.Sub(c.MostRecentSegmentTime) > t.timeout {
			c.State = UdpClosed
			c.EndTime = c.MostRecentSegmentTime
		}
	}

	start := time.Now()
	t.tag()
	metrics.Since("tables.udp.timer.conversations.tagging", start)

	err := submit(t.sender, udpReportPath, t.report())

	for key, c := range t.conversations {
		if c.State == UdpClosed {
			delete(t.conversations, key)
			continue
		}
		c.DatagramsCountIncremental = 0
		c.BytesCountIncremental = 0
	}
	return err
}

func (t *UdpTable) tag() {
	for _, c := range t.conversations {
		if c.BufferedBytes() == 0 {
			c.Tags = nil
			continue
		}
		tags, err := t.tagger.TagUDP(&tagger.Subject{
			Key:            c.Key,
			ClientToServer: c.clientToServer.bytes(),
			ServerToClient: c.serverToClient.bytes(),
		})
		if err != nil {
			t.log.WithError(err).WithField("conversation", c.Key.String()).Error("could not tag UDP conversation")
			c.Tags = nil
			continue
		}
		c.Tags = tags
	}
}

func (t *UdpTable) CalculateMetrics() {
	t.mu.Lock()
	size := len(t.conversations)
	t.mu.Unlock()

	metrics.SetGauge("tables.udp.conversations.size", float64(size))
	metrics.TableSize.WithLabelValues("udp").Set(float64(size))
}

type udpConversationReport struct {
	State                     UdpConversationState `json:"state"`
	SourceMAC                 core.MAC             `json:"source_mac"`
	DestinationMAC            core.MAC             `json:"destination_mac"`
	SourceAddress             netip.Addr           `json:"source_address"`
	SourcePort                uint16               `json:"source_port"`
	DestinationAddress        netip.Addr           `json:"destination_address"`
	DestinationPort           uint16               `json:"destination_port"`
	StartTime                 time.Time            `json:"start_time"`
	EndTime                   *time.Time           `json:"end_time"`
	MostRecentSegmentTime     time.Time            `json:"most_recent_segment_time"`
	DatagramsCount            uint64               `json:"datagrams_count"`
	DatagramsCountIncremental uint64               `json:"datagrams_count_incremental"`
	BytesCount                uint64               `json:"bytes_count"`
	BytesCountIncremental     uint64               `json:"bytes_count_incremental"`
	Tags                      []core.L7Tag         `json:"tags"`
}

func (t *UdpTable) report() []udpConversationReport {
	out := make([]udpConversationReport, 0, len(t.conversations))
	for _, c := range t.conversations {
		r := udpConversationReport{
			State:                     c.State,
			SourceMAC:                 c.SourceMAC,
			DestinationMAC:            c.DestinationMAC,
			SourceAddress:             c.Source,
			SourcePort:                c.SourcePort,
			DestinationAddress:        c.Destination,
			DestinationPort:           c.DestinationPort,
			StartTime:                 c.StartTime,
			MostRecentSegmentTime:     c.MostRecentSegmentTime,
			DatagramsCount:            c.DatagramsCount,
			DatagramsCountIncremental: c.DatagramsCountIncremental,
			BytesCount:                c.BytesCount,
			BytesCountIncremental:     c.BytesCountIncremental,
			Tags:                      c.Tags,
		}
		if r.Tags == nil {
			r.Tags = []core.L7Tag{}
		}
		if !c.EndTime.IsZero() {
			end := c.EndTime
			r.EndTime = &end
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}
