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

const tcpReportPath = "tcp/sessions"

// SessionTagger classifies the application protocol of a session.
type SessionTagger interface {
	TagTCP(s *tagger.Subject) ([]core.L7Tag, error)
	TagUDP(s *tagger.Subject) ([]core.L7Tag, error)
}

// TcpSession is one tracked connection. The client is the endpoint that
// sent the initial SYN.
type TcpSession struct {
	Key                   core.SessionKey
	State                 TcpSessionState
	SourceMAC             core.MAC
	DestinationMAC        core.MAC
	Source                netip.Addr
	SourcePort            uint16
	Destination           netip.Addr
	DestinationPort       uint16
	StartTime             time.Time
	EndTime               time.Time
	MostRecentSegmentTime time.Time
	SegmentsCount         uint64
	BytesCount            uint64
	BufferedBytes         int

	SynIPTTL              uint8
	SynIPTOS              uint8
	SynIPDF               bool
	SynCWR                bool
	SynECE                bool
	SynWindowSize         uint16
	SynMaximumSegmentSize uint16
	SynWindowScale        uint8
	SynHasWindowScale     bool
	SynOptions            []uint8

	Tags []core.L7Tag

	clientToServer reassemblyBuffer
	serverToClient reassemblyBuffer
}

// Sequence numbers remembered per direction for retransmission detection,
// including segments dropped after the byte budget ran out.
const maxSeenSequences = 8192

// reassemblyBuffer stores the payload of one direction keyed by sequence
// number.
type reassemblyBuffer struct {
	segments map[uint32][]byte
	seen     map[uint32]struct{}
	order    []uint32 // ring over seen, oldest at next
	next     int
	isn      uint32
	hasISN   bool
}

func (b *reassemblyBuffer) setISN(seq uint32) {
	if !b.hasISN {
		b.isn = seq
		b.hasISN = true
	}
}

func (b *reassemblyBuffer) has(seq uint32) bool {
	if _, ok := b.segments[seq]; ok {
		return true
	}
	_, ok := b.seen[seq]
	return ok
}

// mark records seq as observed. Past maxSeenSequences the oldest entry is
// forgotten.
func (b *reassemblyBuffer) mark(seq uint32) {
	if b.seen == nil {
		b.seen = make(map[uint32]struct{})
	}
	if len(b.order) < maxSeenSequences {
		b.order = append(b.order, seq)
	} else {
		delete(b.seen, b.order[b.next])
		b.order[b.next] = seq
		b.next = (b.next + 1) % maxSeenSequences
	}
	b.seen[seq] = struct{}{}
}

func (b *reassemblyBuffer) insert(seq uint32, payload []byte) {
	if b.segments == nil {
		b.segments = make(map[uint32][]byte)
	}
	b.setISN(seq)
	b.mark(seq)
	b.segments[seq] = append([]byte(nil), payload...)
}

// bytes concatenates the stored payload in sequence order, relative to the
// initial sequence number so wrap-around sorts correctly.
func (b *reassemblyBuffer) bytes() []byte {
	if len(b.segments) == 0 {
		return nil
	}
	seqs := make([]uint32, 0, len(b.segments))
	size := 0
	for seq, p := range b.segments {
		seqs = append(seqs, seq)
		size += len(p)
	}
	sort.Slice(seqs, func(i, j int) bool {
		return seqs[i]-b.isn < seqs[j]-b.isn
	})
	out := make([]byte, 0, size)
	for _, seq := range seqs {
		out = append(out, b.segments[seq]...)
	}
	return out
}

func (s *TcpSession) clientToServerSegment(seg *core.TcpSegment) bool {
	return seg.Source == s.Source && seg.SourcePort == s.SourcePort
}

func (s *TcpSession) meta() core.SessionMeta {
	m := core.SessionMeta{
		Key:                   s.Key,
		SourceMAC:             s.SourceMAC,
		DestinationMAC:        s.DestinationMAC,
		Source:                s.Source,
		Destination:           s.Destination,
		SourcePort:            s.SourcePort,
		DestinationPort:       s.DestinationPort,
		Status:                s.State.ConnectionStatus(),
		TunneledBytes:         s.BytesCount,
		EstablishedAt:         s.StartTime,
		MostRecentSegmentTime: s.MostRecentSegmentTime,
	}
	if !s.EndTime.IsZero() {
		end := s.EndTime
		m.TerminatedAt = &end
	}
	return m
}

// TcpTable tracks TCP sessions from their opening SYN until they are
// reported in a terminal state.
type TcpTable struct {
	mu       sync.Mutex
	sessions map[core.SessionKey]*TcpSession

	sender     link.Sender
	tagger     SessionTagger
	bufferSize int
	timeout    time.Duration
	now        func() time.Time
	log        log.Logger
}

func NewTcpTable(cfg config.TCPTableConfig, sender link.Sender, t SessionTagger) *TcpTable {
	return &TcpTable{
		sessions:   make(map[core.SessionKey]*TcpSession),
		sender:     sender,
		tagger:     t,
		bufferSize: cfg.ReassemblyBufferSize,
		timeout:    cfg.SessionTimeout,
		now:        time.Now,
		log:        log.GetLogger().WithField("table", "tcp"),
	}
}

func (t *TcpTable) Name() string { return "tcp" }

// RegisterSegment applies seg to its session. A segment for an unknown key
// opens a session only when it is a bare SYN; otherwise ErrNoSession is
// returned and nothing is recorded.
func (t *TcpTable) RegisterSegment(seg *core.TcpSegment) error {
	start := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[seg.Key]
	if !ok {
		if initialState(seg.Flags) != SynSent {
			return core.ErrNoSession
		}
		s = newTcpSession(seg)
		t.sessions[seg.Key] = s
		if t.log.IsTraceEnabled() {
			t.log.Tracef("new TCP session %s", seg.Key)
		}
		metrics.Since("tables.tcp.sessions.timer.register_new", start)
		return nil
	}

	if s.State.Terminal() {
		return nil
	}

	state := nextState(s.State, seg.Flags)
	s.State = state
	s.MostRecentSegmentTime = seg.Timestamp
	s.SegmentsCount++
	if state == ClosedFin || state == ClosedRst || state == Refused {
		s.EndTime = seg.Timestamp
	}

	buf := &s.serverToClient
	if s.clientToServerSegment(seg) {
		buf = &s.clientToServer
	}
	if seg.Flags.Has(core.FlagSYN) {
		buf.setISN(seg.SequenceNumber + 1)
	}

	switch {
	case len(seg.Payload) == 0:
		s.BytesCount += uint64(seg.Size)
	case buf.has(seg.SequenceNumber):
		if t.log.IsTraceEnabled() {
			t.log.Tracef("TCP session %s already holds segment %d, ignoring retransmission",
				seg.Key, seg.SequenceNumber)
		}
	case s.BufferedBytes+len(seg.Payload) > t.bufferSize:
		s.BytesCount += uint64(seg.Size)
		buf.mark(seg.SequenceNumber)
		if t.log.IsTraceEnabled() {
			t.log.Tracef("TCP session %s reached its reassembly budget", seg.Key)
		}
	default:
		s.BytesCount += uint64(seg.Size)
		buf.insert(seg.SequenceNumber, seg.Payload)
		s.BufferedBytes += len(seg.Payload)
	}

	metrics.Since("tables.tcp.sessions.timer.register_existing", start)
	return nil
}

func newTcpSession(seg *core.TcpSegment) *TcpSession {
	s := &TcpSession{
		Key:                   seg.Key,
		State:                 SynSent,
		SourceMAC:             seg.SourceMAC,
		DestinationMAC:        seg.DestinationMAC,
		Source:                seg.Source,
		SourcePort:            seg.SourcePort,
		Destination:           seg.Destination,
		DestinationPort:       seg.DestinationPort,
		StartTime:             seg.Timestamp,
		MostRecentSegmentTime: seg.Timestamp,
		SegmentsCount:         1,
		BytesCount:            uint64(seg.Size),
		SynIPTTL:              seg.IPTTL,
		SynIPTOS:              seg.IPTOS,
		SynIPDF:               seg.IPDontFragment,
		SynCWR:                seg.Flags.Has(core.FlagCWR),
		SynECE:                seg.Flags.Has(core.FlagECE),
		SynWindowSize:         seg.WindowSize,
		SynMaximumSegmentSize: seg.Options.MaximumSegmentSize,
		SynWindowScale:        seg.Options.WindowScale,
		SynHasWindowScale:     seg.Options.HasWindowScale,
		SynOptions:            append([]uint8(nil), seg.Options.Kinds...),
	}
	s.clientToServer.setISN(seg.SequenceNumber + 1)
	return s
}

// Get returns a copy of the session for key.
func (t *TcpTable) Get(key core.SessionKey) (TcpSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[key]
	if !ok {
		return TcpSession{}, false
	}
	return *s, true
}

func (t *TcpTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// ProcessReport runs the whole cycle under the table lock: timeout sweep,
// tagging, serialization, submission and retention sweep.
func (t *TcpTable) ProcessReport() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := time.Now()
	t.timeoutSweep(t.now())
	metrics.Since("tables.tcp.timer.sessions.timeout_sweep", start)

	start = time.Now()
	t.tag()
	metrics.Since("tables.tcp.timer.sessions.tagging", start)

	err := submit(t.sender, tcpReportPath, t.report())

	t.retentionSweep()
	return err
}

func (t *TcpTable) timeoutSweep(now time.Time) {
	for _, s := range t.sessions {
		if s.State.Terminal() {
			continue
		}
		if now.Sub(s.MostRecentSegmentTime) > t.timeout {
			t.log.WithField("session", s.Key.String()).Debug("TCP session timed out")
			s.State = ClosedTimeout
			s.EndTime = s.MostRecentSegmentTime
		}
	}
}

func (t *TcpTable) tag() {
	for _, s := range t.sessions {
		subject := &tagger.Subject{
			Key:            s.Key,
			ClientToServer: s.clientToServer.bytes(),
			ServerToClient: s.serverToClient.bytes(),
			Meta:           s.meta(),
		}
		tags, err := t.tagger.TagTCP(subject)
		if err != nil {
			t.log.WithError(err).WithField("session", s.Key.String()).Error("could not tag TCP session")
			s.Tags = nil
			continue
		}
		s.Tags = tags
	}
}

func (t *TcpTable) retentionSweep() {
	for key, s := range t.sessions {
		if s.State.Terminal() {
			delete(t.sessions, key)
		}
	}
}

func (t *TcpTable) CalculateMetrics() {
	t.mu.Lock()
	size := len(t.sessions)
	var bytes uint64
	for _, s := range t.sessions {
		bytes += s.BytesCount
	}
	t.mu.Unlock()

	metrics.SetGauge("tables.tcp.sessions.size", float64(size))
	metrics.SetGauge("tables.tcp.sessions.bytes", float64(bytes))
	metrics.TableSize.WithLabelValues("tcp").Set(float64(size))
}

type tcpSessionReport struct {
	State                 TcpSessionState `json:"state"`
	SourceMAC             core.MAC        `json:"source_mac"`
	DestinationMAC        core.MAC        `json:"destination_mac"`
	SourceAddress         netip.Addr      `json:"source_address"`
	SourcePort            uint16          `json:"source_port"`
	DestinationAddress    netip.Addr      `json:"destination_address"`
	DestinationPort       uint16          `json:"destination_port"`
	StartTime             time.Time       `json:"start_time"`
	EndTime               *time.Time      `json:"end_time"`
	MostRecentSegmentTime time.Time       `json:"most_recent_segment_time"`
	SegmentsCount         uint64          `json:"segments_count"`
	BytesCount            uint64          `json:"bytes_count"`
	SynIPTTL              uint8           `json:"syn_ip_ttl"`
	SynIPTOS              uint8           `json:"syn_ip_tos"`
	SynIPDF               bool            `json:"syn_ip_df"`
	SynCWR                bool            `json:"syn_cwr"`
	SynECE                bool            `json:"syn_ece"`
	SynWindowSize         uint16          `json:"syn_window_size"`
	SynMaximumSegmentSize *uint16         `json:"syn_maximum_segment_size"`
	SynWindowScale        *uint8          `json:"syn_window_scale_multiplier"`
	SynOptions            []int           `json:"syn_options"`
	Tags                  []core.L7Tag    `json:"tags"`
}

func (t *TcpTable) report() []tcpSessionReport {
	out := make([]tcpSessionReport, 0, len(t.sessions))
	for _, s := range t.sessions {
		r := tcpSessionReport{
			State:                 s.State,
			SourceMAC:             s.SourceMAC,
			DestinationMAC:        s.DestinationMAC,
			SourceAddress:         s.Source,
			SourcePort:            s.SourcePort,
			DestinationAddress:    s.Destination,
			DestinationPort:       s.DestinationPort,
			StartTime:             s.StartTime,
			MostRecentSegmentTime: s.MostRecentSegmentTime,
			SegmentsCount:         s.SegmentsCount,
			BytesCount:            s.BytesCount,
			SynIPTTL:              s.SynIPTTL,
			SynIPTOS:              s.SynIPTOS,
			SynIPDF:               s.SynIPDF,
			SynCWR:                s.SynCWR,
			SynECE:                s.SynECE,
			SynWindowSize:         s.SynWindowSize,
			SynOptions:            make([]int, len(s.SynOptions)),
			Tags:                  s.Tags,
		}
		for i, kind := range s.SynOptions {
			r.SynOptions[i] = int(kind)
		}
		if r.Tags == nil {
			r.Tags = []core.L7Tag{}
		}
		if !s.EndTime.IsZero() {
			end := s.EndTime
			r.EndTime = &end
		}
		if s.SynMaximumSegmentSize != 0 {
			mss := s.SynMaximumSegmentSize
			r.SynMaximumSegmentSize = &mss
		}
		if s.SynHasWindowScale {
			ws := s.SynWindowScale
			r.SynWindowScale = &ws
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}
