package tables

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"firestige.xyz/tap/internal/core"
	"firestige.xyz/tap/internal/link"
	"firestige.xyz/tap/internal/metrics"
)

const dot11ReportPath = "dot11/summary"

// Dot11Station accumulates what was heard from one BSSID or client.
type Dot11Station struct {
	MAC        core.MAC       `json:"mac"`
	Frames     uint64         `json:"frames"`
	Bytes      uint64         `json:"bytes"`
	FrameTypes map[string]int `json:"frame_types"`
	Signal     *int8          `json:"last_signal"`
	Channel    uint16         `json:"channel"`
	Frequency  uint16         `json:"frequency"`
	FirstSeen  time.Time      `json:"first_seen"`
	LastSeen   time.Time      `json:"last_seen"`
}

func (s *Dot11Station) observe(f *core.Dot11Frame) {
	if s.FirstSeen.IsZero() {
		s.FirstSeen = f.Timestamp
	}
	s.LastSeen = f.Timestamp
	s.Frames++
	s.Bytes += uint64(f.Length)
	s.FrameTypes[f.FrameType]++
	if f.Radio.HasSignal {
		signal := f.Radio.AntennaSignal
		s.Signal = &signal
	}
	s.Channel = f.Radio.Channel
	s.Frequency = f.Radio.Frequency
}

type dot11Report struct {
	BSSIDs  []*Dot11Station `json:"bssids"`
	Clients []*Dot11Station `json:"clients"`
}

// Dot11Table counts 802.11 frames per BSSID and per client station
// between reports.
type Dot11Table struct {
	mu      sync.Mutex
	bssids  map[core.MAC]*Dot11Station
	clients map[core.MAC]*Dot11Station

	sender link.Sender
}

func NewDot11Table(sender link.Sender) *Dot11Table {
	return &Dot11Table{
		bssids:  make(map[core.MAC]*Dot11Station),
		clients: make(map[core.MAC]*Dot11Station),
		sender:  sender,
	}
}

func (t *Dot11Table) Name() string { return "dot11" }

// RegisterFrame attributes f to its BSSID and, when the transmitter is not
// the access point itself, to the transmitting client.
func (t *Dot11Table) RegisterFrame(f *core.Dot11Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !f.BSSID.IsZero() && !f.BSSID.IsBroadcast() {
		station(t.bssids, f.BSSID).observe(f)
	}
	if !f.Transmitter.IsZero() && !f.Transmitter.IsBroadcast() && f.Transmitter != f.BSSID {
		station(t.clients, f.Transmitter).observe(f)
	}
}

func station(m map[core.MAC]*Dot11Station, mac core.MAC) *Dot11Station {
	s, ok := m[mac]
	if !ok {
		s = &Dot11Station{MAC: mac, FrameTypes: make(map[string]int)}
		m[mac] = s
	}
	return s
}

// Station returns a copy of the counters for a BSSID or client.
func (t *Dot11Table) Station(mac core.MAC) (Dot11Station, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.bssids[mac]; ok {
		return *s, true
	}
	if s, ok := t.clients[mac]; ok {
		return *s, true
	}
	return Dot11Station{}, false
}

func sortedStations(m map[core.MAC]*Dot11Station) []*Dot11Station {
	out := make([]*Dot11Station, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].MAC[:], out[j].MAC[:]) < 0
	})
	return out
}

func (t *Dot11Table) ProcessReport() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	err := submit(t.sender, dot11ReportPath, dot11Report{
		BSSIDs:  sortedStations(t.bssids),
		Clients: sortedStations(t.clients),
	})
	t.bssids = make(map[core.MAC]*Dot11Station)
	t.clients = make(map[core.MAC]*Dot11Station)
	return err
}

func (t *Dot11Table) CalculateMetrics() {
	t.mu.Lock()
	bssids, clients := len(t.bssids), len(t.clients)
	t.mu.Unlock()

	metrics.SetGauge("tables.dot11.bssids.size", float64(bssids))
	metrics.SetGauge("tables.dot11.clients.size", float64(clients))
	metrics.TableSize.WithLabelValues("dot11").Set(float64(bssids + clients))
}
