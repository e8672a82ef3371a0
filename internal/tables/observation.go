package tables

import (
	"sort"
	"sync"
	"time"

	"firestige.xyz/tap/internal/core"
	"firestige.xyz/tap/internal/link"
	"firestige.xyz/tap/internal/metrics"
)

var observationReportPaths = map[core.ObservationKind]string{
	core.ObservationBluetooth: "bluetooth/devices",
	core.ObservationUav:       "uav/remote_id",
	core.ObservationGnss:      "gnss/messages",
}

// ObservationEntry counts the observations of one identifier.
type ObservationEntry struct {
	Identifier string         `json:"identifier"`
	Count      uint64         `json:"count"`
	Bytes      uint64         `json:"bytes"`
	Attributes map[string]any `json:"attributes"`
	FirstSeen  time.Time      `json:"first_seen"`
	LastSeen   time.Time      `json:"last_seen"`
}

// ObservationTable aggregates externally decoded observations of a single
// kind per identifier (device address, remote ID serial, GNSS constellation).
type ObservationTable struct {
	mu      sync.Mutex
	kind    core.ObservationKind
	path    string
	entries map[string]*ObservationEntry

	sender link.Sender
}

func NewObservationTable(kind core.ObservationKind, sender link.Sender) *ObservationTable {
	return &ObservationTable{
		kind:    kind,
		path:    observationReportPaths[kind],
		entries: make(map[string]*ObservationEntry),
		sender:  sender,
	}
}

func (t *ObservationTable) Name() string { return string(t.kind) }

func (t *ObservationTable) Kind() core.ObservationKind { return t.kind }

// RegisterObservation counts o under id. The attributes of the most recent
// observation are kept for the report.
func (t *ObservationTable) RegisterObservation(id string, o *core.Observation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		e = &ObservationEntry{Identifier: id, FirstSeen: o.Timestamp}
		t.entries[id] = e
	}
	e.Count++
	e.Bytes += uint64(o.Size)
	e.Attributes = o.Attributes
	if o.Timestamp.After(e.LastSeen) {
		e.LastSeen = o.Timestamp
	}
}

// Get returns a copy of the entry for id.
func (t *ObservationTable) Get(id string) (ObservationEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return ObservationEntry{}, false
	}
	return *e, true
}

func (t *ObservationTable) ProcessReport() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	doc := make([]*ObservationEntry, 0, len(t.entries))
	for _, e := range t.entries {
		doc = append(doc, e)
	}
	sort.Slice(doc, func(i, j int) bool { return doc[i].Identifier < doc[j].Identifier })

	err := submit(t.sender, t.path, doc)
	t.entries = make(map[string]*ObservationEntry)
	return err
}

func (t *ObservationTable) CalculateMetrics() {
	t.mu.Lock()
	size := len(t.entries)
	t.mu.Unlock()

	metrics.SetGauge("tables."+string(t.kind)+".size", float64(size))
	metrics.TableSize.WithLabelValues(string(t.kind)).Set(float64(size))
}
