package tables

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"firestige.xyz/tap/internal/config"
	"firestige.xyz/tap/internal/core"
	"firestige.xyz/tap/internal/link"
	"firestige.xyz/tap/internal/log"
	"firestige.xyz/tap/internal/metrics"
)

const dnsReportPath = "dns/summary"

type dnsStatistics struct {
	RequestCount  uint64 `json:"request_count"`
	RequestBytes  uint64 `json:"request_bytes"`
	ResponseCount uint64 `json:"response_count"`
	ResponseBytes uint64 `json:"response_bytes"`
	NXDomainCount uint64 `json:"nxdomain_count"`
}

// EntropyLog is a name whose entropy was anomalous against the window.
type EntropyLog struct {
	TransactionID uint16    `json:"transaction_id"`
	Entropy       float64   `json:"entropy"`
	ZScore        float64   `json:"zscore"`
	EntropyMean   float64   `json:"entropy_mean"`
	Timestamp     time.Time `json:"timestamp"`
}

type dnsLog struct {
	TransactionID *uint16    `json:"transaction_id"`
	ClientAddress netip.Addr `json:"client_address"`
	ServerAddress netip.Addr `json:"server_address"`
	ClientMAC     core.MAC   `json:"client_mac"`
	ServerMAC     core.MAC   `json:"server_mac"`
	ClientPort    uint16     `json:"client_port"`
	ServerPort    uint16     `json:"server_port"`
	DataValue     string     `json:"data_value"`
	DataValueETLD *string    `json:"data_value_etld"`
	DataType      string     `json:"data_type"`
	Timestamp     time.Time  `json:"timestamp"`
}

type dnsReport struct {
	IPs        map[netip.Addr]*dnsStatistics        `json:"ips"`
	Pairs      map[netip.Addr]map[netip.Addr]uint64 `json:"pairs"`
	EntropyLog []EntropyLog                         `json:"entropy_log"`
	Queries    []dnsLog                             `json:"queries"`
	Responses  []dnsLog                             `json:"responses"`
}

// DnsTable aggregates DNS traffic per client and flags high entropy names.
// Everything but the entropy windows is cleared after each report.
type DnsTable struct {
	mu          sync.Mutex
	ips         map[netip.Addr]*dnsStatistics
	pairs       map[netip.Addr]map[netip.Addr]uint64
	queryLog    []dnsLog
	responseLog []dnsLog
	entropyLog  []EntropyLog

	queryEntropy    *entropyWindow
	responseEntropy *entropyWindow
	threshold       float64
	trainingUntil   time.Time

	sender link.Sender
	now    func() time.Time
	log    log.Logger
}

func NewDnsTable(cfg config.DNSTableConfig, sender link.Sender) *DnsTable {
	t := &DnsTable{
		queryEntropy:    newEntropyWindow(cfg.EntropyWindow, cfg.PruneInterval),
		responseEntropy: newEntropyWindow(cfg.EntropyWindow, cfg.PruneInterval),
		threshold:       cfg.EntropyZScoreThreshold,
		sender:          sender,
		now:             time.Now,
		log:             log.GetLogger().WithField("table", "dns"),
	}
	t.trainingUntil = t.now().Add(cfg.TrainingPeriod)
	t.reset()
	return t
}

func (t *DnsTable) Name() string { return "dns" }

func (t *DnsTable) reset() {
	t.ips = make(map[netip.Addr]*dnsStatistics)
	t.pairs = make(map[netip.Addr]map[netip.Addr]uint64)
	t.queryLog = nil
	t.responseLog = nil
	t.entropyLog = nil
}

// InTraining reports whether the entropy baseline is still being built.
func (t *DnsTable) InTraining() bool {
	return t.now().Before(t.trainingUntil)
}

// RegisterPacket scores the entropy of the packet's names and adds it to
// the statistics and logs.
func (t *DnsTable) RegisterPacket(p *core.DnsPacket) {
	start := time.Now()
	defer metrics.Since("tables.dns.timer.register", start)

	switch p.Type {
	case core.DnsQuery:
		for _, q := range p.Queries {
			t.scoreEntropy(p, q, t.queryEntropy)
		}
		t.registerRequest(p)
	case core.DnsQueryResponse:
		for _, r := range p.Responses {
			if r.Value == "" {
				continue
			}
			t.scoreEntropy(p, r, t.responseEntropy)
		}
		t.registerResponse(p)
	default:
		t.log.Errorf("unexpected DNS packet type %q", p.Type)
	}
}

// scoreEntropy records the entropy of d first and then rates it, so the
// sample is part of its own baseline. mDNS carries no transaction id and
// is not scored.
func (t *DnsTable) scoreEntropy(p *core.DnsPacket, d core.DnsData, w *entropyWindow) {
	if !p.HasTransactionID || !d.HasEntropy {
		return
	}
	w.record(d.Entropy)

	z, mean, ok := w.zscore(d.Entropy)
	if !ok || t.InTraining() || z <= t.threshold {
		return
	}

	t.log.WithFields(map[string]interface{}{
		"transaction_id": p.TransactionID,
		"entropy":        d.Entropy,
		"zscore":         z,
	}).Debug("DNS entropy above threshold")

	t.mu.Lock()
	t.entropyLog = append(t.entropyLog, EntropyLog{
		TransactionID: p.TransactionID,
		Entropy:       d.Entropy,
		ZScore:        z,
		EntropyMean:   mean,
		Timestamp:     p.Timestamp,
	})
	t.mu.Unlock()
}

func (t *DnsTable) stats(ip netip.Addr) *dnsStatistics {
	s, ok := t.ips[ip]
	if !ok {
		s = &dnsStatistics{}
		t.ips[ip] = s
	}
	return s
}

func (t *DnsTable) registerRequest(p *core.DnsPacket) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.stats(p.Source)
	s.RequestCount++
	s.RequestBytes += uint64(p.Size)

	servers, ok := t.pairs[p.Source]
	if !ok {
		servers = make(map[netip.Addr]uint64)
		t.pairs[p.Source] = servers
	}
	servers[p.Destination]++

	for _, q := range p.Queries {
		t.queryLog = append(t.queryLog, dnsLog{
			TransactionID: transactionID(p),
			ClientAddress: p.Source,
			ServerAddress: p.Destination,
			ClientMAC:     p.SourceMAC,
			ServerMAC:     p.DestinationMAC,
			ClientPort:    p.SourcePort,
			ServerPort:    p.DestinationPort,
			DataValue:     q.Name,
			DataValueETLD: etld(q.Name),
			DataType:      q.DataType,
			Timestamp:     p.Timestamp,
		})
	}
}

func (t *DnsTable) registerResponse(p *core.DnsPacket) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.stats(p.Destination)
	s.ResponseCount++
	s.ResponseBytes += uint64(p.Size)
	if p.NXDomain {
		s.NXDomainCount++
	}

	for _, r := range p.Responses {
		if r.Value == "" {
			continue
		}
		t.responseLog = append(t.responseLog, dnsLog{
			TransactionID: transactionID(p),
			ClientAddress: p.Destination,
			ServerAddress: p.Source,
			ClientMAC:     p.DestinationMAC,
			ServerMAC:     p.SourceMAC,
			ClientPort:    p.DestinationPort,
			ServerPort:    p.SourcePort,
			DataValue:     r.Value,
			DataValueETLD: etld(r.Value),
			DataType:      r.DataType,
			Timestamp:     p.Timestamp,
		})
	}
}

func transactionID(p *core.DnsPacket) *uint16 {
	if !p.HasTransactionID {
		return nil
	}
	id := p.TransactionID
	return &id
}

func etld(name string) *string {
	if name == "" {
		return nil
	}
	if _, err := netip.ParseAddr(name); err == nil {
		return nil
	}
	v, err := publicsuffix.EffectiveTLDPlusOne(name)
	if err != nil {
		return nil
	}
	return &v
}

// Anomalies returns a copy of the entropy anomalies collected since the last
// report.
func (t *DnsTable) Anomalies() []EntropyLog {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]EntropyLog(nil), t.entropyLog...)
}

// ProcessReport sends the summary and clears the per-cycle state.
func (t *DnsTable) ProcessReport() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	doc := dnsReport{
		IPs:        t.ips,
		Pairs:      t.pairs,
		EntropyLog: t.entropyLog,
		Queries:    t.queryLog,
		Responses:  t.responseLog,
	}
	if doc.EntropyLog == nil {
		doc.EntropyLog = []EntropyLog{}
	}
	if doc.Queries == nil {
		doc.Queries = []dnsLog{}
	}
	if doc.Responses == nil {
		doc.Responses = []dnsLog{}
	}

	err := submit(t.sender, dnsReportPath, doc)
	t.reset()
	return err
}

func (t *DnsTable) CalculateMetrics() {
	t.mu.Lock()
	ips := len(t.ips)
	t.mu.Unlock()

	metrics.SetGauge("tables.dns.ips.size", float64(ips))
	metrics.SetGauge("tables.dns.entropy.queries.size", float64(t.queryEntropy.len()))
	metrics.SetGauge("tables.dns.entropy.responses.size", float64(t.responseEntropy.len()))
	metrics.TableSize.WithLabelValues("dns").Set(float64(ips))
}
