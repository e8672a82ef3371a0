package tables

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"firestige.xyz/tap/internal/config"
	"firestige.xyz/tap/internal/core"
	"firestige.xyz/tap/internal/link"
	"firestige.xyz/tap/internal/log"
	"firestige.xyz/tap/internal/metrics"
)

const (
	arpReportPath = "arp/packets"

	arpClaimRetention = 10 * time.Minute
	arpPruneInterval  = 5 * time.Minute
)

// AlertArpPoisoning is raised when an IP changes its MAC within the
// poisoning window.
const AlertArpPoisoning = "arp_poisoning_detected"

type ArpAlert struct {
	Type       string            `json:"alert_type"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  time.Time         `json:"timestamp"`
}

type arpPacketReport struct {
	EthernetSourceMAC      core.MAC   `json:"ethernet_source_mac"`
	EthernetDestinationMAC core.MAC   `json:"ethernet_destination_mac"`
	Operation              string     `json:"operation"`
	SenderMAC              core.MAC   `json:"sender_mac"`
	SenderAddress          netip.Addr `json:"sender_address"`
	TargetMAC              core.MAC   `json:"target_mac"`
	TargetAddress          netip.Addr `json:"target_address"`
	Size                   int        `json:"size"`
	Timestamp              time.Time  `json:"timestamp"`
}

type arpReport struct {
	Packets []arpPacketReport `json:"packets"`
	Alerts  []ArpAlert        `json:"alerts"`
}

type claimedMAC struct {
	mac      core.MAC
	lastSeen time.Time
}

// ArpTable logs ARP requests and replies between reports and watches IP to
// MAC claims for poisoning.
type ArpTable struct {
	mu       sync.Mutex
	requests []*core.ArpPacket
	replies  []*core.ArpPacket
	alerts   []ArpAlert
	claims   map[netip.Addr][]claimedMAC

	poisoningMonitor bool
	poisoningWindow  time.Duration

	sender link.Sender
	now    func() time.Time
	log    log.Logger
}

func NewArpTable(cfg config.ARPTableConfig, sender link.Sender) *ArpTable {
	return &ArpTable{
		claims:           make(map[netip.Addr][]claimedMAC),
		poisoningMonitor: cfg.PoisoningMonitor,
		poisoningWindow:  cfg.PoisoningWindow,
		sender:           sender,
		now:              time.Now,
		log:              log.GetLogger().WithField("table", "arp"),
	}
}

func (t *ArpTable) Name() string { return "arp" }

func (t *ArpTable) RegisterPacket(p *core.ArpPacket) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch p.Operation {
	case core.ArpRequest:
		t.requests = append(t.requests, p)
	case core.ArpReply:
		t.replies = append(t.replies, p)
	default:
		t.log.Debugf("ignoring ARP packet with operation %d", p.Operation)
		return
	}

	t.trackClaim(p)
}

// trackClaim records that p's sender claims its IP. A new MAC for an IP
// while another MAC was seen within the window raises an alert.
func (t *ArpTable) trackClaim(p *core.ArpPacket) {
	if !t.poisoningMonitor || !p.SenderAddress.IsValid() || p.SenderAddress.IsUnspecified() {
		return
	}

	claims := t.claims[p.SenderAddress]
	for i := range claims {
		if claims[i].mac == p.SenderMAC {
			claims[i].lastSeen = p.Timestamp
			return
		}
	}

	recentOther := false
	for _, c := range claims {
		if p.Timestamp.Sub(c.lastSeen) <= t.poisoningWindow {
			recentOther = true
			break
		}
	}
	t.claims[p.SenderAddress] = append(claims, claimedMAC{mac: p.SenderMAC, lastSeen: p.Timestamp})

	if recentOther {
		t.log.WithFields(map[string]interface{}{
			"ip_address":  p.SenderAddress.String(),
			"mac_address": p.SenderMAC.String(),
		}).Warn("ARP poisoning suspected: IP changed MAC within window")
		t.alerts = append(t.alerts, ArpAlert{
			Type: AlertArpPoisoning,
			Attributes: map[string]string{
				"ip_address":  p.SenderAddress.String(),
				"mac_address": p.SenderMAC.String(),
			},
			Timestamp: p.Timestamp,
		})
		metrics.IncCounter("tables.arp.alerts.poisoning")
	}
}

// PruneClaims forgets MAC claims not seen since before cutoff.
func (t *ArpTable) PruneClaims(cutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for ip, claims := range t.claims {
		kept := claims[:0]
		for _, c := range claims {
			if !c.lastSeen.Before(cutoff) {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			delete(t.claims, ip)
			continue
		}
		t.claims[ip] = kept
	}
}

// RunMaintenance prunes stale claims until ctx is done.
func (t *ArpTable) RunMaintenance(ctx context.Context) {
	ticker := time.NewTicker(arpPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.PruneClaims(t.now().Add(-arpClaimRetention))
		}
	}
}

// Alerts returns the alerts raised since the last report.
func (t *ArpTable) Alerts() []ArpAlert {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ArpAlert(nil), t.alerts...)
}

func (t *ArpTable) ProcessReport() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	doc := arpReport{
		Packets: make([]arpPacketReport, 0, len(t.requests)+len(t.replies)),
		Alerts:  t.alerts,
	}
	for _, group := range [][]*core.ArpPacket{t.requests, t.replies} {
		for _, p := range group {
			doc.Packets = append(doc.Packets, arpPacketReport{
				EthernetSourceMAC:      p.EthernetSource,
				EthernetDestinationMAC: p.EthernetDestination,
				Operation:              p.Operation.String(),
				SenderMAC:              p.SenderMAC,
				SenderAddress:          p.SenderAddress,
				TargetMAC:              p.TargetMAC,
				TargetAddress:          p.TargetAddress,
				Size:                   p.Size,
				Timestamp:              p.Timestamp,
			})
		}
	}
	if doc.Alerts == nil {
		doc.Alerts = []ArpAlert{}
	}

	err := submit(t.sender, arpReportPath, doc)
	t.requests = nil
	t.replies = nil
	t.alerts = nil
	return err
}

func (t *ArpTable) CalculateMetrics() {
	t.mu.Lock()
	requests, replies := len(t.requests), len(t.replies)
	mappings := 0
	for _, c := range t.claims {
		mappings += len(c)
	}
	t.mu.Unlock()

	metrics.SetGauge("tables.arp.requests.size", float64(requests))
	metrics.SetGauge("tables.arp.replies.size", float64(replies))
	metrics.SetGauge("tables.arp.ip_mappings.size", float64(mappings))
	metrics.TableSize.WithLabelValues("arp").Set(float64(requests + replies))
}
