// Package contextengine keeps what the tap learned about each MAC address
// on the wire: the IP addresses it used and the hostnames it goes by.
package contextengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/tap/internal/config"
	"firestige.xyz/tap/internal/core"
	"firestige.xyz/tap/internal/link"
	"firestige.xyz/tap/internal/log"
	"firestige.xyz/tap/internal/metrics"
)

const (
	reportPath = "context/mac_addresses"

	retentionInterval = time.Minute

	// Marked transaction ids are honoured for this long.
	transactionTTL = time.Minute
)

// Source names where a piece of context came from.
type Source string

const (
	SourceArp    Source = "arp"
	SourceDhcp   Source = "dhcp"
	SourcePtrDns Source = "ptr_dns"
)

type datum struct {
	value    string
	source   Source
	lastSeen time.Time
}

type macContext struct {
	ips       []datum
	hostnames []datum
}

// upsert refreshes the datum matching value and source, or appends it.
func upsert(list []datum, value string, source Source, ts time.Time) []datum {
	for i := range list {
		if list[i].value == value && list[i].source == source {
			list[i].lastSeen = ts
			return list
		}
	}
	return append(list, datum{value: value, source: source, lastSeen: ts})
}

func retain(list []datum, cutoff time.Time) []datum {
	kept := list[:0]
	for _, d := range list {
		if d.lastSeen.After(cutoff) {
			kept = append(kept, d)
		}
	}
	return kept
}

// Engine is the MAC address context store.
type Engine struct {
	mu        sync.Mutex
	macs      map[core.MAC]*macContext
	txids     *cache.Cache
	retention time.Duration

	sender link.Sender
	now    func() time.Time
	log    log.Logger
}

func New(cfg config.ContextConfig, sender link.Sender) *Engine {
	return &Engine{
		macs:      make(map[core.MAC]*macContext),
		txids:     cache.New(transactionTTL, transactionTTL),
		retention: cfg.Retention,
		sender:    sender,
		now:       time.Now,
		log:       log.GetLogger().WithField("component", "context_engine"),
	}
}

func (e *Engine) Name() string { return "context" }

func (e *Engine) entry(mac core.MAC) *macContext {
	c, ok := e.macs[mac]
	if !ok {
		c = &macContext{}
		e.macs[mac] = c
	}
	return c
}

// RegisterMacAddressIP records that mac was seen using ip.
func (e *Engine) RegisterMacAddressIP(mac core.MAC, ip netip.Addr, source Source) {
	if mac.IsZero() || mac.IsBroadcast() || !ip.IsValid() || ip.IsUnspecified() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.entry(mac)
	c.ips = upsert(c.ips, ip.String(), source, e.now())
}

// MarkTransactionID allows one hostname registration bound to the DNS
// transaction id.
func (e *Engine) MarkTransactionID(id uint16) {
	e.txids.SetDefault(strconv.Itoa(int(id)), struct{}{})
}

// RegisterMacAddressHostname records hostname for mac. When txID is set
// the registration is only accepted if the id was marked, and the mark is
// consumed.
func (e *Engine) RegisterMacAddressHostname(mac core.MAC, hostname string, txID *uint16, source Source) bool {
	if hostname == "" || mac.IsZero() {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if txID != nil {
		key := strconv.Itoa(int(*txID))
		if _, ok := e.txids.Get(key); !ok {
			e.log.Debugf("ignoring hostname %q from unknown DNS transaction %d", hostname, *txID)
			return false
		}
		e.txids.Delete(key)
	}
	c := e.entry(mac)
	c.hostnames = upsert(c.hostnames, hostname, source, e.now())
	return true
}

// LookupMac returns the MAC that most recently used ip.
func (e *Engine) LookupMac(ip netip.Addr) (core.MAC, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	value := ip.String()
	var (
		found  core.MAC
		latest time.Time
		ok     bool
	)
	for mac, c := range e.macs {
		for _, d := range c.ips {
			if d.value == value && (!ok || d.lastSeen.After(latest)) {
				found, latest, ok = mac, d.lastSeen, true
			}
		}
	}
	return found, ok
}

// RetentionClean drops context older than the retention period and MACs
// left without any.
func (e *Engine) RetentionClean() {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-e.retention)
	for mac, c := range e.macs {
		c.ips = retain(c.ips, cutoff)
		c.hostnames = retain(c.hostnames, cutoff)
		if len(c.ips) == 0 && len(c.hostnames) == 0 {
			delete(e.macs, mac)
		}
	}
}

// Run cleans retention every minute until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RetentionClean()
		}
	}
}

type dataReport struct {
	Value    string    `json:"value"`
	Source   Source    `json:"source"`
	LastSeen time.Time `json:"last_seen"`
}

type macReport struct {
	MAC         core.MAC     `json:"mac"`
	IPAddresses []dataReport `json:"ip_addresses"`
	Hostnames   []dataReport `json:"hostnames"`
}

type report struct {
	MACs []macReport `json:"macs"`
}

func dataReports(list []datum) []dataReport {
	out := make([]dataReport, len(list))
	for i, d := range list {
		out[i] = dataReport{Value: d.value, Source: d.source, LastSeen: d.lastSeen}
	}
	return out
}

// ProcessReport ships the whole context. Nothing is reset; entries age out
// through RetentionClean.
func (e *Engine) ProcessReport() error {
	e.mu.Lock()
	doc := report{MACs: make([]macReport, 0, len(e.macs))}
	for mac, c := range e.macs {
		doc.MACs = append(doc.MACs, macReport{
			MAC:         mac,
			IPAddresses: dataReports(c.ips),
			Hostnames:   dataReports(c.hostnames),
		})
	}
	e.mu.Unlock()

	sort.Slice(doc.MACs, func(i, j int) bool {
		return bytes.Compare(doc.MACs[i].MAC[:], doc.MACs[j].MAC[:]) < 0
	})

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("serializing %s report: %w", reportPath, err)
	}
	return link.Send(e.sender, reportPath, body)
}

func (e *Engine) CalculateMetrics() {
	e.mu.Lock()
	macs, ips, hostnames := len(e.macs), 0, 0
	for _, c := range e.macs {
		ips += len(c.ips)
		hostnames += len(c.hostnames)
	}
	e.mu.Unlock()

	metrics.SetGauge("context.macs.size", float64(macs))
	metrics.SetGauge("context.macs.ips.size", float64(ips))
	metrics.SetGauge("context.macs.hostnames.size", float64(hostnames))
	metrics.SetGauge("context.ptr.tixs.size", float64(e.txids.ItemCount()))
	metrics.TableSize.WithLabelValues("context").Set(float64(macs))
}
