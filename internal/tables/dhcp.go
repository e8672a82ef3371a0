package tables

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"firestige.xyz/tap/internal/core"
	"firestige.xyz/tap/internal/link"
	"firestige.xyz/tap/internal/log"
	"firestige.xyz/tap/internal/metrics"
)

const (
	dhcpReportPath = "dhcpv4/transactions"

	// Incomplete transactions quiet for this long are dropped.
	dhcpTransactionTimeout = 10 * time.Minute
)

// DHCP message types as decoded from option 53.
const (
	dhcpDiscover = "DISCOVER"
	dhcpOffer    = "OFFER"
	dhcpRequest  = "REQUEST"
	dhcpDecline  = "DECLINE"
	dhcpAck      = "ACK"
	dhcpNak      = "NAK"
	dhcpRelease  = "RELEASE"
	dhcpInform   = "INFORM"

	opBootRequest = "BootRequest"
)

// Transaction notes.
const (
	NoteClientMACChanged = "client_mac_changed"
	NoteMultipleServers  = "multiple_servers"
	NoteFingerprintDrift = "fingerprint_changed"
)

// DhcpTransaction is one DHCPv4 exchange keyed by its transaction id.
type DhcpTransaction struct {
	TransactionID        uint32                 `json:"transaction_id"`
	Type                 string                 `json:"transaction_type"`
	ClientMAC            *core.MAC              `json:"client_mac"`
	AdditionalClientMACs []core.MAC             `json:"additional_client_macs"`
	ServerMAC            *core.MAC              `json:"server_mac"`
	AdditionalServerMACs []core.MAC             `json:"additional_server_macs"`
	OfferedAddresses     []netip.Addr           `json:"offered_ip_addresses"`
	RequestedAddress     *netip.Addr            `json:"requested_ip_address"`
	AssignedAddress      *netip.Addr            `json:"assigned_ip_address"`
	Hostname             string                 `json:"hostname"`
	Options              []int                  `json:"options"`
	Fingerprint          string                 `json:"fingerprint"`
	Timestamps           map[string][]time.Time `json:"timestamps"`
	FirstPacket          time.Time              `json:"first_packet"`
	LatestPacket         time.Time              `json:"latest_packet"`
	Notes                []string               `json:"notes"`
	Successful           *bool                  `json:"successful"`
	Complete             bool                   `json:"complete"`
}

func (tx *DhcpTransaction) note(n string) {
	for _, existing := range tx.Notes {
		if existing == n {
			return
		}
	}
	tx.Notes = append(tx.Notes, n)
}

func (tx *DhcpTransaction) finish(successful bool) {
	tx.Complete = true
	tx.Successful = &successful
}

func (tx *DhcpTransaction) clone() *DhcpTransaction {
	c := *tx
	c.AdditionalClientMACs = append([]core.MAC(nil), tx.AdditionalClientMACs...)
	c.AdditionalServerMACs = append([]core.MAC(nil), tx.AdditionalServerMACs...)
	c.OfferedAddresses = append([]netip.Addr(nil), tx.OfferedAddresses...)
	c.Options = append([]int(nil), tx.Options...)
	c.Notes = append([]string(nil), tx.Notes...)
	c.Timestamps = make(map[string][]time.Time, len(tx.Timestamps))
	for k, v := range tx.Timestamps {
		c.Timestamps[k] = append([]time.Time(nil), v...)
	}
	return &c
}

// DhcpTable groups DHCPv4 messages into transactions.
type DhcpTable struct {
	mu           sync.Mutex
	transactions map[uint32]*DhcpTransaction

	sender link.Sender
	now    func() time.Time
	log    log.Logger
}

func NewDhcpTable(sender link.Sender) *DhcpTable {
	return &DhcpTable{
		transactions: make(map[uint32]*DhcpTransaction),
		sender:       sender,
		now:          time.Now,
		log:          log.GetLogger().WithField("table", "dhcpv4"),
	}
}

func (t *DhcpTable) Name() string { return "dhcpv4" }

// RegisterPacket adds p to its transaction. When p completes the
// transaction successfully a copy of it is returned.
func (t *DhcpTable) RegisterPacket(p *core.Dhcpv4Packet) *DhcpTransaction {
	t.mu.Lock()
	defer t.mu.Unlock()

	tx, ok := t.transactions[p.TransactionID]
	if !ok {
		tx = &DhcpTransaction{
			TransactionID: p.TransactionID,
			Type:          p.MessageType,
			Timestamps:    make(map[string][]time.Time),
			FirstPacket:   p.Timestamp,
		}
		t.transactions[p.TransactionID] = tx
	}
	tx.LatestPacket = p.Timestamp
	tx.Timestamps[p.MessageType] = append(tx.Timestamps[p.MessageType], p.Timestamp)

	if p.OpCode == opBootRequest {
		t.clientMessage(tx, p)
	} else {
		t.serverMessage(tx, p)
	}

	if tx.Complete && tx.Successful != nil && *tx.Successful {
		if t.log.IsDebugEnabled() {
			t.log.Debugf("DHCP transaction %08x completed with %s", tx.TransactionID, p.MessageType)
		}
		return tx.clone()
	}
	return nil
}

func (t *DhcpTable) clientMessage(tx *DhcpTransaction, p *core.Dhcpv4Packet) {
	switch {
	case tx.ClientMAC == nil:
		mac := p.ClientMAC
		tx.ClientMAC = &mac
	case *tx.ClientMAC != p.ClientMAC && !containsMAC(tx.AdditionalClientMACs, p.ClientMAC):
		tx.AdditionalClientMACs = append(tx.AdditionalClientMACs, p.ClientMAC)
		tx.note(NoteClientMACChanged)
	}

	if p.Hostname != "" {
		tx.Hostname = p.Hostname
	}
	if p.RequestedAddress.IsValid() {
		addr := p.RequestedAddress
		tx.RequestedAddress = &addr
	}
	if fp := p.Fingerprint(); fp != "" {
		if tx.Fingerprint != "" && tx.Fingerprint != fp {
			tx.note(NoteFingerprintDrift)
		}
		if tx.Fingerprint == "" {
			tx.Options = make([]int, len(p.ParameterRequestList))
			for i, code := range p.ParameterRequestList {
				tx.Options[i] = int(code)
			}
		}
		tx.Fingerprint = fp
	}

	switch p.MessageType {
	case dhcpDecline:
		tx.finish(false)
	case dhcpRelease:
		tx.finish(true)
	}
}

func (t *DhcpTable) serverMessage(tx *DhcpTransaction, p *core.Dhcpv4Packet) {
	switch {
	case tx.ServerMAC == nil:
		mac := p.SourceMAC
		tx.ServerMAC = &mac
	case *tx.ServerMAC != p.SourceMAC && !containsMAC(tx.AdditionalServerMACs, p.SourceMAC):
		tx.AdditionalServerMACs = append(tx.AdditionalServerMACs, p.SourceMAC)
		tx.note(NoteMultipleServers)
	}

	switch p.MessageType {
	case dhcpOffer:
		if p.AssignedAddress.IsValid() {
			tx.OfferedAddresses = append(tx.OfferedAddresses, p.AssignedAddress)
		}
	case dhcpAck:
		if p.AssignedAddress.IsValid() {
			addr := p.AssignedAddress
			tx.AssignedAddress = &addr
		} else if tx.Type == dhcpInform && p.ClientAddress.IsValid() {
			addr := p.ClientAddress
			tx.AssignedAddress = &addr
		}
		tx.finish(true)
	case dhcpNak:
		tx.finish(false)
	}
}

func containsMAC(list []core.MAC, mac core.MAC) bool {
	for _, m := range list {
		if m == mac {
			return true
		}
	}
	return false
}

// Get returns a copy of the transaction with id xid.
func (t *DhcpTable) Get(xid uint32) (*DhcpTransaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tx, ok := t.transactions[xid]
	if !ok {
		return nil, false
	}
	return tx.clone(), true
}

// ProcessReport reports every transaction, then drops the complete ones
// and those that went stale.
func (t *DhcpTable) ProcessReport() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	doc := make([]*DhcpTransaction, 0, len(t.transactions))
	for _, tx := range t.transactions {
		doc = append(doc, tx)
	}
	sort.Slice(doc, func(i, j int) bool {
		return doc[i].FirstPacket.Before(doc[j].FirstPacket)
	})

	err := submit(t.sender, dhcpReportPath, doc)

	cutoff := t.now().Add(-dhcpTransactionTimeout)
	for xid, tx := range t.transactions {
		if tx.Complete || tx.LatestPacket.Before(cutoff) {
			delete(t.transactions, xid)
		}
	}
	return err
}

func (t *DhcpTable) CalculateMetrics() {
	t.mu.Lock()
	size := len(t.transactions)
	t.mu.Unlock()

	metrics.SetGauge("tables.dhcpv4.transactions.size", float64(size))
	metrics.TableSize.WithLabelValues("dhcpv4").Set(float64(size))
}
