package tables

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/tap/internal/config"
	"firestige.xyz/tap/internal/core"
	"firestige.xyz/tap/internal/link"
)

var (
	gatewayAddr = netip.MustParseAddr("10.0.0.1")
	gatewayMAC  = core.MAC{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	spoofMAC    = core.MAC{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
)

func arpReply(sender core.MAC, addr netip.Addr, ts time.Time) *core.ArpPacket {
	return &core.ArpPacket{
		EthernetSource:      sender,
		EthernetDestination: clientMAC,
		Operation:           core.ArpReply,
		SenderMAC:           sender,
		SenderAddress:       addr,
		TargetMAC:           clientMAC,
		TargetAddress:       clientAddr,
		Size:                42,
		Timestamp:           ts,
	}
}

func newTestArpTable(monitor bool) (*ArpTable, *link.Recorder) {
	rec := &link.Recorder{}
	return NewArpTable(config.ARPTableConfig{PoisoningMonitor: monitor, PoisoningWindow: 30 * time.Second}, rec), rec
}

func TestArpPoisoningDetection(t *testing.T) {
	tests := []struct {
		name    string
		monitor bool
		second  time.Time
		want    int
	}{
		{"within_window", true, at(10), 1},
		{"outside_window", true, at(45), 0},
		{"monitor_disabled", false, at(10), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, _ := newTestArpTable(tt.monitor)
			table.RegisterPacket(arpReply(gatewayMAC, gatewayAddr, at(0)))
			table.RegisterPacket(arpReply(gatewayMAC, gatewayAddr, at(5)))
			table.RegisterPacket(arpReply(spoofMAC, gatewayAddr, tt.second))

			alerts := table.Alerts()
			require.Len(t, alerts, tt.want)
			if tt.want > 0 {
				assert.Equal(t, AlertArpPoisoning, alerts[0].Type)
				assert.Equal(t, "10.0.0.1", alerts[0].Attributes["ip_address"])
				assert.Equal(t, spoofMAC.String(), alerts[0].Attributes["mac_address"])
			}
		})
	}
}

func TestArpIgnoresUnspecifiedSender(t *testing.T) {
	table, _ := newTestArpTable(true)
	probe := netip.IPv4Unspecified()
	table.RegisterPacket(arpReply(gatewayMAC, probe, at(0)))
	table.RegisterPacket(arpReply(spoofMAC, probe, at(1)))
	assert.Empty(t, table.Alerts())
}

func TestArpPruneClaims(t *testing.T) {
	table, _ := newTestArpTable(true)
	table.RegisterPacket(arpReply(gatewayMAC, gatewayAddr, at(0)))
	table.RegisterPacket(arpReply(spoofMAC, clientAddr, at(600)))

	table.PruneClaims(at(300))
	assert.Len(t, table.claims, 1)
	assert.Contains(t, table.claims, clientAddr)

	// The old claim is gone, so a new MAC is not a flap.
	table.RegisterPacket(arpReply(spoofMAC, gatewayAddr, at(601)))
	assert.Empty(t, table.Alerts())
}

func TestArpReport(t *testing.T) {
	table, rec := newTestArpTable(true)
	req := arpReply(clientMAC, clientAddr, at(0))
	req.Operation = core.ArpRequest
	req.EthernetDestination = core.MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	table.RegisterPacket(req)
	table.RegisterPacket(arpReply(gatewayMAC, gatewayAddr, at(1)))
	table.RegisterPacket(arpReply(spoofMAC, gatewayAddr, at(2)))

	require.NoError(t, table.ProcessReport())

	var doc struct {
		Packets []map[string]any `json:"packets"`
		Alerts  []ArpAlert       `json:"alerts"`
	}
	decodeLast(t, rec, arpReportPath, &doc)
	require.Len(t, doc.Packets, 3)
	assert.Equal(t, "request", doc.Packets[0]["operation"])
	assert.Equal(t, "ff:ff:ff:ff:ff:ff", doc.Packets[0]["ethernet_destination_mac"])
	assert.Equal(t, "reply", doc.Packets[1]["operation"])
	assert.Equal(t, "10.0.0.1", doc.Packets[1]["sender_address"])
	require.Len(t, doc.Alerts, 1)

	require.NoError(t, table.ProcessReport())
	decodeLast(t, rec, arpReportPath, &doc)
	assert.Empty(t, doc.Packets)
	assert.Empty(t, doc.Alerts)
}
