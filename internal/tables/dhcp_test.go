package tables

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/tap/internal/core"
	"firestige.xyz/tap/internal/link"
)

var (
	dhcpServerMAC = core.MAC{0x00, 0x50, 0x56, 0x00, 0x00, 0x01}
	leaseAddr     = netip.MustParseAddr("10.0.0.77")
)

func dhcpMessage(msgType string, ts time.Time) *core.Dhcpv4Packet {
	p := &core.Dhcpv4Packet{
		TransactionID: 0x3903f326,
		MessageType:   msgType,
		HardwareType:  "Ethernet",
		ClientMAC:     clientMAC,
		Size:          342,
		Timestamp:     ts,
	}
	switch msgType {
	case dhcpOffer, dhcpAck, dhcpNak:
		p.OpCode = "BootReply"
		p.SourceMAC = dhcpServerMAC
		p.DestinationMAC = clientMAC
		p.SourcePort, p.DestinationPort = 67, 68
		if msgType != dhcpNak {
			p.AssignedAddress = leaseAddr
		}
	default:
		p.OpCode = opBootRequest
		p.SourceMAC = clientMAC
		p.DestinationMAC = core.MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
		p.SourcePort, p.DestinationPort = 68, 67
		p.Hostname = "laptop"
		p.ParameterRequestList = []uint8{1, 3, 6, 15, 119, 252}
	}
	return p
}

func TestDhcpTransactionLifecycle(t *testing.T) {
	rec := &link.Recorder{}
	table := NewDhcpTable(rec)

	assert.Nil(t, table.RegisterPacket(dhcpMessage(dhcpDiscover, at(0))))
	assert.Nil(t, table.RegisterPacket(dhcpMessage(dhcpOffer, at(1))))
	req := dhcpMessage(dhcpRequest, at(2))
	req.RequestedAddress = leaseAddr
	assert.Nil(t, table.RegisterPacket(req))

	done := table.RegisterPacket(dhcpMessage(dhcpAck, at(3)))
	require.NotNil(t, done)
	assert.Equal(t, dhcpDiscover, done.Type)
	assert.True(t, done.Complete)
	require.NotNil(t, done.Successful)
	assert.True(t, *done.Successful)
	assert.Equal(t, clientMAC, *done.ClientMAC)
	assert.Equal(t, dhcpServerMAC, *done.ServerMAC)
	assert.Equal(t, []netip.Addr{leaseAddr}, done.OfferedAddresses)
	assert.Equal(t, leaseAddr, *done.RequestedAddress)
	assert.Equal(t, leaseAddr, *done.AssignedAddress)
	assert.Equal(t, "laptop", done.Hostname)
	assert.Equal(t, []int{1, 3, 6, 15, 119, 252}, done.Options)
	assert.NotEmpty(t, done.Fingerprint)
	assert.Equal(t, t0, done.FirstPacket)
	assert.Equal(t, at(3), done.LatestPacket)
	assert.Len(t, done.Timestamps, 4)
	assert.Empty(t, done.Notes)

	table.now = fixedClock(at(4))
	require.NoError(t, table.ProcessReport())
	_, ok := table.Get(0x3903f326)
	assert.False(t, ok)

	r, ok := rec.Last(dhcpReportPath)
	require.True(t, ok)
	body := string(r.Body)
	assert.Contains(t, body, `"transaction_type":"DISCOVER"`)
	assert.Contains(t, body, `"client_mac":"02:00:00:00:00:02"`)
	assert.Contains(t, body, `"offered_ip_addresses":["10.0.0.77"]`)
	assert.Contains(t, body, `"successful":true`)
	assert.Contains(t, body, `"complete":true`)
}

func TestDhcpNakAndNotes(t *testing.T) {
	table := NewDhcpTable(&link.Recorder{})

	table.RegisterPacket(dhcpMessage(dhcpRequest, at(0)))
	other := dhcpMessage(dhcpRequest, at(1))
	other.ClientMAC = spoofMAC
	other.ParameterRequestList = []uint8{1, 3}
	table.RegisterPacket(other)

	offer := dhcpMessage(dhcpOffer, at(2))
	offer.SourceMAC = gatewayMAC
	table.RegisterPacket(offer)
	assert.Nil(t, table.RegisterPacket(dhcpMessage(dhcpNak, at(3))))

	tx, ok := table.Get(0x3903f326)
	require.True(t, ok)
	assert.True(t, tx.Complete)
	require.NotNil(t, tx.Successful)
	assert.False(t, *tx.Successful)
	assert.Equal(t, []core.MAC{spoofMAC}, tx.AdditionalClientMACs)
	assert.Equal(t, []core.MAC{dhcpServerMAC}, tx.AdditionalServerMACs)
	assert.ElementsMatch(t, []string{NoteClientMACChanged, NoteFingerprintDrift, NoteMultipleServers}, tx.Notes)
}

func TestDhcpStaleTransactionsDropped(t *testing.T) {
	table := NewDhcpTable(&link.Recorder{})
	table.RegisterPacket(dhcpMessage(dhcpDiscover, at(0)))

	table.now = fixedClock(at(60))
	require.NoError(t, table.ProcessReport())
	_, ok := table.Get(0x3903f326)
	assert.True(t, ok, "incomplete transaction kept while fresh")

	table.now = fixedClock(at(0).Add(dhcpTransactionTimeout + time.Second))
	require.NoError(t, table.ProcessReport())
	_, ok = table.Get(0x3903f326)
	assert.False(t, ok)
}
