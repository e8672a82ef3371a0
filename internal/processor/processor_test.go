package processor

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/tap/internal/bus"
	"firestige.xyz/tap/internal/config"
	"firestige.xyz/tap/internal/contextengine"
	"firestige.xyz/tap/internal/core"
	"firestige.xyz/tap/internal/link"
	"firestige.xyz/tap/internal/log"
	"firestige.xyz/tap/internal/tables"
)

var (
	t0         = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	hostAddr   = netip.MustParseAddr("10.0.0.2")
	hostMAC    = core.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	serverAddr = netip.MustParseAddr("93.184.216.34")
	serverMAC  = core.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	dnsServer  = netip.MustParseAddr("10.0.0.53")
)

func newTestTables(rec *link.Recorder) Tables {
	return Tables{
		Dot11: tables.NewDot11Table(rec),
		TCP:   tables.NewTcpTable(config.TCPTableConfig{ReassemblyBufferSize: 1024, SessionTimeout: time.Minute}, rec, nil),
		UDP:   tables.NewUdpTable(config.UDPTableConfig{BufferSize: 1024, ConversationTimeout: time.Minute}, rec, nil),
		ARP:   tables.NewArpTable(config.ARPTableConfig{PoisoningMonitor: true, PoisoningWindow: time.Minute}, rec),
		DHCP:  tables.NewDhcpTable(rec),
		DNS: tables.NewDnsTable(config.DNSTableConfig{
			EntropyZScoreThreshold: 3,
			EntropyWindow:          time.Minute,
			PruneInterval:          time.Minute,
		}, rec),
		SSH:        tables.NewSshTable(rec),
		SOCKS:      tables.NewSocksTable(rec),
		Bluetooth:  tables.NewObservationTable(core.ObservationBluetooth, rec),
		UAV:        tables.NewObservationTable(core.ObservationUav, rec),
		GNSS:       tables.NewObservationTable(core.ObservationGnss, rec),
		Context:    contextengine.New(config.ContextConfig{Retention: time.Hour}, rec),
		DNSServers: []netip.Addr{dnsServer},
	}
}

func syn() *core.TcpSegment {
	return &core.TcpSegment{
		SourceMAC:       hostMAC,
		DestinationMAC:  serverMAC,
		Source:          hostAddr,
		Destination:     serverAddr,
		SourcePort:      51234,
		DestinationPort: 443,
		Key:             core.NewSessionKey(hostAddr, 51234, serverAddr, 443, core.ProtocolTCP),
		SequenceNumber:  1000,
		Flags:           core.FlagSYN,
		Size:            60,
		Timestamp:       t0,
	}
}

func arpReply() *core.ArpPacket {
	return &core.ArpPacket{
		EthernetSource:      hostMAC,
		EthernetDestination: serverMAC,
		Operation:           core.ArpReply,
		SenderMAC:           hostMAC,
		SenderAddress:       hostAddr,
		TargetMAC:           serverMAC,
		TargetAddress:       netip.MustParseAddr("10.0.0.1"),
		Size:                42,
		Timestamp:           t0,
	}
}

func TestControllerDrainsChannels(t *testing.T) {
	b := bus.New(config.BusConfig{})
	tt := newTestTables(&link.Recorder{})
	c := NewController(b, config.ProcessorsConfig{Dot11: 1, TCP: 2, UDP: 1, Shared: 2}, tt)
	c.Start(context.Background())

	require.NoError(t, b.TCP.Publish(syn(), 60))
	require.NoError(t, b.ARP.Publish(arpReply(), 42))
	require.NoError(t, b.PublishObservation(&core.Observation{
		Kind:       core.ObservationUav,
		Attributes: map[string]any{"identifier": "1581F5FJD2237001", "latitude": "47.6"},
		Size:       25,
		Timestamp:  t0,
	}))
	require.NoError(t, b.SSH.Publish(&core.SshSession{SessionMeta: core.SessionMeta{
		Key:    syn().Key,
		Status: core.ConnectionActive,
	}}, 64))

	b.Close()
	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("processors did not stop after the bus closed")
	}

	assert.Equal(t, 1, tt.TCP.Len())
	assert.Equal(t, 1, tt.SSH.Len())
	_, ok := tt.UAV.Get("1581F5FJD2237001")
	assert.True(t, ok)
	mac, ok := tt.Context.LookupMac(hostAddr)
	require.True(t, ok)
	assert.Equal(t, hostMAC, mac)
}

func waitFor(t *testing.T, wait func(), what string) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal(what)
	}
}

func TestControllerServesTunnelsAfterCapturedDrain(t *testing.T) {
	b := bus.New(config.BusConfig{})
	tt := newTestTables(&link.Recorder{})
	c := NewController(b, config.ProcessorsConfig{Dot11: 1, TCP: 1, UDP: 1, Shared: 2}, tt)
	c.Start(context.Background())

	require.NoError(t, b.ARP.Publish(arpReply(), 42))
	b.CloseCaptured()
	waitFor(t, c.WaitCaptured, "captured channels were not drained")
	_, ok := tt.Context.LookupMac(hostAddr)
	assert.True(t, ok)

	require.NoError(t, b.SSH.Publish(&core.SshSession{SessionMeta: core.SessionMeta{
		Key:    syn().Key,
		Status: core.ConnectionActive,
	}}, 64))
	b.CloseTunnels()
	waitFor(t, c.Wait, "shared workers did not stop after the tunnels closed")
	assert.Equal(t, 1, tt.SSH.Len())
}

func TestControllerStopsOnCancel(t *testing.T) {
	b := bus.New(config.BusConfig{})
	c := NewController(b, config.ProcessorsConfig{Dot11: 1, TCP: 1, UDP: 1, Shared: 1}, newTestTables(&link.Recorder{}))

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("processors did not stop on cancel")
	}
}

func TestHandleRecoversPanic(t *testing.T) {
	calls := 0
	assert.NotPanics(t, func() {
		handle(log.GetLogger(), "test", 1, func(int) error {
			calls++
			panic("boom")
		})
		handle(log.GetLogger(), "test", 2, func(int) error {
			calls++
			return errors.New("bad message")
		})
	})
	assert.Equal(t, 2, calls)
}

func TestTCPProcessorIgnoresUntrackedSessions(t *testing.T) {
	tt := newTestTables(&link.Recorder{})
	p := NewTCPProcessor(tt.TCP)

	ack := syn()
	ack.Flags = core.FlagACK
	assert.NoError(t, p.Process(ack))
	assert.Equal(t, 0, tt.TCP.Len())

	assert.NoError(t, p.Process(syn()))
	assert.Equal(t, 1, tt.TCP.Len())
}

func TestDHCPProcessorRegistersLease(t *testing.T) {
	tt := newTestTables(&link.Recorder{})
	p := NewDHCPProcessor(tt.DHCP, tt.Context)
	lease := netip.MustParseAddr("10.0.0.77")

	require.NoError(t, p.Process(&core.Dhcpv4Packet{
		OpCode:        "BootRequest",
		TransactionID: 7,
		ClientMAC:     hostMAC,
		SourceMAC:     hostMAC,
		MessageType:   "REQUEST",
		Hostname:      "laptop",
		Timestamp:     t0,
	}))
	_, ok := tt.Context.LookupMac(lease)
	assert.False(t, ok)

	require.NoError(t, p.Process(&core.Dhcpv4Packet{
		OpCode:          "BootReply",
		TransactionID:   7,
		ClientMAC:       hostMAC,
		SourceMAC:       serverMAC,
		MessageType:     "ACK",
		AssignedAddress: lease,
		Timestamp:       t0.Add(time.Second),
	}))
	mac, ok := tt.Context.LookupMac(lease)
	require.True(t, ok)
	assert.Equal(t, hostMAC, mac)
}

func ptrQuestion() []core.DnsData {
	return []core.DnsData{{Name: "2.0.0.10.in-addr.arpa", DataType: "PTR", Class: "IN"}}
}

func TestDNSProcessorHarvestsPTR(t *testing.T) {
	rec := &link.Recorder{}
	tt := newTestTables(rec)
	tt.Context.RegisterMacAddressIP(hostMAC, hostAddr, contextengine.SourceArp)
	p := NewDNSProcessor(tt.DNS, tt.Context, tt.DNSServers)

	answer := &core.DnsPacket{
		TransactionID:    0x1234,
		HasTransactionID: true,
		Source:           dnsServer,
		Destination:      netip.MustParseAddr("10.0.0.9"),
		Type:             core.DnsQueryResponse,
		Queries:          ptrQuestion(),
		Responses: []core.DnsData{
			{Name: "2.0.0.10.in-addr.arpa", DataType: "PTR", Class: "IN", Value: "printer.corp.example"},
		},
		Timestamp: t0,
	}

	// An answer to a query we never saw is ignored.
	require.NoError(t, p.Process(answer))
	require.NoError(t, tt.Context.ProcessReport())
	r, _ := rec.Last("context/mac_addresses")
	assert.NotContains(t, string(r.Body), "printer.corp.example")

	require.NoError(t, p.Process(&core.DnsPacket{
		TransactionID:    0x1234,
		HasTransactionID: true,
		Source:           netip.MustParseAddr("10.0.0.9"),
		Destination:      dnsServer,
		Type:             core.DnsQuery,
		Queries:          ptrQuestion(),
		Timestamp:        t0,
	}))
	require.NoError(t, p.Process(answer))
	require.NoError(t, tt.Context.ProcessReport())
	r, _ = rec.Last("context/mac_addresses")
	assert.Contains(t, string(r.Body), `"value":"printer.corp.example"`)
	assert.Contains(t, string(r.Body), `"source":"ptr_dns"`)
}

func TestReverseLookupAddr(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"2.0.0.10.in-addr.arpa", "10.0.0.2", false},
		{"34.216.184.93.IN-ADDR.ARPA.", "93.184.216.34", false},
		{"example.com", "", true},
		{"0.10.in-addr.arpa", "", true},
		{"x.0.0.10.in-addr.arpa", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reverseLookupAddr(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestObservationIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		obs     core.Observation
		want    string
		wantErr bool
	}{
		{
			name: "bluetooth",
			obs:  core.Observation{Kind: core.ObservationBluetooth, Attributes: map[string]any{"mac": "AA:BB:CC:DD:EE:FF", "rssi": "-70"}},
			want: "aa:bb:cc:dd:ee:ff",
		},
		{
			name: "uav",
			obs:  core.Observation{Kind: core.ObservationUav, Attributes: map[string]any{"identifier": "1581F5FJD2237001", "latitude": 47.6}},
			want: "1581F5FJD2237001",
		},
		{
			name: "gnss",
			obs:  core.Observation{Kind: core.ObservationGnss, Attributes: map[string]any{"constellation": "GPS", "sentence_type": "GGA"}},
			want: "GPS",
		},
		{
			name:    "missing_identifier",
			obs:     core.Observation{Kind: core.ObservationGnss, Attributes: map[string]any{"sentence_type": "GGA"}},
			wantErr: true,
		},
		{
			name:    "unknown_kind",
			obs:     core.Observation{Kind: "lora"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := observationIdentifier(&tt.obs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestObservationProcessorRejectsWrongKind(t *testing.T) {
	tt := newTestTables(&link.Recorder{})
	p := NewObservationProcessor(tt.GNSS)
	err := p.Process(&core.Observation{Kind: core.ObservationUav, Attributes: map[string]any{"identifier": "x"}})
	assert.Error(t, err)
}
