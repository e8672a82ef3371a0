package tables

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/tap/internal/core"
	"firestige.xyz/tap/internal/link"
)

func sessionMeta(status core.ConnectionStatus, port uint16) core.SessionMeta {
	return core.SessionMeta{
		Key:                   core.NewSessionKey(clientAddr, port, serverAddr, 22, core.ProtocolTCP),
		SourceMAC:             clientMAC,
		DestinationMAC:        serverMAC,
		Source:                clientAddr,
		Destination:           serverAddr,
		SourcePort:            port,
		DestinationPort:       22,
		Status:                status,
		TunneledBytes:         4096,
		EstablishedAt:         at(int(port) - 50000),
		MostRecentSegmentTime: at(100),
	}
}

func TestSshTableUpsertAndEvict(t *testing.T) {
	rec := &link.Recorder{}
	table := NewSshTable(rec)

	first := &core.SshSession{
		SessionMeta:   sessionMeta(core.ConnectionActive, 50001),
		ClientVersion: core.SshVersion{Version: "2.0", Software: "OpenSSH_9.6"},
		ServerVersion: core.SshVersion{Version: "2.0", Software: "OpenSSH_8.9p1", Comments: "Ubuntu-3ubuntu0.6"},
	}
	table.RegisterSession(first)

	updated := *first
	updated.Status = core.ConnectionInactive
	updated.TunneledBytes = 8192
	table.RegisterSession(&updated)

	other := &core.SshSession{SessionMeta: sessionMeta(core.ConnectionActive, 50002)}
	table.RegisterSession(other)
	assert.Equal(t, 2, table.Len())

	require.NoError(t, table.ProcessReport())

	var doc []map[string]any
	decodeLast(t, rec, sshReportPath, &doc)
	require.Len(t, doc, 2)
	assert.Equal(t, "inactive", doc[0]["connection_status"])
	assert.EqualValues(t, 8192, doc[0]["tunneled_bytes"])
	assert.Equal(t, "02:00:00:00:00:02", doc[0]["source_mac"])
	assert.Nil(t, doc[0]["terminated_at"])
	server := doc[0]["server_version"].(map[string]any)
	assert.Equal(t, "OpenSSH_8.9p1", server["software"])

	assert.Equal(t, 1, table.Len(), "terminal session evicted after report")
}

func TestSocksTableReport(t *testing.T) {
	rec := &link.Recorder{}
	table := NewSocksTable(rec)

	table.RegisterTunnel(&core.SocksTunnel{
		SessionMeta:          sessionMeta(core.ConnectionActive, 50003),
		Type:                 core.Socks5,
		AuthenticationStatus: core.SocksAuthSuccess,
		HandshakeStatus:      core.SocksGranted,
		Username:             "alice",
		DestinationAddress:   netip.MustParseAddr("198.51.100.7"),
		DestinationPort:      443,
	})
	table.RegisterTunnel(&core.SocksTunnel{
		SessionMeta:     sessionMeta(core.ConnectionInactiveTimeout, 50004),
		Type:            core.Socks4A,
		HandshakeStatus: core.SocksRejected,
		DestinationHost: "example.org",
		DestinationPort: 80,
	})

	require.NoError(t, table.ProcessReport())

	var doc []map[string]any
	decodeLast(t, rec, socksReportPath, &doc)
	require.Len(t, doc, 2)

	assert.Equal(t, "socks5", doc[0]["socks_type"])
	assert.Equal(t, "success", doc[0]["authentication_status"])
	assert.Equal(t, "alice", doc[0]["username"])
	assert.Equal(t, "198.51.100.7", doc[0]["tunneled_destination_address"])
	assert.Nil(t, doc[0]["tunneled_destination_host"])

	assert.Equal(t, "socks4a", doc[1]["socks_type"])
	assert.Nil(t, doc[1]["username"])
	assert.Nil(t, doc[1]["tunneled_destination_address"])
	assert.Equal(t, "example.org", doc[1]["tunneled_destination_host"])
	assert.Equal(t, "inactive_timeout", doc[1]["connection_status"])

	assert.Equal(t, 1, table.Len())
}
