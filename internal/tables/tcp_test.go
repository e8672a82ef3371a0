package tables

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/tap/internal/config"
	"firestige.xyz/tap/internal/core"
	"firestige.xyz/tap/internal/link"
)

func newTestTcpTable(bufferSize int) (*TcpTable, *link.Recorder, *stubTagger) {
	rec := &link.Recorder{}
	tg := &stubTagger{}
	table := NewTcpTable(config.TCPTableConfig{
		ReassemblyBufferSize: bufferSize,
		SessionTimeout:       60 * time.Second,
	}, rec, tg)
	return table, rec, tg
}

func handshake(t *testing.T, table *TcpTable) {
	t.Helper()
	require.NoError(t, table.RegisterSegment(segment(true, core.FlagSYN, 1000, nil, at(0))))
	require.NoError(t, table.RegisterSegment(segment(false, core.FlagSYN|core.FlagACK, 5000, nil, at(1))))
	require.NoError(t, table.RegisterSegment(segment(true, core.FlagACK, 1001, nil, at(2))))
}

func TestTcpHandshake(t *testing.T) {
	table, _, _ := newTestTcpTable(1024)
	handshake(t, table)

	s, ok := table.Get(tcpKey())
	require.True(t, ok)
	assert.Equal(t, Established, s.State)
	assert.EqualValues(t, 3, s.SegmentsCount)
	assert.EqualValues(t, 3*54, s.BytesCount)
	assert.Equal(t, clientAddr, s.Source)
	assert.EqualValues(t, clientPort, s.SourcePort)
	assert.Equal(t, t0, s.StartTime)
	assert.Equal(t, at(2), s.MostRecentSegmentTime)
	assert.True(t, s.EndTime.IsZero())
	assert.EqualValues(t, 64, s.SynIPTTL)
	assert.True(t, s.SynIPDF)
}

func TestTcpFinSequence(t *testing.T) {
	table, _, _ := newTestTcpTable(1024)
	handshake(t, table)

	require.NoError(t, table.RegisterSegment(segment(true, core.FlagFIN|core.FlagACK, 1001, nil, at(3))))
	require.NoError(t, table.RegisterSegment(segment(false, core.FlagACK, 5001, nil, at(4))))
	require.NoError(t, table.RegisterSegment(segment(false, core.FlagACK, 5001, nil, at(5))))

	s, ok := table.Get(tcpKey())
	require.True(t, ok)
	assert.Equal(t, ClosedFin, s.State)
	assert.Equal(t, at(5), s.EndTime)
	assert.EqualValues(t, 6, s.SegmentsCount)
}

func TestTcpOnlyBareSynCreatesSession(t *testing.T) {
	tests := []struct {
		name  string
		flags core.TcpFlags
	}{
		{"ack", core.FlagACK},
		{"syn_ack", core.FlagSYN | core.FlagACK},
		{"psh_ack", core.FlagPSH | core.FlagACK},
		{"fin", core.FlagFIN},
		{"rst", core.FlagRST},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, _, _ := newTestTcpTable(1024)
			err := table.RegisterSegment(segment(true, tt.flags, 1, []byte("x"), t0))
			assert.ErrorIs(t, err, core.ErrNoSession)
			assert.Zero(t, table.Len())
		})
	}

	table, _, _ := newTestTcpTable(1024)
	require.NoError(t, table.RegisterSegment(segment(true, core.FlagSYN|core.FlagECE|core.FlagCWR, 1, nil, t0)))
	s, ok := table.Get(tcpKey())
	require.True(t, ok)
	assert.Equal(t, SynSent, s.State)
	assert.True(t, s.SynECE)
	assert.True(t, s.SynCWR)
}

func TestTcpTerminalStatesAreSticky(t *testing.T) {
	followUps := []core.TcpFlags{
		core.FlagSYN,
		core.FlagSYN | core.FlagACK,
		core.FlagACK,
		core.FlagFIN,
		core.FlagRST,
		core.FlagPSH | core.FlagACK,
	}

	t.Run("refused", func(t *testing.T) {
		table, _, _ := newTestTcpTable(1024)
		require.NoError(t, table.RegisterSegment(segment(true, core.FlagSYN, 1, nil, at(0))))
		require.NoError(t, table.RegisterSegment(segment(false, core.FlagRST|core.FlagACK, 0, nil, at(1))))

		for i, f := range followUps {
			require.NoError(t, table.RegisterSegment(segment(true, f, uint32(10+i), []byte("late"), at(10+i))))
		}
		s, _ := table.Get(tcpKey())
		assert.Equal(t, Refused, s.State)
		assert.Equal(t, at(1), s.EndTime)
		assert.EqualValues(t, 2, s.SegmentsCount)
		assert.Zero(t, s.BufferedBytes)
	})

	t.Run("reset", func(t *testing.T) {
		table, _, _ := newTestTcpTable(1024)
		handshake(t, table)
		require.NoError(t, table.RegisterSegment(segment(false, core.FlagRST, 5001, nil, at(3))))

		for i, f := range followUps {
			require.NoError(t, table.RegisterSegment(segment(true, f, uint32(2000+i), nil, at(10+i))))
		}
		s, _ := table.Get(tcpKey())
		assert.Equal(t, ClosedRst, s.State)
		assert.Equal(t, at(3), s.EndTime)
		assert.Equal(t, at(3), s.MostRecentSegmentTime)
	})
}

func TestNextStateNeverLeavesTerminal(t *testing.T) {
	for _, state := range []TcpSessionState{ClosedFin, ClosedRst, ClosedTimeout, Refused} {
		for f := 0; f < 256; f++ {
			assert.Equal(t, state, nextState(state, core.TcpFlags(f)), "state %s flags %s", state, core.TcpFlags(f))
		}
	}
}

func TestTcpReassemblyBudget(t *testing.T) {
	table, _, _ := newTestTcpTable(10)
	handshake(t, table)

	seq := uint32(1001)
	for i := 0; i < 5; i++ {
		require.NoError(t, table.RegisterSegment(segment(true, core.FlagPSH|core.FlagACK, seq, []byte("abcd"), at(3+i))))
		seq += 4
	}
	require.NoError(t, table.RegisterSegment(segment(false, core.FlagPSH|core.FlagACK, 5001, []byte("xy"), at(9))))

	s, _ := table.Get(tcpKey())
	assert.Equal(t, 10, s.BufferedBytes)
	assert.LessOrEqual(t, s.BufferedBytes, 10)
	assert.EqualValues(t, 9, s.SegmentsCount)
	assert.Equal(t, []byte("abcdabcd"), s.clientToServer.bytes())
	assert.Equal(t, []byte("xy"), s.serverToClient.bytes())
}

func TestTcpRetransmission(t *testing.T) {
	table, _, _ := newTestTcpTable(1024)
	handshake(t, table)

	payload := []byte("GET / HTTP/1.1\r\n\r\n")
	require.NoError(t, table.RegisterSegment(segment(true, core.FlagPSH|core.FlagACK, 1001, payload, at(3))))
	before, _ := table.Get(tcpKey())

	require.NoError(t, table.RegisterSegment(segment(true, core.FlagPSH|core.FlagACK, 1001, payload, at(4))))
	after, _ := table.Get(tcpKey())

	assert.Equal(t, before.BufferedBytes, after.BufferedBytes)
	assert.Equal(t, before.BytesCount, after.BytesCount)
	assert.Equal(t, before.SegmentsCount+1, after.SegmentsCount)
	assert.Equal(t, at(4), after.MostRecentSegmentTime)
}

func TestTcpRetransmissionOverBudget(t *testing.T) {
	table, _, _ := newTestTcpTable(4)
	handshake(t, table)

	payload := []byte("0123456789")
	require.NoError(t, table.RegisterSegment(segment(true, core.FlagPSH|core.FlagACK, 1001, payload, at(3))))
	before, _ := table.Get(tcpKey())
	assert.Equal(t, 0, before.BufferedBytes)

	require.NoError(t, table.RegisterSegment(segment(true, core.FlagPSH|core.FlagACK, 1001, payload, at(4))))
	after, _ := table.Get(tcpKey())

	assert.Equal(t, before.BytesCount, after.BytesCount)
	assert.Equal(t, 0, after.BufferedBytes)
	assert.Equal(t, before.SegmentsCount+1, after.SegmentsCount)
}

func TestReassemblyBufferForgetsOldestSequence(t *testing.T) {
	var b reassemblyBuffer
	for seq := uint32(0); seq < maxSeenSequences; seq++ {
		b.mark(seq)
	}
	assert.True(t, b.has(0))

	b.mark(maxSeenSequences)
	assert.False(t, b.has(0))
	assert.True(t, b.has(1))
	assert.True(t, b.has(maxSeenSequences))
	assert.Len(t, b.seen, maxSeenSequences)

	// Stored payload is a duplicate even after its sequence number is forgotten.
	b.insert(9000, []byte("x"))
	for seq := uint32(20000); seq < 20000+maxSeenSequences; seq++ {
		b.mark(seq)
	}
	assert.True(t, b.has(9000))
}

func TestTcpPayloadOrdering(t *testing.T) {
	table, _, tg := newTestTcpTable(1024)
	tg.tags = []core.L7Tag{core.TagHttp, core.TagUnencrypted}

	// Client ISN close to wrap-around.
	isn := uint32(0xfffffffa)
	require.NoError(t, table.RegisterSegment(segment(true, core.FlagSYN, isn, nil, at(0))))
	require.NoError(t, table.RegisterSegment(segment(false, core.FlagSYN|core.FlagACK, 700, nil, at(1))))
	require.NoError(t, table.RegisterSegment(segment(true, core.FlagACK, isn+1, nil, at(2))))

	require.NoError(t, table.RegisterSegment(segment(true, core.FlagACK, isn+9, []byte("world"), at(3))))
	require.NoError(t, table.RegisterSegment(segment(true, core.FlagACK, isn+1, []byte("hello, "), at(4))))
	require.NoError(t, table.RegisterSegment(segment(true, core.FlagACK, isn+8, []byte(" "), at(5))))
	require.NoError(t, table.RegisterSegment(segment(false, core.FlagACK, 701, []byte("ok"), at(6))))

	table.now = fixedClock(at(7))
	require.NoError(t, table.ProcessReport())

	require.Len(t, tg.tcp, 1)
	sub := tg.tcp[0]
	assert.Equal(t, "hello,  world", string(sub.ClientToServer))
	assert.Equal(t, "ok", string(sub.ServerToClient))
	assert.Equal(t, core.ConnectionActive, sub.Meta.Status)
	assert.Equal(t, clientAddr, sub.Meta.Source)

	s, _ := table.Get(tcpKey())
	assert.Equal(t, []core.L7Tag{core.TagHttp, core.TagUnencrypted}, s.Tags)
}

func TestTcpTimeoutSweep(t *testing.T) {
	table, rec, _ := newTestTcpTable(1024)
	handshake(t, table)

	table.now = fixedClock(at(2).Add(61 * time.Second))
	require.NoError(t, table.ProcessReport())

	var report []tcpSessionReport
	decodeLast(t, rec, tcpReportPath, &report)
	require.Len(t, report, 1)
	assert.Equal(t, ClosedTimeout, report[0].State)
	require.NotNil(t, report[0].EndTime)
	assert.True(t, at(2).Equal(*report[0].EndTime))

	assert.Zero(t, table.Len())
}

func TestTcpRetentionKeepsOpenSessions(t *testing.T) {
	table, rec, _ := newTestTcpTable(1024)
	handshake(t, table)
	table.now = fixedClock(at(30))

	for i := 0; i < 5; i++ {
		require.NoError(t, table.ProcessReport())
	}
	assert.Equal(t, 1, table.Len())
	assert.Equal(t, 5, rec.Count(tcpReportPath))

	require.NoError(t, table.RegisterSegment(segment(true, core.FlagRST, 1001, nil, at(31))))
	require.NoError(t, table.ProcessReport())
	assert.Zero(t, table.Len())

	var report []tcpSessionReport
	decodeLast(t, rec, tcpReportPath, &report)
	require.Len(t, report, 1)
	assert.Equal(t, ClosedRst, report[0].State)
}

func TestTcpTaggerErrorLeavesSessionUntagged(t *testing.T) {
	table, rec, tg := newTestTcpTable(1024)
	tg.tags = []core.L7Tag{core.TagSsh}
	tg.err = errors.New("detector panicked")
	handshake(t, table)

	table.now = fixedClock(at(3))
	require.NoError(t, table.ProcessReport())

	s, ok := table.Get(tcpKey())
	require.True(t, ok)
	assert.Nil(t, s.Tags)

	var report []tcpSessionReport
	decodeLast(t, rec, tcpReportPath, &report)
	require.Len(t, report, 1)
	assert.Empty(t, report[0].Tags)
}

func TestTcpSenderFailureStillSweeps(t *testing.T) {
	table, rec, _ := newTestTcpTable(1024)
	rec.Err = errors.New("leader unavailable")
	handshake(t, table)
	require.NoError(t, table.RegisterSegment(segment(true, core.FlagRST, 1001, nil, at(3))))

	table.now = fixedClock(at(4))
	assert.Error(t, table.ProcessReport())
	assert.Zero(t, table.Len())
}

func TestTcpReportDocument(t *testing.T) {
	table, rec, _ := newTestTcpTable(1024)
	syn := segment(true, core.FlagSYN, 1000, nil, at(0))
	syn.Options = core.TcpOptions{MaximumSegmentSize: 1460, WindowScale: 7, HasWindowScale: true, Kinds: []uint8{2, 4, 8, 1, 3}}
	require.NoError(t, table.RegisterSegment(syn))

	table.now = fixedClock(at(1))
	require.NoError(t, table.ProcessReport())

	r, ok := rec.Last(tcpReportPath)
	require.True(t, ok)
	body := string(r.Body)
	assert.Contains(t, body, `"state":"SynSent"`)
	assert.Contains(t, body, `"source_mac":"02:00:00:00:00:02"`)
	assert.Contains(t, body, `"source_address":"10.0.0.2"`)
	assert.Contains(t, body, `"start_time":"2024-05-01T12:00:00Z"`)
	assert.Contains(t, body, `"end_time":null`)
	assert.Contains(t, body, `"syn_maximum_segment_size":1460`)
	assert.Contains(t, body, `"syn_window_scale_multiplier":7`)
	assert.Contains(t, body, `"syn_options":[2,4,8,1,3]`)
	assert.Contains(t, body, `"tags":[]`)
}
