// Package tagger classifies the application protocol of TCP sessions and
// UDP conversations from their accumulated payload.
package tagger

import (
	"fmt"
	"time"

	"github.com/sourcegraph/conc/panics"

	"firestige.xyz/tap/internal/bus"
	"firestige.xyz/tap/internal/core"
	"firestige.xyz/tap/internal/log"
	"firestige.xyz/tap/internal/metrics"
)

// Subject is the payload of one session, concatenated per direction in
// sequence order, plus the session context events are built from.
type Subject struct {
	Key            core.SessionKey
	ClientToServer []byte
	ServerToClient []byte
	Meta           core.SessionMeta
}

// Tagger runs the detectors over a session. Positive SSH and SOCKS
// matches are published on the bus.
type Tagger struct {
	bus *bus.Bus
	sip *sipDetector
	log log.Logger
}

// New creates a Tagger publishing derived events to b.
func New(b *bus.Bus) *Tagger {
	l := log.GetLogger().WithField("component", "tagger")
	return &Tagger{
		bus: b,
		sip: newSIPDetector(l),
		log: l,
	}
}

// TagTCP classifies a TCP session. A panic in any detector is recovered
// and returned as an error; the caller keeps the session untagged.
func (t *Tagger) TagTCP(s *Subject) (tags []core.L7Tag, err error) {
	if r := panics.Try(func() { tags = t.tagTCP(s) }); r != nil {
		metrics.PanicsTotal.WithLabelValues("tagger").Inc()
		return nil, fmt.Errorf("tagging tcp session %s: %w", s.Key, r.AsError())
	}
	return tags, nil
}

func (t *Tagger) tagTCP(s *Subject) []core.L7Tag {
	var tags []core.L7Tag

	start := time.Now()
	if tagHTTP(s.ClientToServer, s.ServerToClient) {
		metrics.Since("tables.tcp.timer.sessions.tagging.http.tagged", start)
		tags = append(tags, core.TagHttp, core.TagUnencrypted)
	} else {
		metrics.Since("tables.tcp.timer.sessions.tagging.http.untagged", start)
	}

	start = time.Now()
	if tunnel := tagSOCKS(s.ClientToServer, s.ServerToClient, s.Meta); tunnel != nil {
		metrics.Since("tables.tcp.timer.sessions.tagging.socks.tagged", start)
		if err := t.bus.SOCKS.Publish(tunnel, socksSize(tunnel)); err != nil {
			t.log.WithError(err).Debug("could not publish socks tunnel")
		}
		tags = append(tags, core.TagSocks, core.TagUnencrypted)
	} else {
		metrics.Since("tables.tcp.timer.sessions.tagging.socks.untagged", start)
	}

	start = time.Now()
	if session := tagSSH(s.ClientToServer, s.ServerToClient, s.Meta); session != nil {
		metrics.Since("tables.tcp.timer.sessions.tagging.ssh.tagged", start)
		if err := t.bus.SSH.Publish(session, sshSize(session)); err != nil {
			t.log.WithError(err).Debug("could not publish ssh session")
		}
		tags = append(tags, core.TagSsh)
	} else {
		metrics.Since("tables.tcp.timer.sessions.tagging.ssh.untagged", start)
	}

	return tags
}

// TagUDP classifies a UDP conversation. Same panic boundary as TagTCP.
func (t *Tagger) TagUDP(s *Subject) (tags []core.L7Tag, err error) {
	if r := panics.Try(func() { tags = t.tagUDP(s) }); r != nil {
		metrics.PanicsTotal.WithLabelValues("tagger").Inc()
		return nil, fmt.Errorf("tagging udp conversation %s: %w", s.Key, r.AsError())
	}
	return tags, nil
}

func (t *Tagger) tagUDP(s *Subject) []core.L7Tag {
	switch {
	case tagDNS(s.ClientToServer) || tagDNS(s.ServerToClient):
		return []core.L7Tag{core.TagDns}
	case tagDHCP(s.ClientToServer) || tagDHCP(s.ServerToClient):
		return []core.L7Tag{core.TagDhcpv4}
	case t.sip.match(s.ClientToServer) || t.sip.match(s.ServerToClient):
		return []core.L7Tag{core.TagSip, core.TagUnencrypted}
	}
	return nil
}

const sessionMetaSize = 128

func sshSize(s *core.SshSession) int {
	return sessionMetaSize + len(s.ClientVersion.Software) + len(s.ClientVersion.Comments) +
		len(s.ServerVersion.Software) + len(s.ServerVersion.Comments)
}

func socksSize(s *core.SocksTunnel) int {
	return sessionMetaSize + len(s.Username) + len(s.DestinationHost)
}
