package tagger

import (
	"bytes"

	gosiplog "github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip/parser"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/miekg/dns"

	"firestige.xyz/tap/internal/log"
)

// tagDNS matches a payload that unpacks into a DNS message with at least
// one question of a known class. The ring holds datagrams back to back;
// bytes after the first message are ignored by the unpacker.
func tagDNS(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	msg := new(dns.Msg)
	if err := msg.Unpack(data); err != nil {
		return false
	}
	if len(msg.Question) == 0 {
		return false
	}
	_, known := dns.ClassToString[msg.Question[0].Qclass&0x7fff]
	return known
}

// tagDHCP matches a BOOTP message carrying the DHCP magic cookie.
func tagDHCP(data []byte) bool {
	if len(data) < 240 {
		return false
	}
	msg, err := dhcpv4.FromBytes(data)
	return err == nil && msg.MessageType() != dhcpv4.MessageTypeNone
}

type sipDetector struct {
	parser *parser.PacketParser
}

func newSIPDetector(l log.Logger) *sipDetector {
	return &sipDetector{
		parser: parser.NewPacketParser(gosiplog.NewLogrusLogger(log.Entry(l), "sip", nil)),
	}
}

var sipVersion = []byte("SIP/2.0")

// match parses the first SIP message of data.
func (d *sipDetector) match(data []byte) bool {
	if len(data) < 16 {
		return false
	}
	line := data
	if i := bytes.Index(data, []byte("\r\n")); i >= 0 {
		line = data[:i]
	}
	if !bytes.Contains(line, sipVersion) {
		return false
	}
	end := bytes.Index(data, []byte("\r\n\r\n"))
	if end < 0 {
		return false
	}
	msg, err := d.parser.ParseMessage(data[:end+4])
	return err == nil && msg != nil
}
