package broker

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"

	"firestige.xyz/tap/internal/core"
)

const (
	portDNS  = 53
	portMDNS = 5353
)

func isDNS(d *core.Datagram) bool {
	return d.SourcePort == portDNS || d.DestinationPort == portDNS ||
		d.SourcePort == portMDNS || d.DestinationPort == portMDNS
}

// decodeDNS unpacks a DNS message carried by d. Names of questions and
// the names carried in CNAME, NS, PTR, MX and TXT answers get their
// entropy computed.
func decodeDNS(d *core.Datagram) (*core.DnsPacket, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(d.Payload); err != nil {
		return nil, fmt.Errorf("%w: dns: %v", core.ErrTruncated, err)
	}

	p := &core.DnsPacket{
		TransactionID:    msg.Id,
		HasTransactionID: d.SourcePort != portMDNS && d.DestinationPort != portMDNS,
		SourceMAC:        d.SourceMAC,
		DestinationMAC:   d.DestinationMAC,
		Source:           d.Source,
		Destination:      d.Destination,
		SourcePort:       d.SourcePort,
		DestinationPort:  d.DestinationPort,
		Type:             core.DnsQuery,
		QuestionCount:    uint16(len(msg.Question)),
		AnswerCount:      uint16(len(msg.Answer)),
		Size:             d.Size,
		Timestamp:        d.Timestamp,
	}
	if msg.Response {
		p.Type = core.DnsQueryResponse
		p.NXDomain = msg.Rcode == dns.RcodeNameError
	}

	for _, q := range msg.Question {
		name := strings.TrimSuffix(q.Name, ".")
		p.Queries = append(p.Queries, core.DnsData{
			Name:       name,
			DataType:   typeName(q.Qtype),
			Class:      className(q.Qclass),
			Entropy:    shannonEntropy([]byte(name)),
			HasEntropy: name != "",
		})
	}

	if msg.Response {
		for _, rr := range msg.Answer {
			p.Responses = append(p.Responses, answerData(rr))
		}
	}

	return p, nil
}

func answerData(rr dns.RR) core.DnsData {
	hdr := rr.Header()
	data := core.DnsData{
		Name:     strings.TrimSuffix(hdr.Name, "."),
		DataType: typeName(hdr.Rrtype),
		Class:    className(hdr.Class),
		TTL:      hdr.Ttl,
	}

	hasEntropy := true
	switch v := rr.(type) {
	case *dns.A:
		data.Value = v.A.String()
		hasEntropy = false
	case *dns.AAAA:
		data.Value = v.AAAA.String()
		hasEntropy = false
	case *dns.CNAME:
		data.Value = strings.TrimSuffix(v.Target, ".")
	case *dns.NS:
		data.Value = strings.TrimSuffix(v.Ns, ".")
	case *dns.PTR:
		data.Value = strings.TrimSuffix(v.Ptr, ".")
	case *dns.MX:
		data.Value = strings.TrimSuffix(v.Mx, ".")
	case *dns.TXT:
		data.Value = strings.Join(v.Txt, "")
	default:
		data.Value = strings.TrimSpace(strings.TrimPrefix(rr.String(), hdr.String()))
		hasEntropy = false
	}

	if hasEntropy && data.Value != "" {
		data.Entropy = shannonEntropy([]byte(data.Value))
		data.HasEntropy = true
	}
	return data
}

func typeName(t uint16) string {
	if s, ok := dns.TypeToString[t]; ok {
		return s
	}
	return fmt.Sprintf("TYPE%d", t)
}

func className(c uint16) string {
	// mDNS uses the top bit for the unicast-response / cache-flush flag.
	c &= 0x7fff
	if s, ok := dns.ClassToString[c]; ok {
		return s
	}
	return fmt.Sprintf("CLASS%d", c)
}
