package tagger

import (
	"bytes"
	"encoding/binary"
	"net/netip"

	"firestige.xyz/tap/internal/core"
)

const (
	socks4Version = 0x04
	socks5Version = 0x05

	socksCmdConnect   = 0x01
	socksCmdBind      = 0x02
	socksCmdAssociate = 0x03

	socks5MethodNoAuth   = 0x00
	socks5MethodUserPass = 0x02
	socks5NoAcceptable   = 0xff

	socks5AddrIPv4   = 0x01
	socks5AddrDomain = 0x03
	socks5AddrIPv6   = 0x04
)

// tagSOCKS recognizes a SOCKS4, SOCKS4a or SOCKS5 handshake.
func tagSOCKS(cts, stc []byte, meta core.SessionMeta) *core.SocksTunnel {
	if len(cts) < 3 || len(stc) < 2 {
		return nil
	}
	switch cts[0] {
	case socks4Version:
		return tagSOCKS4(cts, stc, meta)
	case socks5Version:
		return tagSOCKS5(cts, stc, meta)
	}
	return nil
}

// SOCKS4 request: VN CD DSTPORT(2) DSTIP(4) USERID NUL [HOST NUL]
// reply:          VN(0) CD DSTPORT(2) DSTIP(4)
func tagSOCKS4(cts, stc []byte, meta core.SessionMeta) *core.SocksTunnel {
	if len(cts) < 9 || len(stc) < 8 {
		return nil
	}
	if cts[1] != socksCmdConnect && cts[1] != socksCmdBind {
		return nil
	}
	if stc[0] != 0x00 {
		return nil
	}

	t := &core.SocksTunnel{
		SessionMeta:          meta,
		Type:                 core.Socks4,
		AuthenticationStatus: core.SocksAuthUnknown,
		DestinationPort:      binary.BigEndian.Uint16(cts[2:4]),
	}

	userEnd := bytes.IndexByte(cts[8:], 0x00)
	if userEnd < 0 {
		return nil
	}
	t.Username = string(cts[8 : 8+userEnd])

	ip := netip.AddrFrom4([4]byte(cts[4:8]))
	// 0.0.0.x with x != 0 announces a SOCKS4a hostname after the user id.
	if cts[4] == 0 && cts[5] == 0 && cts[6] == 0 && cts[7] != 0 {
		hostStart := 8 + userEnd + 1
		hostEnd := bytes.IndexByte(cts[hostStart:], 0x00)
		if hostEnd <= 0 {
			return nil
		}
		t.Type = core.Socks4A
		t.DestinationHost = string(cts[hostStart : hostStart+hostEnd])
	} else {
		t.DestinationAddress = ip
	}

	switch stc[1] {
	case 0x5a:
		t.HandshakeStatus = core.SocksGranted
	case 0x5b:
		t.HandshakeStatus = core.SocksRejected
	case 0x5c:
		t.HandshakeStatus = core.SocksFailedIdentdUnreachable
	case 0x5d:
		t.HandshakeStatus = core.SocksFailedIdentdAuth
	default:
		return nil
	}
	return t
}

// SOCKS5: greeting / method selection, optional username/password
// sub-negotiation (RFC 1929), then request / reply.
func tagSOCKS5(cts, stc []byte, meta core.SessionMeta) *core.SocksTunnel {
	nMethods := int(cts[1])
	if nMethods == 0 || len(cts) < 2+nMethods {
		return nil
	}
	methods := cts[2 : 2+nMethods]
	c := cts[2+nMethods:]

	if stc[0] != socks5Version {
		return nil
	}
	method := stc[1]
	s := stc[2:]

	t := &core.SocksTunnel{
		SessionMeta:          meta,
		Type:                 core.Socks5,
		AuthenticationStatus: core.SocksAuthUnknown,
	}

	if method == socks5NoAcceptable {
		t.HandshakeStatus = core.SocksRejected
		return t
	}
	if bytes.IndexByte(methods, method) < 0 {
		return nil
	}

	switch method {
	case socks5MethodNoAuth:
		t.AuthenticationStatus = core.SocksAuthSuccess
	case socks5MethodUserPass:
		// VER(1) ULEN UNAME PLEN PASSWD / VER(1) STATUS
		if len(c) < 2 || c[0] != 0x01 {
			return nil
		}
		ulen := int(c[1])
		if len(c) < 2+ulen+1 {
			return nil
		}
		t.Username = string(c[2 : 2+ulen])
		plen := int(c[2+ulen])
		if len(c) < 3+ulen+plen {
			return nil
		}
		c = c[3+ulen+plen:]

		if len(s) < 2 || s[0] != 0x01 {
			return t
		}
		if s[1] != 0x00 {
			t.AuthenticationStatus = core.SocksAuthFailure
			t.HandshakeStatus = core.SocksRejected
			return t
		}
		t.AuthenticationStatus = core.SocksAuthSuccess
		s = s[2:]
	}

	// VER CMD RSV ATYP DST.ADDR DST.PORT
	if len(c) < 4 || c[0] != socks5Version || c[2] != 0x00 {
		return nil
	}
	if c[1] != socksCmdConnect && c[1] != socksCmdBind && c[1] != socksCmdAssociate {
		return nil
	}
	addr, host, port, ok := socks5Address(c[3:])
	if !ok {
		return nil
	}
	t.DestinationAddress = addr
	t.DestinationHost = host
	t.DestinationPort = port

	// VER REP RSV ...
	if len(s) < 2 || s[0] != socks5Version {
		t.HandshakeStatus = core.SocksInvalid
		return t
	}
	t.HandshakeStatus = socks5ReplyStatus(s[1])
	return t
}

func socks5Address(data []byte) (netip.Addr, string, uint16, bool) {
	if len(data) < 1 {
		return netip.Addr{}, "", 0, false
	}
	switch data[0] {
	case socks5AddrIPv4:
		if len(data) < 1+4+2 {
			return netip.Addr{}, "", 0, false
		}
		return netip.AddrFrom4([4]byte(data[1:5])), "", binary.BigEndian.Uint16(data[5:7]), true
	case socks5AddrIPv6:
		if len(data) < 1+16+2 {
			return netip.Addr{}, "", 0, false
		}
		return netip.AddrFrom16([16]byte(data[1:17])), "", binary.BigEndian.Uint16(data[17:19]), true
	case socks5AddrDomain:
		if len(data) < 2 {
			return netip.Addr{}, "", 0, false
		}
		n := int(data[1])
		if n == 0 || len(data) < 2+n+2 {
			return netip.Addr{}, "", 0, false
		}
		return netip.Addr{}, string(data[2 : 2+n]), binary.BigEndian.Uint16(data[2+n : 4+n]), true
	}
	return netip.Addr{}, "", 0, false
}

func socks5ReplyStatus(rep byte) core.SocksHandshakeStatus {
	switch rep {
	case 0x00:
		return core.SocksGranted
	case 0x01:
		return core.SocksGeneralFailure
	case 0x02:
		return core.SocksConnectionNotAllowedByRuleset
	case 0x03:
		return core.SocksNetworkUnreachable
	case 0x04:
		return core.SocksHostUnreachable
	case 0x05:
		return core.SocksConnectionRefusedByDestination
	case 0x06:
		return core.SocksTtlExpired
	case 0x07:
		return core.SocksUnsupportedCommand
	case 0x08:
		return core.SocksUnsupportedAddressType
	}
	return core.SocksInvalid
}
