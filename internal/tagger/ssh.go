package tagger

import (
	"bytes"
	"encoding/binary"
	"strings"

	"firestige.xyz/tap/internal/core"
)

var sshGreeting = []byte("SSH-2.0-")

const sshMsgKexInit = 0x14

// tagSSH recognizes an SSH session by both identification strings
// followed by a KEXINIT packet in each direction. Nothing past the key
// exchange init is parsed.
func tagSSH(cts, stc []byte, meta core.SessionMeta) *core.SshSession {
	if len(cts) < 11 || len(stc) < 11 {
		return nil
	}
	if !bytes.HasPrefix(cts, sshGreeting) || !bytes.HasPrefix(stc, sshGreeting) {
		return nil
	}

	clientCursor, client, ok := parseSSHVersion(cts)
	if !ok {
		return nil
	}
	serverCursor, server, ok := parseSSHVersion(stc)
	if !ok {
		return nil
	}

	if !hasKexInit(cts[clientCursor:]) || !hasKexInit(stc[serverCursor:]) {
		return nil
	}

	return &core.SshSession{
		SessionMeta:   meta,
		ClientVersion: client,
		ServerVersion: server,
	}
}

// parseSSHVersion parses `SSH-protoversion-softwareversion SP comments`
// and returns the offset of the first byte after the line terminator.
// CRLF, bare CR and bare LF are accepted as terminator.
func parseSSHVersion(data []byte) (int, core.SshVersion, bool) {
	var v core.SshVersion

	eol := bytes.IndexAny(data, "\r\n")
	if eol < 0 {
		return 0, v, false
	}
	next := eol + 1
	if data[eol] == '\r' && next < len(data) && data[next] == '\n' {
		next++
	}
	line := data[:eol]

	// SSH-<version>-<software>[ <comments>]
	rest := line[4:]
	dash := bytes.IndexByte(rest, '-')
	if dash <= 0 || dash == len(rest)-1 {
		return 0, v, false
	}
	v.Version = strings.TrimSpace(string(rest[:dash]))
	rest = rest[dash+1:]

	if sp := bytes.IndexByte(rest, ' '); sp > 0 {
		v.Software = strings.TrimSpace(string(rest[:sp]))
		v.Comments = strings.TrimSpace(string(rest[sp+1:]))
	} else {
		v.Software = strings.TrimSpace(string(rest))
	}
	if v.Software == "" {
		return 0, v, false
	}

	return next, v, true
}

// hasKexInit checks for a binary packet carrying SSH_MSG_KEXINIT. Before
// keys are exchanged the padding is sent in clear and is all zero, so the
// packet must end in padding_length+1 zero bytes (the last byte of the
// reserved KEXINIT field plus the padding).
func hasKexInit(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	length := int(binary.BigEndian.Uint32(data[:4]))
	if length < 2 || len(data)-4 < length {
		return false
	}
	packet := data[4 : 4+length]

	padding := int(packet[0])
	if packet[1] != sshMsgKexInit {
		return false
	}
	trailing := padding + 1
	if trailing > len(packet)-2 {
		return false
	}
	for _, b := range packet[len(packet)-trailing:] {
		if b != 0 {
			return false
		}
	}
	return true
}
