package tagger

import (
	"bytes"
)

var httpMethods = [][]byte{
	[]byte("GET "), []byte("POST "), []byte("PUT "), []byte("DELETE "), []byte("HEAD "),
	[]byte("OPTIONS "), []byte("PATCH "), []byte("CONNECT "), []byte("TRACE "),
}

// tagHTTP matches an HTTP/1.x request line from the client answered by a
// status line from the server.
func tagHTTP(cts, stc []byte) bool {
	return isRequestLine(cts) && isStatusLine(stc)
}

func isRequestLine(data []byte) bool {
	line, ok := firstLine(data)
	if !ok {
		return false
	}
	var method []byte
	for _, m := range httpMethods {
		if bytes.HasPrefix(line, m) {
			method = m
			break
		}
	}
	if method == nil {
		return false
	}
	rest := line[len(method):]
	sp := bytes.LastIndexByte(rest, ' ')
	if sp <= 0 {
		return false
	}
	return isHTTPVersion(rest[sp+1:])
}

func isStatusLine(data []byte) bool {
	line, ok := firstLine(data)
	if !ok || len(line) < 12 {
		return false
	}
	if !isHTTPVersion(line[:8]) || line[8] != ' ' {
		return false
	}
	for _, c := range line[9:12] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(line) == 12 || line[12] == ' '
}

func isHTTPVersion(v []byte) bool {
	return len(v) == 8 && bytes.HasPrefix(v, []byte("HTTP/1.")) && (v[7] == '0' || v[7] == '1')
}

// firstLine returns the data up to the first CRLF.
func firstLine(data []byte) ([]byte, bool) {
	i := bytes.Index(data, []byte("\r\n"))
	if i < 0 {
		return nil, false
	}
	return data[:i], true
}
