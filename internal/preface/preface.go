// Package preface classifies freshly accepted connections by matching the
// HTTP/2 connection preface against the first buffered bytes.
package preface

import "bytes"

// Token is the fixed byte sequence a client sends to declare HTTP/2 before
// any frame is exchanged.
const Token = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// TokenLen is the full token length; MinLen is the shortest prefix that is
// still unambiguous. The first 16 bytes of the token are a strict prefix of
// what would otherwise parse as an HTTP/1 request line, so a small first
// read must be matched against this prefix rather than waiting for a CRLF.
const (
	TokenLen = len(Token)
	MinLen   = 16
)

// Verdict is the result of sniffing a connection's first bytes.
type Verdict int

const (
	// Undetermined means fewer than MinLen bytes are buffered; the caller
	// should retry once more data arrives before committing to HTTP/1.
	Undetermined Verdict = iota
	// NotHTTP2 means the buffered bytes cannot be the HTTP/2 preface.
	NotHTTP2
	// HTTP2 means the buffered bytes match the preface (fully, or over the
	// tentative MinLen prefix when fewer than TokenLen bytes are buffered).
	HTTP2
)

// Sniff classifies the start of buf. With TokenLen or more bytes buffered it
// requires an exact token match; with at least MinLen it matches the prefix
// only; below MinLen the verdict is Undetermined.
func Sniff(buf []byte) Verdict {
	switch {
	case len(buf) >= TokenLen:
		if bytes.Equal(buf[:TokenLen], []byte(Token)) {
			return HTTP2
		}
		return NotHTTP2
	case len(buf) >= MinLen:
		if bytes.Equal(buf[:MinLen], []byte(Token)[:MinLen]) {
			return HTTP2
		}
		return NotHTTP2
	default:
		return Undetermined
	}
}
