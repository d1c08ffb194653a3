// Package h1 is the legacy request/response path a connection falls back to
// when the peer does not send the HTTP/2 preface. It parses one request at a
// time out of the connection's read buffer and serializes responses straight
// into the write buffer.
package h1

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/veloxhttp/velox/internal/date"
)

// ErrMalformed reports an unparseable request line or header section.
var ErrMalformed = fmt.Errorf("h1: malformed request")

// Request is one parsed HTTP/1.1 exchange. Header names are lowercased;
// values are copied out of the parse buffer and safe to retain.
type Request struct {
	Method    string
	Target    string
	Proto     string
	Host      string
	Headers   [][2]string
	Body      []byte
	KeepAlive bool
}

// Parse extracts one complete request from p. It returns (nil, 0, nil) when
// p does not yet hold a full request, and ErrMalformed when the bytes cannot
// be a request at all.
func Parse(p []byte) (*Request, int, error) {
	head := bytes.Index(p, []byte("\r\n\r\n"))
	if head < 0 {
		return nil, 0, nil
	}
	lines := bytes.Split(p[:head], []byte("\r\n"))

	parts := bytes.SplitN(lines[0], []byte(" "), 3)
	if len(parts) != 3 {
		return nil, 0, ErrMalformed
	}
	req := &Request{
		Method: string(parts[0]),
		Target: string(parts[1]),
		Proto:  string(parts[2]),
	}
	if req.Proto != "HTTP/1.1" && req.Proto != "HTTP/1.0" {
		return nil, 0, ErrMalformed
	}
	req.KeepAlive = req.Proto == "HTTP/1.1"

	var contentLength int64
	for _, line := range lines[1:] {
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return nil, 0, ErrMalformed
		}
		name := string(bytes.ToLower(bytes.TrimSpace(line[:colon])))
		value := string(bytes.TrimSpace(line[colon+1:]))
		switch name {
		case "host":
			req.Host = value
		case "content-length":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return nil, 0, ErrMalformed
			}
			contentLength = n
		case "connection":
			switch {
			case bytes.EqualFold([]byte(value), []byte("close")):
				req.KeepAlive = false
			case bytes.EqualFold([]byte(value), []byte("keep-alive")):
				req.KeepAlive = true
			}
		}
		req.Headers = append(req.Headers, [2]string{name, value})
	}

	bodyStart := head + 4
	if int64(len(p)-bodyStart) < contentLength {
		return nil, 0, nil // body still arriving
	}
	if contentLength > 0 {
		req.Body = append([]byte(nil), p[bodyStart:bodyStart+int(contentLength)]...)
	}
	return req, bodyStart + int(contentLength), nil
}

// WriteResponse serializes a response head and body. suppressBody keeps the
// declared Content-Length but sends no body bytes (HEAD, 1xx, 204, 304).
func WriteResponse(w io.Writer, statusCode int, headers [][2]string, body []byte, keepAlive, suppressBody bool) error {
	reason := http.StatusText(statusCode)
	if reason == "" {
		reason = "Status"
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", statusCode, reason)
	buf.WriteString("date: ")
	buf.Write(date.Current())
	buf.WriteString("\r\n")
	if statusCode != 204 && statusCode != 304 && statusCode >= 200 {
		fmt.Fprintf(&buf, "content-length: %d\r\n", len(body))
	}
	if !keepAlive {
		buf.WriteString("connection: close\r\n")
	}
	for _, h := range headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", h[0], h[1])
	}
	buf.WriteString("\r\n")
	if !suppressBody {
		buf.Write(body)
	}
	_, err := w.Write(buf.Bytes())
	return err
}
