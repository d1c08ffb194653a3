package h1

import (
	"bytes"
	"strings"
	"testing"
)

func TestParse_Incomplete(t *testing.T) {
	for _, in := range []string{
		"",
		"GET / HT",
		"GET / HTTP/1.1\r\nHost: a\r\n",
		"POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 5\r\n\r\nab", // body short
	} {
		req, n, err := Parse([]byte(in))
		if req != nil || n != 0 || err != nil {
			t.Errorf("Parse(%q) = (%v, %d, %v), want incomplete", in, req, n, err)
		}
	}
}

func TestParse_Malformed(t *testing.T) {
	for _, in := range []string{
		"GET /\r\n\r\n",
		"GET / SPDY/3\r\n\r\n",
		"GET / HTTP/1.1\r\nno-colon-here\r\n\r\n",
		"POST / HTTP/1.1\r\nContent-Length: -1\r\n\r\n",
	} {
		if _, _, err := Parse([]byte(in)); err != ErrMalformed {
			t.Errorf("Parse(%q) error = %v, want ErrMalformed", in, err)
		}
	}
}

func TestParse_Complete(t *testing.T) {
	raw := "POST /submit HTTP/1.1\r\nHost: example.test\r\nContent-Length: 5\r\nX-Token: abc\r\n\r\nhelloGET /"
	req, n, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if want := len(raw) - len("GET /"); n != want {
		t.Errorf("consumed %d bytes, want %d (next request stays buffered)", n, want)
	}
	if req.Method != "POST" || req.Target != "/submit" || req.Host != "example.test" {
		t.Errorf("request = %+v", req)
	}
	if string(req.Body) != "hello" {
		t.Errorf("Body = %q", req.Body)
	}
	if !req.KeepAlive {
		t.Error("KeepAlive = false for HTTP/1.1 without Connection header")
	}
}

func TestParse_ConnectionSemantics(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{"1.1 default", "GET / HTTP/1.1\r\nHost: a\r\n\r\n", true},
		{"1.1 close", "GET / HTTP/1.1\r\nHost: a\r\nConnection: close\r\n\r\n", false},
		{"1.0 default", "GET / HTTP/1.0\r\nHost: a\r\n\r\n", false},
		{"1.0 keep-alive", "GET / HTTP/1.0\r\nHost: a\r\nConnection: Keep-Alive\r\n\r\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _, err := Parse([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if req.KeepAlive != tt.want {
				t.Errorf("KeepAlive = %v, want %v", req.KeepAlive, tt.want)
			}
		})
	}
}

func TestWriteResponse(t *testing.T) {
	var buf bytes.Buffer
	err := WriteResponse(&buf, 200, [][2]string{{"content-type", "text/plain"}}, []byte("hi"), true, false)
	if err != nil {
		t.Fatalf("WriteResponse() error = %v", err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") {
		t.Errorf("status line wrong: %q", out)
	}
	if !strings.Contains(out, "content-length: 2\r\n") || !strings.Contains(out, "date: ") {
		t.Errorf("headers missing: %q", out)
	}
	if !strings.HasSuffix(out, "\r\n\r\nhi") {
		t.Errorf("body wrong: %q", out)
	}
}

func TestWriteResponse_Suppressed(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteResponse(&buf, 200, nil, []byte("phantom"), false, true); err != nil {
		t.Fatalf("WriteResponse() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "content-length: 7\r\n") {
		t.Errorf("declared length missing: %q", out)
	}
	if !strings.HasSuffix(out, "\r\n\r\n") {
		t.Errorf("body bytes leaked: %q", out)
	}
	if !strings.Contains(out, "connection: close\r\n") {
		t.Errorf("close header missing: %q", out)
	}
}

func TestWriteResponse_NoContentOmitsLength(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteResponse(&buf, 204, nil, nil, true, true); err != nil {
		t.Fatalf("WriteResponse() error = %v", err)
	}
	if strings.Contains(buf.String(), "content-length") {
		t.Errorf("204 response carries content-length: %q", buf.String())
	}
}
