package velox

import (
	"bytes"
	"strings"

	"github.com/andybalholm/brotli"
)

// compressMinSize is the smallest body worth compressing; below it the
// encoding overhead outweighs the savings.
const compressMinSize = 512

// Compress returns a middleware that brotli-encodes response bodies when the
// peer advertises support and the body is large enough to benefit.
func Compress() Middleware {
	return CompressWithLevel(brotli.DefaultCompression)
}

// CompressWithLevel is Compress with an explicit brotli quality level.
func CompressWithLevel(level int) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(c *Context) error {
			if acceptsBrotli(c.Header("accept-encoding")) {
				c.encoder = func(body []byte) ([]byte, string, bool) {
					if len(body) < compressMinSize {
						return nil, "", false
					}
					var buf bytes.Buffer
					w := brotli.NewWriterLevel(&buf, level)
					if _, err := w.Write(body); err != nil {
						return nil, "", false
					}
					if err := w.Close(); err != nil {
						return nil, "", false
					}
					if buf.Len() >= len(body) {
						return nil, "", false
					}
					return buf.Bytes(), "br", true
				}
			}
			return next.Serve(c)
		})
	}
}

func acceptsBrotli(acceptEncoding string) bool {
	for _, enc := range strings.Split(acceptEncoding, ",") {
		enc = strings.TrimSpace(enc)
		if enc == "br" || strings.HasPrefix(enc, "br;") {
			return true
		}
	}
	return false
}
