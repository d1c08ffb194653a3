// Package buffer implements the growable byte buffers that back a
// connection's socket I/O. A ReadBuffer accumulates received bytes until the
// protocol layer consumes them; a WriteBuffer accumulates produced frames
// until the socket accepts them.
package buffer

// ReadBuffer is a growable byte region filled by the socket and drained by
// the protocol layer.
//
// Invariant: 0 <= start <= off <= cap(data). Both offsets reset to zero the
// moment the buffer is fully drained so the region can be reused in place.
type ReadBuffer struct {
	data  []byte
	off   int // bytes received and valid
	start int // bytes already consumed by the protocol layer
}

// NewReadBuffer creates a read buffer with the given initial capacity.
func NewReadBuffer(size int) *ReadBuffer {
	if size <= 0 {
		size = 4096
	}
	return &ReadBuffer{data: make([]byte, size)}
}

// Cap returns the current capacity of the buffer.
func (b *ReadBuffer) Cap() int { return len(b.data) }

// Offset returns the count of valid bytes in the buffer.
func (b *ReadBuffer) Offset() int { return b.off }

// StartOffset returns the count of bytes already consumed.
func (b *ReadBuffer) StartOffset() int { return b.start }

// Bytes returns the valid region [0, off). The preface detector inspects
// this before any byte has been consumed.
func (b *ReadBuffer) Bytes() []byte { return b.data[:b.off] }

// Unconsumed returns the region [start, off) still awaiting the protocol
// layer.
func (b *ReadBuffer) Unconsumed() []byte { return b.data[b.start:b.off] }

// Free returns the writable region past the valid bytes. An empty slice
// means the buffer is full and the caller should back off.
func (b *ReadBuffer) Free() []byte { return b.data[b.off:] }

// EnsureHeadroom grows the buffer when receiving increment more bytes would
// overflow the remaining space, up to max total capacity. It reports whether
// any free space is available afterwards; false signals backpressure.
func (b *ReadBuffer) EnsureHeadroom(increment, max int) bool {
	if increment <= 0 {
		increment = 4096
	}
	if b.off+increment > len(b.data) && len(b.data) < max {
		grown := len(b.data) + increment
		if grown > max {
			grown = max
		}
		next := make([]byte, grown)
		copy(next, b.data[:b.off])
		b.data = next
	}
	return b.off < len(b.data)
}

// Advance records n freshly received bytes.
func (b *ReadBuffer) Advance(n int) {
	if n < 0 || b.off+n > len(b.data) {
		panic("buffer: advance out of range")
	}
	b.off += n
}

// Consume records that the protocol layer consumed n unread bytes. When the
// buffer becomes fully drained both offsets reset to zero.
func (b *ReadBuffer) Consume(n int) {
	if n < 0 || b.start+n > b.off {
		panic("buffer: consume out of range")
	}
	b.start += n
	if b.start == b.off {
		b.start = 0
		b.off = 0
	}
}

// Release drops the backing storage. The buffer must not be used afterwards.
func (b *ReadBuffer) Release() {
	b.data = nil
	b.off = 0
	b.start = 0
}

// WriteBuffer is a growable byte region filled by the protocol layer and
// drained by the socket.
//
// Invariant: 0 <= sent <= app <= cap(data). Both offsets reset to zero when
// every produced byte has been transmitted.
type WriteBuffer struct {
	data []byte
	app  int // bytes produced, pending send
	sent int // bytes already transmitted
}

// NewWriteBuffer creates a write buffer with the given initial capacity.
func NewWriteBuffer(size int) *WriteBuffer {
	if size <= 0 {
		size = 4096
	}
	return &WriteBuffer{data: make([]byte, size)}
}

// Cap returns the current capacity of the buffer.
func (b *WriteBuffer) Cap() int { return len(b.data) }

// AppendOffset returns the count of bytes produced so far.
func (b *WriteBuffer) AppendOffset() int { return b.app }

// SendOffset returns the count of bytes already transmitted.
func (b *WriteBuffer) SendOffset() int { return b.sent }

// Pending returns the region [sent, app) awaiting transmission.
func (b *WriteBuffer) Pending() []byte { return b.data[b.sent:b.app] }

// Empty reports whether no bytes are awaiting transmission.
func (b *WriteBuffer) Empty() bool { return b.app == b.sent }

// Write appends p, growing the buffer as needed. It implements io.Writer so
// a frame serializer can target the buffer directly; it never fails.
func (b *WriteBuffer) Write(p []byte) (int, error) {
	if b.app+len(p) > len(b.data) {
		grown := len(b.data) * 2
		if grown < b.app+len(p) {
			grown = b.app + len(p)
		}
		next := make([]byte, grown)
		copy(next, b.data[:b.app])
		b.data = next
	}
	copy(b.data[b.app:], p)
	b.app += len(p)
	return len(p), nil
}

// DidSend records that n pending bytes were transmitted. When the buffer
// fully drains both offsets reset to zero.
func (b *WriteBuffer) DidSend(n int) {
	if n < 0 || b.sent+n > b.app {
		panic("buffer: send offset out of range")
	}
	b.sent += n
	if b.sent == b.app {
		b.sent = 0
		b.app = 0
	}
}

// Release drops the backing storage. The buffer must not be used afterwards.
func (b *WriteBuffer) Release() {
	b.data = nil
	b.app = 0
	b.sent = 0
}
