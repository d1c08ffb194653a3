// Package transport defines the non-blocking byte transport a connection
// runs over and hosts the gnet-backed event loop that drives connections.
package transport

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// Sentinel outcomes of a non-blocking socket operation. WouldBlock is not a
// failure: the caller defers and waits for the next readiness event. Orderly
// peer shutdown is reported as io.EOF by Recv.
var (
	ErrWouldBlock = errors.New("transport: operation would block")
	ErrPeerReset  = errors.New("transport: connection reset by peer")
)

// Conn is one non-blocking byte socket. Recv fills p with whatever is
// available and returns ErrWouldBlock when nothing is; it returns io.EOF
// when the peer performed an orderly shutdown. Send transmits as much of p
// as the socket accepts and returns ErrWouldBlock when the outbound path is
// full.
type Conn interface {
	Recv(p []byte) (int, error)
	Send(p []byte) (int, error)
}

// Classify maps a raw socket error onto the transport taxonomy. Errors that
// match none of the known conditions pass through unchanged and are treated
// as generic transport failures by the caller.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK):
		return ErrWouldBlock
	case errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE):
		return ErrPeerReset
	case errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed):
		return io.EOF
	default:
		return err
	}
}
