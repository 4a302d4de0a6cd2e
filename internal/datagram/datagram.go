// Package datagram exposes the narrow send/receive capability the
// reliable transport layer is built on, plus a deterministic fake used in
// tests that never touches a real socket.
package datagram

import (
	"net"
	"sync"
)

// Port is the capability a transport needs from the network: send a
// datagram to a peer, and receive the next datagram from anyone.
type Port interface {
	SendTo(b []byte, peer *net.UDPAddr) (int, error)
	RecvFrom(buf []byte) (int, *net.UDPAddr, error)
	Close() error
}

// OS wraps a bound/connected *net.UDPConn.
type OS struct {
	Conn *net.UDPConn
}

func NewOS(conn *net.UDPConn) *OS {
	return &OS{Conn: conn}
}

func (o *OS) SendTo(b []byte, peer *net.UDPAddr) (int, error) {
	return o.Conn.WriteToUDP(b, peer)
}

func (o *OS) RecvFrom(buf []byte) (int, *net.UDPAddr, error) {
	n, addr, err := o.Conn.ReadFromUDP(buf)
	return n, addr, err
}

func (o *OS) Close() error {
	return o.Conn.Close()
}

// fakeAddr is the address a Fake.RecvFrom reports as the sender, matching
// the fixed address the dummy-socket test harness expects regardless of
// whether the read "succeeded". This is distinct from the connection
// layer's own bogus-recv sentinel (127.0.0.253:80, see transport.go) which
// stands in for a real OS socket error.
var fakeAddr = &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1025}

// Fake is a deterministic, in-memory stand-in for a socket: send/recv can
// each be forced to "succeed" or report a zero-length result, and recv
// can be forced to time out instead of returning immediately. When
// RecvTimely is false, RecvFrom blocks until Close is called, the same
// way a real blocked net.UDPConn.ReadFromUDP unblocks with an error once
// its socket is closed out from under it -- this is what lets a caller
// drive the connection layer's own timeout-and-RESEND path from a test.
type Fake struct {
	SendOK     bool
	RecvOK     bool
	RecvTimely bool

	// RecvAddr is returned as the sender on a successful RecvFrom; it
	// defaults to fakeAddr if unset.
	RecvAddr *net.UDPAddr

	once   sync.Once
	closed chan struct{}
}

func (f *Fake) SendTo(b []byte, peer *net.UDPAddr) (int, error) {
	if f.SendOK {
		return len(b), nil
	}
	return 0, nil
}

func (f *Fake) RecvFrom(buf []byte) (int, *net.UDPAddr, error) {
	if !f.RecvTimely {
		f.once.Do(func() { f.closed = make(chan struct{}) })
		<-f.closed
		return 0, nil, net.ErrClosed
	}

	addr := f.RecvAddr
	if addr == nil {
		addr = fakeAddr
	}
	if f.RecvOK {
		return len(buf), addr, nil
	}
	return 0, addr, nil
}

func (f *Fake) Close() error {
	f.once.Do(func() { f.closed = make(chan struct{}) })
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}
