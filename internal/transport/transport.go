// Package transport implements the reliable connection layer: per-peer
// AIMD window sizing, a bounded retransmit buffer, and a single-task
// owner for all per-peer state. All per-peer tables live inside the one
// goroutine that calls Connection's methods, so no locks are needed.
package transport

import (
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gotlougit/filetransfer/internal/datagram"
	"github.com/gotlougit/filetransfer/internal/wire"
)

const (
	// InitialN is the starting batch size for a newly seen peer.
	InitialN = 1
	// MaxN is the largest batch size AIMD growth will reach.
	MaxN = 256
	// MaxWaitTime bounds how long ReliableRecv waits before giving up
	// and broadcasting RESEND.
	MaxWaitTime = 500 * time.Millisecond
	// MTU is the maximum size of a single datagram this protocol emits.
	MTU = 1280
	// DataSize is the maximum file payload carried by one DATA datagram.
	DataSize = 1000
)

// bogusAddr is the sentinel peer reported for a socket error that must
// not propagate as fatal: engines can keep running without special-casing
// a nil address.
var bogusAddr = &net.UDPAddr{IP: net.ParseIP("127.0.0.253"), Port: 80}

type peerState struct {
	windowN  int
	lastSent [][]byte
}

// Connection owns per-peer window size and retransmit buffers, and wraps
// a datagram.Port with AIMD growth and go-back-N resend.
type Connection struct {
	port datagram.Port
	log  *logrus.Entry

	peers map[string]*peerState

	recvCh chan recvResult
}

// New wraps port with the reliable connection layer and starts the single
// background goroutine that owns all reads from port. Recv and
// ReliableRecv never touch port directly; they only ever select against
// recvCh, so there is exactly one goroutine blocked in RecvFrom at any
// time for the life of the Connection, no matter how many times a caller
// times out and retries.
func New(port datagram.Port, log *logrus.Entry) *Connection {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Connection{
		port:   port,
		log:    log,
		peers:  make(map[string]*peerState),
		recvCh: make(chan recvResult, 1),
	}
	go c.readLoop()
	return c
}

// readLoop owns the one buffer that ever gets passed to port.RecvFrom. It
// copies out whatever arrives and hands the copy off on recvCh, so a
// caller's own buffer is never touched by a goroutine it doesn't control.
// Every error is logged and reported to the next receiver as a
// bogus-sentinel read; after reporting a closed port, the loop exits.
func (c *Connection) readLoop() {
	buf := make([]byte, MTU)
	for {
		n, addr, err := c.port.RecvFrom(buf)
		if err != nil {
			c.log.WithError(err).Warn("recv failed")
			c.recvCh <- recvResult{addr: bogusAddr}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		cp := append([]byte(nil), buf[:n]...)
		c.recvCh <- recvResult{addr: addr, data: cp, ok: true}
	}
}

// state returns the peer's state, inserting it at InitialN if this is the
// first time it's been seen. Reading an unknown peer's window both
// reports InitialN and inserts the peer at InitialN; every lookup in
// this package goes through state() so insertion always happens exactly
// once, on first touch, regardless of whether that touch is a send, a
// recv, or a resend.
func (c *Connection) state(peer *net.UDPAddr) *peerState {
	key := peer.String()
	st, ok := c.peers[key]
	if !ok {
		st = &peerState{windowN: InitialN}
		c.peers[key] = st
	}
	return st
}

// ReadN returns the current window size for peer, inserting it at
// InitialN if unseen.
func (c *Connection) ReadN(peer *net.UDPAddr) int {
	return c.state(peer).windowN
}

// Peers returns every peer this connection currently tracks.
func (c *Connection) Peers() []*net.UDPAddr {
	out := make([]*net.UDPAddr, 0, len(c.peers))
	for key := range c.peers {
		addr, err := net.ResolveUDPAddr("udp", key)
		if err != nil {
			continue
		}
		out = append(out, addr)
	}
	return out
}

func (c *Connection) growN(peer *net.UDPAddr) {
	st := c.state(peer)
	if st.windowN*2 <= MaxN {
		st.windowN *= 2
		c.log.WithField("peer", peer).WithField("n", st.windowN).Debug("grew window")
	}
}

// resetN halves the peer's window, bounded below by InitialN: after
// reset, a peer at N=2k ends up at max(k, InitialN).
func (c *Connection) resetN(peer *net.UDPAddr) {
	st := c.state(peer)
	st.windowN = st.windowN / 2
	if st.windowN < InitialN {
		st.windowN = InitialN
	}
	c.log.WithField("peer", peer).WithField("n", st.windowN).Debug("reset window")
}

func (c *Connection) addLastSent(peer *net.UDPAddr, b []byte) {
	st := c.state(peer)
	if len(st.lastSent) >= st.windowN {
		st.lastSent = nil
	}
	cp := append([]byte(nil), b...)
	st.lastSent = append(st.lastSent, cp)
}

// SendTo grows the peer's window, records the datagram in its retransmit
// buffer, and transmits it.
func (c *Connection) SendTo(peer *net.UDPAddr, b []byte) error {
	c.growN(peer)
	c.addLastSent(peer, b)
	_, err := c.port.SendTo(b, peer)
	if err != nil {
		c.log.WithError(err).WithField("peer", peer).Warn("send failed")
	}
	return err
}

// Recv reads the next datagram, growing the sender's window on success.
// A socket error is logged and mapped to the bogus sentinel instead of
// propagating as fatal.
func (c *Connection) Recv(buf []byte) (int, *net.UDPAddr) {
	r := <-c.recvCh
	if !r.ok {
		return 0, r.addr
	}
	c.growN(r.addr)
	return copy(buf, r.data), r.addr
}

// recvResult is one completed read handed from readLoop to a waiting
// Recv/ReliableRecv call. data is nil and ok is false for a socket error,
// which readLoop reports under the bogus-sentinel address rather than
// dropping silently.
type recvResult struct {
	addr *net.UDPAddr
	data []byte
	ok   bool
}

// ReliableRecv is Recv bounded by MaxWaitTime. On timeout it broadcasts a
// RESEND primitive to every known peer and reports no value; the caller
// is expected to retry. It never starts its own reader: it selects
// against the single background goroutine started by New, so a timed-out
// call leaves nothing behind waiting on the caller's buf.
func (c *Connection) ReliableRecv(buf []byte) (n int, addr *net.UDPAddr, ok bool) {
	select {
	case r := <-c.recvCh:
		if !r.ok {
			return 0, r.addr, true
		}
		c.growN(r.addr)
		return copy(buf, r.data), r.addr, true
	case <-time.After(MaxWaitTime):
		c.log.Warn("receive timed out, broadcasting RESEND")
		c.askResendFromAll()
		return 0, nil, false
	}
}

func (c *Connection) askResendFromAll() {
	for peer := range c.peers {
		addr, err := net.ResolveUDPAddr("udp", peer)
		if err != nil {
			continue
		}
		if _, err := c.port.SendTo(wire.EncodePrimitive(wire.Resend), addr); err != nil {
			c.log.WithError(err).WithField("peer", addr).Warn("resend broadcast failed")
		}
	}
}

// ResendTo retransmits every datagram buffered for peer, in order, then
// halves its window. The buffer is dropped only if it no longer fits the
// halved window, so an immediate second RESEND can still be served.
func (c *Connection) ResendTo(peer *net.UDPAddr) {
	st := c.state(peer)
	buffered := st.lastSent
	c.log.WithField("peer", peer).WithField("count", len(buffered)).Debug("resending batch")
	for _, msg := range buffered {
		if _, err := c.port.SendTo(msg, peer); err != nil {
			c.log.WithError(err).WithField("peer", peer).Warn("resend failed")
		}
	}
	c.resetN(peer)
	if len(st.lastSent) > st.windowN {
		st.lastSent = nil
	}
}
