// Package server implements the file-serving side of a transfer: a
// single task owning the per-peer session table, a read-only memory map
// of the file being served, and the precomputed FILESIZE reply.
package server

import (
	"net"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/sirupsen/logrus"

	"github.com/gotlougit/filetransfer/internal/auth"
	"github.com/gotlougit/filetransfer/internal/metrics"
	"github.com/gotlougit/filetransfer/internal/transport"
	"github.com/gotlougit/filetransfer/internal/wire"
)

// State is one step of a per-peer session's progression. States only
// ever advance forward; there is no transition back to an earlier one.
type State int

const (
	NoState State = iota
	ACKorNACK
	SendFile
	EndConn
	EndedConn
)

func (s State) String() string {
	switch s {
	case NoState:
		return "NoState"
	case ACKorNACK:
		return "ACKorNACK"
	case SendFile:
		return "SendFile"
	case EndConn:
		return "EndConn"
	case EndedConn:
		return "EndedConn"
	default:
		return "Unknown"
	}
}

type session struct {
	state State
}

// Engine owns the file being served and every peer's session state. It
// is driven by repeatedly calling HandleDatagram with whatever the
// transport layer hands back.
type Engine struct {
	conn *transport.Connection
	auth *auth.Checker
	log  *logrus.Entry

	file        *os.File
	mapped      mmap.MMap
	filesizePkt []byte
	filesize    uint64
	sessions    map[string]*session

	metrics *metrics.Collector
}

// SetMetrics attaches a collector that HandleDatagram reports into. A
// nil collector (the default) disables reporting entirely.
func (e *Engine) SetMetrics(m *metrics.Collector) {
	e.metrics = m
}

// Open memory-maps path read-only and builds an Engine ready to serve it
// under the given filename/token pair. A failure here is fatal: a
// server with nothing to serve has no reason to start.
func Open(path, servedAs, token string, conn *transport.Connection, log *logrus.Entry) (*Engine, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	var mapped mmap.MMap
	if info.Size() > 0 {
		mapped, err = mmap.Map(f, mmap.RDONLY, 0)
		if err != nil {
			f.Close()
			return nil, err
		}
	}

	size := uint64(info.Size())
	return &Engine{
		conn:        conn,
		auth:        auth.New(servedAs, token),
		log:         log,
		file:        f,
		mapped:      mapped,
		filesizePkt: wire.EncodeFilesize(size),
		filesize:    size,
		sessions:    make(map[string]*session),
	}, nil
}

// Close releases the memory map and underlying file handle.
func (e *Engine) Close() error {
	if e.mapped != nil {
		if err := e.mapped.Unmap(); err != nil {
			e.log.WithError(err).Warn("unmap failed")
		}
	}
	return e.file.Close()
}

func (e *Engine) sessionFor(peer *net.UDPAddr) *session {
	key := peer.String()
	s, ok := e.sessions[key]
	if !ok {
		s = &session{state: NoState}
		e.sessions[key] = s
		if e.metrics != nil {
			e.metrics.SetSessionState("", NoState.String())
		}
	}
	return s
}

func (e *Engine) drop(peer *net.UDPAddr) {
	delete(e.sessions, peer.String())
}

// HandleDatagram classifies one inbound datagram for peer and drives
// that peer's session forward. It never panics and never blocks.
func (e *Engine) HandleDatagram(peer *net.UDPAddr, b []byte) {
	s := e.sessionFor(peer)
	before := s.state

	switch s.state {
	case NoState:
		e.handleNoState(peer, s, b)
	case ACKorNACK:
		e.handleACKorNACK(peer, s, b)
	case SendFile:
		e.handleSendFile(peer, s, b)
	case EndConn:
		e.handleEndConn(peer, s, b)
	case EndedConn:
		e.handleEndedConn(peer, s, b)
	}

	if e.metrics == nil {
		return
	}
	if _, stillTracked := e.sessions[peer.String()]; !stillTracked {
		e.metrics.RemoveSession(before.String())
	} else if s.state != before {
		e.metrics.SetSessionState(before.String(), s.state.String())
	}
}

func (e *Engine) handleNoState(peer *net.UDPAddr, s *session, b []byte) {
	if !e.auth.IsValidRequest(b) {
		e.log.WithField("peer", peer).Warn("authentication failed")
		if e.metrics != nil {
			e.metrics.IncAuthFailures()
		}
		_ = e.conn.SendTo(peer, wire.EncodeFilesize(0))
		_ = e.conn.SendTo(peer, wire.EncodePrimitive(wire.End))
		e.drop(peer)
		return
	}
	if err := e.conn.SendTo(peer, e.filesizePkt); err != nil {
		e.log.WithError(err).WithField("peer", peer).Warn("filesize send failed")
	}
	s.state = ACKorNACK
}

func (e *Engine) handleACKorNACK(peer *net.UDPAddr, s *session, b []byte) {
	switch wire.ParsePrimitive(b) {
	case wire.Ack:
		s.state = SendFile
	case wire.Nack:
		e.endConnection(peer)
	case wire.Resend:
		// In ACKorNACK, RESEND replays the connection layer's own
		// retransmit buffer, which holds the FILESIZE reply.
		e.conn.ResendTo(peer)
		if e.metrics != nil {
			e.metrics.IncRetransmissions()
		}
	default:
		e.log.WithField("peer", peer).Warn("unexpected message in ACKorNACK")
	}
}

func (e *Engine) handleSendFile(peer *net.UDPAddr, s *session, b []byte) {
	switch wire.ParsePrimitive(b) {
	case wire.End:
		e.endConnection(peer)
		return
	case wire.Resend:
		// Echo RESEND back instead of replaying the retransmit buffer:
		// this tricks the peer into sending its current LAST_RECV,
		// re-establishing sync. The echo goes out through SendTo, so it
		// grows the peer's window like any other send.
		if err := e.conn.SendTo(peer, wire.EncodePrimitive(wire.Resend)); err != nil {
			e.log.WithError(err).WithField("peer", peer).Warn("resend echo failed")
		}
		return
	}
	offset, ok := wire.ParseLastRecv(b)
	if !ok {
		e.log.WithField("peer", peer).Warn("expected LAST_RECV in SendFile")
		return
	}
	e.sendNChunks(peer, s, offset)
}

func (e *Engine) handleEndConn(peer *net.UDPAddr, s *session, b []byte) {
	if wire.ParsePrimitive(b) == wire.End {
		e.endConnection(peer)
		return
	}
	e.endConnectionWithResend(peer, s)
}

func (e *Engine) handleEndedConn(peer *net.UDPAddr, s *session, b []byte) {
	switch wire.ParsePrimitive(b) {
	case wire.End:
		e.endConnection(peer)
	case wire.Resend:
		e.resendTail(peer, s)
	default:
		if offset, ok := wire.ParseLastRecv(b); ok {
			e.sendNChunks(peer, s, offset)
		}
	}
}

// sendNChunks emits up to the peer's current window of DATA packets
// starting at offset. A chunk that would cross EOF is truncated to the
// tail and ends the transfer.
func (e *Engine) sendNChunks(peer *net.UDPAddr, s *session, offset uint64) {
	n := e.conn.ReadN(peer)
	for i := 0; i < n; i++ {
		if offset >= e.filesize {
			e.endConnectionWithResend(peer, s)
			return
		}
		end := offset + transport.DataSize
		last := end >= e.filesize
		if last {
			end = e.filesize
		}
		chunk := e.mapped[offset:end]
		if err := e.conn.SendTo(peer, wire.EncodeData(offset, chunk)); err != nil {
			e.log.WithError(err).WithField("peer", peer).Warn("data send failed")
		} else if e.metrics != nil {
			e.metrics.IncChunksSent()
			e.metrics.AddBytesSent(len(chunk))
		}
		offset = end
		if last {
			s.state = EndedConn
			return
		}
	}
}

// endConnection sends a terminal END and forgets the peer entirely.
func (e *Engine) endConnection(peer *net.UDPAddr) {
	if err := e.conn.SendTo(peer, wire.EncodePrimitive(wire.End)); err != nil {
		e.log.WithError(err).WithField("peer", peer).Warn("end send failed")
	}
	e.drop(peer)
}

// endConnectionWithResend sends END but keeps the session around in
// EndedConn so a late RESEND can still be served.
func (e *Engine) endConnectionWithResend(peer *net.UDPAddr, s *session) {
	if err := e.conn.SendTo(peer, wire.EncodePrimitive(wire.End)); err != nil {
		e.log.WithError(err).WithField("peer", peer).Warn("end send failed")
	}
	s.state = EndedConn
}

// resendTail replays the final window of chunks, i.e. the last window_n
// DATA packets starting from the last canonical offset below filesize
// and running to the (possibly truncated) tail chunk.
func (e *Engine) resendTail(peer *net.UDPAddr, s *session) {
	n := uint64(e.conn.ReadN(peer))
	start := uint64(0)
	if e.filesize > 0 {
		lastOffset := (e.filesize - 1) / transport.DataSize * transport.DataSize
		back := (n - 1) * transport.DataSize
		if lastOffset > back {
			start = lastOffset - back
		}
	}
	if e.metrics != nil {
		e.metrics.IncRetransmissions()
	}
	e.sendNChunks(peer, s, start)
}
