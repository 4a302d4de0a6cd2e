// Package client implements the receiving side of a transfer: request,
// user confirmation, chunk acceptance into a sparse memory-mapped sink,
// and the termination handshake.
package client

import (
	"net"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/sirupsen/logrus"

	"github.com/gotlougit/filetransfer/internal/metrics"
	"github.com/gotlougit/filetransfer/internal/transport"
	"github.com/gotlougit/filetransfer/internal/wire"
)

// State is one step of the client's progression through a transfer.
type State int

const (
	ACKorNACK State = iota
	SendFile
	Done
)

func (s State) String() string {
	switch s {
	case ACKorNACK:
		return "ACKorNACK"
	case SendFile:
		return "SendFile"
	case Done:
		return "Done"
	default:
		return "Unknown"
	}
}

// Confirmer asks whatever is driving the client (a CLI prompt, a GUI
// dialog, a scripted test) whether to accept a file of the given size.
// It is an external collaborator; the engine never prompts directly.
type Confirmer interface {
	Confirm(filename string, size uint64) bool
}

// Engine owns the file sink, the outstanding-offset set, the
// out-of-order cache, and the server's address for one transfer.
type Engine struct {
	conn    *transport.Connection
	log     *logrus.Entry
	confirm Confirmer

	server   *net.UDPAddr
	filename string
	token    string
	destPath string

	state       State
	filesize    uint64
	outstanding map[uint64]struct{}
	cache       map[uint64][]byte
	counter     int
	written     uint64

	destFile *os.File
	mapped   mmap.MMap

	metrics *metrics.Collector
}

// SetMetrics attaches a collector that HandleDatagram reports into. A
// nil collector (the default) disables reporting entirely.
func (e *Engine) SetMetrics(m *metrics.Collector) {
	e.metrics = m
}

// New prepares an Engine to request filename from server, authenticated
// by token, writing the result to destPath.
func New(server *net.UDPAddr, filename, token, destPath string, conn *transport.Connection, confirm Confirmer, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		conn:     conn,
		log:      log,
		confirm:  confirm,
		server:   server,
		filename: filename,
		token:    token,
		destPath: destPath,
		state:    ACKorNACK,
	}
}

// Start sends the initial SEND_REQ. Call this before feeding any
// datagrams to HandleDatagram; calling it again resends the request.
func (e *Engine) Start() error {
	return e.conn.SendTo(e.server, wire.EncodeSendReq(e.filename, e.token))
}

// State reports where in the transfer this engine currently is.
func (e *Engine) State() State { return e.state }

// HandleDatagram drives the engine forward with one inbound datagram
// from the server. It never panics and never blocks.
func (e *Engine) HandleDatagram(b []byte) {
	switch e.state {
	case ACKorNACK:
		e.handleFilesize(b)
	case SendFile:
		e.handleSendFile(b)
	case Done:
	}
}

func (e *Engine) handleFilesize(b []byte) {
	size, ok := wire.ParseFilesize(b)
	if !ok {
		e.log.Warn("expected FILESIZE while awaiting confirmation")
		return
	}
	e.filesize = size

	if size == 0 {
		// The server already tore down its side of the session after
		// sending FILESIZE(0); there is nothing left to negotiate.
		e.log.Warn("server reports size 0, nothing to fetch")
		e.state = Done
		return
	}

	if e.confirm == nil || !e.confirm.Confirm(e.filename, size) {
		_ = e.conn.SendTo(e.server, wire.EncodePrimitive(wire.Nack))
		if e.destPath != "" {
			_ = os.Remove(e.destPath)
		}
		_ = e.conn.SendTo(e.server, wire.EncodePrimitive(wire.End))
		e.state = Done
		return
	}

	if err := e.presizeSink(size); err != nil {
		e.log.WithError(err).Error("failed to pre-size output file")
		e.state = Done
		return
	}

	e.outstanding = initialOutstanding(size)
	e.cache = make(map[uint64][]byte)

	if err := e.conn.SendTo(e.server, wire.EncodePrimitive(wire.Ack)); err != nil {
		e.log.WithError(err).Warn("ack send failed")
	}
	if err := e.conn.SendTo(e.server, wire.EncodeLastRecv(0)); err != nil {
		e.log.WithError(err).Warn("last_recv send failed")
	}
	e.state = SendFile
}

func initialOutstanding(size uint64) map[uint64]struct{} {
	out := make(map[uint64]struct{})
	for off := uint64(0); off < size; off += transport.DataSize {
		out[off] = struct{}{}
	}
	if size == 0 {
		out[0] = struct{}{}
	}
	return out
}

// presizeSink creates destPath at the exact final length by seeking to
// filesize-1 and writing a single zero byte, then maps it read-write.
func (e *Engine) presizeSink(size uint64) error {
	f, err := os.Create(e.destPath)
	if err != nil {
		return err
	}
	if size > 0 {
		if _, err := f.WriteAt([]byte{0}, int64(size)-1); err != nil {
			f.Close()
			return err
		}
	}
	var mapped mmap.MMap
	if size > 0 {
		mapped, err = mmap.Map(f, mmap.RDWR, 0)
		if err != nil {
			f.Close()
			return err
		}
	}
	e.destFile = f
	e.mapped = mapped
	return nil
}

func (e *Engine) handleSendFile(b []byte) {
	switch wire.ParsePrimitive(b) {
	case wire.End:
		if len(e.outstanding) == 0 {
			e.finish()
		} else {
			e.log.Warn("END received with outstanding chunks remaining")
		}
		return
	case wire.Resend:
		e.conn.ResendTo(e.server)
		if e.metrics != nil {
			e.metrics.IncRetransmissions()
		}
		return
	}

	offset, payload, ok := wire.ParseData(b)
	if !ok {
		e.log.Warn("expected DATA in SendFile")
		return
	}
	e.acceptChunk(offset, payload)
}

func (e *Engine) acceptChunk(offset uint64, payload []byte) {
	if _, want := e.outstanding[offset]; !want {
		e.log.WithField("offset", offset).Debug("dropping duplicate or unexpected chunk")
		return
	}
	delete(e.outstanding, offset)
	e.cache[offset] = append([]byte(nil), payload...)
	e.counter++
	if e.metrics != nil {
		e.metrics.IncChunksReceived()
		e.metrics.AddBytesReceived(len(payload))
	}

	if len(e.outstanding) == 0 {
		e.flush()
		e.finish()
		return
	}

	if e.counter >= e.conn.ReadN(e.server) {
		e.flush()
		if err := e.conn.SendTo(e.server, wire.EncodeLastRecv(e.written)); err != nil {
			e.log.WithError(err).Warn("last_recv send failed")
		}
	}
}

// flush writes every cached chunk into the memory-mapped sink and
// clears the cache. written tracks the highest contiguous offset
// flushed so far, reported back to the server as LAST_RECV.
func (e *Engine) flush() {
	for offset, payload := range e.cache {
		copy(e.mapped[offset:], payload)
	}
	// Every chunk received so far is now written, so everything below the
	// lowest still-outstanding offset is a contiguous written prefix.
	e.written = e.filesize
	for offset := range e.outstanding {
		if offset < e.written {
			e.written = offset
		}
	}
	e.cache = make(map[uint64][]byte)
	e.counter = 0
}

func (e *Engine) finish() {
	if e.mapped != nil {
		if err := e.mapped.Flush(); err != nil {
			e.log.WithError(err).Warn("flush to disk failed")
		}
		if err := e.mapped.Unmap(); err != nil {
			e.log.WithError(err).Warn("unmap failed")
		}
	}
	if e.destFile != nil {
		e.destFile.Close()
	}
	if err := e.conn.SendTo(e.server, wire.EncodePrimitive(wire.End)); err != nil {
		e.log.WithError(err).Warn("end send failed")
	}
	e.state = Done
}
