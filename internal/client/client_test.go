package client

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotlougit/filetransfer/internal/metrics"
	"github.com/gotlougit/filetransfer/internal/transport"
	"github.com/gotlougit/filetransfer/internal/wire"
)

func counterValue(t *testing.T, c *metrics.Collector, nameFragment string) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 16)
	go func() {
		c.Collect(ch)
		close(ch)
	}()
	for m := range ch {
		if !strings.Contains(m.Desc().String(), nameFragment) {
			continue
		}
		d := &dto.Metric{}
		require.NoError(t, m.Write(d))
		if d.Counter != nil {
			return d.Counter.GetValue()
		}
	}
	return 0
}

type recordingPort struct {
	sent [][]byte
}

func (p *recordingPort) SendTo(b []byte, peer *net.UDPAddr) (int, error) {
	p.sent = append(p.sent, append([]byte(nil), b...))
	return len(b), nil
}
func (p *recordingPort) RecvFrom(buf []byte) (int, *net.UDPAddr, error) { return 0, nil, nil }
func (p *recordingPort) Close() error                                  { return nil }

type fixedConfirmer struct{ yes bool }

func (f fixedConfirmer) Confirm(filename string, size uint64) bool { return f.yes }

func newTestEngine(t *testing.T, accept bool) (*Engine, *recordingPort, string) {
	t.Helper()
	port := &recordingPort{}
	conn := transport.New(port, nil)
	dest := filepath.Join(t.TempDir(), "out.bin")
	server := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 6000}
	eng := New(server, "file.bin", "tok", dest, conn, fixedConfirmer{yes: accept}, nil)
	return eng, port, dest
}

func TestStartSendsSendReq(t *testing.T) {
	eng, port, _ := newTestEngine(t, true)
	require.NoError(t, eng.Start())
	require.Len(t, port.sent, 1)
	fname, token, ok := wire.ParseSendReq(port.sent[0])
	require.True(t, ok)
	assert.Equal(t, "file.bin", fname)
	assert.Equal(t, "tok", token)
}

func TestZeroFilesizeEndsWithoutSending(t *testing.T) {
	eng, port, _ := newTestEngine(t, true)
	eng.HandleDatagram(wire.EncodeFilesize(0))
	assert.Equal(t, Done, eng.State())
	assert.Empty(t, port.sent)
}

func TestDeclineSendsNackThenEndAndRemovesFile(t *testing.T) {
	eng, port, dest := newTestEngine(t, false)
	require.NoError(t, os.WriteFile(dest, []byte("stale"), 0o644))

	eng.HandleDatagram(wire.EncodeFilesize(100))
	require.Len(t, port.sent, 2)
	assert.Equal(t, wire.Nack, wire.ParsePrimitive(port.sent[0]))
	assert.Equal(t, wire.End, wire.ParsePrimitive(port.sent[1]))
	assert.Equal(t, Done, eng.State())
	_, err := os.Stat(dest)
	assert.True(t, os.IsNotExist(err))
}

func TestAcceptInitialisesOutstandingAndSendsAckThenLastRecv(t *testing.T) {
	eng, port, dest := newTestEngine(t, true)
	eng.HandleDatagram(wire.EncodeFilesize(2500))

	require.Len(t, port.sent, 2)
	assert.Equal(t, wire.Ack, wire.ParsePrimitive(port.sent[0]))
	off, ok := wire.ParseLastRecv(port.sent[1])
	require.True(t, ok)
	assert.Equal(t, uint64(0), off)
	assert.Equal(t, SendFile, eng.State())
	assert.Len(t, eng.outstanding, 3) // {0, 1000, 2000}

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), info.Size())
}

func TestHappyPathWritesFileAndEnds(t *testing.T) {
	eng, port, dest := newTestEngine(t, true)
	eng.HandleDatagram(wire.EncodeFilesize(2500))

	chunks := []struct {
		offset uint64
		data   []byte
	}{
		{0, bytesOf(1000, 'a')},
		{1000, bytesOf(1000, 'b')},
		{2000, bytesOf(500, 'c')},
	}
	for _, c := range chunks {
		eng.HandleDatagram(wire.EncodeData(c.offset, c.data))
	}

	assert.Equal(t, Done, eng.State())
	assert.Empty(t, eng.outstanding)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Len(t, got, 2500)
	assert.Equal(t, byte('a'), got[0])
	assert.Equal(t, byte('b'), got[1000])
	assert.Equal(t, byte('c'), got[2000])

	assert.Equal(t, wire.End, wire.ParsePrimitive(port.sent[len(port.sent)-1]))
}

func TestResendInSendFileReplaysLastBatch(t *testing.T) {
	eng, port, _ := newTestEngine(t, true)
	eng.HandleDatagram(wire.EncodeFilesize(2500))

	port.sent = nil
	eng.HandleDatagram(wire.EncodePrimitive(wire.Resend))
	// The connection layer's ResendTo replays whatever is buffered for
	// the server peer (the ACK/LAST_RECV pair sent during confirm).
	require.NotEmpty(t, port.sent)
	assert.Equal(t, SendFile, eng.State())
}

func TestMetricsCountChunksReceived(t *testing.T) {
	eng, _, _ := newTestEngine(t, true)
	coll := metrics.New("filetransfer_client_test")
	eng.SetMetrics(coll)

	eng.HandleDatagram(wire.EncodeFilesize(2500))
	eng.HandleDatagram(wire.EncodeData(0, bytesOf(1000, 'a')))
	assert.Equal(t, float64(1), counterValue(t, coll, "chunks_received"))
}

func TestDuplicateChunkIsDropped(t *testing.T) {
	eng, _, _ := newTestEngine(t, true)
	eng.HandleDatagram(wire.EncodeFilesize(2500))

	eng.HandleDatagram(wire.EncodeData(0, bytesOf(1000, 'a')))
	before := len(eng.outstanding)
	eng.HandleDatagram(wire.EncodeData(0, bytesOf(1000, 'z')))
	assert.Equal(t, before, len(eng.outstanding))
}

func bytesOf(n int, c byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = c
	}
	return b
}
