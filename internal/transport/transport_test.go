package transport

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotlougit/filetransfer/internal/datagram"
)

func peerAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
}

func TestReadNInsertsUnknownPeerAtInitial(t *testing.T) {
	c := New(&datagram.Fake{SendOK: true, RecvOK: true}, nil)
	peer := peerAddr(9001)

	assert.Equal(t, InitialN, c.ReadN(peer))
	// Second read must see the SAME inserted entry, not re-insert.
	c.growN(peer)
	assert.Equal(t, InitialN*2, c.ReadN(peer))
}

func TestWindowGrowsByDoublingAndCapsAtMax(t *testing.T) {
	c := New(&datagram.Fake{SendOK: true, RecvOK: true}, nil)
	peer := peerAddr(9002)

	n := c.ReadN(peer)
	for i := 0; i < 20; i++ {
		c.growN(peer)
		n = c.ReadN(peer)
		assert.LessOrEqual(t, n, MaxN)
		assert.True(t, isPowerOfTwo(n))
	}
	assert.Equal(t, MaxN, n)
}

func TestResetHalvesWindowBoundedByInitial(t *testing.T) {
	c := New(&datagram.Fake{SendOK: true, RecvOK: true}, nil)
	peer := peerAddr(9003)

	for i := 0; i < 4; i++ {
		c.growN(peer) // 1 -> 2 -> 4 -> 8 -> 16
	}
	require.Equal(t, 16, c.ReadN(peer))

	c.resetN(peer)
	assert.Equal(t, 8, c.ReadN(peer))

	// Repeated resets never go below InitialN.
	for i := 0; i < 10; i++ {
		c.resetN(peer)
	}
	assert.Equal(t, InitialN, c.ReadN(peer))
}

func TestLastSentNeverExceedsWindow(t *testing.T) {
	c := New(&datagram.Fake{SendOK: true, RecvOK: true}, nil)
	peer := peerAddr(9004)

	for i := 0; i < 50; i++ {
		require.NoError(t, c.SendTo(peer, []byte("x")))
		st := c.state(peer)
		assert.LessOrEqual(t, len(st.lastSent), st.windowN)
	}
}

func TestResendToReplaysBufferedDatagramsThenResets(t *testing.T) {
	c := New(&datagram.Fake{SendOK: true, RecvOK: true}, nil)
	peer := peerAddr(9005)

	require.NoError(t, c.SendTo(peer, []byte("a")))
	require.NoError(t, c.SendTo(peer, []byte("b")))
	before := c.ReadN(peer)
	require.Greater(t, before, InitialN)

	// After the first resend the window halves to 2, which the two
	// buffered datagrams still fit, so they survive for a second replay.
	c.ResendTo(peer)
	assert.Len(t, c.state(peer).lastSent, 2)
	assert.Less(t, c.ReadN(peer), before)

	// A second resend halves the window to 1; the buffer now exceeds it
	// and is dropped.
	c.ResendTo(peer)
	assert.Empty(t, c.state(peer).lastSent)
}

func TestReliableRecvTimesOutAndBroadcastsResend(t *testing.T) {
	blocking := &blockingPort{unblock: make(chan struct{})}
	c := New(blocking, nil)
	peer := peerAddr(9006)
	// Touch the peer so it's a known broadcast target.
	c.ReadN(peer)

	buf := make([]byte, MTU)
	n, addr, ok := c.ReliableRecv(buf)
	assert.False(t, ok)
	assert.Equal(t, 0, n)
	assert.Nil(t, addr)
	assert.GreaterOrEqual(t, blocking.sendCount(), 1)
	close(blocking.unblock)
}

// blockingPort never returns from RecvFrom until told to, so ReliableRecv
// is forced down its MaxWaitTime timeout path instead of racing a fake
// that resolves immediately.
type blockingPort struct {
	unblock chan struct{}

	mu    sync.Mutex
	sends int
}

func (b *blockingPort) SendTo(msg []byte, peer *net.UDPAddr) (int, error) {
	b.mu.Lock()
	b.sends++
	b.mu.Unlock()
	return len(msg), nil
}

func (b *blockingPort) RecvFrom(buf []byte) (int, *net.UDPAddr, error) {
	<-b.unblock
	return 0, nil, net.ErrClosed
}

func (b *blockingPort) Close() error { return nil }

func (b *blockingPort) sendCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sends
}

func TestRecvMapsSocketErrorToBogusSentinel(t *testing.T) {
	c := New(&erroringPort{}, nil)
	buf := make([]byte, MTU)
	n, addr := c.Recv(buf)
	assert.Equal(t, 0, n)
	assert.Equal(t, "127.0.0.253:80", addr.String())
}

type erroringPort struct{}

func (e *erroringPort) SendTo(b []byte, peer *net.UDPAddr) (int, error) { return 0, assertErr }
func (e *erroringPort) RecvFrom(buf []byte) (int, *net.UDPAddr, error) { return 0, nil, assertErr }
func (e *erroringPort) Close() error                                   { return nil }

var assertErr = &net.DNSError{Err: "boom", Name: "test"}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
