package main

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/gotlougit/filetransfer/internal/nat"
)

// loopbackTraversal is a thin demo implementation of nat.Traversal meant
// for same-host or same-LAN testing, not real NAT hole-punching: it
// skips STUN entirely and reports the socket's own local address as
// "external", then runs the dummy-packet handshake against whatever
// remote address it was given.
type loopbackTraversal struct{}

var _ nat.Traversal = loopbackTraversal{}

func (loopbackTraversal) ExternalAddr(ctx context.Context, conn *net.UDPConn) (*net.UDPAddr, error) {
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, errors.New("nat: local address is not a UDP address")
	}
	return addr, nil
}

func (loopbackTraversal) Traverse(ctx context.Context, conn *net.UDPConn, remote *net.UDPAddr) (bool, error) {
	dummy := []byte("HELLOWORLD")
	connected := false
	buf := make([]byte, 64)
	for i := 0; i < nat.DummyMsgNum; i++ {
		if _, err := conn.WriteToUDP(dummy, remote); err != nil {
			return false, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(nat.MaxWaitTime))
		_, from, err := conn.ReadFromUDP(buf)
		if err == nil && from.String() == remote.String() {
			connected = true
		}
	}
	_ = conn.SetReadDeadline(time.Time{})
	return connected, nil
}
