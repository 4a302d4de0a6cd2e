// Package nat describes the NAT-traversal collaborator kept out of the
// core transfer engine: STUN-like external-address discovery and
// dummy-packet hole-punching. Only the contract lives here; the core
// never imports a STUN client directly.
package nat

import (
	"context"
	"net"
	"time"
)

// DummyMsgNum is the number of dummy datagrams Traverse sends while
// probing for a reply from the expected remote address.
const DummyMsgNum = 5

// MaxWaitTime bounds how long a single probe round-trip is allowed to
// take before Traverse gives up on that attempt.
const MaxWaitTime = 500 * time.Millisecond

// Traversal discovers this endpoint's externally visible address and
// confirms reachability with a remote peer before the reliable
// connection layer starts exchanging protocol datagrams over conn.
type Traversal interface {
	// ExternalAddr queries one or more STUN-like servers to learn this
	// endpoint's externally visible (ip, port).
	ExternalAddr(ctx context.Context, conn *net.UDPConn) (*net.UDPAddr, error)

	// Traverse sends DummyMsgNum dummy datagrams to remote and reports
	// success iff at least one inbound datagram arrived from remote
	// within the attempt's budget.
	Traverse(ctx context.Context, conn *net.UDPConn, remote *net.UDPAddr) (bool, error)
}
