// Package secure describes an optional QUIC-backed transport variant
// that would replace the bare UDP wire protocol wholesale. It is a
// contract only: nothing in the UDP core depends on it, and the core
// must never be mixed with this path in the same session.
package secure

import (
	"context"
	"net"

	"github.com/gotlougit/filetransfer/internal/identity"
)

// Dialer opens the client side of a secure session to a server that
// presents one of the trusted certificates in store.TrustedKeys.
type Dialer interface {
	Dial(ctx context.Context, addr *net.UDPAddr, store *identity.Store) (Session, error)
}

// Listener accepts the server side of a secure session, authenticating
// itself with the long-lived certificate in store.Identity.
type Listener interface {
	Accept(ctx context.Context, store *identity.Store) (Session, error)
}

// Session is the secure-transport equivalent of a datagram.Port: once
// established, the same application-layer protocol in internal/wire
// could in principle run over it, but no component in this repository
// does so today.
type Session interface {
	Send(b []byte) error
	Recv(buf []byte) (int, error)
	Close() error
}
