// Package auth checks an incoming SEND_REQ against the one authorised
// (file, token) pair a server instance was started with.
package auth

import "github.com/gotlougit/filetransfer/internal/wire"

// Checker holds the single authorised filename and token a server
// session accepts. A future version may hold more than one of each;
// for now a session serves exactly one file.
type Checker struct {
	file  string
	token string
}

// New returns a Checker that accepts requests for file using token.
func New(file, token string) *Checker {
	return &Checker{file: file, token: token}
}

// IsValidRequest reports whether a raw SEND_REQ datagram names a file
// and token this Checker accepts. Match semantics on the filename is a
// prefix match: the requested name must start with the authorised file
// name, not equal it exactly.
func (c *Checker) IsValidRequest(req []byte) bool {
	filename, token, ok := wire.ParseSendReq(req)
	if !ok {
		return false
	}
	return c.fileMatches(filename) && token == c.token
}

func (c *Checker) fileMatches(requested string) bool {
	if len(requested) < len(c.file) {
		return false
	}
	return requested[:len(c.file)] == c.file
}
