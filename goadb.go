// Package goadb is a client-side implementation of the Android Debug Bridge
// wire protocol: it speaks directly to an Android device's adbd over TCP,
// without a local adb host server in between.
//
// Dial negotiates the CNXN/AUTH/STLS handshake and returns a multiplexed
// Connection; Connection.Open opens logical streams ("shell:...", "sync:",
// "tcp:<port>", ...) on top of it. Pair runs the Android 11+ wireless
// pairing flow to enroll a fresh identity key. NewForwarder bridges a local
// TCP port to a device-side tcp:<port> service.
package goadb

import (
	"context"

	"github.com/gosuda/goadb/conn"
	"github.com/gosuda/goadb/forward"
	"github.com/gosuda/goadb/identity"
	"github.com/gosuda/goadb/pairing"
)

// Re-exported types so callers need only import this package for the
// common path; the subpackages remain usable directly for anything more
// specialized.
type (
	Connection     = conn.Connection
	ConnectOptions = conn.Options
	Stream         = conn.Stream
	Identity       = identity.Key
	PairOptions    = pairing.Options
	PairResult     = pairing.Result
	Forwarder      = forward.Forwarder
	ForwardOptions = forward.Options
)

// Dial connects to addr (host:port) and completes the ADB handshake.
func Dial(ctx context.Context, addr string, opts ConnectOptions) (*Connection, error) {
	return conn.Dial(ctx, addr, opts)
}

// NewIdentity generates a fresh RSA-2048 identity key, named for the
// "user@host" hint sent during auth and pairing.
func NewIdentity(name string) (*Identity, error) {
	return identity.Generate(name)
}

// Pair runs the wireless pairing flow against addr using the 6-digit code
// shown on the device, enrolling key as an authorized identity.
func Pair(ctx context.Context, addr, code string, key *Identity, opts PairOptions) (*PairResult, error) {
	return pairing.Pair(ctx, addr, code, key, opts)
}

// NewForwarder creates a local TCP forwarder that bridges accepted
// connections to "tcp:<remotePort>" streams on c. Call Start to begin
// listening.
func NewForwarder(c *Connection, remotePort int, opts ForwardOptions) *Forwarder {
	return forward.New(c, remotePort, opts)
}
