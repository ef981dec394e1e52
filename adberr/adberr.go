// Package adberr defines the error taxonomy shared by every layer of the
// client (§7): a small set of kinds, each wrapping an underlying cause, so
// callers can branch with errors.As/errors.Is instead of string matching.
package adberr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way §7 does — by what went wrong, not which
// package raised it.
type Kind int

const (
	// KindTransport covers TCP/TLS connect, read, write, and close failures.
	KindTransport Kind = iota
	// KindProtocol covers malformed frames: bad header, bad magic, bad
	// checksum, unexpected command in state, truncated payload, unknown
	// SYNC id, malformed pairing frame. Always fatal to the connection.
	KindProtocol
	// KindAuth covers exhausted keys or device rejection of AUTH-3.
	KindAuth
	// KindStreamRejected covers a CLSE in response to our OPEN.
	KindStreamRejected
	// KindStreamClosed covers an operation on an already-closed/half-closed
	// stream.
	KindStreamClosed
	// KindSync covers a device FAIL reply; terminates the sync stream only.
	KindSync
	// KindTimeout covers expiry of a configured deadline.
	KindTimeout
	// KindPairing covers SPAKE2 mismatch, AEAD decrypt failure, or a
	// malformed PEER_INFO.
	KindPairing
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindStreamRejected:
		return "stream-rejected"
	case KindStreamClosed:
		return "stream-closed"
	case KindSync:
		return "sync"
	case KindTimeout:
		return "timeout"
	case KindPairing:
		return "pairing"
	default:
		return "unknown"
	}
}

// Error is the concrete error type every kind in the taxonomy shares.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, adberr.New(adberr.KindTimeout, "", nil)) — more
// commonly they'll use the OfKind helper below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an *Error of the given kind.
func New(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Wrap constructs an *Error of the given kind, formatting msg like fmt.Errorf.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// OfKind reports whether err (or something it wraps) is an *Error of kind k.
func OfKind(err error, k Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == k
}
