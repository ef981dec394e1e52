package goadb

import "github.com/gosuda/goadb/adberr"

// Error kinds re-exported for callers who want to branch on failure class
// without importing adberr directly.
const (
	KindTransport      = adberr.KindTransport
	KindProtocol       = adberr.KindProtocol
	KindAuth           = adberr.KindAuth
	KindStreamRejected = adberr.KindStreamRejected
	KindStreamClosed   = adberr.KindStreamClosed
	KindSync           = adberr.KindSync
	KindTimeout        = adberr.KindTimeout
	KindPairing        = adberr.KindPairing
)

// IsKind reports whether err (or something it wraps) belongs to kind.
func IsKind(err error, kind adberr.Kind) bool {
	return adberr.OfKind(err, kind)
}
