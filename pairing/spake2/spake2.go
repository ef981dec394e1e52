// Package spake2 implements the password-authenticated key exchange the
// wireless pairing flow uses to derive a shared secret from the 6-digit
// pairing code (§4.7), using the P-256 curve and the fixed M/N generator
// points from the CFRG SPAKE2 draft.
package spake2

import (
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"math/big"

	"github.com/gosuda/goadb/adberr"
)

var curve = elliptic.P256()

// mBytes and nBytes are the fixed P-256 SPAKE2 generator points (uncompressed
// point encoding, 0x04 || x || y), the same constants used by every SPAKE2
// implementation over this curve.
var (
	mBytes = []byte{
		0x04, 0x88, 0x6e, 0x2f, 0x97, 0xac, 0xe4, 0x6e, 0x55, 0xba, 0x9d, 0xd7, 0x24, 0x25, 0x79, 0xf2, 0x99,
		0x3b, 0x64, 0xe1, 0x6e, 0xf3, 0xdc, 0xab, 0x95, 0xaf, 0xd4, 0x97, 0x33, 0x3d, 0x8f, 0xa1, 0x2f, 0x5f,
		0xf3, 0x55, 0x16, 0x3e, 0x43, 0xce, 0x22, 0x4e, 0x0b, 0x0e, 0x65, 0xff, 0x02, 0xac, 0x8e, 0x5c, 0x7b,
		0xe0, 0x94, 0x19, 0xc7, 0x85, 0xe0, 0xca, 0x54, 0x7d, 0x55, 0xa1, 0x2e, 0x2d, 0x20,
	}
	nBytes = []byte{
		0x04, 0xd8, 0xbb, 0xd6, 0xc6, 0x39, 0xc6, 0x29, 0x37, 0xb0, 0x4d, 0x99, 0x7f, 0x38, 0xc3, 0x77, 0x07,
		0x19, 0xc6, 0x29, 0xd7, 0x01, 0x4d, 0x49, 0xa2, 0x4b, 0x4f, 0x98, 0xba, 0xa1, 0x29, 0x2b, 0x49, 0x07,
		0xd6, 0x0a, 0xa6, 0xbf, 0xad, 0xe4, 0x50, 0x08, 0xa6, 0x36, 0x33, 0x7f, 0x51, 0x68, 0xc6, 0x4d, 0x9b,
		0xd3, 0x60, 0x34, 0x80, 0x8c, 0xd5, 0x64, 0x49, 0x0b, 0x1e, 0x65, 0x6e, 0xdb, 0xe7,
	}
)

var mX, mY = mustUnmarshal(mBytes)
var nX, nY = mustUnmarshal(nBytes)

func mustUnmarshal(b []byte) (*big.Int, *big.Int) {
	x, y := elliptic.Unmarshal(curve, b)
	if x == nil {
		panic("spake2: invalid generator point constant")
	}
	return x, y
}

// Exchange is one party's half of a SPAKE2 run: our random scalar, the
// password-derived scalar, and which generator point we add it against.
// IsClient picks the M/N assignment — client uses M for its own share and N
// to subtract from the peer's; the device side would do the reverse.
type Exchange struct {
	w        *big.Int
	x        *big.Int
	isClient bool
}

// New derives w from password (the 6-digit pairing code) and picks a fresh
// random scalar for this run.
func New(password []byte, isClient bool) (*Exchange, error) {
	x, err := rand.Int(rand.Reader, curve.Params().N)
	if err != nil {
		return nil, adberr.Wrap(adberr.KindPairing, err, "generate spake2 scalar")
	}
	return &Exchange{w: hashToScalar(password), x: x, isClient: isClient}, nil
}

func hashToScalar(password []byte) *big.Int {
	h := sha256.Sum256(password)
	w := new(big.Int).SetBytes(h[:])
	return w.Mod(w, curve.Params().N)
}

// Message returns this party's public share: X = x*P + w*M for the client,
// Y = x*P + w*N for the device side.
func (e *Exchange) Message() []byte {
	px, py := curve.ScalarBaseMult(e.x.Bytes())
	gx, gy := e.ownGenerator()
	wx, wy := curve.ScalarMult(gx, gy, e.w.Bytes())
	sx, sy := curve.Add(px, py, wx, wy)
	return elliptic.Marshal(curve, sx, sy)
}

// Finish consumes the peer's share, derives the shared point, and returns a
// 32-byte shared secret K (§4.7 step 1: "finalises to a shared key K").
func (e *Exchange) Finish(peerMsg []byte) ([]byte, error) {
	px, py := elliptic.Unmarshal(curve, peerMsg)
	if px == nil {
		return nil, adberr.New(adberr.KindPairing, "invalid peer spake2 share", nil)
	}

	gx, gy := e.peerGenerator()
	wx, wy := curve.ScalarMult(gx, gy, e.w.Bytes())
	wyNeg := new(big.Int).Sub(curve.Params().P, wy)
	wyNeg.Mod(wyNeg, curve.Params().P)

	qx, qy := curve.Add(px, py, wx, wyNeg)
	if !curve.IsOnCurve(qx, qy) {
		return nil, adberr.New(adberr.KindPairing, "peer share does not subtract to a valid point", nil)
	}
	kx, _ := curve.ScalarMult(qx, qy, e.x.Bytes())

	// Both parties must hash the two public shares in the same order
	// regardless of which one is "ours", or they derive different secrets.
	clientMsg, deviceMsg := e.Message(), peerMsg
	if !e.isClient {
		clientMsg, deviceMsg = peerMsg, e.Message()
	}

	transcript := sha256.New()
	transcript.Write(clientMsg)
	transcript.Write(deviceMsg)
	transcript.Write(kx.Bytes())
	transcript.Write(e.w.Bytes())
	return transcript.Sum(nil), nil
}

func (e *Exchange) ownGenerator() (*big.Int, *big.Int) {
	if e.isClient {
		return mX, mY
	}
	return nX, nY
}

func (e *Exchange) peerGenerator() (*big.Int, *big.Int) {
	if e.isClient {
		return nX, nY
	}
	return mX, mY
}
