// Package pairing implements the wireless pairing flow used to enroll a new
// identity key with an Android 11+ device (§4.7): a TLS 1.3 channel over
// which a SPAKE2 exchange keyed by the 6-digit pairing code derives a
// shared secret, which in turn keys an AEAD exchange of each side's
// public-key identity.
package pairing

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"reflect"
	"strings"
	"time"

	"github.com/gosuda/goadb/adberr"
	"github.com/gosuda/goadb/identity"
	"github.com/gosuda/goadb/pairing/spake2"
	"github.com/gosuda/goadb/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State tracks progress through the pairing state machine, surfaced only
// for logging.
type State int

const (
	StateStart State = iota
	StateSpake2Exchanged
	StatePeerInfoSent
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateSpake2Exchanged:
		return "spake2-exchanged"
	case StatePeerInfoSent:
		return "peer-info-sent"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Options configures a Pair call.
type Options struct {
	ConnectTimeout time.Duration
	// ReadTimeout bounds each individual read/write on the secured channel.
	ReadTimeout time.Duration
	Logger      zerolog.Logger
}

// Result is the device identity learned from a successful pairing.
type Result struct {
	DevicePublicKeyBlob []byte
	DeviceName          string
}

// tlsExporterLabel is the fixed label used to derive AEAD keying material
// from the TLS 1.3 session (§4.7 step 2).
const tlsExporterLabel = "adb-label\x00"

const tlsExporterLength = 64

// Pair dials addr and runs the pairing flow to completion, returning the
// device's public key blob and name on success.
func Pair(ctx context.Context, addr, code string, key *identity.Key, opts Options) (*Result, error) {
	logger := opts.Logger
	if reflect.DeepEqual(logger, zerolog.Logger{}) {
		logger = log.Logger
	}

	plain, err := transport.DialTCP(ctx, addr, transport.DialOptions{
		ConnectTimeout: opts.ConnectTimeout,
		IdleTimeout:    opts.ReadTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	return pairOverChannel(plain, code, key, opts, logger)
}

// pairOverChannel runs the state machine over an already-dialed Plain
// channel, factored out so tests can drive it over an in-memory pipe.
func pairOverChannel(plain *transport.Plain, code string, key *identity.Key, opts Options, logger zerolog.Logger) (*Result, error) {
	state := StateStart
	fail := func(err error) (*Result, error) {
		state = StateFailed
		logger.Debug().Str("state", state.String()).Err(err).Msg("pairing: failed")
		return nil, err
	}

	tlsCfg, err := transport.ClientConfig(key, tls.VersionTLS13)
	if err != nil {
		return fail(err)
	}
	secured, err := transport.Upgrade(plain, tlsCfg, opts.ReadTimeout, logger)
	if err != nil {
		return fail(err)
	}
	defer secured.Close()

	r := chanReader{ch: secured}
	w := chanWriter{ch: secured}

	ex, err := spake2.New([]byte(code), true)
	if err != nil {
		return fail(err)
	}
	if err := writePacket(w, typeSpake2Msg, ex.Message()); err != nil {
		return fail(err)
	}

	peerType, peerBody, err := readPacket(r)
	if err != nil {
		return fail(err)
	}
	if peerType != typeSpake2Msg {
		return fail(adberr.New(adberr.KindProtocol, "expected spake2 message packet", nil))
	}

	sharedSecret, err := ex.Finish(peerBody)
	if err != nil {
		return fail(err)
	}
	state = StateSpake2Exchanged
	logger.Debug().Str("state", state.String()).Msg("pairing: spake2 exchange complete")

	km, err := secured.ExportKeyingMaterial(tlsExporterLabel, nil, tlsExporterLength)
	if err != nil {
		return fail(err)
	}

	aesKey, hmacKey, err := deriveKeys(sharedSecret, km)
	if err != nil {
		return fail(err)
	}
	gcm, err := newGCM(aesKey)
	if err != nil {
		return fail(err)
	}
	nonce := hmacKey[:nonceSize]

	pubLine, err := key.PublicKeyBase64()
	if err != nil {
		return fail(err)
	}
	pubLine = strings.TrimSuffix(pubLine, "\n")

	sealedOurs := sealWithLeadingTag(gcm, nonce, buildPeerInfo(pubLine))
	if err := writePacket(w, typePeerInfo, sealedOurs); err != nil {
		return fail(err)
	}
	state = StatePeerInfoSent
	logger.Debug().Str("state", state.String()).Msg("pairing: peer_info sent")

	peerType, peerBody, err = readPacket(r)
	if err != nil {
		return fail(err)
	}
	if peerType != typePeerInfo {
		return fail(adberr.New(adberr.KindProtocol, "expected peer_info packet", nil))
	}

	plaintext, err := openWithLeadingTag(gcm, nonce, peerBody)
	if err != nil {
		return fail(err)
	}
	line, err := parsePeerInfo(plaintext)
	if err != nil {
		return fail(err)
	}

	parts := strings.SplitN(line, " ", 2)
	if len(parts) != 2 {
		return fail(adberr.New(adberr.KindPairing, "malformed peer_info line", nil))
	}
	blob, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return fail(adberr.Wrap(adberr.KindPairing, err, "decode peer public key"))
	}

	state = StateDone
	logger.Debug().Str("state", state.String()).Msg("pairing: complete")

	return &Result{DevicePublicKeyBlob: blob, DeviceName: parts[1]}, nil
}
