package transport

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/gosuda/goadb/adberr"
	"github.com/gosuda/goadb/identity"
	"github.com/rs/zerolog"
	"github.com/valyala/bytebufferpool"
)

// TLS is a Channel backed by an upgraded TLS connection (§4.3: "takes an
// already-connected Plain channel, performs a TLS 1.2+ client handshake").
type TLS struct {
	conn        *tls.Conn
	idleTimeout time.Duration
	logger      zerolog.Logger

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

var _ Channel = (*TLS)(nil)

// ClientConfig builds a *tls.Config presenting a self-signed certificate
// derived from key, with an accept-any-certificate trust policy — the
// pairing protocol validates the peer's identity out of band via SPAKE2
// (§4.3, §4.7), so certificate verification is deliberately skipped here.
func ClientConfig(key *identity.Key, minVersion uint16) (*tls.Config, error) {
	cert, err := selfSignedCert(key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true, //nolint:gosec // identity is verified via SPAKE2/AUTH, not the cert chain
		MinVersion:         minVersion,
	}, nil
}

// selfSignedCert derives a self-signed X.509 certificate from an RSA
// identity key, following the same pattern as a conventional dev-mode
// certgen helper (template is also the issuer, CreateCertificate signs
// itself).
func selfSignedCert(key *identity.Key) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, adberr.Wrap(adberr.KindTransport, err, "generate serial")
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: key.Name},
		NotBefore:    time.Now().Add(-1 * time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.Private.PublicKey, key.Private)
	if err != nil {
		return tls.Certificate{}, adberr.Wrap(adberr.KindTransport, err, "create certificate")
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key.Private,
	}, nil
}

// Upgrade performs a TLS client handshake over an already-connected Plain
// channel and returns the secured Channel (§4.4 step for STLS, §4.7 step 1).
func Upgrade(plain *Plain, cfg *tls.Config, idleTimeout time.Duration, logger zerolog.Logger) (*TLS, error) {
	logger = defaultLogger(logger)
	tlsConn := tls.Client(plain.Conn(), cfg)
	if err := tlsConn.Handshake(); err != nil {
		return nil, adberr.Wrap(adberr.KindTransport, err, "tls handshake")
	}
	logger.Debug().Str("version", tlsVersionName(tlsConn.ConnectionState().Version)).Msg("transport: tls handshake complete")
	return &TLS{conn: tlsConn, idleTimeout: idleTimeout, logger: logger, closed: make(chan struct{})}, nil
}

func tlsVersionName(v uint16) string {
	switch v {
	case tls.VersionTLS12:
		return "1.2"
	case tls.VersionTLS13:
		return "1.3"
	default:
		return "unknown"
	}
}

// ExportKeyingMaterial exposes the TLS 1.3 exporter used by the pairing flow
// (§4.7 step 2, §9 open question: must be the real exporter, not random
// bytes).
func (t *TLS) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	km, err := t.conn.ConnectionState().ExportKeyingMaterial(label, context, length)
	if err != nil {
		return nil, adberr.Wrap(adberr.KindTransport, err, "export keying material")
	}
	return km, nil
}

func (t *TLS) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *TLS) ReadExact(n int) ([]byte, error) {
	if t.isClosed() {
		return nil, adberr.New(adberr.KindTransport, "channel closed", nil)
	}
	if t.idleTimeout > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.idleTimeout))
	}
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	if cap(bb.B) < n {
		bb.B = make([]byte, n)
	}
	buf := bb.B[:n]
	if _, err := io.ReadFull(t.conn, buf); err != nil {
		return nil, adberr.Wrap(adberr.KindTransport, err, "read")
	}
	out := make([]byte, n)
	copy(out, buf)
	return out, nil
}

func (t *TLS) WriteAll(b []byte) error {
	if t.isClosed() {
		return adberr.New(adberr.KindTransport, "channel closed", nil)
	}
	if t.idleTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.idleTimeout))
	}
	written := 0
	for written < len(b) {
		n, err := t.conn.Write(b[written:])
		written += n
		if err != nil {
			return adberr.Wrap(adberr.KindTransport, err, "write")
		}
	}
	return nil
}

func (t *TLS) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.closeErr = t.conn.Close()
		t.logger.Debug().Msg("transport: tls closed")
	})
	return t.closeErr
}
