// Package transport provides the raw byte-pipe abstraction ADB frames ride
// on (§2 C3, §4.3): a plain TCP channel, and a TLS upgrade of an existing
// TCP channel used both for the STLS handshake step (§4.4) and for the
// pairing flow (§4.7).
package transport

import (
	"context"
	"io"
	"net"
	"reflect"
	"sync"
	"time"

	"github.com/gosuda/goadb/adberr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/valyala/bytebufferpool"
)

// defaultLogger returns l, or the global zerolog logger if l is the zero
// value (the caller didn't set one).
func defaultLogger(l zerolog.Logger) zerolog.Logger {
	if reflect.DeepEqual(l, zerolog.Logger{}) {
		return log.Logger
	}
	return l
}

// Channel is the capability set every transport variant satisfies (§4.3,
// DESIGN NOTES "dynamic dispatch over transport variants").
type Channel interface {
	// ReadExact blocks until exactly n bytes have been read, or returns an
	// error (EOF, timeout, or "channel closed").
	ReadExact(n int) ([]byte, error)
	// WriteAll writes every byte of b or returns an error.
	WriteAll(b []byte) error
	// Close is idempotent; reads/writes after Close return a terminal
	// "channel closed" error.
	Close() error
}

// DialOptions configures a Plain TCP dial.
type DialOptions struct {
	// ConnectTimeout bounds the TCP handshake. Zero means no timeout.
	ConnectTimeout time.Duration
	// IdleTimeout bounds each individual read or write. Zero means no
	// timeout.
	IdleTimeout time.Duration
	Logger      zerolog.Logger
}

// Plain is a TCP-backed Channel.
type Plain struct {
	conn        net.Conn
	idleTimeout time.Duration
	logger      zerolog.Logger

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

var _ Channel = (*Plain)(nil)

// DialTCP establishes a plain TCP connection to addr (host:port).
func DialTCP(ctx context.Context, addr string, opts DialOptions) (*Plain, error) {
	logger := defaultLogger(opts.Logger)

	dialCtx := ctx
	var cancel context.CancelFunc
	if opts.ConnectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, adberr.Wrap(adberr.KindTransport, err, "dial %s", addr)
	}

	logger.Debug().Str("addr", addr).Msg("transport: tcp connected")

	return &Plain{
		conn:        conn,
		idleTimeout: opts.IdleTimeout,
		logger:      logger,
		closed:      make(chan struct{}),
	}, nil
}

// WrapConn adapts an already-connected net.Conn into a Plain channel.
func WrapConn(conn net.Conn, idleTimeout time.Duration, logger zerolog.Logger) *Plain {
	return &Plain{conn: conn, idleTimeout: idleTimeout, logger: logger, closed: make(chan struct{})}
}

// Conn exposes the underlying net.Conn, needed to upgrade to TLS (§4.3).
func (p *Plain) Conn() net.Conn { return p.conn }

func (p *Plain) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *Plain) ReadExact(n int) ([]byte, error) {
	if p.isClosed() {
		return nil, adberr.New(adberr.KindTransport, "channel closed", nil)
	}
	if p.idleTimeout > 0 {
		_ = p.conn.SetReadDeadline(time.Now().Add(p.idleTimeout))
	}
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	if cap(bb.B) < n {
		bb.B = make([]byte, n)
	}
	buf := bb.B[:n]
	if _, err := io.ReadFull(p.conn, buf); err != nil {
		return nil, adberr.Wrap(adberr.KindTransport, err, "read")
	}
	out := make([]byte, n)
	copy(out, buf)
	return out, nil
}

func (p *Plain) WriteAll(b []byte) error {
	if p.isClosed() {
		return adberr.New(adberr.KindTransport, "channel closed", nil)
	}
	if p.idleTimeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.idleTimeout))
	}
	written := 0
	for written < len(b) {
		n, err := p.conn.Write(b[written:])
		written += n
		if err != nil {
			return adberr.Wrap(adberr.KindTransport, err, "write")
		}
	}
	return nil
}

func (p *Plain) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.closeErr = p.conn.Close()
		p.logger.Debug().Msg("transport: tcp closed")
	})
	return p.closeErr
}
