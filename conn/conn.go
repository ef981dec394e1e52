// Package conn implements the ADB connection engine (§2 C4) and logical
// streams (§2 C5): the CNXN/AUTH/STLS handshake, frame demultiplexing, the
// outbound credit discipline, and the stream factory.
package conn

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gosuda/goadb/adberr"
	"github.com/gosuda/goadb/identity"
	"github.com/gosuda/goadb/transport"
	"github.com/gosuda/goadb/wire"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options configures a Dial.
type Options struct {
	// Keys is tried in order during the AUTH loop (§4.4); the first is also
	// the one whose public key is offered in AUTH-3 and whose Name is used
	// as the hint.
	Keys []*identity.Key
	// Features advertised in our CNXN banner. Defaults to DefaultFeatures.
	Features []string
	// MaxPayload we advertise in CNXN. Defaults to wire.DefaultMaxPayload.
	MaxPayload uint32
	// Version we advertise in CNXN. Defaults to wire.VersionNoChecksum.
	Version uint32

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	// AuthTimeout bounds how long we wait for the device to confirm AUTH-3
	// ("device must confirm" state, §4.4). Zero means no timeout.
	AuthTimeout time.Duration

	// TLSMinVersion is used if the peer requests an STLS upgrade.
	TLSMinVersion uint16

	// InboxSize is set to 4 when zero, but Open does not read it: every
	// stream's inbound chunk queue holds 4 chunks whatever the value (§5:
	// the bound "serves only as a debug check", since OKAY-gating already
	// caps in-flight to one frame).
	InboxSize int

	Logger zerolog.Logger
}

func (o *Options) setDefaults() {
	if len(o.Features) == 0 {
		o.Features = DefaultFeatures
	}
	if o.MaxPayload == 0 {
		o.MaxPayload = wire.DefaultMaxPayload
	}
	if o.Version == 0 {
		o.Version = wire.VersionNoChecksum
	}
	if o.InboxSize == 0 {
		o.InboxSize = 4
	}
}

// Connection is one ADB connection engine: one transport, one handshake,
// many multiplexed logical streams.
type Connection struct {
	id     uuid.UUID
	logger zerolog.Logger

	ch      transport.Channel
	keys    []*identity.Key
	version uint32

	// writeMu serializes frame emission so frames are atomic on the wire
	// (§5: "single transport-write mutex").
	writeMu sync.Mutex

	// mu guards state, maxPayload, features, nextLocalID, and streams
	// (§5: "one mutex for the streams map and the send side of the
	// transport" — streams and send-side share mu; writeMu is the actual
	// wire serialization lock, kept separate so a blocked write doesn't
	// stall stream bookkeeping).
	mu          sync.Mutex
	state       State
	maxPayload  uint32
	features    map[string]struct{}
	nextLocalID uint32
	streams     map[uint32]*Stream

	readerDone chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

// Dial establishes a transport, drives the CNXN/AUTH/STLS handshake (§4.4),
// and returns an Online connection ready to open streams.
func Dial(ctx context.Context, addr string, opts Options) (*Connection, error) {
	opts.setDefaults()
	if len(opts.Keys) == 0 {
		return nil, adberr.New(adberr.KindAuth, "no identity keys supplied", nil)
	}

	logger := opts.Logger
	if reflect.DeepEqual(logger, zerolog.Logger{}) {
		logger = log.Logger
	}
	id := uuid.New()
	logger = logger.With().Str("conn", id.String()).Logger()

	plain, err := transport.DialTCP(ctx, addr, transport.DialOptions{
		ConnectTimeout: opts.ConnectTimeout,
		IdleTimeout:    opts.IdleTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	return newConnection(ctx, plain, id, logger, opts)
}

// newConnection drives the handshake over an already-connected channel and,
// on success, starts the read loop. Split out from Dial so tests can supply
// an in-memory Channel instead of a real TCP socket.
func newConnection(ctx context.Context, ch *transport.Plain, id uuid.UUID, logger zerolog.Logger, opts Options) (*Connection, error) {
	c := &Connection{
		id:          id,
		logger:      logger,
		ch:          ch,
		keys:        opts.Keys,
		version:     opts.Version,
		state:       Connecting,
		maxPayload:  opts.MaxPayload,
		features:    map[string]struct{}{},
		nextLocalID: 1,
		streams:     map[uint32]*Stream{},
		readerDone:  make(chan struct{}),
	}

	if opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.HandshakeTimeout)
		defer cancel()
	}

	if err := c.handshake(ctx, opts, ch); err != nil {
		_ = c.ch.Close()
		return nil, err
	}

	c.mu.Lock()
	c.state = Online
	c.mu.Unlock()
	logger.Info().Msg("conn: online")

	go c.readLoop()

	return c, nil
}

// handshake drives §4.4's CNXN/AUTH/STLS state machine, reading frames
// synchronously (no reader goroutine yet — nothing else is happening on
// this connection during the handshake).
func (c *Connection) handshake(ctx context.Context, opts Options, plain *transport.Plain) error {
	for {
		if err := c.sendHandshakeFrame(wire.Message{
			Command: wire.CNXN,
			Arg0:    c.version,
			Arg1:    c.maxPayload,
			Payload: buildBanner(opts.Features),
		}); err != nil {
			return err
		}

		msg, err := c.readHandshakeFrame(0)
		if err != nil {
			return err
		}

		switch msg.Command {
		case wire.CNXN:
			c.applyBanner(msg)
			return nil

		case wire.AUTH:
			if msg.Arg0 != wire.AuthToken {
				return adberr.New(adberr.KindProtocol, "unexpected AUTH type in handshake", nil)
			}
			return c.authLoop(ctx, opts, msg)

		case wire.STLS:
			tlsCfg, err := transport.ClientConfig(opts.Keys[0], opts.TLSMinVersion)
			if err != nil {
				return err
			}
			if err := c.sendHandshakeFrame(wire.Message{Command: wire.STLS, Arg0: c.version}); err != nil {
				return err
			}
			secured, err := transport.Upgrade(plain, tlsCfg, opts.IdleTimeout, c.logger)
			if err != nil {
				return err
			}
			c.ch = secured
			continue

		default:
			return adberr.New(adberr.KindProtocol, fmt.Sprintf("unexpected %s in handshake", msg.Command), nil)
		}
	}
}

// authLoop implements §4.4's auth loop given the first AUTH(1, token) frame.
func (c *Connection) authLoop(ctx context.Context, opts Options, first wire.Message) error {
	msg := first
	keyIndex := 0

	for {
		if msg.Command != wire.AUTH || msg.Arg0 != wire.AuthToken {
			return adberr.New(adberr.KindProtocol, "unexpected frame in auth loop", nil)
		}
		token := msg.Payload

		if keyIndex < len(opts.Keys) {
			sig, err := opts.Keys[keyIndex].Sign(token)
			if err != nil {
				return adberr.Wrap(adberr.KindAuth, err, "sign auth token")
			}
			if err := c.sendHandshakeFrame(wire.Message{Command: wire.AUTH, Arg0: wire.AuthSignature, Payload: sig}); err != nil {
				return err
			}
			keyIndex++

			next, err := c.readHandshakeFrame(0)
			if err != nil {
				return err
			}
			if next.Command == wire.CNXN {
				c.applyBanner(next)
				return nil
			}
			msg = next
			continue
		}

		payload, err := opts.Keys[0].AuthPayload()
		if err != nil {
			return adberr.Wrap(adberr.KindAuth, err, "build auth payload")
		}
		if err := c.sendHandshakeFrame(wire.Message{Command: wire.AUTH, Arg0: wire.AuthRSAPubKey, Payload: payload}); err != nil {
			return err
		}

		c.logger.Info().Msg("conn: waiting for device confirmation")
		next, err := c.readHandshakeFrame(opts.AuthTimeout)
		if err != nil {
			return adberr.Wrap(adberr.KindAuth, err, "device did not confirm AUTH-3")
		}
		if next.Command != wire.CNXN {
			return adberr.New(adberr.KindAuth, "device rejected identity key", nil)
		}
		c.applyBanner(next)
		return nil
	}
}

func (c *Connection) applyBanner(cnxn wire.Message) {
	c.version = cnxn.Arg0
	if cnxn.Arg1 > 0 && cnxn.Arg1 < c.maxPayload {
		c.maxPayload = cnxn.Arg1
	}
	c.features = parseBanner(cnxn.Payload)
}

// sendHandshakeFrame and readHandshakeFrame bypass the steady-state
// writeMu/readLoop plumbing — during the handshake there is only ever one
// reader and one writer (us), so plain synchronous I/O suffices.
func (c *Connection) sendHandshakeFrame(m wire.Message) error {
	var buf bytes.Buffer
	if err := wire.Encode(&buf, c.version, m); err != nil {
		return err
	}
	return c.ch.WriteAll(buf.Bytes())
}

func (c *Connection) readHandshakeFrame(timeout time.Duration) (wire.Message, error) {
	type result struct {
		msg wire.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := wire.Decode(chanReader{c.ch}, c.version, c.maxPayload)
		done <- result{msg, err}
	}()

	if timeout <= 0 {
		r := <-done
		return r.msg, r.err
	}

	select {
	case r := <-done:
		return r.msg, r.err
	case <-time.After(timeout):
		return wire.Message{}, adberr.New(adberr.KindTimeout, "timed out waiting for device", nil)
	}
}

// chanReader adapts a transport.Channel to io.Reader for wire.Decode.
type chanReader struct{ ch transport.Channel }

func (r chanReader) Read(p []byte) (int, error) {
	b, err := r.ch.ReadExact(len(p))
	if err != nil {
		return 0, err
	}
	copy(p, b)
	return len(p), nil
}

// sendFrame encodes and writes one frame as a single atomic write, serialized
// by writeMu (§5).
func (c *Connection) sendFrame(m wire.Message) error {
	var buf bytes.Buffer
	if err := wire.Encode(&buf, c.version, m); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ch.WriteAll(buf.Bytes())
}

// Supports reports whether the peer advertised feature in its CNXN banner
// (§4.4 "Feature negotiation").
func (c *Connection) Supports(feature string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.features[feature]
	return ok
}

// Features returns every feature string the peer advertised.
func (c *Connection) Features() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.features))
	for f := range c.features {
		out = append(out, f)
	}
	return out
}

// MaxPayload returns the negotiated maximum WRTE payload size.
func (c *Connection) MaxPayload() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxPayload
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// readLoop is the connection's single inbound-frame dispatcher (§4.4's read
// loop table, §5). It owns delivery to every stream's inbox and is the only
// goroutine that mutates stream state in response to peer frames.
func (c *Connection) readLoop() {
	defer close(c.readerDone)
	defer c.Close()

	for {
		msg, err := wire.Decode(chanReader{c.ch}, c.version, c.maxPayload)
		if err != nil {
			c.logger.Debug().Err(err).Msg("conn: read loop exiting")
			return
		}

		switch msg.Command {
		case wire.OKAY:
			s := c.lookupStream(msg.Arg1)
			if s == nil {
				continue
			}
			s.mu.Lock()
			opening := s.state == Opening
			s.mu.Unlock()
			if opening {
				s.acceptOpen(msg.Arg0)
			} else {
				s.ackWrite()
			}

		case wire.WRTE:
			s := c.lookupStream(msg.Arg1)
			if s == nil {
				_ = c.sendFrame(wire.Message{Command: wire.CLSE, Arg0: msg.Arg1, Arg1: msg.Arg0})
				continue
			}
			s.deliver(msg.Payload)
			_ = c.sendFrame(wire.Message{Command: wire.OKAY, Arg0: s.localID, Arg1: s.remoteID})

		case wire.CLSE:
			s := c.lookupStream(msg.Arg1)
			if s == nil {
				continue
			}
			s.mu.Lock()
			rejected := s.state == Opening
			s.mu.Unlock()
			s.halfCloseRemote()
			if rejected {
				s.teardown(adberr.New(adberr.KindStreamRejected, "peer rejected stream open", nil))
			} else {
				s.teardown(adberr.New(adberr.KindStreamClosed, "peer closed stream", nil))
			}

		case wire.OPEN:
			// Inbound OPEN from the peer is not part of this client's
			// operation (§1: device-initiated streams are out of scope);
			// reject it.
			_ = c.sendFrame(wire.Message{Command: wire.CLSE, Arg0: 0, Arg1: msg.Arg0})

		default:
			c.logger.Warn().Str("command", msg.Command.String()).Msg("conn: unexpected frame, ignoring")
		}
	}
}

func (c *Connection) lookupStream(localID uint32) *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[localID]
}

// Close tears the connection down: every live stream fails with a
// TransportError and the transport is closed. Idempotent.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = Closed
		streams := make([]*Stream, 0, len(c.streams))
		for _, s := range c.streams {
			streams = append(streams, s)
		}
		c.streams = map[uint32]*Stream{}
		c.mu.Unlock()

		teardownErr := adberr.New(adberr.KindTransport, "connection closed", nil)
		for _, s := range streams {
			s.teardown(teardownErr)
		}

		c.closeErr = c.ch.Close()
		c.logger.Info().Msg("conn: closed")
	})
	return c.closeErr
}
