// Package forward implements the local TCP forwarder (§4.8 C8): accept
// connections on a local port, bridge each to a device-side tcp:<port>
// stream, and copy bytes in both directions until either side closes.
package forward

import (
	"context"
	"fmt"
	"io"
	"net"
	"reflect"
	"sync"

	"github.com/gosuda/goadb/conn"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/valyala/bytebufferpool"
)

const copyBufSize = 32 * 1024

// Options configures a Forwarder.
type Options struct {
	Logger zerolog.Logger
}

// Forwarder listens on a local TCP port and bridges each accepted
// connection to a fresh "tcp:<remotePort>" stream on c.
type Forwarder struct {
	c          *conn.Connection
	remotePort int
	logger     zerolog.Logger

	ln net.Listener

	mu       sync.Mutex
	pairs    map[*bridge]struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Forwarder that bridges to remotePort over c. Call Start to
// begin accepting connections.
func New(c *conn.Connection, remotePort int, opts Options) *Forwarder {
	logger := opts.Logger
	if reflect.DeepEqual(logger, zerolog.Logger{}) {
		logger = log.Logger
	}
	return &Forwarder{
		c:          c,
		remotePort: remotePort,
		logger:     logger,
		pairs:      make(map[*bridge]struct{}),
		stopCh:     make(chan struct{}),
	}
}

// Start binds localAddr (host:port, or ":0" for an ephemeral port) and
// begins accepting connections in the background.
func (f *Forwarder) Start(localAddr string) error {
	ln, err := net.Listen("tcp", localAddr)
	if err != nil {
		return err
	}
	f.ln = ln

	f.logger.Info().Str("local", ln.Addr().String()).Int("remote_port", f.remotePort).Msg("forward: listening")

	f.wg.Add(1)
	go f.acceptLoop()
	return nil
}

// Addr returns the local listener's address. Only valid after Start.
func (f *Forwarder) Addr() net.Addr {
	return f.ln.Addr()
}

func (f *Forwarder) acceptLoop() {
	defer f.wg.Done()
	for {
		local, err := f.ln.Accept()
		if err != nil {
			select {
			case <-f.stopCh:
				return
			default:
				f.logger.Error().Err(err).Msg("forward: accept failed")
				return
			}
		}
		f.wg.Add(1)
		go f.handle(local)
	}
}

func (f *Forwarder) handle(local net.Conn) {
	defer f.wg.Done()

	destination := fmt.Sprintf("tcp:%d", f.remotePort)
	stream, err := f.c.Open(context.Background(), destination)
	if err != nil {
		f.logger.Error().Err(err).Str("destination", destination).Msg("forward: open stream failed")
		_ = local.Close()
		return
	}

	b := &bridge{local: local, stream: stream}
	if !f.addPair(b) {
		// Stop ran while the stream was opening; it never saw this pair.
		b.close()
		return
	}
	defer f.removePair(b)

	b.run(f.logger)
}

// addPair/removePair track live bridges so Stop can tear them all down.
// addPair refuses (returns false) once Stop has begun.
func (f *Forwarder) addPair(b *bridge) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.stopCh:
		return false
	default:
	}
	f.pairs[b] = struct{}{}
	return true
}

func (f *Forwarder) removePair(b *bridge) {
	f.mu.Lock()
	delete(f.pairs, b)
	f.mu.Unlock()
}

// Stop closes the listener and every active bridge, then waits for the
// accept loop and all copiers to exit.
func (f *Forwarder) Stop() error {
	f.stopOnce.Do(func() {
		close(f.stopCh)
	})

	var err error
	if f.ln != nil {
		err = f.ln.Close()
	}

	f.mu.Lock()
	pairs := make([]*bridge, 0, len(f.pairs))
	for b := range f.pairs {
		pairs = append(pairs, b)
	}
	f.mu.Unlock()
	for _, b := range pairs {
		b.close()
	}

	f.wg.Wait()
	f.logger.Info().Msg("forward: stopped")
	return err
}

// bridge couples one accepted local connection with its device stream and
// runs the two copiers that bind them.
type bridge struct {
	local  net.Conn
	stream *conn.Stream

	closeOnce sync.Once
}

func (b *bridge) run(logger zerolog.Logger) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		b.copyLocalToStream()
	}()
	go func() {
		defer wg.Done()
		b.copyStreamToLocal()
	}()

	wg.Wait()
	logger.Debug().Msg("forward: pair closed")
}

func (b *bridge) copyLocalToStream() {
	defer b.close()

	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	if cap(bb.B) < copyBufSize {
		bb.B = make([]byte, copyBufSize)
	}
	buf := bb.B[:copyBufSize]

	for {
		n, err := b.local.Read(buf)
		if n > 0 {
			if _, werr := b.stream.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (b *bridge) copyStreamToLocal() {
	defer b.close()
	for {
		chunk, err := b.stream.Read()
		if err != nil {
			return
		}
		if _, werr := b.local.Write(chunk); werr != nil {
			return
		}
	}
}

// close tears down both sides of the pair. Idempotent.
func (b *bridge) close() {
	b.closeOnce.Do(func() {
		_ = b.local.Close()
		_ = b.stream.Close()
	})
}

var _ io.Closer = (*Forwarder)(nil)

// Close is an alias for Stop, satisfying io.Closer.
func (f *Forwarder) Close() error { return f.Stop() }
