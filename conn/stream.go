package conn

import (
	"context"
	"sync"

	"github.com/gosuda/goadb/adberr"
	"github.com/gosuda/goadb/wire"
)

// Stream is one logical, multiplexed ADB stream (§3 "Stream", §5, §8).
//
// Write blocks until the peer OKAYs the previous WRTE (one outstanding WRTE
// per stream, §8 invariant "WRTE sent minus OKAY received is 0 or 1"). Read
// drains chunks delivered by the connection's read loop.
type Stream struct {
	conn *Connection

	localID  uint32
	remoteID uint32

	destination string

	// credit is pushed once per outstanding-WRTE slot: once when the
	// stream opens, and again each time the peer OKAYs our WRTE. Write
	// acquires a token before sending.
	credit chan struct{}

	// openAck receives nil on the matching OKAY for our OPEN, or an error
	// if the peer CLSEd the open attempt.
	openAck chan error

	inbox chan []byte

	mu       sync.Mutex
	state    StreamState
	closeErr error
	done     chan struct{}

	writeMu sync.Mutex
}

func newStream(c *Connection, localID uint32, destination string, inboxSize int) *Stream {
	return &Stream{
		conn:        c,
		localID:     localID,
		destination: destination,
		credit:      make(chan struct{}, 1),
		openAck:     make(chan error, 1),
		inbox:       make(chan []byte, inboxSize),
		state:       Opening,
	}
}

// Open allocates a fresh local stream id (§8: "never reused within a
// connection's lifetime"), sends OPEN, and waits for the peer's OKAY or
// CLSE.
func (c *Connection) Open(ctx context.Context, destination string) (*Stream, error) {
	c.mu.Lock()
	if c.state != Online {
		c.mu.Unlock()
		return nil, adberr.New(adberr.KindTransport, "connection is not online", nil)
	}
	localID := c.nextLocalID
	c.nextLocalID++
	s := newStream(c, localID, destination, 4)
	c.streams[localID] = s
	c.mu.Unlock()

	if err := c.sendFrame(wire.Message{
		Command: wire.OPEN,
		Arg0:    localID,
		Arg1:    0,
		Payload: append([]byte(destination), 0),
	}); err != nil {
		c.removeStream(localID)
		return nil, err
	}

	select {
	case err := <-s.openAck:
		if err != nil {
			c.removeStream(localID)
			return nil, err
		}
	case <-ctx.Done():
		c.removeStream(localID)
		return nil, adberr.Wrap(adberr.KindTimeout, ctx.Err(), "open %q", destination)
	}

	s.mu.Lock()
	s.state = Open
	s.mu.Unlock()
	s.credit <- struct{}{}

	return s, nil
}

func (c *Connection) removeStream(id uint32) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

// Write sends p as one or more WRTE frames, chunked to the negotiated
// maxPayload, acquiring one credit token per chunk (§5 "flow control",
// §8 invariant).
func (s *Stream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	max := int(s.conn.MaxPayload())
	written := 0
	for written < len(p) {
		if s.isClosedForWrite() {
			return written, adberr.New(adberr.KindStreamClosed, "stream closed", nil)
		}

		end := written + max
		if end > len(p) {
			end = len(p)
		}
		chunk := p[written:end]

		select {
		case <-s.credit:
		case <-s.waitClosed():
			return written, s.closeError()
		}

		if err := s.conn.sendFrame(wire.Message{
			Command: wire.WRTE,
			Arg0:    s.localID,
			Arg1:    s.remoteID,
			Payload: chunk,
		}); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

// done is closed once on teardown; waitClosed returns that channel, closed
// exactly when the stream becomes unusable.
func (s *Stream) waitClosed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doneCh()
}

// doneCh lazily creates and caches a done channel, closed by teardown.
// Must be called with s.mu held.
func (s *Stream) doneCh() chan struct{} {
	if s.done == nil {
		s.done = make(chan struct{})
	}
	return s.done
}

func (s *Stream) isClosedForWrite() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == HalfClosedLocal || s.state == StreamClosed
}

func (s *Stream) closeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeErr != nil {
		return s.closeErr
	}
	return adberr.New(adberr.KindStreamClosed, "stream closed", nil)
}

// Read returns the next chunk of data delivered by the peer, or the
// stream's terminal error once no more data remains.
func (s *Stream) Read() ([]byte, error) {
	select {
	case chunk, ok := <-s.inbox:
		if !ok {
			return nil, s.closeError()
		}
		return chunk, nil
	case <-s.waitClosed():
		// Hand out data that was already queued before reporting the end.
		select {
		case chunk, ok := <-s.inbox:
			if ok {
				return chunk, nil
			}
		default:
		}
		return nil, s.closeError()
	}
}

// Close fully closes the stream by sending CLSE, then removes it from the
// connection. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	alreadyClosed := s.state == StreamClosed
	s.state = StreamClosed
	s.mu.Unlock()

	if alreadyClosed {
		return nil
	}

	s.teardown(nil)

	return s.conn.sendFrame(wire.Message{
		Command: wire.CLSE,
		Arg0:    s.localID,
		Arg1:    s.remoteID,
	})
}

// teardown marks the stream closed, records cause (if any) as the terminal
// Read/Write error, and unblocks any goroutine waiting on inbox/credit/
// openAck/done. Safe to call more than once.
func (s *Stream) teardown(cause error) {
	s.mu.Lock()
	if s.state == StreamClosed && s.closeErr != nil {
		s.mu.Unlock()
		return
	}
	if cause != nil {
		s.closeErr = cause
	}
	s.state = StreamClosed
	done := s.doneCh()
	s.mu.Unlock()

	select {
	case <-done:
	default:
		close(done)
	}
	select {
	case s.openAck <- cause:
	default:
	}

	s.conn.removeStream(s.localID)
}

// deliver pushes an inbound WRTE payload into the stream's inbox. Called
// from the connection's read loop. A no-op once the remote side has
// already half-closed (inbox is closed by then).
func (s *Stream) deliver(payload []byte) {
	s.mu.Lock()
	if s.state == HalfClosedRemote || s.state == StreamClosed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	select {
	case s.inbox <- payload:
	case <-s.waitClosed():
	}
}

// acceptOpen completes a pending Open once the peer's OKAY names its own
// remote stream id.
func (s *Stream) acceptOpen(remoteID uint32) {
	s.mu.Lock()
	s.remoteID = remoteID
	s.mu.Unlock()
	select {
	case s.openAck <- nil:
	default:
	}
}

// ackWrite returns a credit token after the peer OKAYs our WRTE.
func (s *Stream) ackWrite() {
	select {
	case s.credit <- struct{}{}:
	default:
	}
}

// halfCloseRemote marks that the peer sent CLSE without us having closed
// first: no more inbound data will arrive. The read loop tears the stream
// down right after this call, so writes fail from then on as well.
func (s *Stream) halfCloseRemote() {
	s.mu.Lock()
	if s.state == Open {
		s.state = HalfClosedRemote
	}
	s.mu.Unlock()
	close(s.inbox)
}
