package sync

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/gosuda/goadb/conn"
	"github.com/gosuda/goadb/identity"
	"github.com/gosuda/goadb/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testIdentity(t *testing.T) *identity.Key {
	t.Helper()
	k, err := identity.Generate("test")
	require.NoError(t, err)
	return k
}

// acceptAndHandshake plays the no-auth side of CNXN for a scripted device.
func acceptAndHandshake(t *testing.T, nc net.Conn) {
	t.Helper()
	cnxn, err := wire.Decode(nc, wire.VersionNoChecksum, wire.DefaultMaxPayload)
	require.NoError(t, err)
	require.Equal(t, wire.CNXN, cnxn.Command)
	writeRaw(t, nc, wire.Message{
		Command: wire.CNXN,
		Arg0:    wire.VersionNoChecksum,
		Arg1:    wire.DefaultMaxPayload,
		Payload: []byte("device::features=shell_v2\x00"),
	})
}

// acceptOpen reads the OPEN for the one stream this test cares about and
// acks it, returning the client's local stream id.
func acceptOpen(t *testing.T, nc net.Conn, deviceStreamID uint32) uint32 {
	t.Helper()
	open, err := wire.Decode(nc, wire.VersionNoChecksum, wire.DefaultMaxPayload)
	require.NoError(t, err)
	require.Equal(t, wire.OPEN, open.Command)
	writeRaw(t, nc, wire.Message{Command: wire.OKAY, Arg0: deviceStreamID, Arg1: open.Arg0})
	return open.Arg0
}

func writeRaw(t *testing.T, nc net.Conn, m wire.Message) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, wire.Encode(&buf, wire.VersionNoChecksum, m))
	_, err := nc.Write(buf.Bytes())
	require.NoError(t, err)
}

// readSyncWrte reads the next WRTE addressed to the sync stream and decodes
// the single SYNC frame it carries (every SYNC frame fits in one WRTE at
// these sizes).
func readSyncWrte(t *testing.T, nc net.Conn) (id, uint32, []byte) {
	t.Helper()
	m, err := wire.Decode(nc, wire.VersionNoChecksum, wire.DefaultMaxPayload)
	require.NoError(t, err)
	require.Equal(t, wire.WRTE, m.Command)
	fid, length, body, err := readFrame(bytes.NewReader(m.Payload))
	require.NoError(t, err)
	return fid, length, body
}

func ackWrte(t *testing.T, nc net.Conn, deviceStreamID, clientLocalID uint32) {
	t.Helper()
	writeRaw(t, nc, wire.Message{Command: wire.OKAY, Arg0: deviceStreamID, Arg1: clientLocalID})
}

// sendSyncFrame sends one SYNC frame to the client as a WRTE.
func sendSyncFrame(t *testing.T, nc net.Conn, deviceStreamID, clientLocalID uint32, fid id, length uint32, body []byte) {
	t.Helper()
	buf := make([]byte, 8+len(body))
	copy(buf[:4], fid[:])
	binaryPutUint32(buf[4:8], length)
	copy(buf[8:], body)
	writeRaw(t, nc, wire.Message{Command: wire.WRTE, Arg0: deviceStreamID, Arg1: clientLocalID, Payload: buf})

	// The client's engine OKAYs every inbound WRTE before processing the
	// next frame (§5); drain it so the wire stays in lockstep.
	m, err := wire.Decode(nc, wire.VersionNoChecksum, wire.DefaultMaxPayload)
	require.NoError(t, err)
	require.Equal(t, wire.OKAY, m.Command)
}

func binaryPutUint32(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 24)
}

func dialClient(t *testing.T, addr string) *conn.Connection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := conn.Dial(ctx, addr, conn.Options{Keys: []*identity.Key{testIdentity(t)}})
	require.NoError(t, err)
	return c
}

func TestPushRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	const deviceStreamID = 42
	data := bytes.Repeat([]byte{0xAB}, 10)
	mtime := time.Unix(1700000000, 0)

	var gotHeader []byte
	var gotData []byte
	var gotMtime uint32

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		nc, err := ln.Accept()
		require.NoError(t, err)
		defer nc.Close()

		acceptAndHandshake(t, nc)
		clientLocalID := acceptOpen(t, nc, deviceStreamID)

		fid, _, body := readSyncWrte(t, nc)
		require.Equal(t, idSend, fid)
		gotHeader = body
		ackWrte(t, nc, deviceStreamID, clientLocalID)

		fid, _, body = readSyncWrte(t, nc)
		require.Equal(t, idData, fid)
		gotData = append([]byte{}, body...)
		ackWrte(t, nc, deviceStreamID, clientLocalID)

		fid, length, _ := readSyncWrte(t, nc)
		require.Equal(t, idDone, fid)
		gotMtime = length
		ackWrte(t, nc, deviceStreamID, clientLocalID)

		sendSyncFrame(t, nc, deviceStreamID, clientLocalID, idOkay, 0, nil)

		// QUIT, then CLSE from Session.Close().
		fid, _, _ = readSyncWrte(t, nc)
		require.Equal(t, idQuit, fid)
		clse, err := wire.Decode(nc, wire.VersionNoChecksum, wire.DefaultMaxPayload)
		require.NoError(t, err)
		require.Equal(t, wire.CLSE, clse.Command)
	}()

	c := dialClient(t, ln.Addr().String())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sess, err := Open(ctx, c, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, sess.Push(bytes.NewReader(data), "/tmp/x", 0o600, mtime))
	require.NoError(t, sess.Close())

	require.Equal(t, "/tmp/x,384", string(gotHeader))
	require.Equal(t, data, gotData)
	require.Equal(t, uint32(1700000000), gotMtime)

	<-serverDone
}

func TestPushZeroByteFile(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	const deviceStreamID = 43
	var sawData bool

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		nc, err := ln.Accept()
		require.NoError(t, err)
		defer nc.Close()

		acceptAndHandshake(t, nc)
		clientLocalID := acceptOpen(t, nc, deviceStreamID)

		fid, _, _ := readSyncWrte(t, nc)
		require.Equal(t, idSend, fid)
		ackWrte(t, nc, deviceStreamID, clientLocalID)

		// A zero-byte push must go straight from SEND to DONE: no DATA frame.
		fid, _, _ = readSyncWrte(t, nc)
		if fid == idData {
			sawData = true
			ackWrte(t, nc, deviceStreamID, clientLocalID)
			fid, _, _ = readSyncWrte(t, nc)
		}
		require.Equal(t, idDone, fid)
		ackWrte(t, nc, deviceStreamID, clientLocalID)

		sendSyncFrame(t, nc, deviceStreamID, clientLocalID, idOkay, 0, nil)
	}()

	c := dialClient(t, ln.Addr().String())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sess, err := Open(ctx, c, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, sess.Push(bytes.NewReader(nil), "/tmp/empty", 0o644, time.Unix(0, 0)))
	require.False(t, sawData)

	<-serverDone
}

func TestPushFailReturnsReasonAsError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	const deviceStreamID = 44

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		nc, err := ln.Accept()
		require.NoError(t, err)
		defer nc.Close()

		acceptAndHandshake(t, nc)
		clientLocalID := acceptOpen(t, nc, deviceStreamID)

		_, _, _ = readSyncWrte(t, nc) // SEND
		ackWrte(t, nc, deviceStreamID, clientLocalID)
		_, _, _ = readSyncWrte(t, nc) // DONE (zero-byte push)
		ackWrte(t, nc, deviceStreamID, clientLocalID)

		sendSyncFrame(t, nc, deviceStreamID, clientLocalID, idFail, uint32(len("permission denied")), []byte("permission denied"))
	}()

	c := dialClient(t, ln.Addr().String())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sess, err := Open(ctx, c, zerolog.Nop())
	require.NoError(t, err)

	err = sess.Push(bytes.NewReader(nil), "/tmp/x", 0, time.Unix(0, 0))
	require.Error(t, err)
	require.Contains(t, err.Error(), "permission denied")

	<-serverDone
}

func TestListEnumeratesEntries(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	const deviceStreamID = 45

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		nc, err := ln.Accept()
		require.NoError(t, err)
		defer nc.Close()

		acceptAndHandshake(t, nc)
		clientLocalID := acceptOpen(t, nc, deviceStreamID)

		fid, _, body := readSyncWrte(t, nc)
		require.Equal(t, idList, fid)
		require.Equal(t, "/sdcard", string(body))
		ackWrte(t, nc, deviceStreamID, clientLocalID)

		dentA := dentBody(0o100644, 12, 1700000000, "a.txt")
		sendSyncFrame(t, nc, deviceStreamID, clientLocalID, idDent, uint32(len(dentA)), dentA)
		dentSub := dentBody(0o40755, 0, 1700000001, "sub")
		sendSyncFrame(t, nc, deviceStreamID, clientLocalID, idDent, uint32(len(dentSub)), dentSub)
		sendSyncFrame(t, nc, deviceStreamID, clientLocalID, idDone, 0, nil)
	}()

	c := dialClient(t, ln.Addr().String())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sess, err := Open(ctx, c, zerolog.Nop())
	require.NoError(t, err)

	entries, err := sess.List("/sdcard")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "a.txt", entries[0].Name)
	require.Equal(t, uint32(12), entries[0].Size)
	require.Equal(t, "sub", entries[1].Name)

	<-serverDone
}

func TestStatReturnsMetadata(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	const deviceStreamID = 46

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		nc, err := ln.Accept()
		require.NoError(t, err)
		defer nc.Close()

		acceptAndHandshake(t, nc)
		clientLocalID := acceptOpen(t, nc, deviceStreamID)

		fid, _, body := readSyncWrte(t, nc)
		require.Equal(t, idStat, fid)
		require.Equal(t, "/tmp/x", string(body))
		ackWrte(t, nc, deviceStreamID, clientLocalID)

		statBody := make([]byte, 12)
		binaryPutUint32(statBody[0:4], 0o100600)
		binaryPutUint32(statBody[4:8], 1048576)
		binaryPutUint32(statBody[8:12], 1700000000)
		sendSyncFrame(t, nc, deviceStreamID, clientLocalID, idStat, uint32(len(statBody)), statBody)
	}()

	c := dialClient(t, ln.Addr().String())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sess, err := Open(ctx, c, zerolog.Nop())
	require.NoError(t, err)

	st, err := sess.Stat("/tmp/x")
	require.NoError(t, err)
	require.Equal(t, uint32(0o100600), st.Mode)
	require.Equal(t, uint32(1048576), st.Size)
	require.Equal(t, uint32(1700000000), st.Mtime)

	<-serverDone
}

func dentBody(mode, size, mtime uint32, name string) []byte {
	body := make([]byte, 16+len(name))
	binaryPutUint32(body[0:4], mode)
	binaryPutUint32(body[4:8], size)
	binaryPutUint32(body[8:12], mtime)
	binaryPutUint32(body[12:16], uint32(len(name)))
	copy(body[16:], name)
	return body
}
