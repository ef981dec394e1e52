// Package sync implements the SYNC sub-protocol (§2 C6, §4.6): push, pull,
// stat, and list operations layered on a single logical stream opened with
// destination "sync:".
package sync

import (
	"encoding/binary"
	"io"

	"github.com/gosuda/goadb/adberr"
	"github.com/gosuda/goadb/conn"
)

// id is a 4-byte ASCII SYNC frame identifier (§4.6).
type id [4]byte

func (i id) String() string { return string(i[:]) }

var (
	idSend = id{'S', 'E', 'N', 'D'}
	idData = id{'D', 'A', 'T', 'A'}
	idDone = id{'D', 'O', 'N', 'E'}
	idOkay = id{'O', 'K', 'A', 'Y'}
	idFail = id{'F', 'A', 'I', 'L'}
	idRecv = id{'R', 'E', 'C', 'V'}
	idStat = id{'S', 'T', 'A', 'T'}
	idList = id{'L', 'I', 'S', 'T'}
	idDent = id{'D', 'E', 'N', 'T'}
	idQuit = id{'Q', 'U', 'I', 'T'}
)

// maxChunk bounds each outbound DATA body (§4.6: "chunk ≤ 64 KiB").
const maxChunk = 64 * 1024

// chunkReader adapts a logical stream's chunked Read into an io.Reader, so
// frame parsing can block on io.ReadFull across chunk boundaries regardless
// of how the transport happened to fragment delivery.
type chunkReader struct {
	stream *conn.Stream
	buf    []byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		chunk, err := r.stream.Read()
		if err != nil {
			return 0, err
		}
		r.buf = chunk
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// writeFrame encodes and sends one SYNC frame: id, length, then body — except
// for DONE, whose length field IS the mtime and which carries no body
// (§4.6).
func writeFrame(s *conn.Stream, fid id, length uint32, body []byte) error {
	buf := make([]byte, 8+len(body))
	copy(buf[:4], fid[:])
	binary.LittleEndian.PutUint32(buf[4:8], length)
	copy(buf[8:], body)
	if _, err := s.Write(buf); err != nil {
		return err
	}
	return nil
}

// readFrame reads one SYNC frame header and, unless it is DONE, its body.
func readFrame(r io.Reader) (id, uint32, []byte, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return id{}, 0, nil, adberr.Wrap(adberr.KindTransport, err, "read sync frame header")
	}
	var fid id
	copy(fid[:], header[:4])
	length := binary.LittleEndian.Uint32(header[4:8])

	if fid == idDone {
		return fid, length, nil, nil
	}

	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return id{}, 0, nil, adberr.Wrap(adberr.KindTransport, err, "read sync frame body")
		}
	}
	return fid, length, body, nil
}

func parseStat(body []byte) (Stat, error) {
	if len(body) != 12 {
		return Stat{}, adberr.New(adberr.KindProtocol, "malformed STAT body", nil)
	}
	return Stat{
		Mode:  binary.LittleEndian.Uint32(body[0:4]),
		Size:  binary.LittleEndian.Uint32(body[4:8]),
		Mtime: binary.LittleEndian.Uint32(body[8:12]),
	}, nil
}

func parseDent(body []byte) (DirEntry, error) {
	if len(body) < 16 {
		return DirEntry{}, adberr.New(adberr.KindProtocol, "malformed DENT body", nil)
	}
	mode := binary.LittleEndian.Uint32(body[0:4])
	size := binary.LittleEndian.Uint32(body[4:8])
	mtime := binary.LittleEndian.Uint32(body[8:12])
	nameLen := binary.LittleEndian.Uint32(body[12:16])
	if uint32(len(body)) < 16+nameLen {
		return DirEntry{}, adberr.New(adberr.KindProtocol, "truncated DENT name", nil)
	}
	return DirEntry{
		Stat: Stat{Mode: mode, Size: size, Mtime: mtime},
		Name: string(body[16 : 16+nameLen]),
	}, nil
}
