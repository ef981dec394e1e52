package sync

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"reflect"
	"time"

	"github.com/gosuda/goadb/adberr"
	"github.com/gosuda/goadb/conn"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/valyala/bytebufferpool"
)

// DefaultFileMode and DefaultDirMode are applied when a caller doesn't
// specify one (§4.6).
const (
	DefaultFileMode uint32 = 0o644
	DefaultDirMode  uint32 = 0o755
)

// Stat is a device file's metadata, as returned by a STAT query or embedded
// in each LIST entry.
type Stat struct {
	Mode  uint32
	Size  uint32
	Mtime uint32
}

// DirEntry is one entry in a LIST response (§4.6).
type DirEntry struct {
	Stat
	Name string
}

// Session is one open "sync:" stream with push/pull/stat/list operations
// layered on it.
type Session struct {
	stream *conn.Stream
	r      *bufio.Reader
	logger zerolog.Logger
}

// Open establishes a SYNC session over a fresh logical stream.
func Open(ctx context.Context, c *conn.Connection, logger zerolog.Logger) (*Session, error) {
	if reflect.DeepEqual(logger, zerolog.Logger{}) {
		logger = log.Logger
	}
	s, err := c.Open(ctx, "sync:")
	if err != nil {
		return nil, err
	}
	return &Session{
		stream: s,
		r:      bufio.NewReader(&chunkReader{stream: s}),
		logger: logger,
	}, nil
}

// Push uploads r's contents to remotePath on the device with the given mode
// and mtime (§4.6 "Send algorithm").
func (s *Session) Push(r io.Reader, remotePath string, mode uint32, mtime time.Time) error {
	if mode == 0 {
		mode = DefaultFileMode
	}
	header := fmt.Sprintf("%s,%d", remotePath, mode)
	if err := writeFrame(s.stream, idSend, uint32(len(header)), []byte(header)); err != nil {
		return err
	}

	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	if cap(bb.B) < maxChunk {
		bb.B = make([]byte, maxChunk)
	}
	buf := bb.B[:maxChunk]

	total := 0
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := writeFrame(s.stream, idData, uint32(n), buf[:n]); werr != nil {
				return werr
			}
			total += n
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return adberr.Wrap(adberr.KindSync, err, "read push source")
		}
	}

	if err := writeFrame(s.stream, idDone, uint32(mtime.Unix()), nil); err != nil {
		return err
	}

	fid, _, body, err := readFrame(s.r)
	if err != nil {
		return err
	}
	switch fid {
	case idOkay:
		s.logger.Debug().Str("path", remotePath).Int("bytes", total).Msg("sync: push complete")
		return nil
	case idFail:
		return adberr.New(adberr.KindSync, string(body), nil)
	default:
		return adberr.New(adberr.KindProtocol, fmt.Sprintf("unexpected %s in reply to DONE", fid), nil)
	}
}

// PushFile pushes a local file, deriving mode and mtime from its stat info.
func (s *Session) PushFile(localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return adberr.Wrap(adberr.KindSync, err, "open %s", localPath)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return adberr.Wrap(adberr.KindSync, err, "stat %s", localPath)
	}
	mode := uint32(info.Mode().Perm())
	if mode == 0 {
		mode = DefaultFileMode
	}
	return s.Push(f, remotePath, mode, info.ModTime())
}

// Pull downloads remotePath's contents into w (§4.6 "Receive algorithm").
func (s *Session) Pull(w io.Writer, remotePath string) error {
	if err := writeFrame(s.stream, idRecv, uint32(len(remotePath)), []byte(remotePath)); err != nil {
		return err
	}

	for {
		fid, _, body, err := readFrame(s.r)
		if err != nil {
			return err
		}
		switch fid {
		case idData:
			if _, err := w.Write(body); err != nil {
				return adberr.Wrap(adberr.KindSync, err, "write pull destination")
			}
		case idDone:
			return nil
		case idFail:
			return adberr.New(adberr.KindSync, string(body), nil)
		default:
			return adberr.New(adberr.KindProtocol, fmt.Sprintf("unexpected %s during pull", fid), nil)
		}
	}
}

// PullFile downloads remotePath into a newly created local file.
func (s *Session) PullFile(remotePath, localPath string) error {
	f, err := os.Create(localPath)
	if err != nil {
		return adberr.Wrap(adberr.KindSync, err, "create %s", localPath)
	}
	defer f.Close()
	return s.Pull(f, remotePath)
}

// Stat queries a single path's metadata.
func (s *Session) Stat(remotePath string) (Stat, error) {
	if err := writeFrame(s.stream, idStat, uint32(len(remotePath)), []byte(remotePath)); err != nil {
		return Stat{}, err
	}
	fid, _, body, err := readFrame(s.r)
	if err != nil {
		return Stat{}, err
	}
	if fid != idStat {
		return Stat{}, adberr.New(adberr.KindProtocol, fmt.Sprintf("unexpected %s in reply to STAT", fid), nil)
	}
	return parseStat(body)
}

// List enumerates a directory's contents.
func (s *Session) List(remotePath string) ([]DirEntry, error) {
	if err := writeFrame(s.stream, idList, uint32(len(remotePath)), []byte(remotePath)); err != nil {
		return nil, err
	}

	var entries []DirEntry
	for {
		fid, _, body, err := readFrame(s.r)
		if err != nil {
			return nil, err
		}
		switch fid {
		case idDent:
			entry, err := parseDent(body)
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		case idDone:
			return entries, nil
		case idFail:
			return nil, adberr.New(adberr.KindSync, string(body), nil)
		default:
			return nil, adberr.New(adberr.KindProtocol, fmt.Sprintf("unexpected %s during list", fid), nil)
		}
	}
}

// Close sends QUIT and closes the underlying stream. Idempotent to the
// extent the underlying stream's Close is.
func (s *Session) Close() error {
	_ = writeFrame(s.stream, idQuit, 0, nil)
	return s.stream.Close()
}
