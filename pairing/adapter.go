package pairing

import "github.com/gosuda/goadb/transport"

// chanReader adapts a transport.Channel's ReadExact into io.Reader, the way
// conn does for frame decoding — readPacket needs an io.Reader, and the
// secured pairing channel only exposes ReadExact/WriteAll.
type chanReader struct {
	ch transport.Channel
}

func (r chanReader) Read(p []byte) (int, error) {
	b, err := r.ch.ReadExact(len(p))
	if err != nil {
		return 0, err
	}
	copy(p, b)
	return len(b), nil
}

// chanWriter adapts a transport.Channel's WriteAll into io.Writer.
type chanWriter struct {
	ch transport.Channel
}

func (w chanWriter) Write(p []byte) (int, error) {
	if err := w.ch.WriteAll(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
