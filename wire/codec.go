package wire

import (
	"encoding/binary"
	"io"

	"github.com/gosuda/goadb/adberr"
)

// Encode writes m to w as one complete 24-byte header plus payload, per §3.
// Checksum is only computed under VersionChecksum; VersionNoChecksum
// connections always write zero.
func Encode(w io.Writer, version uint32, m Message) error {
	var header [HeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(m.Command))
	binary.LittleEndian.PutUint32(header[4:8], m.Arg0)
	binary.LittleEndian.PutUint32(header[8:12], m.Arg1)
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(m.Payload)))

	var checksum uint32
	if version == VersionChecksum {
		checksum = Checksum(m.Payload)
	}
	binary.LittleEndian.PutUint32(header[16:20], checksum)
	binary.LittleEndian.PutUint32(header[20:24], m.Magic())

	if _, err := w.Write(header[:]); err != nil {
		return adberr.Wrap(adberr.KindTransport, err, "write header")
	}
	if len(m.Payload) > 0 {
		if _, err := w.Write(m.Payload); err != nil {
			return adberr.Wrap(adberr.KindTransport, err, "write payload")
		}
	}
	return nil
}

// Decode reads one complete message from r. A malformed header/payload is a
// fatal *adberr.Error of KindProtocol — per §4.2, no resynchronisation is
// attempted; the caller must close the connection.
func Decode(r io.Reader, version uint32, maxPayload uint32) (Message, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, adberr.Wrap(adberr.KindTransport, err, "read header")
	}

	cmd := Command(binary.LittleEndian.Uint32(header[0:4]))
	arg0 := binary.LittleEndian.Uint32(header[4:8])
	arg1 := binary.LittleEndian.Uint32(header[8:12])
	payloadLen := binary.LittleEndian.Uint32(header[12:16])
	checksum := binary.LittleEndian.Uint32(header[16:20])
	magic := binary.LittleEndian.Uint32(header[20:24])

	if !cmd.Known() {
		return Message{}, adberr.New(adberr.KindProtocol, "unknown command", nil)
	}
	if magic != (cmd.Magic()) {
		return Message{}, adberr.New(adberr.KindProtocol, "bad magic", nil)
	}
	if payloadLen > maxPayload {
		return Message{}, adberr.New(adberr.KindProtocol, "payload exceeds max_payload", nil)
	}

	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, adberr.Wrap(adberr.KindTransport, err, "read payload")
		}
	}

	if version == VersionChecksum {
		if Checksum(payload) != checksum {
			return Message{}, adberr.New(adberr.KindProtocol, "checksum mismatch", nil)
		}
	}

	return Message{Command: cmd, Arg0: arg0, Arg1: arg1, Payload: payload}, nil
}

// Magic returns the expected magic for a bare Command, so Decode can check it
// without constructing a Message; Message.Magic delegates to it.
func (c Command) Magic() uint32 {
	return uint32(c) ^ 0xFFFFFFFF
}
