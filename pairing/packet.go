package pairing

import (
	"encoding/binary"
	"io"

	"github.com/gosuda/goadb/adberr"
)

// packetType is the pairing packet's one-byte type discriminator (§3).
type packetType uint8

const (
	typeSpake2Msg packetType = 0
	typePeerInfo  packetType = 1
)

// pairingVersion is the only version this client sends or accepts.
const pairingVersion = 1

// writePacket frames body as a pairing packet: version, type, then a
// big-endian length prefix — unlike every ADB frame elsewhere in this
// module, the pairing wire format is big-endian (§3, §6).
func writePacket(w io.Writer, t packetType, body []byte) error {
	header := make([]byte, 6)
	header[0] = pairingVersion
	header[1] = byte(t)
	binary.BigEndian.PutUint32(header[2:6], uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return adberr.Wrap(adberr.KindTransport, err, "write pairing packet header")
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return adberr.Wrap(adberr.KindTransport, err, "write pairing packet body")
		}
	}
	return nil
}

func readPacket(r io.Reader) (packetType, []byte, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, adberr.Wrap(adberr.KindTransport, err, "read pairing packet header")
	}
	if header[0] != pairingVersion {
		return 0, nil, adberr.New(adberr.KindProtocol, "unexpected pairing packet version", nil)
	}
	length := binary.BigEndian.Uint32(header[2:6])
	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return 0, nil, adberr.Wrap(adberr.KindTransport, err, "read pairing packet body")
		}
	}
	return packetType(header[1]), body, nil
}
