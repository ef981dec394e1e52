package pairing

import (
	"bytes"

	"github.com/gosuda/goadb/adberr"
)

// peerInfoSize is the fixed width of a PEER_INFO payload (§4.7 step 3): a
// one-byte type tag followed by a zero-padded, NUL-terminated string.
const peerInfoSize = 8192

const peerInfoTypeRSAPubKey = 0

// buildPeerInfo lays out line ("<base64 pubkey blob> <user@host>") into a
// fixed 8192-byte PEER_INFO payload, NUL-terminated and zero-padded.
func buildPeerInfo(line string) []byte {
	out := make([]byte, peerInfoSize)
	out[0] = peerInfoTypeRSAPubKey
	copy(out[1:], line)
	return out
}

// parsePeerInfo extracts the NUL-terminated line from a PEER_INFO payload.
func parsePeerInfo(data []byte) (string, error) {
	if len(data) != peerInfoSize {
		return "", adberr.New(adberr.KindPairing, "peer_info has unexpected size", nil)
	}
	if data[0] != peerInfoTypeRSAPubKey {
		return "", adberr.New(adberr.KindPairing, "peer_info has unexpected type", nil)
	}
	body := data[1:]
	end := bytes.IndexByte(body, 0)
	if end < 0 {
		return "", adberr.New(adberr.KindPairing, "peer_info is not NUL-terminated", nil)
	}
	return string(body[:end]), nil
}
