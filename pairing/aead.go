package pairing

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"io"

	"github.com/gosuda/goadb/adberr"
	"golang.org/x/crypto/hkdf"
)

const (
	aesKeySize   = 16
	hmacKeySize  = 32
	nonceSize    = 12
	gcmTagSize   = 16
	aesFieldSize = 32 // AES_KEY field width in the HKDF split; only the first aesKeySize bytes are the actual key
	keyMaterial  = aesFieldSize + hmacKeySize
)

// deriveKeys expands the SPAKE2 shared secret and the TLS exporter's keying
// material into an AES key and an HMAC key via HKDF-SHA256 (§4.7 step 2:
// "ikm=sharedSecret K, info=TLS_KM"), split as AES_KEY(32) || HMAC_KEY(32).
// The HMAC key's first 12 bytes double as the fixed nonce for every AEAD
// frame in this session.
func deriveKeys(sharedSecret, tlsKeyingMaterial []byte) (aesKey, hmacKey []byte, err error) {
	r := hkdf.New(sha256.New, sharedSecret, nil, tlsKeyingMaterial)
	out := make([]byte, keyMaterial)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, nil, adberr.Wrap(adberr.KindPairing, err, "derive pairing keys")
	}
	return out[:aesKeySize], out[aesFieldSize:], nil
}

func newGCM(aesKey []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, adberr.Wrap(adberr.KindPairing, err, "create aes cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, adberr.Wrap(adberr.KindPairing, err, "create gcm")
	}
	return gcm, nil
}

// sealWithLeadingTag encrypts plaintext and returns tag||ciphertext — the
// pairing wire format prepends the GCM tag instead of appending it the way
// cipher.AEAD.Seal does, so the bytes Seal produces have to be reordered
// (§4.7 step 4).
func sealWithLeadingTag(gcm cipher.AEAD, nonce, plaintext []byte) []byte {
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]
	out := make([]byte, 0, len(sealed))
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return out
}

// openWithLeadingTag reverses sealWithLeadingTag's reordering before
// decrypting.
func openWithLeadingTag(gcm cipher.AEAD, nonce, framed []byte) ([]byte, error) {
	if len(framed) < gcmTagSize {
		return nil, adberr.New(adberr.KindPairing, "aead frame shorter than tag", nil)
	}
	tag := framed[:gcmTagSize]
	ciphertext := framed[gcmTagSize:]
	sealed := make([]byte, 0, len(framed))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, adberr.Wrap(adberr.KindPairing, err, "decrypt pairing frame")
	}
	return plaintext, nil
}
