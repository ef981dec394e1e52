// Package identity owns the RSA identity key used to authenticate to adbd:
// PKCS#1 v1.5/SHA-1 signing of the AUTH token, and the Android-specific
// public-key blob format sent in the third AUTH round.
package identity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// keyBits is the only modulus size adbd accepts.
const keyBits = 2048

// ErrWrongKeySize is returned by operations that require an RSA-2048 key.
var ErrWrongKeySize = errors.New("identity: key is not RSA-2048")

// Key is an RSA identity usable for the ADB auth handshake. Name is a
// human-readable hint ("user@host") transmitted with the public key in the
// AUTH-3 round; it carries no cryptographic meaning.
type Key struct {
	Private *rsa.PrivateKey
	Name    string
}

// Generate creates a fresh RSA-2048 identity key.
func Generate(name string) (*Key, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return &Key{Private: priv, Name: name}, nil
}

// Sign produces a PKCS#1 v1.5 signature over a 20-byte AUTH token. The token
// is used directly as the SHA-1 digest input — adbd does not re-hash it, so
// callers must not hash it either.
func (k *Key) Sign(token []byte) ([]byte, error) {
	if k.Private.N.BitLen() != keyBits {
		return nil, ErrWrongKeySize
	}
	if len(token) != sha1.Size {
		return nil, fmt.Errorf("identity: sign: token must be %d bytes, got %d", sha1.Size, len(token))
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, k.Private, crypto.SHA1 /* token is the digest, not re-hashed */, token)
	if err != nil {
		return nil, fmt.Errorf("identity: sign: %w", err)
	}
	return sig, nil
}

// MarshalPrivatePEM PEM-encodes the private key in PKCS#1 form, the
// conventional "adbkey" on-disk format. The caller owns persistence — this
// module never touches the filesystem.
func (k *Key) MarshalPrivatePEM() []byte {
	der := x509.MarshalPKCS1PrivateKey(k.Private)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	return pem.EncodeToMemory(block)
}

// LoadPrivatePEM parses a PKCS#1 PEM-encoded private key ("adbkey" contents)
// into a Key. Name is attached separately since it is never part of the PEM.
func LoadPrivatePEM(pemBytes []byte, name string) (*Key, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("identity: no PEM block found")
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("identity: parse private key: %w", err)
	}
	if priv.N.BitLen() != keyBits {
		return nil, ErrWrongKeySize
	}
	return &Key{Private: priv, Name: name}, nil
}
