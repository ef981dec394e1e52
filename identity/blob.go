package identity

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math/big"
)

const (
	modulusSizeWords = 64                 // 2048 bits / 32 bits per word
	modulusSizeBytes = modulusSizeWords*4 // 256
	blobSize         = 4 + 4 + modulusSizeBytes + modulusSizeBytes + 4
)

var (
	two32 = new(big.Int).Lsh(big.NewInt(1), 32)
	// r is 2^2048, the Montgomery radix for a 2048-bit modulus.
	r = new(big.Int).Lsh(big.NewInt(1), modulusSizeBytes*8)
)

// Marshal encodes the public key in Android's fixed ADB public-key blob
// layout (§4.1): word count, Montgomery n0inv, modulus, R² mod N, exponent
// — all little-endian.
func (k *Key) Marshal() ([]byte, error) {
	pub := &k.Private.PublicKey
	n := pub.N
	if n.BitLen() > modulusSizeBytes*8 {
		return nil, ErrWrongKeySize
	}

	n0inv, err := montgomeryN0Inv(n)
	if err != nil {
		return nil, err
	}

	rr := new(big.Int).Mod(new(big.Int).Mul(r, r), n)

	out := make([]byte, blobSize)
	pos := 0

	binary.LittleEndian.PutUint32(out[pos:], uint32(modulusSizeWords))
	pos += 4

	binary.LittleEndian.PutUint32(out[pos:], n0inv)
	pos += 4

	putLittleEndianFixed(out[pos:pos+modulusSizeBytes], n)
	pos += modulusSizeBytes

	putLittleEndianFixed(out[pos:pos+modulusSizeBytes], rr)
	pos += modulusSizeBytes

	binary.LittleEndian.PutUint32(out[pos:], uint32(pub.E))
	pos += 4

	return out, nil
}

// AuthPayload wraps Marshal's blob with the base64 encoding and " name\0"
// suffix adbd expects in the AUTH-3 round (§4.4 auth loop, §6).
func (k *Key) AuthPayload() ([]byte, error) {
	blob, err := k.Marshal()
	if err != nil {
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(blob)
	payload := make([]byte, 0, len(encoded)+1+len(k.Name)+1)
	payload = append(payload, encoded...)
	payload = append(payload, ' ')
	payload = append(payload, k.Name...)
	payload = append(payload, 0)
	return payload, nil
}

// PublicKeyBase64 is the conventional "adbkey.pub" on-disk form:
// "<base64 blob> <name>\n".
func (k *Key) PublicKeyBase64() (string, error) {
	blob, err := k.Marshal()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(blob) + " " + k.Name + "\n", nil
}

// montgomeryN0Inv computes n0inv = -(n^-1) mod 2^32, the Montgomery
// precomputation adbd's bignum code relies on.
func montgomeryN0Inv(n *big.Int) (uint32, error) {
	nMod := new(big.Int).Mod(n, two32)
	inv := new(big.Int).ModInverse(nMod, two32)
	if inv == nil {
		return 0, errors.New("identity: modulus has no inverse mod 2^32")
	}
	neg := new(big.Int).Sub(two32, inv)
	neg.Mod(neg, two32)
	return uint32(neg.Uint64()), nil
}

// putLittleEndianFixed writes v into dst (len(dst) bytes) in little-endian
// byte order, most-significant byte last.
func putLittleEndianFixed(dst []byte, v *big.Int) {
	be := v.Bytes()
	for i := range dst {
		dst[i] = 0
	}
	for i := 0; i < len(be); i++ {
		dst[i] = be[len(be)-1-i]
	}
}
