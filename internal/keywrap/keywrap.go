// Package keywrap implements the AES key wrap mode of RFC 3394, the mode
// gpg-agent uses to protect exported secret keys in transit. Wrapping adds
// a fixed 8-byte integrity block; unwrapping removes it and fails if the
// integrity check does not come out.
package keywrap

import (
	"crypto/aes"
	"crypto/subtle"
	"encoding/binary"
	"errors"

	"keyferry/internal/util/memzero"
)

// BlockOverhead is the fixed size difference between wrapped and unwrapped
// data.
const BlockOverhead = 8

var (
	// ErrIntegrity is returned when the unwrap integrity check fails,
	// meaning the wrapped data or the key-encryption key is wrong.
	ErrIntegrity = errors.New("keywrap: integrity check failed")

	// ErrInvalidSize is returned for input that cannot be a wrapped key:
	// unwrap input must be at least 24 bytes and a multiple of 8, wrap
	// input at least 16 bytes and a multiple of 8.
	ErrInvalidSize = errors.New("keywrap: invalid input size")
)

// defaultIV is the initial value from RFC 3394 §2.2.3.
var defaultIV = [8]byte{0xa6, 0xa6, 0xa6, 0xa6, 0xa6, 0xa6, 0xa6, 0xa6}

// Unwrap decrypts wrapped with the key-encryption key kek and verifies the
// integrity block. The result is exactly BlockOverhead bytes shorter than
// the input.
func Unwrap(kek, wrapped []byte) ([]byte, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}
	if len(wrapped) < 24 || len(wrapped)%8 != 0 {
		return nil, ErrInvalidSize
	}

	n := len(wrapped)/8 - 1
	var a [8]byte
	copy(a[:], wrapped[:8])
	r := make([]byte, n*8)
	copy(r, wrapped[8:])

	var buf [16]byte
	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			t := uint64(n*j + i)
			copy(buf[:8], a[:])
			binary.BigEndian.PutUint64(buf[:8], binary.BigEndian.Uint64(buf[:8])^t)
			copy(buf[8:], r[(i-1)*8:i*8])
			block.Decrypt(buf[:], buf[:])
			copy(a[:], buf[:8])
			copy(r[(i-1)*8:i*8], buf[8:])
		}
	}
	memzero.Zero(buf[:])

	if subtle.ConstantTimeCompare(a[:], defaultIV[:]) != 1 {
		memzero.Zero(r)
		return nil, ErrIntegrity
	}
	return r, nil
}

// Wrap encrypts plain with the key-encryption key kek, producing output
// BlockOverhead bytes longer than the input.
func Wrap(kek, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}
	if len(plain) < 16 || len(plain)%8 != 0 {
		return nil, ErrInvalidSize
	}

	n := len(plain) / 8
	var a [8]byte
	copy(a[:], defaultIV[:])
	r := make([]byte, n*8)
	copy(r, plain)

	var buf [16]byte
	for j := 0; j <= 5; j++ {
		for i := 1; i <= n; i++ {
			copy(buf[:8], a[:])
			copy(buf[8:], r[(i-1)*8:i*8])
			block.Encrypt(buf[:], buf[:])
			t := uint64(n*j + i)
			binary.BigEndian.PutUint64(a[:], binary.BigEndian.Uint64(buf[:8])^t)
			copy(r[(i-1)*8:i*8], buf[8:])
		}
	}
	memzero.Zero(buf[:])

	out := make([]byte, 8+len(r))
	copy(out[:8], a[:])
	copy(out[8:], r)
	memzero.Zero(r)
	return out, nil
}
