// Package keys turns a wrapped gpg-agent key export into a validated key
// model ready for re-encoding. It recognises exactly two private-key
// schemas, RSA and Ed25519; anything else is rejected.
package keys

import (
	"errors"
	"fmt"
	"math/big"

	"keyferry/internal/keywrap"
	"keyferry/internal/sexp"
	"keyferry/internal/util/memzero"
)

var (
	// ErrNotReady is returned when unwrapping is attempted before both
	// the key-wrap key and the wrapped export have been received.
	ErrNotReady = errors.New("keys: key-wrap key and wrapped key required")

	// ErrMalformed is returned when the decrypted export is not a
	// canonical s-expression.
	ErrMalformed = errors.New("keys: malformed key expression")

	// ErrInvalidRSAParams is returned when the RSA schema matched but p
	// and q are not coprime, so no CRT coefficient exists.
	ErrInvalidRSAParams = errors.New("keys: invalid RSA parameters (q has no inverse mod p)")

	// ErrUnknownCurve is returned for an ECC key on a curve other than
	// Ed25519.
	ErrUnknownCurve = errors.New("keys: unknown curve")

	// ErrUnknownFlag is returned when the ECC flags do not name the eddsa
	// signature scheme.
	ErrUnknownFlag = errors.New("keys: unknown signature flag")

	// ErrPublicPointLength is returned when the encoded public point is
	// not 33 bytes.
	ErrPublicPointLength = errors.New("keys: public point has wrong length")

	// ErrPublicPointTag is returned when the public point does not carry
	// the 0x40 prefix of the native point encoding.
	ErrPublicPointTag = errors.New("keys: public point has wrong tag byte")

	// ErrScalarTooShort and ErrScalarTooLarge are returned when the
	// private scalar is not exactly 32 bytes.
	ErrScalarTooShort = errors.New("keys: private scalar too short")
	ErrScalarTooLarge = errors.New("keys: private scalar too large")

	// ErrUnsupportedAlgorithm is returned when neither key schema is
	// present in the expression.
	ErrUnsupportedAlgorithm = errors.New("keys: unsupported key algorithm")
)

const (
	ed25519CurveName = "Ed25519"
	eddsaFlagName    = "eddsa"

	publicPointLength = 33
	publicPointTag    = 0x40
	scalarLength      = 32
)

// Type tags the populated variant of a Model.
type Type int

const (
	TypeRSA Type = iota + 1
	TypeEd25519
)

// RSA holds the private-key parameters in source order, plus the derived
// CRT coefficient iqmp, which gpg-agent never transmits.
type RSA struct {
	N, E, D, P, Q, IQMP *big.Int
}

// Ed25519 holds the 32-byte public value (point encoding with its tag byte
// stripped) and the 32-byte private scalar.
type Ed25519 struct {
	Public  [32]byte
	Private [32]byte
}

// Model is the tagged union of supported key algorithms: exactly one of
// RSA and Ed25519 is non-nil.
type Model struct {
	Type    Type
	RSA     *RSA
	Ed25519 *Ed25519
}

// Destroy zeroes all key material held by the model. Safe on nil.
func (m *Model) Destroy() {
	if m == nil {
		return
	}
	if m.RSA != nil {
		for _, v := range []*big.Int{m.RSA.N, m.RSA.E, m.RSA.D, m.RSA.P, m.RSA.Q, m.RSA.IQMP} {
			zeroInt(v)
		}
		m.RSA = nil
	}
	if m.Ed25519 != nil {
		memzero.Zero(m.Ed25519.Public[:])
		memzero.Zero(m.Ed25519.Private[:])
		m.Ed25519 = nil
	}
	m.Type = 0
}

func zeroInt(v *big.Int) {
	if v == nil {
		return
	}
	bits := v.Bits()
	for i := range bits {
		bits[i] = 0
	}
	v.SetInt64(0)
}

// UnwrapAndExtract decrypts the wrapped export with the key-wrap key kek,
// parses the plaintext as a key expression, and extracts one supported
// algorithm. The RSA schema is tried first; the Ed25519 schema is tried
// only when the RSA schema is cleanly absent, never to mask an RSA
// extraction error. The decrypted plaintext is zeroed before returning.
func UnwrapAndExtract(kek, wrapped []byte) (*Model, error) {
	if len(kek) == 0 || len(wrapped) == 0 {
		return nil, ErrNotReady
	}
	plain, err := keywrap.Unwrap(kek, wrapped)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(plain)

	root, err := sexp.Parse(plain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	vals, err := sexp.Extract(root, "private-key", "rsa", "n", "e", "d", "p", "q")
	if err == nil {
		return extractRSA(vals)
	}
	if !errors.Is(err, sexp.ErrNotFound) {
		return nil, err
	}

	vals, err = sexp.Extract(root, "private-key", "ecc", "curve", "flags", "q", "d")
	if err == nil {
		return extractEd25519(vals)
	}
	if errors.Is(err, sexp.ErrNotFound) {
		return nil, ErrUnsupportedAlgorithm
	}
	return nil, err
}

func extractRSA(vals [][]byte) (*Model, error) {
	k := &RSA{
		N: new(big.Int).SetBytes(vals[0]),
		E: new(big.Int).SetBytes(vals[1]),
		D: new(big.Int).SetBytes(vals[2]),
		P: new(big.Int).SetBytes(vals[3]),
		Q: new(big.Int).SetBytes(vals[4]),
	}
	k.IQMP = new(big.Int).ModInverse(k.Q, k.P)
	if k.IQMP == nil {
		return nil, ErrInvalidRSAParams
	}
	return &Model{Type: TypeRSA, RSA: k}, nil
}

func extractEd25519(vals [][]byte) (*Model, error) {
	curve, flags, q, d := vals[0], vals[1], vals[2], vals[3]

	if string(curve) != ed25519CurveName {
		return nil, ErrUnknownCurve
	}
	if string(flags) != eddsaFlagName {
		return nil, ErrUnknownFlag
	}
	if len(q) != publicPointLength {
		return nil, ErrPublicPointLength
	}
	if q[0] != publicPointTag {
		return nil, ErrPublicPointTag
	}
	if len(d) < scalarLength {
		return nil, ErrScalarTooShort
	}
	if len(d) > scalarLength {
		return nil, ErrScalarTooLarge
	}

	k := &Ed25519{}
	copy(k.Public[:], q[1:])
	copy(k.Private[:], d)
	return &Model{Type: TypeEd25519, Ed25519: k}, nil
}
