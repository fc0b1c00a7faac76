package keywrap_test

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"keyferry/internal/keywrap"
)

func fromHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

// RFC 3394 section 4.1: wrap 128 bits of key data with a 128-bit KEK.
func TestWrapVector(t *testing.T) {
	kek := fromHex(t, "000102030405060708090A0B0C0D0E0F")
	plain := fromHex(t, "00112233445566778899AABBCCDDEEFF")
	want := fromHex(t, "1FA68B0A8112B447AEF34BD8FB5A7B829D3E862371D2CFE5")

	got, err := keywrap.Wrap(kek, plain)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("Wrap = %x, want %x", got, want)
	}
}

func TestUnwrapVector(t *testing.T) {
	kek := fromHex(t, "000102030405060708090A0B0C0D0E0F")
	wrapped := fromHex(t, "1FA68B0A8112B447AEF34BD8FB5A7B829D3E862371D2CFE5")
	want := fromHex(t, "00112233445566778899AABBCCDDEEFF")

	got, err := keywrap.Unwrap(kek, wrapped)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("Unwrap = %x, want %x", got, want)
	}
	if len(got) != len(wrapped)-keywrap.BlockOverhead {
		t.Fatalf("output length %d, want input minus overhead %d", len(got), len(wrapped)-keywrap.BlockOverhead)
	}
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	kek := fromHex(t, "5840df6e29b02af1ab493b705bf16ea1ae8338f4dcc176a8")[:16]
	plain := make([]byte, 40)
	for i := range plain {
		plain[i] = byte(i * 7)
	}

	wrapped, err := keywrap.Wrap(kek, plain)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	got, err := keywrap.Unwrap(kek, wrapped)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("round trip mismatch: %x != %x", got, plain)
	}
}

func TestUnwrapTamperedFailsIntegrity(t *testing.T) {
	kek := fromHex(t, "000102030405060708090A0B0C0D0E0F")
	wrapped := fromHex(t, "1FA68B0A8112B447AEF34BD8FB5A7B829D3E862371D2CFE5")

	for i := range wrapped {
		tampered := append([]byte(nil), wrapped...)
		tampered[i] ^= 0x01
		if _, err := keywrap.Unwrap(kek, tampered); !errors.Is(err, keywrap.ErrIntegrity) {
			t.Fatalf("flipping byte %d: want ErrIntegrity, got %v", i, err)
		}
	}
}

func TestUnwrapWrongKeyFailsIntegrity(t *testing.T) {
	wrapped := fromHex(t, "1FA68B0A8112B447AEF34BD8FB5A7B829D3E862371D2CFE5")
	badKek := fromHex(t, "FF0102030405060708090A0B0C0D0E0F")
	if _, err := keywrap.Unwrap(badKek, wrapped); !errors.Is(err, keywrap.ErrIntegrity) {
		t.Fatalf("want ErrIntegrity, got %v", err)
	}
}

func TestInvalidSizes(t *testing.T) {
	kek := fromHex(t, "000102030405060708090A0B0C0D0E0F")
	if _, err := keywrap.Unwrap(kek, make([]byte, 16)); !errors.Is(err, keywrap.ErrInvalidSize) {
		t.Fatalf("short unwrap input: want ErrInvalidSize, got %v", err)
	}
	if _, err := keywrap.Unwrap(kek, make([]byte, 25)); !errors.Is(err, keywrap.ErrInvalidSize) {
		t.Fatalf("unaligned unwrap input: want ErrInvalidSize, got %v", err)
	}
	if _, err := keywrap.Wrap(kek, make([]byte, 12)); !errors.Is(err, keywrap.ErrInvalidSize) {
		t.Fatalf("short wrap input: want ErrInvalidSize, got %v", err)
	}
}
