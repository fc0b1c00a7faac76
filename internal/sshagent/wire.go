package sshagent

import (
	"encoding/binary"
	"math/big"
)

// wireBuf builds ssh wire-format values: big-endian u32 length prefixes,
// strings, and two's-complement mpints.
type wireBuf struct {
	buf []byte
}

func (w *wireBuf) byte(b byte) { w.buf = append(w.buf, b) }

func (w *wireBuf) uint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *wireBuf) bytes(b []byte) {
	w.uint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *wireBuf) str(s string) { w.bytes([]byte(s)) }

// mpi writes v as an ssh mpint: minimal big-endian bytes with a leading
// zero when the high bit is set, so the value reads as non-negative.
func (w *wireBuf) mpi(v *big.Int) {
	b := v.Bytes()
	if len(b) > 0 && b[0]&0x80 != 0 {
		w.uint32(uint32(len(b) + 1))
		w.buf = append(w.buf, 0)
		w.buf = append(w.buf, b...)
		return
	}
	w.bytes(b)
}
