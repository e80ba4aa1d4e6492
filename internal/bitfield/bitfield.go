// Package bitfield implements the piece availability bit-vector exchanged in
// BITFIELD messages. Bit i lives in byte i/8, most significant bit first.
package bitfield

import "math/bits"

type Bitfield []byte

// New returns an empty bitfield able to hold n pieces.
func New(n int) Bitfield {
	return make(Bitfield, ByteLen(n))
}

// ByteLen is ceil(n/8).
func ByteLen(n int) int {
	return (n + 7) / 8
}

func (b Bitfield) Has(i int) bool {
	if i < 0 || i/8 >= len(b) {
		return false
	}
	return b[i/8]>>uint(7-i%8)&1 == 1
}

func (b Bitfield) Set(i int) {
	if i < 0 || i/8 >= len(b) {
		return
	}
	b[i/8] |= 1 << uint(7-i%8)
}

func (b Bitfield) Clear(i int) {
	if i < 0 || i/8 >= len(b) {
		return
	}
	b[i/8] &^= 1 << uint(7-i%8)
}

// AndNot returns the pieces set in b and missing from other, byte-wise.
func (b Bitfield) AndNot(other Bitfield) Bitfield {
	out := make(Bitfield, len(b))
	for i := range b {
		var o byte
		if i < len(other) {
			o = other[i]
		}
		out[i] = b[i] &^ o
	}
	return out
}

func (b Bitfield) Any() bool {
	for _, v := range b {
		if v != 0 {
			return true
		}
	}
	return false
}

func (b Bitfield) Count() int {
	n := 0
	for _, v := range b {
		n += bits.OnesCount8(v)
	}
	return n
}

// Indices lists the set bits in ascending order, stopping after limit
// entries when limit is positive.
func (b Bitfield) Indices(limit int) []int {
	var out []int
	for byteIdx, v := range b {
		for v != 0 {
			lead := bits.LeadingZeros8(v)
			out = append(out, byteIdx*8+lead)
			if limit > 0 && len(out) == limit {
				return out
			}
			v &^= 0x80 >> uint(lead)
		}
	}
	return out
}

// Valid reports whether b is the right size for n pieces with the spare
// trailing bits cleared.
func (b Bitfield) Valid(n int) bool {
	if len(b) != ByteLen(n) {
		return false
	}
	if spare := len(b)*8 - n; spare > 0 {
		return b[len(b)-1]&(1<<uint(spare)-1) == 0
	}
	return true
}

func (b Bitfield) Clone() Bitfield {
	out := make(Bitfield, len(b))
	copy(out, b)
	return out
}
