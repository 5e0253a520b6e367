// GF(2^128) arithmetic for GHASH.
// The field is defined by the reduction polynomial x^128 + x^7 + x^2 + x + 1,
// with elements represented as 128-bit big-endian strings per NIST SP 800-38D.

package crypto

import "encoding/binary"

// gfReductionTerm is the reduction constant R from NIST SP 800-38D
// Algorithm 1: 0xE1 followed by 15 zero bytes, folded into the high word.
const gfReductionTerm = 0xe100000000000000

// fieldElement is an element of GF(2^128).
// hi holds the first 8 bytes of the big-endian string, lo the last 8.
type fieldElement struct {
	hi, lo uint64
}

// feFromBytes builds a field element from a 16-byte big-endian string.
func feFromBytes(b []byte) fieldElement {
	return fieldElement{
		hi: binary.BigEndian.Uint64(b[0:8]),
		lo: binary.BigEndian.Uint64(b[8:16]),
	}
}

// bytes returns the 16-byte big-endian encoding of the element.
func (e fieldElement) bytes() [16]byte {
	var out [16]byte
	binary.BigEndian.PutUint64(out[0:8], e.hi)
	binary.BigEndian.PutUint64(out[8:16], e.lo)
	return out
}

// xor returns the field sum of e and o.
func (e fieldElement) xor(o fieldElement) fieldElement {
	return fieldElement{hi: e.hi ^ o.hi, lo: e.lo ^ o.lo}
}

// gfMul multiplies two field elements using NIST SP 800-38D Algorithm 1.
// Bits of x are consumed most-significant first; v tracks y shifted down the
// field, reduced by R whenever a set bit falls off the low end.
func gfMul(x, y fieldElement) fieldElement {
	var z fieldElement
	v := y

	for i := 0; i < 128; i++ {
		var bit uint64
		if i < 64 {
			bit = (x.hi >> uint(63-i)) & 1
		} else {
			bit = (x.lo >> uint(127-i)) & 1
		}
		if bit == 1 {
			z.hi ^= v.hi
			z.lo ^= v.lo
		}

		lsb := v.lo & 1
		v.lo = v.lo>>1 | v.hi<<63
		v.hi >>= 1
		if lsb == 1 {
			v.hi ^= gfReductionTerm
		}
	}

	return z
}

// productTable holds H·(b << 8i) for every byte position i in [0,15] and
// byte value b. Index 0 corresponds to the least-significant byte of the
// operand, index 15 to the most-significant. Once built it is immutable.
type productTable [16][256]fieldElement

// newProductTable precomputes the multiplication table for the hash subkey h.
func newProductTable(h fieldElement) *productTable {
	t := new(productTable)
	for i := 0; i < 16; i++ {
		for b := 0; b < 256; b++ {
			var x fieldElement
			if i < 8 {
				x.lo = uint64(b) << uint(8*i)
			} else {
				x.hi = uint64(b) << uint(8*(i-8))
			}
			t[i][b] = gfMul(h, x)
		}
	}
	return t
}

// mul multiplies x by the table's hash subkey via 16 byte-indexed lookups.
// Must produce results bit-identical to gfMul(x, h).
func (t *productTable) mul(x fieldElement) fieldElement {
	var acc fieldElement
	b := x.bytes()
	for j := 0; j < 16; j++ {
		e := &t[15-j][b[j]]
		acc.hi ^= e.hi
		acc.lo ^= e.lo
	}
	return acc
}
