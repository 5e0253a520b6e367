// AES-GCM implementation for the ImAged sidecar.
// This implements AES-GCM as defined in NIST SP 800-38D, owning all mode
// composition: GHASH over GF(2^128), J0 derivation, CTR keystream handling,
// and tag computation. The AES block primitive comes from crypto/aes.

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"
)

// AES-GCM constants.
const (
	// GCMTagSize is the full authentication tag size in bytes.
	GCMTagSize = 16

	// GCMStandardNonceSize is the preferred 96-bit nonce size in bytes.
	GCMStandardNonceSize = 12

	// gcmBlockSize is the AES block size (always 16 bytes).
	gcmBlockSize = 16

	// ghashTableThreshold is the aggregate AAD+ciphertext length, in bytes,
	// at which GHASH switches from the scalar multiplier to the
	// precomputed-table multiplier.
	ghashTableThreshold = 1024

	// gcmInvocationLimit caps the number of encryptions per key and nonce
	// class. Operations fail before a counter reaches 2^32.
	gcmInvocationLimit = 1 << 32
)

// Errors
var (
	ErrAESGCMInvalidKeySize     = errors.New("aesgcm: invalid key size, must be 16, 24, or 32 bytes")
	ErrAESGCMEmptyNonce         = errors.New("aesgcm: nonce must not be empty")
	ErrAESGCMInvalidTagSize     = errors.New("aesgcm: invalid tag size, must be 4, 8, 12, 13, 14, 15, or 16")
	ErrAESGCMCiphertextTooShort = errors.New("aesgcm: data too short to contain tag")
	ErrAESGCMNonceReuse         = errors.New("aesgcm: nonce reuse detected for this key")
	ErrAESGCMInvocationLimit    = errors.New("aesgcm: invocation limit reached for this key")
	ErrAESGCMAuthFailed         = errors.New("aesgcm: message authentication failed")
)

// AESGCM is an AES-GCM cipher instance bound to a single key.
//
// Each instance owns its hash subkey, lazily built GHASH table, nonce
// registry, and invocation counters. Instances are not safe for concurrent
// use; all state is expected to be confined to a single goroutine.
type AESGCM struct {
	block cipher.Block
	h     fieldElement // hash subkey H = E_K(0^128)

	table *productTable // built on first large GHASH, immutable after

	seenNonces       map[string]struct{}
	enforceUniqueIVs bool

	invocations96    uint64
	invocationsNon96 uint64
}

// NewAESGCM creates an AES-GCM cipher for the given key.
// The key must be 16, 24, or 32 bytes (AES-128, -192, or -256).
// Nonce uniqueness enforcement is enabled by default.
func NewAESGCM(key []byte) (*AESGCM, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, ErrAESGCMInvalidKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	g := &AESGCM{
		block:            block,
		seenNonces:       make(map[string]struct{}),
		enforceUniqueIVs: true,
	}

	// H = E_K(0^128)
	var zero, h [gcmBlockSize]byte
	block.Encrypt(h[:], zero[:])
	g.h = feFromBytes(h[:])

	return g, nil
}

// SetEnforceIVUniqueness controls the nonce registry check on Seal.
// Intended for controlled reuse in test harnesses and for channels that
// guarantee uniqueness externally (e.g. random nonces under a fresh key).
func (g *AESGCM) SetEnforceIVUniqueness(enforce bool) {
	g.enforceUniqueIVs = enforce
}

// ResetIVRegistry clears the set of nonces seen by Seal.
func (g *AESGCM) ResetIVRegistry() {
	g.seenNonces = make(map[string]struct{})
}

// Seal encrypts and authenticates plaintext with associated data.
//
// The nonce must be non-empty and, while uniqueness enforcement is on,
// must not have been presented to Seal before on this instance. tagLen
// selects the truncated tag size and must be one of 4, 8, 12, 13, 14, 15,
// or 16.
//
// Returns ciphertext || tag, where the tag is the most-significant tagLen
// bytes of the full 16-byte tag.
func (g *AESGCM) Seal(nonce, plaintext, aad []byte, tagLen int) ([]byte, error) {
	if len(nonce) == 0 {
		return nil, ErrAESGCMEmptyNonce
	}
	if !validTagLen(tagLen) {
		return nil, ErrAESGCMInvalidTagSize
	}
	if err := g.checkInvocationBudget(nonce); err != nil {
		return nil, err
	}
	if g.enforceUniqueIVs {
		if _, seen := g.seenNonces[string(nonce)]; seen {
			return nil, ErrAESGCMNonceReuse
		}
		g.seenNonces[string(nonce)] = struct{}{}
	}
	g.bumpInvocations(nonce)

	j0 := g.deriveJ0(nonce)

	out := make([]byte, len(plaintext)+tagLen)
	g.ctrStream(j0, out[:len(plaintext)], plaintext)

	tag := g.computeTag(j0, aad, out[:len(plaintext)])
	copy(out[len(plaintext):], tag[:tagLen])

	return out, nil
}

// Open verifies and decrypts data produced by Seal.
//
// data is ciphertext || tag with the tag truncated to tagLen bytes. The
// full tag is recomputed, truncated, and compared in constant time before
// any plaintext is produced; on mismatch ErrAESGCMAuthFailed is returned
// and no plaintext is released.
func (g *AESGCM) Open(nonce, data, aad []byte, tagLen int) ([]byte, error) {
	if len(nonce) == 0 {
		return nil, ErrAESGCMEmptyNonce
	}
	if !validTagLen(tagLen) {
		return nil, ErrAESGCMInvalidTagSize
	}
	if len(data) < tagLen {
		return nil, ErrAESGCMCiphertextTooShort
	}

	ciphertext := data[:len(data)-tagLen]
	receivedTag := data[len(data)-tagLen:]

	j0 := g.deriveJ0(nonce)

	tag := g.computeTag(j0, aad, ciphertext)
	if subtle.ConstantTimeCompare(tag[:tagLen], receivedTag) != 1 {
		return nil, ErrAESGCMAuthFailed
	}

	plaintext := make([]byte, len(ciphertext))
	g.ctrStream(j0, plaintext, ciphertext)

	return plaintext, nil
}

// validTagLen reports whether tagLen is an accepted truncation length.
func validTagLen(tagLen int) bool {
	switch tagLen {
	case 4, 8, 12, 13, 14, 15, 16:
		return true
	}
	return false
}

// checkInvocationBudget fails when the counter for the nonce class would
// reach 2^32.
func (g *AESGCM) checkInvocationBudget(nonce []byte) error {
	if len(nonce) == GCMStandardNonceSize {
		if g.invocations96+1 >= gcmInvocationLimit {
			return ErrAESGCMInvocationLimit
		}
	} else {
		if g.invocationsNon96+1 >= gcmInvocationLimit {
			return ErrAESGCMInvocationLimit
		}
	}
	return nil
}

// bumpInvocations advances the counter for the nonce class.
func (g *AESGCM) bumpInvocations(nonce []byte) {
	if len(nonce) == GCMStandardNonceSize {
		g.invocations96++
	} else {
		g.invocationsNon96++
	}
}

// deriveJ0 derives the pre-counter block from the nonce.
//
// For 96-bit nonces, J0 = nonce || 0x00000001. For every other length,
// J0 = GHASH_H(nonce || 0^s || 0^64 || [len(nonce) in bits]_64), with the
// nonce zero-padded to a block boundary. J0 derivation always uses the
// scalar multiplier.
func (g *AESGCM) deriveJ0(nonce []byte) [gcmBlockSize]byte {
	var j0 [gcmBlockSize]byte

	if len(nonce) == GCMStandardNonceSize {
		copy(j0[:], nonce)
		j0[gcmBlockSize-1] = 1
		return j0
	}

	var y fieldElement
	rem := nonce
	for len(rem) >= gcmBlockSize {
		y = gfMul(y.xor(feFromBytes(rem[:gcmBlockSize])), g.h)
		rem = rem[gcmBlockSize:]
	}
	if len(rem) > 0 {
		var last [gcmBlockSize]byte
		copy(last[:], rem)
		y = gfMul(y.xor(feFromBytes(last[:])), g.h)
	}

	lenBlock := fieldElement{lo: uint64(len(nonce)) * 8}
	y = gfMul(y.xor(lenBlock), g.h)

	return y.bytes()
}

// inc32 increments the last 32 bits of a counter block modulo 2^32,
// leaving the first 12 bytes unchanged.
func inc32(block [gcmBlockSize]byte) [gcmBlockSize]byte {
	ctr := binary.BigEndian.Uint32(block[gcmBlockSize-4:])
	binary.BigEndian.PutUint32(block[gcmBlockSize-4:], ctr+1)
	return block
}

// ctrStream XORs src into dst under the AES-CTR keystream starting at
// inc32(j0). dst and src must have equal length.
func (g *AESGCM) ctrStream(j0 [gcmBlockSize]byte, dst, src []byte) {
	ctr := inc32(j0)

	var keystream [gcmBlockSize]byte
	for i := 0; i < len(src); i += gcmBlockSize {
		g.block.Encrypt(keystream[:], ctr[:])
		ctr = inc32(ctr)

		end := i + gcmBlockSize
		if end > len(src) {
			end = len(src)
		}
		for j := i; j < end; j++ {
			dst[j] = src[j] ^ keystream[j-i]
		}
	}
}

// computeTag computes the full 16-byte tag: GHASH_H(AAD, C) XOR E_K(J0).
func (g *AESGCM) computeTag(j0 [gcmBlockSize]byte, aad, ciphertext []byte) [GCMTagSize]byte {
	s := g.ghash(aad, ciphertext)

	var mask [gcmBlockSize]byte
	g.block.Encrypt(mask[:], j0[:])

	s = s.xor(feFromBytes(mask[:]))
	return s.bytes()
}

// ghash hashes AAD and ciphertext per NIST SP 800-38D, dispatching on the
// aggregate length: below ghashTableThreshold the scalar multiplier is
// used, at or above it the product table is built (once) and used. Both
// paths produce identical results.
func (g *AESGCM) ghash(aad, ciphertext []byte) fieldElement {
	if len(aad)+len(ciphertext) < ghashTableThreshold {
		return g.ghashScalar(aad, ciphertext)
	}
	if g.table == nil {
		g.table = newProductTable(g.h)
	}
	return g.ghashTable(aad, ciphertext)
}

// ghashScalar computes GHASH with the scalar field multiplier.
func (g *AESGCM) ghashScalar(aad, ciphertext []byte) fieldElement {
	var y fieldElement
	y = absorbBlocks(y, aad, g.mulScalar)
	y = absorbBlocks(y, ciphertext, g.mulScalar)
	return g.mulScalar(y.xor(lengthBlock(aad, ciphertext)))
}

// ghashTable computes GHASH with the precomputed product table.
func (g *AESGCM) ghashTable(aad, ciphertext []byte) fieldElement {
	var y fieldElement
	y = absorbBlocks(y, aad, g.table.mul)
	y = absorbBlocks(y, ciphertext, g.table.mul)
	return g.table.mul(y.xor(lengthBlock(aad, ciphertext)))
}

// mulScalar multiplies x by the hash subkey with the scalar algorithm.
func (g *AESGCM) mulScalar(x fieldElement) fieldElement {
	return gfMul(x, g.h)
}

// absorbBlocks folds data into the GHASH accumulator in 16-byte blocks,
// zero-padding the final partial block.
func absorbBlocks(y fieldElement, data []byte, mul func(fieldElement) fieldElement) fieldElement {
	for len(data) >= gcmBlockSize {
		y = mul(y.xor(feFromBytes(data[:gcmBlockSize])))
		data = data[gcmBlockSize:]
	}
	if len(data) > 0 {
		var last [gcmBlockSize]byte
		copy(last[:], data)
		y = mul(y.xor(feFromBytes(last[:])))
	}
	return y
}

// lengthBlock builds the final GHASH block: [len(AAD)]_64 || [len(C)]_64,
// both in bits, big-endian.
func lengthBlock(aad, ciphertext []byte) fieldElement {
	return fieldElement{
		hi: uint64(len(aad)) * 8,
		lo: uint64(len(ciphertext)) * 8,
	}
}

// AESGCM256Encrypt is a convenience function for one-shot AES-256-GCM
// encryption with a full 16-byte tag.
//
// Returns ciphertext || tag. The caller owns nonce uniqueness; the one-shot
// engine cannot track nonces across calls.
func AESGCM256Encrypt(key, nonce, plaintext, aad []byte) ([]byte, error) {
	gcm, err := NewAESGCM(key)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, plaintext, aad, GCMTagSize)
}

// AESGCM256Decrypt is a convenience function for one-shot AES-256-GCM
// decryption with a full 16-byte tag.
func AESGCM256Decrypt(key, nonce, data, aad []byte) ([]byte, error) {
	gcm, err := NewAESGCM(key)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nonce, data, aad, GCMTagSize)
}
