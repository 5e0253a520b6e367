// Random nonce and salt generation for the sidecar's AEAD channels and
// key-derivation salts.

package crypto

import (
	"crypto/rand"
	"fmt"
)

const (
	// NonceSize is the preferred AEAD nonce length in bytes (96 bits).
	NonceSize = GCMStandardNonceSize

	// SaltSize is the HKDF salt length in bytes used for CEK derivation.
	SaltSize = 16
)

// RandomNonce draws a fresh 12-byte nonce from the system RNG.
func RandomNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}
	return nonce, nil
}

// GenerateSalt draws a fresh 16-byte key-derivation salt from the system RNG.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generate salt: %w", err)
	}
	return salt, nil
}
