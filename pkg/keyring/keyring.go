// Package keyring owns the process master key and the HKDF key hierarchy
// built on top of it.
//
// The master key is loaded once at startup from a well-known file and never
// exported or written back. Per-container content-encryption keys (CEKs) and
// subkeys are derived from it with HKDF-SHA256 and fresh per-container salts.
package keyring

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/pion/logging"

	"github.com/imaged/sidecar/pkg/crypto"
)

// MasterKeySize is the master key length in bytes.
const MasterKeySize = 32

// DerivedKeySize is the default derived key length in bytes.
const DerivedKeySize = 32

// cekInfo is the HKDF info string for content-encryption keys.
var cekInfo = []byte("ImAged CEK")

// Errors
var (
	ErrMasterKeyTooShort = errors.New("keyring: master key file shorter than 32 bytes")
	ErrInvalidSaltSize   = errors.New("keyring: salt must be 16 bytes")
	ErrInvalidKeySize    = errors.New("keyring: master key must be 32 bytes")
)

// Config configures keyring loading.
type Config struct {
	// Path is the master key file location.
	Path string

	// LoggerFactory creates the keyring's logger. A default factory is
	// used when nil.
	LoggerFactory logging.LoggerFactory
}

// Keyring holds the master key and derives per-container keys from it.
// The master key never leaves the keyring.
type Keyring struct {
	masterKey []byte
	ephemeral bool
	log       logging.LeveledLogger
}

// Load reads the master key from the configured path.
//
// A file of exactly 32 bytes is used as-is. A longer file is truncated to
// its first 32 bytes; the truncation is logged so the operator sees it. A
// shorter file is an error. A missing file produces a fresh random key held
// in memory only; nothing is written back.
func Load(config Config) (*Keyring, error) {
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	log := config.LoggerFactory.NewLogger("keyring")

	data, err := os.ReadFile(config.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		key := make([]byte, MasterKeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("keyring: generate ephemeral master key: %w", err)
		}
		log.Warnf("master key %s not found; generated ephemeral key", config.Path)
		return &Keyring{masterKey: key, ephemeral: true, log: log}, nil

	case err != nil:
		return nil, fmt.Errorf("keyring: read master key: %w", err)
	}

	if len(data) < MasterKeySize {
		return nil, fmt.Errorf("%w (got %d)", ErrMasterKeyTooShort, len(data))
	}
	if len(data) > MasterKeySize {
		log.Warnf("master key file is %d bytes; using the first %d", len(data), MasterKeySize)
		data = data[:MasterKeySize]
	}

	log.Infof("loaded master key from %s", config.Path)
	return &Keyring{masterKey: data, log: log}, nil
}

// NewFromKey builds a keyring around an in-memory master key.
// Used by tests and embedding callers; the key must be 32 bytes.
func NewFromKey(key []byte) (*Keyring, error) {
	if len(key) != MasterKeySize {
		return nil, ErrInvalidKeySize
	}
	k := make([]byte, MasterKeySize)
	copy(k, key)
	return &Keyring{
		masterKey: k,
		log:       logging.NewDefaultLoggerFactory().NewLogger("keyring"),
	}, nil
}

// Ephemeral reports whether the master key was generated in memory rather
// than loaded from disk. Containers created under an ephemeral key cannot be
// opened by a later process.
func (k *Keyring) Ephemeral() bool {
	return k.ephemeral
}

// DeriveCEK derives a 32-byte content-encryption key for a container.
// The salt must be a fresh 16-byte value; reusing a salt collapses two
// containers onto the same key.
func (k *Keyring) DeriveCEK(salt []byte) ([]byte, error) {
	if len(salt) != crypto.SaltSize {
		return nil, ErrInvalidSaltSize
	}
	cek, err := crypto.HKDFSHA256(k.masterKey, salt, cekInfo, DerivedKeySize)
	if err != nil {
		return nil, fmt.Errorf("keyring: derive CEK: %w", err)
	}
	return cek, nil
}

// DeriveSubkey derives key material for an arbitrary purpose identified by
// info. A non-positive length defaults to 32 bytes.
func (k *Keyring) DeriveSubkey(salt, info []byte, length int) ([]byte, error) {
	if length <= 0 {
		length = DerivedKeySize
	}
	sub, err := crypto.HKDFSHA256(k.masterKey, salt, info, length)
	if err != nil {
		return nil, fmt.Errorf("keyring: derive subkey: %w", err)
	}
	return sub, nil
}
