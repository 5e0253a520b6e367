package keyring

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeKeyFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "master.key")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	return path
}

func TestLoadExactKey(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, MasterKeySize)
	kr, err := Load(Config{Path: writeKeyFile(t, key)})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if kr.Ephemeral() {
		t.Error("key loaded from disk reported as ephemeral")
	}
	if !bytes.Equal(kr.masterKey, key) {
		t.Error("loaded key does not match file contents")
	}
}

func TestLoadTruncatesLongKey(t *testing.T) {
	long := bytes.Repeat([]byte{0x22}, MasterKeySize+5)
	kr, err := Load(Config{Path: writeKeyFile(t, long)})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !bytes.Equal(kr.masterKey, long[:MasterKeySize]) {
		t.Error("long key was not truncated to the first 32 bytes")
	}
}

func TestLoadShortKeyFails(t *testing.T) {
	_, err := Load(Config{Path: writeKeyFile(t, make([]byte, 16))})
	if !errors.Is(err, ErrMasterKeyTooShort) {
		t.Fatalf("got %v, want ErrMasterKeyTooShort", err)
	}
}

func TestLoadMissingGeneratesEphemeral(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope", "master.key")

	a, err := Load(Config{Path: path})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !a.Ephemeral() {
		t.Error("missing key file should produce an ephemeral keyring")
	}

	// No write-back: the file must still be absent.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("ephemeral key was written to disk")
	}

	b, err := Load(Config{Path: path})
	if err != nil {
		t.Fatalf("second Load failed: %v", err)
	}
	if bytes.Equal(a.masterKey, b.masterKey) {
		t.Error("two ephemeral keys are identical")
	}
}

func TestDeriveCEKDeterministic(t *testing.T) {
	kr, err := NewFromKey(bytes.Repeat([]byte{0x33}, MasterKeySize))
	if err != nil {
		t.Fatalf("NewFromKey failed: %v", err)
	}

	salt := bytes.Repeat([]byte{0x01}, 16)
	a, err := kr.DeriveCEK(salt)
	if err != nil {
		t.Fatalf("DeriveCEK failed: %v", err)
	}
	if len(a) != DerivedKeySize {
		t.Fatalf("CEK length %d, want %d", len(a), DerivedKeySize)
	}

	b, err := kr.DeriveCEK(salt)
	if err != nil {
		t.Fatalf("DeriveCEK failed: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("same salt produced different CEKs")
	}

	c, err := kr.DeriveCEK(bytes.Repeat([]byte{0x02}, 16))
	if err != nil {
		t.Fatalf("DeriveCEK failed: %v", err)
	}
	if bytes.Equal(a, c) {
		t.Error("different salts produced identical CEKs")
	}
}

func TestDeriveCEKRejectsBadSalt(t *testing.T) {
	kr, err := NewFromKey(make([]byte, MasterKeySize))
	if err != nil {
		t.Fatalf("NewFromKey failed: %v", err)
	}
	if _, err := kr.DeriveCEK(make([]byte, 12)); !errors.Is(err, ErrInvalidSaltSize) {
		t.Errorf("got %v, want ErrInvalidSaltSize", err)
	}
}

func TestDeriveSubkey(t *testing.T) {
	kr, err := NewFromKey(bytes.Repeat([]byte{0x44}, MasterKeySize))
	if err != nil {
		t.Fatalf("NewFromKey failed: %v", err)
	}

	salt := bytes.Repeat([]byte{0x05}, 16)

	sub, err := kr.DeriveSubkey(salt, []byte("thumbnail"), 0)
	if err != nil {
		t.Fatalf("DeriveSubkey failed: %v", err)
	}
	if len(sub) != DerivedKeySize {
		t.Fatalf("default subkey length %d, want %d", len(sub), DerivedKeySize)
	}

	long, err := kr.DeriveSubkey(salt, []byte("thumbnail"), 64)
	if err != nil {
		t.Fatalf("DeriveSubkey failed: %v", err)
	}
	if len(long) != 64 {
		t.Fatalf("subkey length %d, want 64", len(long))
	}

	// Different info strings must not correlate with the CEK.
	cek, err := kr.DeriveCEK(salt)
	if err != nil {
		t.Fatalf("DeriveCEK failed: %v", err)
	}
	if bytes.Equal(sub, cek) {
		t.Error("subkey with distinct info equals CEK")
	}
}

func TestNewFromKeyValidatesLength(t *testing.T) {
	if _, err := NewFromKey(make([]byte, 16)); !errors.Is(err, ErrInvalidKeySize) {
		t.Errorf("got %v, want ErrInvalidKeySize", err)
	}
}
