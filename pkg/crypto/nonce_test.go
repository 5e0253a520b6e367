package crypto

import "testing"

func TestRandomNonce(t *testing.T) {
	a, err := RandomNonce()
	if err != nil {
		t.Fatalf("RandomNonce failed: %v", err)
	}
	if len(a) != NonceSize {
		t.Fatalf("nonce length %d, want %d", len(a), NonceSize)
	}

	b, err := RandomNonce()
	if err != nil {
		t.Fatalf("RandomNonce failed: %v", err)
	}
	if string(a) == string(b) {
		t.Error("two random nonces are identical")
	}
}

func TestGenerateSalt(t *testing.T) {
	a, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt failed: %v", err)
	}
	if len(a) != SaltSize {
		t.Fatalf("salt length %d, want %d", len(a), SaltSize)
	}

	b, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt failed: %v", err)
	}
	if string(a) == string(b) {
		t.Error("two random salts are identical")
	}
}
