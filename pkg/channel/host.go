package channel

import (
	"bufio"
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"
)

// HostSession simulates the controlling host's side of the protocol for
// test harnesses: it wraps the session key for the sidecar and frames
// traffic with the standard library's GCM as the vetted reference
// implementation.
type HostSession struct {
	br *bufio.Reader
	w  io.Writer

	key  []byte
	aead cipher.AEAD
}

// NewHostSession creates a host simulator over the given stream.
func NewHostSession(rw io.ReadWriter) *HostSession {
	return &HostSession{
		br: bufio.NewReader(rw),
		w:  rw,
	}
}

// Handshake performs the host half of session establishment: read the
// sidecar's public key line, wrap a fresh 32-byte session key with
// RSA-OAEP(SHA-256), send it, and verify the confirmation frame.
func (h *HostSession) Handshake() error {
	line, err := h.readLine()
	if err != nil {
		return fmt.Errorf("host: read public key: %w", err)
	}

	pemBytes, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return fmt.Errorf("host: decode public key line: %w", err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "PUBLIC KEY" {
		return errors.New("host: no PEM public key in handshake line")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("host: parse SPKI: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return errors.New("host: handshake key is not RSA")
	}

	key := make([]byte, SessionKeySize)
	if _, err := rand.Read(key); err != nil {
		return err
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return fmt.Errorf("host: wrap session key: %w", err)
	}
	if err := h.writeLine(base64.StdEncoding.EncodeToString(wrapped)); err != nil {
		return err
	}

	blockCipher, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	aead, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return err
	}
	h.key = key
	h.aead = aead

	conf, err := h.ReadFrame()
	if err != nil {
		return fmt.Errorf("host: read confirmation: %w", err)
	}
	if !bytes.Equal(conf, []byte(confirmation)) {
		return fmt.Errorf("host: unexpected confirmation %q", conf)
	}
	return nil
}

// SessionKey returns the established session key.
func (h *HostSession) SessionKey() []byte {
	return h.key
}

// SealFrame encrypts plaintext into one wire line with a random nonce.
func (h *HostSession) SealFrame(plaintext []byte) (string, error) {
	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := h.aead.Seal(nil, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(append(nonce, sealed...)), nil
}

// SendCommand frames jsonBytes with the dispatcher's 32-bit length prefix,
// seals it, and emits one line.
func (h *HostSession) SendCommand(jsonBytes []byte) error {
	plaintext := make([]byte, 4+len(jsonBytes))
	binary.BigEndian.PutUint32(plaintext[:4], uint32(len(jsonBytes)))
	copy(plaintext[4:], jsonBytes)

	line, err := h.SealFrame(plaintext)
	if err != nil {
		return err
	}
	return h.writeLine(line)
}

// SendRaw emits a pre-built line verbatim, for injecting corrupt frames.
func (h *HostSession) SendRaw(line string) error {
	return h.writeLine(line)
}

// ReadFrame reads one line and decrypts it with the reference GCM.
func (h *HostSession) ReadFrame() ([]byte, error) {
	line, err := h.readLine()
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return nil, err
	}
	if len(raw) < 12+16 {
		return nil, ErrFrameTooShort
	}
	return h.aead.Open(nil, raw[:12], raw[12:], nil)
}

func (h *HostSession) readLine() (string, error) {
	line, err := h.br.ReadString('\n')
	if err != nil {
		if err == io.EOF && strings.TrimSpace(line) != "" {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (h *HostSession) writeLine(line string) error {
	_, err := io.WriteString(h.w, line+"\n")
	return err
}
