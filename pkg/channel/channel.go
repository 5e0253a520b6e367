// Package channel implements the sidecar's encrypted session channel.
//
// At startup the channel publishes an ephemeral RSA-2048 public key on the
// outbound stream, unwraps the host's RSA-OAEP-encrypted 32-byte session
// key from the inbound stream, and confirms with an encrypted
// CHANNEL_ESTABLISHED frame. Every subsequent frame is one base64 line
// carrying nonce(12) || ciphertext || tag(16) under AES-GCM-256 with the
// session key and empty AAD.
package channel

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"strings"

	"github.com/pion/logging"

	"github.com/imaged/sidecar/pkg/crypto"
)

// SessionKeySize is the session key length in bytes (AES-256).
const SessionKeySize = 32

// rsaKeyBits is the ephemeral handshake keypair size.
const rsaKeyBits = 2048

// confirmation is the fixed plaintext of the frame that completes the
// handshake.
const confirmation = "CHANNEL_ESTABLISHED"

// Config configures a SecureChannel.
type Config struct {
	// Reader is the inbound stream (the host's stdout, our stdin).
	Reader io.Reader

	// Writer is the outbound stream. It must carry nothing but protocol
	// lines; logging goes elsewhere.
	Writer io.Writer

	// LoggerFactory creates the channel's logger. A default factory is
	// used when nil.
	LoggerFactory logging.LoggerFactory
}

// SecureChannel is the framed AES-GCM transport over a byte-stream pair.
//
// A channel is bound to one goroutine: frame ordering, nonce selection, and
// the underlying GCM engine are all sequential state.
type SecureChannel struct {
	br *bufio.Reader
	w  io.Writer

	sessionKey  []byte
	aead        *crypto.AESGCM
	established bool

	log logging.LeveledLogger
}

// NewSecureChannel creates a channel over the given streams.
// The channel is not usable until Establish completes.
func NewSecureChannel(config Config) (*SecureChannel, error) {
	if config.Reader == nil || config.Writer == nil {
		return nil, ErrNilStream
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	return &SecureChannel{
		br:  bufio.NewReader(config.Reader),
		w:   config.Writer,
		log: config.LoggerFactory.NewLogger("channel"),
	}, nil
}

// Establish runs the session-key handshake:
//
//  1. Generate an ephemeral RSA-2048 keypair (exponent 65537).
//  2. Emit the base64 of the PEM-encoded SubjectPublicKeyInfo as one line.
//  3. Read one base64 line, RSA-OAEP(SHA-256) decrypt it with the private
//     key; the plaintext is the 32-byte session key.
//  4. Emit the encrypted CHANNEL_ESTABLISHED confirmation frame.
//
// The private key is used exactly once and discarded on return.
func (c *SecureChannel) Establish() error {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return fmt.Errorf("channel: generate RSA keypair: %w", err)
	}

	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return fmt.Errorf("channel: encode public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	if err := c.writeLine(base64.StdEncoding.EncodeToString(pubPEM)); err != nil {
		return fmt.Errorf("channel: publish public key: %w", err)
	}

	line, err := c.readLine()
	if err != nil {
		return fmt.Errorf("channel: read wrapped session key: %w", err)
	}
	if line == "" {
		return ErrNoSessionKey
	}

	wrapped, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadEncoding, err)
	}

	sessionKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return fmt.Errorf("channel: unwrap session key: %w", err)
	}
	if len(sessionKey) != SessionKeySize {
		return fmt.Errorf("%w (got %d bytes)", ErrBadSessionKey, len(sessionKey))
	}

	aead, err := crypto.NewAESGCM(sessionKey)
	if err != nil {
		return fmt.Errorf("channel: create session cipher: %w", err)
	}
	// Outbound nonces are fresh random 96-bit values under a per-process
	// key; no registry is kept on this channel.
	aead.SetEnforceIVUniqueness(false)

	c.sessionKey = sessionKey
	c.aead = aead
	c.established = true

	if err := c.WriteFrame([]byte(confirmation)); err != nil {
		return fmt.Errorf("channel: send confirmation: %w", err)
	}

	c.log.Info("secure channel established")
	return nil
}

// Established reports whether the handshake has completed.
func (c *SecureChannel) Established() bool {
	return c.established
}

// Seal encrypts plaintext into one wire line: base64 of
// nonce(12) || ciphertext || tag(16).
func (c *SecureChannel) Seal(plaintext []byte) (string, error) {
	if !c.established {
		return "", ErrNotEstablished
	}

	nonce, err := crypto.RandomNonce()
	if err != nil {
		return "", err
	}

	sealed, err := c.aead.Seal(nonce, plaintext, nil, crypto.GCMTagSize)
	if err != nil {
		return "", fmt.Errorf("channel: seal frame: %w", err)
	}

	frame := make([]byte, 0, len(nonce)+len(sealed))
	frame = append(frame, nonce...)
	frame = append(frame, sealed...)
	return base64.StdEncoding.EncodeToString(frame), nil
}

// Open decodes and decrypts one wire line into its plaintext.
func (c *SecureChannel) Open(line string) ([]byte, error) {
	if !c.established {
		return nil, ErrNotEstablished
	}

	raw, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEncoding, err)
	}
	if len(raw) < crypto.NonceSize+crypto.GCMTagSize {
		return nil, ErrFrameTooShort
	}

	plaintext, err := c.aead.Open(raw[:crypto.NonceSize], raw[crypto.NonceSize:], nil, crypto.GCMTagSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return plaintext, nil
}

// WriteFrame seals plaintext and emits it as one line, flushed.
func (c *SecureChannel) WriteFrame(plaintext []byte) error {
	line, err := c.Seal(plaintext)
	if err != nil {
		return err
	}
	return c.writeLine(line)
}

// ReadFrame reads one line and decrypts it.
// Returns io.EOF when the inbound stream ends; an empty line is treated as
// end of input, matching the host's shutdown convention.
func (c *SecureChannel) ReadFrame() ([]byte, error) {
	line, err := c.readLine()
	if err != nil {
		return nil, err
	}
	if line == "" {
		return nil, io.EOF
	}
	return c.Open(line)
}

// ReadLine reads one raw wire line without decrypting. The dispatcher uses
// this to classify decode failures per-frame.
func (c *SecureChannel) ReadLine() (string, error) {
	return c.readLine()
}

func (c *SecureChannel) readLine() (string, error) {
	line, err := c.br.ReadString('\n')
	if err != nil {
		if err == io.EOF && strings.TrimSpace(line) != "" {
			// Final line without a trailing newline.
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (c *SecureChannel) writeLine(line string) error {
	if _, err := io.WriteString(c.w, line+"\n"); err != nil {
		return fmt.Errorf("channel: write line: %w", err)
	}
	return nil
}
