// Package ttl implements time-to-live image containers: encrypted envelopes
// wrapping an image payload whose decryption is conditioned on an expiry
// policy.
//
// Container layout:
//
//	magic   (6)  "IMAGED"
//	version (1)  0x01
//	expiry  (8)  expiry timestamp, Unix seconds, big-endian
//	salt    (16) HKDF salt for the container's CEK
//	nonce   (12) AES-GCM nonce
//	body         ciphertext || tag(16)
//
// The magic, version, and expiry bytes are authenticated as AAD, so moving
// an expiry forward invalidates the tag.
package ttl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pion/logging"

	"github.com/imaged/sidecar/pkg/crypto"
	"github.com/imaged/sidecar/pkg/keyring"
)

// Extension is the container file extension.
const Extension = ".ttl"

// DefaultTTL applies when a container is created without an expiry.
const DefaultTTL = 24 * time.Hour

var containerMagic = []byte("IMAGED")

const (
	containerVersion = 0x01

	headerSize  = 6 + 1 + 8 // magic + version + expiry
	saltOffset  = headerSize
	nonceOffset = saltOffset + crypto.SaltSize
	bodyOffset  = nonceOffset + crypto.NonceSize
)

// Errors
var (
	ErrKeyringRequired    = errors.New("ttl: keyring is required")
	ErrContainerTooShort  = errors.New("ttl: file too short to be a container")
	ErrNotContainer       = errors.New("ttl: not a TTL container")
	ErrUnsupportedVersion = errors.New("ttl: unsupported container version")
	ErrExpired            = errors.New("ttl: container has expired")
)

// RenderFunc materializes display bytes from a container path. The core
// treats rendering as opaque; the default render is the raw decrypted
// payload.
type RenderFunc func(path string) ([]byte, error)

// Info describes a container without decrypting it.
type Info struct {
	Version int
	Expiry  time.Time
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Keyring derives per-container CEKs. Required.
	Keyring *keyring.Keyring

	// Now is the time source used for expiry checks, typically backed by
	// the configured NTP authority. Defaults to time.Now.
	Now func() time.Time

	// DefaultTTL applies when CreateContainer is given a zero expiry.
	DefaultTTL time.Duration

	// LoggerFactory creates the manager's logger.
	LoggerFactory logging.LoggerFactory
}

// Manager creates and opens TTL containers.
type Manager struct {
	keyring    *keyring.Keyring
	now        func() time.Time
	defaultTTL time.Duration
	log        logging.LeveledLogger
}

// NewManager creates a Manager.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Keyring == nil {
		return nil, ErrKeyringRequired
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = DefaultTTL
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	return &Manager{
		keyring:    config.Keyring,
		now:        config.Now,
		defaultTTL: config.DefaultTTL,
		log:        config.LoggerFactory.NewLogger("ttl"),
	}, nil
}

// CreateContainer encrypts the file at inputPath into a TTL container.
//
// A zero expiry defaults to now + DefaultTTL. An empty outputPath derives
// the container path from inputPath by swapping the extension for ".ttl".
// Returns the container path.
func (m *Manager) CreateContainer(inputPath string, expiry time.Time, outputPath string) (string, error) {
	payload, err := os.ReadFile(inputPath)
	if err != nil {
		return "", fmt.Errorf("ttl: read input: %w", err)
	}

	if expiry.IsZero() {
		expiry = m.now().Add(m.defaultTTL)
	}
	if outputPath == "" {
		outputPath = replaceExtension(inputPath, Extension)
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return "", err
	}
	cek, err := m.keyring.DeriveCEK(salt)
	if err != nil {
		return "", err
	}
	nonce, err := crypto.RandomNonce()
	if err != nil {
		return "", err
	}

	header := make([]byte, headerSize)
	copy(header, containerMagic)
	header[len(containerMagic)] = containerVersion
	binary.BigEndian.PutUint64(header[7:], uint64(expiry.Unix()))

	engine, err := crypto.NewAESGCM(cek)
	if err != nil {
		return "", err
	}
	body, err := engine.Seal(nonce, payload, header, crypto.GCMTagSize)
	if err != nil {
		return "", fmt.Errorf("ttl: seal container: %w", err)
	}

	out := make([]byte, 0, bodyOffset+len(body))
	out = append(out, header...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, body...)

	if err := os.WriteFile(outputPath, out, 0o600); err != nil {
		return "", fmt.Errorf("ttl: write container: %w", err)
	}

	m.log.Infof("created container %s (expires %s)", outputPath, expiry.UTC().Format(time.RFC3339))
	return outputPath, nil
}

// Open decrypts a container and returns its payload.
//
// The expiry policy is enforced before any decryption: an expired container
// fails with ErrExpired and no plaintext is produced. Tampering with the
// header, salt, nonce, or body fails authentication.
func (m *Manager) Open(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ttl: read container: %w", err)
	}

	info, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	if m.now().After(info.Expiry) {
		return nil, fmt.Errorf("%w (expired %s)", ErrExpired, info.Expiry.UTC().Format(time.RFC3339))
	}

	salt := data[saltOffset:nonceOffset]
	nonce := data[nonceOffset:bodyOffset]
	body := data[bodyOffset:]

	cek, err := m.keyring.DeriveCEK(salt)
	if err != nil {
		return nil, err
	}
	engine, err := crypto.NewAESGCM(cek)
	if err != nil {
		return nil, err
	}

	payload, err := engine.Open(nonce, body, data[:headerSize], crypto.GCMTagSize)
	if err != nil {
		return nil, fmt.Errorf("ttl: open container: %w", err)
	}
	return payload, nil
}

// Inspect reads a container's header without decrypting the payload.
// The returned expiry is unauthenticated until Open succeeds.
func (m *Manager) Inspect(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("ttl: read container: %w", err)
	}
	return parseHeader(data)
}

// Render returns the manager's default render function: the raw decrypted
// payload of the container at path.
func (m *Manager) Render() RenderFunc {
	return m.Open
}

func parseHeader(data []byte) (Info, error) {
	if len(data) < bodyOffset+crypto.GCMTagSize {
		return Info{}, ErrContainerTooShort
	}
	if !bytes.Equal(data[:len(containerMagic)], containerMagic) {
		return Info{}, ErrNotContainer
	}
	if data[len(containerMagic)] != containerVersion {
		return Info{}, fmt.Errorf("%w (%d)", ErrUnsupportedVersion, data[len(containerMagic)])
	}

	expiry := int64(binary.BigEndian.Uint64(data[7:15]))
	return Info{
		Version: int(data[len(containerMagic)]),
		Expiry:  time.Unix(expiry, 0),
	}, nil
}

func replaceExtension(path, ext string) string {
	if i := strings.LastIndexByte(path, '.'); i > strings.LastIndexByte(path, '/') {
		return path[:i] + ext
	}
	return path + ext
}
