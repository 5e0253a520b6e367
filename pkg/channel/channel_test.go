package channel

import (
	"bytes"
	"encoding/base64"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/pion/transport/v3/test"
)

// TestEstablish runs the full handshake between a channel and a simulated
// host over an in-memory pair: the host wraps a fresh session key with
// RSA-OAEP and verifies the CHANNEL_ESTABLISHED confirmation.
func TestEstablish(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	pair := NewTestPair()
	defer pair.Close()

	ch, err := NewSecureChannel(Config{
		Reader: pair.SidecarConn(),
		Writer: pair.SidecarConn(),
	})
	if err != nil {
		t.Fatalf("NewSecureChannel failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- ch.Establish()
	}()

	host := NewHostSession(pair.HostConn())
	if err := host.Handshake(); err != nil {
		t.Fatalf("host handshake failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Establish failed: %v", err)
	}

	if !ch.Established() {
		t.Error("channel does not report established")
	}
	if !bytes.Equal(ch.sessionKey, host.SessionKey()) {
		t.Error("unwrapped session key differs from the host's")
	}
}

// establishedPair returns a channel and host with a completed handshake.
func establishedPair(t *testing.T) (*SecureChannel, *HostSession, *TestPair) {
	t.Helper()

	lim := test.TimeOut(30 * time.Second)
	t.Cleanup(func() { lim.Stop() })

	pair := NewTestPair()
	t.Cleanup(func() { pair.Close() })

	ch, err := NewSecureChannel(Config{
		Reader: pair.SidecarConn(),
		Writer: pair.SidecarConn(),
	})
	if err != nil {
		t.Fatalf("NewSecureChannel failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- ch.Establish()
	}()

	host := NewHostSession(pair.HostConn())
	if err := host.Handshake(); err != nil {
		t.Fatalf("host handshake failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Establish failed: %v", err)
	}

	return ch, host, pair
}

func TestFrameRoundTrip(t *testing.T) {
	ch, host, _ := establishedPair(t)

	// Sidecar -> host.
	if err := ch.WriteFrame([]byte(`{"success":true}`)); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	got, err := host.ReadFrame()
	if err != nil {
		t.Fatalf("host ReadFrame failed: %v", err)
	}
	if string(got) != `{"success":true}` {
		t.Errorf("host received %q", got)
	}

	// Host -> sidecar.
	line, err := host.SealFrame([]byte("inbound payload"))
	if err != nil {
		t.Fatalf("host SealFrame failed: %v", err)
	}
	if err := host.SendRaw(line); err != nil {
		t.Fatalf("host SendRaw failed: %v", err)
	}
	pt, err := ch.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if string(pt) != "inbound payload" {
		t.Errorf("sidecar received %q", pt)
	}
}

func TestOpenRejectsTamperedFrame(t *testing.T) {
	ch, host, _ := establishedPair(t)

	line, err := host.SealFrame([]byte("payload"))
	if err != nil {
		t.Fatalf("SealFrame failed: %v", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(line)
	raw[len(raw)-1] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := ch.Open(tampered); err == nil {
		t.Fatal("Open accepted a tampered frame")
	}
}

func TestOpenRejectsMalformedLines(t *testing.T) {
	ch, _, _ := establishedPair(t)

	if _, err := ch.Open("not!!base64"); err == nil {
		t.Error("Open accepted malformed base64")
	}

	short := base64.StdEncoding.EncodeToString(make([]byte, 10))
	if _, err := ch.Open(short); err == nil {
		t.Error("Open accepted a frame shorter than nonce+tag")
	}
}

func TestSealBeforeEstablish(t *testing.T) {
	ch, err := NewSecureChannel(Config{
		Reader: strings.NewReader(""),
		Writer: io.Discard,
	})
	if err != nil {
		t.Fatalf("NewSecureChannel failed: %v", err)
	}

	if _, err := ch.Seal([]byte("x")); err != ErrNotEstablished {
		t.Errorf("Seal: got %v, want ErrNotEstablished", err)
	}
	if _, err := ch.Open("AAAA"); err != ErrNotEstablished {
		t.Errorf("Open: got %v, want ErrNotEstablished", err)
	}
}

func TestFrameLayout(t *testing.T) {
	ch, host, _ := establishedPair(t)

	line, err := ch.Seal([]byte("layout"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		t.Fatalf("Seal output is not base64: %v", err)
	}
	// nonce(12) || ciphertext(6) || tag(16)
	if len(raw) != 12+6+16 {
		t.Fatalf("frame length %d, want %d", len(raw), 12+6+16)
	}

	// The reference implementation must accept it.
	pt, err := host.aead.Open(nil, raw[:12], raw[12:], nil)
	if err != nil {
		t.Fatalf("reference GCM rejected the frame: %v", err)
	}
	if string(pt) != "layout" {
		t.Errorf("reference GCM recovered %q", pt)
	}

	// Nonces must differ between frames.
	line2, err := ch.Seal([]byte("layout"))
	if err != nil {
		t.Fatalf("second Seal failed: %v", err)
	}
	raw2, _ := base64.StdEncoding.DecodeString(line2)
	if bytes.Equal(raw[:12], raw2[:12]) {
		t.Error("two frames share a nonce")
	}
}

func TestNewSecureChannelValidation(t *testing.T) {
	if _, err := NewSecureChannel(Config{}); err != ErrNilStream {
		t.Errorf("got %v, want ErrNilStream", err)
	}
}
