package channel

import "net"

// TestPair provides a bidirectional in-memory stream pair for exercising a
// channel against a simulated host without real process I/O. It carries
// byte-stream semantics (net.Pipe), matching the stdin/stdout pair the
// sidecar runs on in production.
//
// Endpoint 0 plays the sidecar, endpoint 1 the host.
type TestPair struct {
	sidecar net.Conn
	host    net.Conn
}

// NewTestPair creates a connected pair.
func NewTestPair() *TestPair {
	sidecar, host := net.Pipe()
	return &TestPair{sidecar: sidecar, host: host}
}

// SidecarConn returns the sidecar-side connection.
func (p *TestPair) SidecarConn() net.Conn {
	return p.sidecar
}

// HostConn returns the host-side connection.
func (p *TestPair) HostConn() net.Conn {
	return p.host
}

// Close closes both endpoints.
func (p *TestPair) Close() error {
	err0 := p.sidecar.Close()
	err1 := p.host.Close()
	if err0 != nil {
		return err0
	}
	return err1
}
