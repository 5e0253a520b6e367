// Package backend implements the sidecar's command dispatcher: it reads
// encrypted frames from the session channel, routes decoded commands to a
// Service, and writes encrypted responses back in strict request order.
package backend

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"github.com/imaged/sidecar/pkg/channel"
)

// State is the dispatcher lifecycle state.
type State int

const (
	// StateAwaitingBootstrap means the session handshake has not completed.
	StateAwaitingBootstrap State = iota

	// StateServing means frames are being read and dispatched.
	StateServing
)

func (s State) String() string {
	switch s {
	case StateAwaitingBootstrap:
		return "Awaiting-Bootstrap"
	case StateServing:
		return "Serving"
	}
	return "Unknown"
}

// Errors
var (
	ErrChannelRequired = errors.New("backend: channel is required")
	ErrServiceRequired = errors.New("backend: service is required")
)

// Service handles decoded commands. Implementations return either a single
// response or a streamed metadata/payload pair via Result.
type Service interface {
	ConvertToTTL(ctx context.Context, params Parameters) Result
	OpenTTL(ctx context.Context, params Parameters) Result
	BatchConvert(ctx context.Context, params Parameters) Result
	GetConfig(ctx context.Context, params Parameters) Result
	SetConfig(ctx context.Context, params Parameters) Result
}

// Config configures a Backend.
type Config struct {
	// Channel is the established-or-establishable session channel. Required.
	Channel *channel.SecureChannel

	// Service handles decoded commands. Required.
	Service Service

	// LoggerFactory creates the backend's logger.
	LoggerFactory logging.LoggerFactory

	// Metrics collects frame/command counters. Optional.
	Metrics *Metrics
}

// Backend is the command dispatcher. It owns the read loop and is bound to
// a single goroutine; handlers run synchronously between reads.
type Backend struct {
	ch      *channel.SecureChannel
	service Service
	metrics *Metrics
	log     logging.LeveledLogger

	state State
	mu    sync.RWMutex // guards state for observers outside the loop
}

// New creates a Backend.
func New(config Config) (*Backend, error) {
	if config.Channel == nil {
		return nil, ErrChannelRequired
	}
	if config.Service == nil {
		return nil, ErrServiceRequired
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	return &Backend{
		ch:      config.Channel,
		service: config.Service,
		metrics: config.Metrics,
		state:   StateAwaitingBootstrap,
		log:     config.LoggerFactory.NewLogger("backend"),
	}, nil
}

// State returns the dispatcher state.
func (b *Backend) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Backend) setState(state State) {
	b.mu.Lock()
	b.state = state
	b.mu.Unlock()
}

// Run establishes the session (if needed) and serves frames until the
// inbound stream ends or ctx is cancelled between frames.
//
// Handshake failures terminate Run with an error; per-frame transport
// failures are logged and skipped so a single corrupt frame cannot kill
// the sidecar while the host is still alive.
func (b *Backend) Run(ctx context.Context) error {
	if b.State() == StateAwaitingBootstrap {
		if err := b.ch.Establish(); err != nil {
			return fmt.Errorf("backend: establish session: %w", err)
		}
		b.setState(StateServing)
	}

	b.log.Info("command loop started")

	for {
		if ctx.Err() != nil {
			b.log.Info("context cancelled, shutting down")
			return nil
		}

		line, err := b.ch.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				b.log.Info("input stream closed, shutting down")
			} else {
				b.log.Warnf("input stream error, shutting down: %v", err)
			}
			return nil
		}
		if line == "" {
			b.log.Info("empty input line, shutting down")
			return nil
		}

		b.handleFrame(ctx, line)
	}
}

// handleFrame processes one wire line end to end. Transport failures are
// swallowed: no error frame is sent because an authenticated error needs a
// working frame, and unauthenticated data never goes on this channel.
func (b *Backend) handleFrame(ctx context.Context, line string) {
	frameID := uuid.NewString()

	plaintext, err := b.ch.Open(line)
	if err != nil {
		b.log.Warnf("frame %s dropped: %v", frameID, err)
		b.metrics.frameSkipped()
		return
	}
	b.metrics.frameReceived()

	result, command := b.process(ctx, frameID, plaintext)
	b.metrics.commandHandled(command, result)

	if result.Stream != nil {
		b.writeStream(frameID, result.Stream)
		return
	}
	b.writeResponse(frameID, result.Response)
}

// process decodes the length-prefixed command JSON and dispatches it.
// Everything past decryption is a protocol concern and is answered in-band.
func (b *Backend) process(ctx context.Context, frameID string, plaintext []byte) (Result, string) {
	cmdBytes, err := unwrapCommand(plaintext)
	if err != nil {
		b.log.Warnf("frame %s: %v", frameID, err)
		return SingleResult(Fail("Malformed command frame")), ""
	}

	var cmd Command
	if err := json.Unmarshal(cmdBytes, &cmd); err != nil {
		b.log.Warnf("frame %s: bad command JSON: %v", frameID, err)
		return SingleResult(Fail("Invalid command JSON")), ""
	}

	b.log.Debugf("frame %s: dispatching %s", frameID, cmd.Command)
	return b.dispatch(ctx, cmd), cmd.Command
}

// dispatch routes a command to its handler.
func (b *Backend) dispatch(ctx context.Context, cmd Command) Result {
	switch cmd.Command {
	case CommandConvertToTTL:
		return b.service.ConvertToTTL(ctx, cmd.Parameters)
	case CommandOpenTTL:
		return b.service.OpenTTL(ctx, cmd.Parameters)
	case CommandBatchConvert:
		return b.service.BatchConvert(ctx, cmd.Parameters)
	case CommandGetConfig:
		return b.service.GetConfig(ctx, cmd.Parameters)
	case CommandSetConfig:
		return b.service.SetConfig(ctx, cmd.Parameters)
	default:
		return SingleResult(Fail("Unknown command: %s", cmd.Command))
	}
}

// writeResponse emits a single encrypted JSON response frame.
func (b *Backend) writeResponse(frameID string, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		b.log.Errorf("frame %s: encode response: %v", frameID, err)
		return
	}
	if err := b.ch.WriteFrame(data); err != nil {
		b.log.Errorf("frame %s: write response: %v", frameID, err)
	}
}

// writeStream emits the metadata frame, then the payload frame, with no
// other frame interleaved.
func (b *Backend) writeStream(frameID string, stream *StreamPayload) {
	meta, err := json.Marshal(stream.Meta)
	if err != nil {
		b.log.Errorf("frame %s: encode stream metadata: %v", frameID, err)
		return
	}
	if err := b.ch.WriteFrame(meta); err != nil {
		b.log.Errorf("frame %s: write stream metadata: %v", frameID, err)
		return
	}
	if err := b.ch.WriteFrame(stream.Payload); err != nil {
		b.log.Errorf("frame %s: write stream payload: %v", frameID, err)
	}
}

// unwrapCommand strips the 32-bit big-endian length prefix and returns the
// command JSON. Trailing bytes beyond the prefixed length are reserved and
// ignored.
func unwrapCommand(plaintext []byte) ([]byte, error) {
	if len(plaintext) < 4 {
		return nil, errors.New("backend: frame shorter than length prefix")
	}
	n := binary.BigEndian.Uint32(plaintext[:4])
	if uint64(n) > uint64(len(plaintext)-4) {
		return nil, fmt.Errorf("backend: length prefix %d exceeds frame size %d", n, len(plaintext)-4)
	}
	return plaintext[4 : 4+n], nil
}
