package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/pion/logging"

	"github.com/imaged/sidecar/pkg/config"
	"github.com/imaged/sidecar/pkg/ttl"
)

// DefaultStreamThreshold is the rendered-payload size, in bytes, at or
// above which OPEN_TTL answers with a streamed frame pair instead of inline
// base64.
const DefaultStreamThreshold = 64 * 1024

// ErrManagerRequired is returned when a CommandService is built without a
// TTL manager.
var ErrManagerRequired = errors.New("backend: ttl manager is required")

// ServiceConfig configures the default command service.
type ServiceConfig struct {
	// Manager creates and opens TTL containers. Required.
	Manager *ttl.Manager

	// Render materializes display bytes for OPEN_TTL. Defaults to the
	// manager's raw payload render.
	Render ttl.RenderFunc

	// ConfigPath is the operator config file served by GET_CONFIG and
	// SET_CONFIG.
	ConfigPath string

	// StreamThreshold overrides DefaultStreamThreshold when positive.
	StreamThreshold int

	// LoggerFactory creates the service's logger.
	LoggerFactory logging.LoggerFactory
}

// CommandService is the default Service implementation over the TTL
// manager and config store.
type CommandService struct {
	manager         *ttl.Manager
	render          ttl.RenderFunc
	configPath      string
	streamThreshold int
	log             logging.LeveledLogger
}

// NewCommandService creates the default command service.
func NewCommandService(cfg ServiceConfig) (*CommandService, error) {
	if cfg.Manager == nil {
		return nil, ErrManagerRequired
	}
	if cfg.Render == nil {
		cfg.Render = cfg.Manager.Render()
	}
	if cfg.StreamThreshold <= 0 {
		cfg.StreamThreshold = DefaultStreamThreshold
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	return &CommandService{
		manager:         cfg.Manager,
		render:          cfg.Render,
		configPath:      cfg.ConfigPath,
		streamThreshold: cfg.StreamThreshold,
		log:             cfg.LoggerFactory.NewLogger("service"),
	}, nil
}

// ConvertToTTL encrypts the image at input_path into a TTL container.
//
// Parameters: input_path (required), expiry_ts (Unix seconds, optional),
// output_path (optional). Returns the container path.
func (s *CommandService) ConvertToTTL(_ context.Context, params Parameters) Result {
	input := params.String("input_path")
	if input == "" || !isFile(input) {
		return SingleResult(Fail("input_path missing or file not found"))
	}

	var expiry time.Time
	if ts, ok := params.Float("expiry_ts"); ok && ts > 0 {
		expiry = time.Unix(int64(ts), 0)
	}

	path, err := s.manager.CreateContainer(input, expiry, params.String("output_path"))
	if err != nil {
		s.log.Errorf("convert %s failed: %v", input, err)
		return SingleResult(Fail("%v", err))
	}
	return SingleResult(OK(path))
}

// OpenTTL renders a container's payload. Small payloads come back inline
// as base64; large ones are streamed as a metadata/payload frame pair.
//
// Parameters: input_path (required). thumbnail_mode and max_size are
// accepted for host compatibility but not read; the render function
// receives only the container path.
func (s *CommandService) OpenTTL(_ context.Context, params Parameters) Result {
	input := params.String("input_path")
	if input == "" {
		return SingleResult(Fail("input_path missing"))
	}

	payload, err := s.render(input)
	if err != nil {
		s.log.Errorf("open %s failed: %v", input, err)
		return SingleResult(Fail("Failed to render TTL image: %v", err))
	}

	if len(payload) >= s.streamThreshold {
		meta := OK(map[string]any{
			"streaming":      true,
			"content_length": len(payload),
		})
		return StreamResult(meta, payload)
	}

	return SingleResult(OK(base64.StdEncoding.EncodeToString(payload)))
}

// BatchConvert runs CONVERT_TO_TTL over input_paths, collecting per-item
// results. The envelope succeeds only when every conversion does.
//
// Parameters: input_paths (required list), expiry_ts (optional, shared).
func (s *CommandService) BatchConvert(ctx context.Context, params Parameters) Result {
	inputs := params.Strings("input_paths")
	if len(inputs) == 0 {
		return SingleResult(Fail("input_paths missing or empty"))
	}

	var expiry time.Time
	if ts, ok := params.Float("expiry_ts"); ok && ts > 0 {
		expiry = time.Unix(int64(ts), 0)
	}

	type item struct {
		InputPath  string  `json:"input_path"`
		Success    bool    `json:"success"`
		Error      *string `json:"error"`
		OutputPath string  `json:"output_path,omitempty"`
	}

	items := make([]item, 0, len(inputs))
	failed := 0
	for _, input := range inputs {
		if !isFile(input) {
			msg := "file not found"
			items = append(items, item{InputPath: input, Error: &msg})
			failed++
			continue
		}
		out, err := s.manager.CreateContainer(input, expiry, "")
		if err != nil {
			msg := err.Error()
			items = append(items, item{InputPath: input, Error: &msg})
			failed++
			continue
		}
		items = append(items, item{InputPath: input, Success: true, OutputPath: out})
	}

	if failed > 0 {
		resp := Fail("%d of %d conversions failed", failed, len(inputs))
		resp.Result = items
		return SingleResult(resp)
	}
	return SingleResult(OK(items))
}

// GetConfig returns the operator configuration, unknown fields included.
func (s *CommandService) GetConfig(_ context.Context, _ Parameters) Result {
	cfg, err := config.Load(s.configPath)
	if err != nil {
		return SingleResult(Fail("%v", err))
	}
	return SingleResult(OK(cfg))
}

// SetConfig validates and persists the configuration object in the
// "config" parameter.
func (s *CommandService) SetConfig(_ context.Context, params Parameters) Result {
	obj := params.Object("config")
	if obj == nil {
		return SingleResult(Fail("No config data provided"))
	}

	raw, err := json.Marshal(obj)
	if err != nil {
		return SingleResult(Fail("%v", err))
	}
	cfg := &config.Config{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return SingleResult(Fail("%v", err))
	}

	if err := config.Save(s.configPath, cfg); err != nil {
		return SingleResult(Fail("%v", err))
	}
	return SingleResult(OK("Configuration saved"))
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
