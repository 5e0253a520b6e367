package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadValidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"ntp_server":"pool.ntp.org","default_ttl_hours":24}`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.NTPServer != "pool.ntp.org" {
		t.Errorf("NTPServer = %q", cfg.NTPServer)
	}
	if cfg.DefaultTTLHours != 24 {
		t.Errorf("DefaultTTLHours = %v", cfg.DefaultTTLHours)
	}
	if cfg.DefaultTTL() != 24*time.Hour {
		t.Errorf("DefaultTTL = %v", cfg.DefaultTTL())
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.NTPServer != "" || cfg.DefaultTTLHours != 0 {
		t.Error("missing file should produce an empty config")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()

	noNTP := filepath.Join(dir, "a.json")
	os.WriteFile(noNTP, []byte(`{"default_ttl_hours":24}`), 0o644)
	if _, err := Load(noNTP); !errors.Is(err, ErrMissingNTPServer) {
		t.Errorf("got %v, want ErrMissingNTPServer", err)
	}

	badTTL := filepath.Join(dir, "b.json")
	os.WriteFile(badTTL, []byte(`{"ntp_server":"x","default_ttl_hours":0}`), 0o644)
	if _, err := Load(badTTL); !errors.Is(err, ErrInvalidTTLHours) {
		t.Errorf("got %v, want ErrInvalidTTLHours", err)
	}

	garbage := filepath.Join(dir, "c.json")
	os.WriteFile(garbage, []byte(`{not json`), 0o644)
	if _, err := Load(garbage); err == nil {
		t.Error("Load accepted malformed JSON")
	}
}

// TestUnknownFieldsSurviveRoundTrip checks that fields this process does
// not understand are written back verbatim.
func TestUnknownFieldsSurviveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.json")
	out := filepath.Join(dir, "out.json")

	os.WriteFile(in, []byte(`{
		"ntp_server": "time.example.org",
		"default_ttl_hours": 12,
		"theme": "dark",
		"window": {"w": 800, "h": 600}
	}`), 0o644)

	cfg, err := Load(in)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := Save(out, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, _ := os.ReadFile(out)
	var round map[string]any
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatalf("saved config is not JSON: %v", err)
	}

	if round["theme"] != "dark" {
		t.Errorf("theme = %v, want dark", round["theme"])
	}
	window, ok := round["window"].(map[string]any)
	if !ok || window["w"] != float64(800) || window["h"] != float64(600) {
		t.Errorf("window = %v", round["window"])
	}
	if round["ntp_server"] != "time.example.org" || round["default_ttl_hours"] != float64(12) {
		t.Errorf("known fields mangled: %v", round)
	}
}

func TestSaveCreatesDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "config.json")
	cfg := &Config{NTPServer: "pool.ntp.org", DefaultTTLHours: 6}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := Save(path, &Config{}); !errors.Is(err, ErrMissingNTPServer) {
		t.Errorf("got %v, want ErrMissingNTPServer", err)
	}
}
