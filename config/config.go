// Package config holds the explicit configuration handed to every component
// at startup: server settings from the environment and the versioned
// pipeline profile.
package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"live-detect/utils"
)

// Config is the root configuration. It is built once by [Load] and passed
// down; nothing reads the environment after startup.
type Config struct {
	Profile Profile

	RecordingsDir string
	ControlDir    string

	CaptureFormat string
	CaptureDevice string

	ScorerURL        string
	ScorerPrototypes string
	ScorerK          int
	ScalerPath       string

	StopTimeout    time.Duration
	KillTimeout    time.Duration
	RecoverTimeout time.Duration
	RelayInterval  time.Duration
	ResultBuffer   int

	CertFile string
	CertKey  string
}

// Load builds a Config from environment variables. Callers are expected to
// have loaded any .env file beforehand.
func Load() (*Config, error) {
	profile, err := LoadProfile(utils.GetEnv("PIPELINE_PROFILE", "pipeline.yaml"))
	if err != nil {
		return nil, err
	}

	recordingsDir := utils.GetEnv("RECORDINGS_DIR", "recordings")
	cfg := &Config{
		Profile:          profile,
		RecordingsDir:    recordingsDir,
		ControlDir:       utils.GetEnv("CONTROL_DIR", filepath.Join(recordingsDir, ".control")),
		CaptureFormat:    utils.GetEnv("CAPTURE_FORMAT", defaultCaptureFormat()),
		CaptureDevice:    utils.GetEnv("CAPTURE_DEVICE", ""),
		ScorerURL:        utils.GetEnv("SCORER_URL", ""),
		ScorerPrototypes: utils.GetEnv("SCORER_PROTOTYPES", ""),
		ScalerPath:       utils.GetEnv("SCALER_PATH", "scaler.json"),
		CertFile:         utils.GetEnv("CERT_FILE", ""),
		CertKey:          utils.GetEnv("CERT_KEY", ""),
	}

	if cfg.ScorerK, err = envInt("SCORER_K", 5); err != nil {
		return nil, err
	}
	if cfg.ResultBuffer, err = envInt("RESULT_BUFFER", 64); err != nil {
		return nil, err
	}
	if cfg.StopTimeout, err = envDuration("STOP_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.KillTimeout, err = envDuration("KILL_TIMEOUT", 3*time.Second); err != nil {
		return nil, err
	}
	if cfg.RecoverTimeout, err = envDuration("RECOVER_TIMEOUT", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.RelayInterval, err = envDuration("RELAY_INTERVAL", 50*time.Millisecond); err != nil {
		return nil, err
	}

	if cfg.ResultBuffer <= 0 {
		return nil, fmt.Errorf("config: RESULT_BUFFER must be positive, got %d", cfg.ResultBuffer)
	}
	if cfg.RelayInterval <= 0 || cfg.RelayInterval >= 100*time.Millisecond {
		return nil, fmt.Errorf("config: RELAY_INTERVAL must be in (0, 100ms), got %s", cfg.RelayInterval)
	}

	return cfg, nil
}

func envInt(key string, fallback int) (int, error) {
	raw := utils.GetEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s value %q: %w", key, raw, err)
	}
	return v, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := utils.GetEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s value %q: %w", key, raw, err)
	}
	return v, nil
}
