package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultProfileIsValid(t *testing.T) {
	t.Parallel()

	p := DefaultProfile()
	if err := p.Validate(); err != nil {
		t.Fatalf("default profile invalid: %v", err)
	}
	if p.ChunkSamples() != 66150 {
		t.Fatalf("expected 66150 samples per chunk, got %d", p.ChunkSamples())
	}
	if p.FeatureWidth != 39 || p.TimeSteps != 130 {
		t.Fatalf("unexpected tensor shape %dx%d", p.TimeSteps, p.FeatureWidth)
	}
}

func TestLoadProfileFromReaderOverrides(t *testing.T) {
	t.Parallel()

	yml := `
version: v1-test
threshold: 0.9
chunk_duration: 2s
`
	p, err := LoadProfileFromReader(strings.NewReader(yml))
	if err != nil {
		t.Fatalf("LoadProfileFromReader returned error: %v", err)
	}
	if p.Version != "v1-test" {
		t.Fatalf("expected version override, got %q", p.Version)
	}
	if p.Threshold != 0.9 {
		t.Fatalf("expected threshold 0.9, got %.2f", p.Threshold)
	}
	if p.ChunkDuration != 2*time.Second {
		t.Fatalf("expected 2s chunks, got %s", p.ChunkDuration)
	}
	if p.SampleRate != 22050 {
		t.Fatalf("unset fields should keep defaults, got sample rate %d", p.SampleRate)
	}
}

func TestLoadProfileRejectsUnknownAndInconsistentFields(t *testing.T) {
	t.Parallel()

	if _, err := LoadProfileFromReader(strings.NewReader("bogus: 1\n")); err == nil {
		t.Fatal("expected error for unknown field")
	}

	_, err := LoadProfileFromReader(strings.NewReader("feature_width: 40\nthreshold: 1.5\n"))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"feature_width", "threshold"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadProfileMissingFileUsesDefault(t *testing.T) {
	t.Parallel()

	p, err := LoadProfile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadProfile returned error: %v", err)
	}
	if p != DefaultProfile() {
		t.Fatalf("expected default profile, got %+v", p)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	dir := t.TempDir()
	profilePath := filepath.Join(dir, "pipeline.yaml")
	if err := os.WriteFile(profilePath, []byte("threshold: 0.93\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PIPELINE_PROFILE", profilePath)
	t.Setenv("RECORDINGS_DIR", filepath.Join(dir, "rec"))
	t.Setenv("STOP_TIMEOUT", "7s")
	t.Setenv("RESULT_BUFFER", "16")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Profile.Threshold != 0.93 {
		t.Fatalf("expected profile threshold 0.93, got %.2f", cfg.Profile.Threshold)
	}
	if cfg.StopTimeout != 7*time.Second {
		t.Fatalf("expected 7s stop timeout, got %s", cfg.StopTimeout)
	}
	if cfg.ResultBuffer != 16 {
		t.Fatalf("expected result buffer 16, got %d", cfg.ResultBuffer)
	}
	if cfg.RelayInterval != 50*time.Millisecond {
		t.Fatalf("expected default relay interval, got %s", cfg.RelayInterval)
	}
	if cfg.RecoverTimeout != 2*time.Minute {
		t.Fatalf("expected default recover timeout, got %s", cfg.RecoverTimeout)
	}
}

func TestLoadRejectsSlowRelay(t *testing.T) {
	t.Setenv("PIPELINE_PROFILE", "")
	t.Setenv("RELAY_INTERVAL", "250ms")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for relay interval above 100ms")
	}
}
