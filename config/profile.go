package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ProfileV1 is the canonical pipeline profile. Earlier deployments mixed
// 22050/44100 Hz capture and 0.90–0.95 thresholds; v1 pins one combination.
const ProfileV1 = "v1"

// Profile is the versioned set of constants shared by capture, feature
// extraction, scoring and recording. Every component of one session must run
// against the same Profile.
type Profile struct {
	Version        string        `yaml:"version"`
	SampleRate     int           `yaml:"sample_rate"`
	ChunkDuration  time.Duration `yaml:"chunk_duration"`
	NumMFCC        int           `yaml:"num_mfcc"`
	FeatureWidth   int           `yaml:"feature_width"`
	TimeSteps      int           `yaml:"time_steps"`
	FFTSize        int           `yaml:"fft_size"`
	HopSize        int           `yaml:"hop_size"`
	NumMels        int           `yaml:"num_mels"`
	Threshold      float64       `yaml:"threshold"`
	SilenceEpsilon float64       `yaml:"silence_epsilon"`
}

// DefaultProfile returns the built-in v1 profile.
func DefaultProfile() Profile {
	return Profile{
		Version:        ProfileV1,
		SampleRate:     22050,
		ChunkDuration:  3 * time.Second,
		NumMFCC:        13,
		FeatureWidth:   39,
		TimeSteps:      130,
		FFTSize:        2048,
		HopSize:        512,
		NumMels:        128,
		Threshold:      0.95,
		SilenceEpsilon: 0.001,
	}
}

// ChunkSamples is the number of mono samples in one capture chunk.
func (p Profile) ChunkSamples() int {
	return int(float64(p.SampleRate) * p.ChunkDuration.Seconds())
}

// LoadProfile reads a YAML profile from path. Fields missing from the file
// keep their v1 values. A missing file yields the default profile.
func LoadProfile(path string) (Profile, error) {
	if path == "" {
		return DefaultProfile(), nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultProfile(), nil
	}
	if err != nil {
		return Profile{}, fmt.Errorf("config: open profile %q: %w", path, err)
	}
	defer f.Close()

	p, err := LoadProfileFromReader(f)
	if err != nil {
		return Profile{}, fmt.Errorf("config: parse profile %q: %w", path, err)
	}
	return p, nil
}

// LoadProfileFromReader decodes a YAML profile from r and validates it.
func LoadProfileFromReader(r io.Reader) (Profile, error) {
	p := DefaultProfile()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Profile{}, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Validate checks that p is internally consistent. It returns a joined error
// listing every problem found.
func (p Profile) Validate() error {
	var errs []error

	if p.Version == "" {
		errs = append(errs, errors.New("profile.version is required"))
	}
	if p.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("profile.sample_rate %d must be positive", p.SampleRate))
	}
	if p.ChunkDuration <= 0 {
		errs = append(errs, fmt.Errorf("profile.chunk_duration %s must be positive", p.ChunkDuration))
	}
	if p.NumMFCC <= 0 {
		errs = append(errs, fmt.Errorf("profile.num_mfcc %d must be positive", p.NumMFCC))
	}
	if p.FeatureWidth != 3*p.NumMFCC {
		errs = append(errs, fmt.Errorf("profile.feature_width %d must equal 3*num_mfcc (%d)", p.FeatureWidth, 3*p.NumMFCC))
	}
	if p.TimeSteps <= 0 {
		errs = append(errs, fmt.Errorf("profile.time_steps %d must be positive", p.TimeSteps))
	}
	if p.FFTSize <= 0 || p.FFTSize&(p.FFTSize-1) != 0 {
		errs = append(errs, fmt.Errorf("profile.fft_size %d must be a power of two", p.FFTSize))
	}
	if p.HopSize <= 0 {
		errs = append(errs, fmt.Errorf("profile.hop_size %d must be positive", p.HopSize))
	}
	if p.NumMels < p.NumMFCC {
		errs = append(errs, fmt.Errorf("profile.num_mels %d must be >= num_mfcc %d", p.NumMels, p.NumMFCC))
	}
	if p.Threshold <= 0 || p.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("profile.threshold %.3f is out of range (0, 1)", p.Threshold))
	}
	if p.SilenceEpsilon < 0 {
		errs = append(errs, fmt.Errorf("profile.silence_epsilon %.4f must not be negative", p.SilenceEpsilon))
	}

	return errors.Join(errs...)
}
