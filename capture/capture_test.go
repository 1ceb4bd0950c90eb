package capture

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"live-detect/wav"
)

func TestAudioChunkPeak(t *testing.T) {
	t.Parallel()

	chunk := AudioChunk{Samples: []float64{0.1, -0.7, 0.3}}
	if got := chunk.Peak(); got != 0.7 {
		t.Fatalf("Peak() = %f, want 0.7", got)
	}
	if (AudioChunk{}).Peak() != 0 || !(AudioChunk{}).Empty() {
		t.Fatal("empty chunk should have zero peak")
	}
	if !math.IsNaN(AudioChunk{Samples: []float64{0.1, math.NaN()}}.Peak()) {
		t.Fatal("NaN sample should propagate")
	}
}

func TestReplaySourceChunksInOrder(t *testing.T) {
	t.Parallel()

	samples := make([]float64, 10)
	for i := range samples {
		samples[i] = float64(i)
	}
	src := NewReplaySource(samples, 22050, 4, 0)

	var got [][]float64
	for {
		chunk, err := src.Capture(context.Background())
		if errors.Is(err, ErrExhausted) {
			break
		}
		if err != nil {
			t.Fatalf("Capture: %v", err)
		}
		got = append(got, chunk.Samples)
	}

	if len(got) != 3 {
		t.Fatalf("got %d chunks, want 3", len(got))
	}
	if len(got[2]) != 2 || got[2][1] != 9 {
		t.Fatalf("unexpected final chunk %v", got[2])
	}
	if got[1][0] != 4 {
		t.Fatalf("chunks out of order: %v", got)
	}
}

func TestReplaySourceHonoursContext(t *testing.T) {
	t.Parallel()

	src := NewReplaySource(make([]float64, 8), 8, 8, 1<<40)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.Capture(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestOpenFileDecodesWav(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := wav.WriteWavFile(path, wav.SamplesToPCM16(make([]float64, 300)), 100, 1); err != nil {
		t.Fatalf("WriteWavFile: %v", err)
	}

	src, err := OpenFile(context.Background(), path, 100, 100, false)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	for i := 0; i < 3; i++ {
		chunk, err := src.Capture(context.Background())
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		if len(chunk.Samples) != 100 || chunk.SampleRate != 100 {
			t.Fatalf("chunk %d: unexpected shape %d@%d", i, len(chunk.Samples), chunk.SampleRate)
		}
	}
	if _, err := src.Capture(context.Background()); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestFFmpegSourceRejectsUnknownDevice(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name   string
		format string
		device string
	}{
		{"unknown format", "oss9", "default"},
		{"dshow without name", "dshow", ""},
	} {
		src := NewFFmpegSource(tc.format, tc.device, 22050, 22050)
		_, err := src.Capture(context.Background())
		if !errors.Is(err, ErrNoDevice) {
			t.Fatalf("%s: expected ErrNoDevice, got %v", tc.name, err)
		}
		if err := src.Close(); err != nil {
			t.Fatalf("%s: Close: %v", tc.name, err)
		}
	}
}

func TestFFmpegSourceDefaultDevices(t *testing.T) {
	t.Parallel()

	args, err := NewFFmpegSource("alsa", "", 22050, 1).inputArgs()
	if err != nil || args[3] != "default" {
		t.Fatalf("alsa default device: %v %v", args, err)
	}
	args, err = NewFFmpegSource("avfoundation", "", 22050, 1).inputArgs()
	if err != nil || args[3] != ":0" {
		t.Fatalf("avfoundation default device: %v %v", args, err)
	}
	args, err = NewFFmpegSource("dshow", "Microphone", 22050, 1).inputArgs()
	if err != nil || args[3] != "audio=Microphone" {
		t.Fatalf("dshow device: %v %v", args, err)
	}
}
