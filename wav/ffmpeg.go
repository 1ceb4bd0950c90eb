package wav

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// FFmpegBinary is the executable used for conversions.
var FFmpegBinary = "ffmpeg"

// CheckFFmpegAvailable reports whether ffmpeg can be found on PATH.
func CheckFFmpegAvailable() error {
	if _, err := exec.LookPath(FFmpegBinary); err != nil {
		return fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	return nil
}

func runFFmpeg(ctx context.Context, args ...string) error {
	base := []string{"-hide_banner", "-loglevel", "error", "-nostdin", "-y"}
	cmd := exec.CommandContext(ctx, FFmpegBinary, append(base, args...)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("ffmpeg: %w: %s", err, msg)
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}

// ConvertToWAV decodes any ffmpeg-readable input into a mono PCM16 WAV at
// sampleRate, written next to the input. The caller owns the returned file.
func ConvertToWAV(ctx context.Context, inputPath string, sampleRate int) (string, error) {
	ext := filepath.Ext(inputPath)
	outputPath := strings.TrimSuffix(inputPath, ext) + "_mono" + strconv.Itoa(sampleRate) + ".wav"

	err := runFFmpeg(ctx,
		"-i", inputPath,
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"-c:a", "pcm_s16le",
		outputPath,
	)
	if err != nil {
		_ = os.Remove(outputPath)
		return "", fmt.Errorf("failed to convert %s: %w", filepath.Base(inputPath), err)
	}
	return outputPath, nil
}

// TranscodePCM encodes a headerless mono PCM16 file to outputPath; the codec
// is chosen by ffmpeg from the output extension.
func TranscodePCM(ctx context.Context, rawPath, outputPath string, sampleRate int) error {
	err := runFFmpeg(ctx,
		"-f", "s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", "1",
		"-i", rawPath,
		outputPath,
	)
	if err != nil {
		_ = os.Remove(outputPath)
		return err
	}
	return nil
}

// DecodeFile returns mono samples at sampleRate for an arbitrary audio file.
// PCM16 WAV input is decoded in process; anything else goes through ffmpeg.
func DecodeFile(ctx context.Context, path string, sampleRate int) ([]float64, error) {
	info, err := ReadWavInfo(path)
	if err == nil {
		samples, err := WavBytesToSamples(info.Data)
		if err != nil {
			return nil, err
		}
		return Resample(Downmix(samples, info.Channels), info.SampleRate, sampleRate)
	}
	if !errors.Is(err, ErrUnsupportedFormat) {
		return nil, err
	}

	converted, err := ConvertToWAV(ctx, path, sampleRate)
	if err != nil {
		return nil, err
	}
	defer os.Remove(converted)

	info, err = ReadWavInfo(converted)
	if err != nil {
		return nil, err
	}
	samples, err := WavBytesToSamples(info.Data)
	if err != nil {
		return nil, err
	}
	return Downmix(samples, info.Channels), nil
}
