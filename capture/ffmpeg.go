package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"live-detect/utils"
	"live-detect/wav"
)

type readResult struct {
	n   int
	err error
}

// FFmpegSource reads PCM16 from a persistent ffmpeg process attached to an
// input device. The process is started lazily and restarted after failures.
type FFmpegSource struct {
	Format       string // alsa, pulse, avfoundation or dshow
	Device       string
	SampleRate   int
	ChunkSamples int
	// ReadTimeout bounds one Capture call. Zero means twice the chunk duration.
	ReadTimeout time.Duration

	logger *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

// NewFFmpegSource returns a source for device using the given input format.
func NewFFmpegSource(format, device string, sampleRate, chunkSamples int) *FFmpegSource {
	return &FFmpegSource{
		Format:       format,
		Device:       device,
		SampleRate:   sampleRate,
		ChunkSamples: chunkSamples,
		logger:       utils.GetLogger().With("component", "capture"),
	}
}

func (s *FFmpegSource) inputArgs() ([]string, error) {
	device := s.Device
	switch s.Format {
	case "alsa", "pulse":
		if device == "" {
			device = "default"
		}
	case "avfoundation":
		if device == "" {
			device = ":0"
		}
	case "dshow":
		if device == "" {
			return nil, fmt.Errorf("%w: dshow requires a device name", ErrNoDevice)
		}
		device = "audio=" + device
	default:
		return nil, fmt.Errorf("%w: unknown capture format %q", ErrNoDevice, s.Format)
	}
	return []string{"-f", s.Format, "-i", device}, nil
}

func (s *FFmpegSource) start() error {
	input, err := s.inputArgs()
	if err != nil {
		return err
	}
	if _, err := exec.LookPath(wav.FFmpegBinary); err != nil {
		return fmt.Errorf("%w: %v", ErrNoDevice, err)
	}

	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	args = append(args, input...)
	args = append(args, "-ac", "1", "-ar", strconv.Itoa(s.SampleRate), "-f", "s16le", "-")

	cmd := exec.Command(wav.FFmpegBinary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrNoDevice, err)
	}

	s.cmd = cmd
	s.stdout = stdout
	s.logger.Info("capture stream started", slog.String("format", s.Format), slog.String("device", s.Device))
	return nil
}

// stop kills the ffmpeg process. Callers hold s.mu.
func (s *FFmpegSource) stop() {
	if s.cmd == nil {
		return
	}
	_ = s.cmd.Process.Kill()
	_ = s.cmd.Wait()
	s.cmd = nil
	s.stdout = nil
}

// abort kills ffmpeg so the pending read returns, then reaps the process.
func (s *FFmpegSource) abort(pending <-chan readResult) {
	_ = s.cmd.Process.Kill()
	<-pending
	s.stop()
}

func (s *FFmpegSource) timeout() time.Duration {
	if s.ReadTimeout > 0 {
		return s.ReadTimeout
	}
	chunk := time.Duration(float64(s.ChunkSamples) / float64(s.SampleRate) * float64(time.Second))
	return 2*chunk + time.Second
}

// Capture reads one chunk. A device that closes the stream before producing
// any audio is reported as ErrNoDevice; a short or stalled read as
// ErrCaptureFailed. Both leave the source ready to retry.
func (s *FFmpegSource) Capture(ctx context.Context) (AudioChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil {
		if err := s.start(); err != nil {
			return AudioChunk{}, err
		}
	}

	buf := make([]byte, s.ChunkSamples*2)
	done := make(chan readResult, 1)
	stdout := s.stdout
	go func() {
		n, err := io.ReadFull(stdout, buf)
		done <- readResult{n, err}
	}()

	timer := time.NewTimer(s.timeout())
	defer timer.Stop()

	var res readResult
	select {
	case res = <-done:
	case <-timer.C:
		s.abort(done)
		return AudioChunk{}, fmt.Errorf("%w: read timed out after %s", ErrCaptureFailed, s.timeout())
	case <-ctx.Done():
		s.abort(done)
		return AudioChunk{}, ctx.Err()
	}

	capturedAt := time.Now()
	switch {
	case res.err == nil:
	case errors.Is(res.err, io.EOF):
		s.stop()
		return AudioChunk{}, fmt.Errorf("%w: stream closed", ErrNoDevice)
	case errors.Is(res.err, io.ErrUnexpectedEOF):
		s.stop()
		s.logger.Warn("capture stream ended mid-chunk", slog.Int("bytes", res.n))
	default:
		s.stop()
		return AudioChunk{}, fmt.Errorf("%w: %v", ErrCaptureFailed, res.err)
	}

	samples, err := wav.WavBytesToSamples(buf[:res.n&^1])
	if err != nil {
		return AudioChunk{}, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	return AudioChunk{Samples: samples, SampleRate: s.SampleRate, CapturedAt: capturedAt}, nil
}

// Close stops the ffmpeg process.
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stop()
	return nil
}
