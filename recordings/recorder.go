package recordings

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"live-detect/utils"
	"live-detect/wav"
)

const (
	rawExt         = ".raw"
	artifactPrefix = "live_recording"
	artifactExt    = ".mp3"
	tempPrefix     = ".tmp_"
)

// Transcoder converts a headerless mono PCM16 file into a compressed artifact.
type Transcoder interface {
	Transcode(ctx context.Context, rawPath, outPath string, sampleRate int) error
}

// FFmpegTranscoder encodes with the ffmpeg binary.
type FFmpegTranscoder struct{}

func (FFmpegTranscoder) Transcode(ctx context.Context, rawPath, outPath string, sampleRate int) error {
	return wav.TranscodePCM(ctx, rawPath, outPath, sampleRate)
}

// RawName is the in-progress buffer name for a session.
func RawName(sessionID string) string {
	return "session_" + sessionID + rawExt
}

// ArtifactName is the finalized artifact name for a session. Session ids are
// random, so the name is unique; being derived from the id lets recovery
// detect an artifact that was already produced.
func ArtifactName(sessionID string) string {
	return artifactPrefix + "_" + sessionID + artifactExt
}

// Recorder accumulates one session's audio on disk and turns it into an
// artifact on Finalize.
type Recorder struct {
	store      *Store
	transcoder Transcoder
	sessionID  string
	sampleRate int
	rawPath    string
	logger     *slog.Logger

	mu        sync.Mutex
	file      *os.File
	written   int64
	finalized bool
	artifact  string
	finalErr  error
}

// NewRecorder opens a fresh raw buffer for sessionID, truncating any
// leftover from an earlier run with the same id.
func NewRecorder(store *Store, transcoder Transcoder, sessionID string, sampleRate int) (*Recorder, error) {
	return openRecorder(store, transcoder, sessionID, sampleRate, os.O_TRUNC)
}

func openRecorder(store *Store, transcoder Transcoder, sessionID string, sampleRate int, mode int) (*Recorder, error) {
	rawPath := filepath.Join(store.Dir(), RawName(sessionID))
	f, err := os.OpenFile(rawPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND|mode, 0o644)
	if err != nil {
		return nil, fmt.Errorf("recordings: open raw buffer: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("recordings: stat raw buffer: %w", err)
	}

	return &Recorder{
		store:      store,
		transcoder: transcoder,
		sessionID:  sessionID,
		sampleRate: sampleRate,
		rawPath:    rawPath,
		logger:     utils.GetLogger().With("component", "recorder", "session", sessionID),
		file:       f,
		written:    info.Size(),
	}, nil
}

// Append writes samples to the raw buffer. Empty chunks are ignored.
func (r *Recorder) Append(samples []float64) error {
	if len(samples) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return errors.New("recordings: append after finalize")
	}

	n, err := r.file.Write(wav.SamplesToPCM16(samples))
	r.written += int64(n)
	if err != nil {
		return fmt.Errorf("recordings: append: %w", err)
	}
	return nil
}

// Frames returns the number of samples buffered so far.
func (r *Recorder) Frames() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written / 2
}

// Finalize transcodes the raw buffer into the session artifact, points the
// realtime pointer at it and removes the buffer. With nothing buffered it
// only removes the buffer. Only the first call does work; later calls
// return the first outcome. A transcode failure keeps the raw buffer and
// leaves the pointer untouched.
func (r *Recorder) Finalize(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return r.artifact, r.finalErr
	}
	r.finalized = true
	r.artifact, r.finalErr = r.finalize(ctx)
	return r.artifact, r.finalErr
}

func (r *Recorder) finalize(ctx context.Context) (string, error) {
	if err := r.file.Close(); err != nil {
		r.logger.Warn("closing raw buffer", slog.Any("error", err))
	}

	name := ArtifactName(r.sessionID)
	if r.written == 0 {
		r.removeRaw()
		r.logger.Info("session captured no audio, no artifact written")
		return "", nil
	}

	if !r.store.Exists(name) {
		final := filepath.Join(r.store.Dir(), name)
		tmp, err := r.tempArtifact()
		if err != nil {
			return "", err
		}
		if err := r.transcoder.Transcode(ctx, r.rawPath, tmp, r.sampleRate); err != nil {
			os.Remove(tmp)
			return "", fmt.Errorf("recordings: transcode session %s: %w", r.sessionID, err)
		}
		if err := os.Rename(tmp, final); err != nil {
			os.Remove(tmp)
			return "", fmt.Errorf("recordings: publish artifact: %w", err)
		}
	}

	if err := r.store.SetLatest(KindRealtime, name); err != nil {
		return "", err
	}
	r.removeRaw()
	r.logger.Info("session finalized", slog.String("artifact", name), slog.Int64("frames", r.written/2))
	return name, nil
}

// tempArtifact reserves a uniquely named file next to the artifact. A
// transcoder left running by a killed worker keeps its own inode and can
// never write into a later attempt's output.
func (r *Recorder) tempArtifact() (string, error) {
	f, err := os.CreateTemp(r.store.Dir(), tempPrefix+r.sessionID+"_*"+artifactExt)
	if err != nil {
		return "", fmt.Errorf("recordings: reserve temp artifact: %w", err)
	}
	name := f.Name()
	f.Close()
	return name, nil
}

func (r *Recorder) removeRaw() {
	if err := os.Remove(r.rawPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		r.logger.Warn("removing raw buffer", slog.Any("error", err))
	}
}

// Recover finalizes whatever a crashed worker left behind for sessionID. It
// is a no-op when the raw buffer is already gone.
func Recover(ctx context.Context, store *Store, transcoder Transcoder, sessionID string, sampleRate int) (string, error) {
	if _, err := os.Stat(filepath.Join(store.Dir(), RawName(sessionID))); errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	// Temp outputs of a killed attempt are never published; drop them.
	stale, _ := filepath.Glob(filepath.Join(store.Dir(), tempPrefix+sessionID+"_*"+artifactExt))
	for _, path := range stale {
		os.Remove(path)
	}

	rec, err := openRecorder(store, transcoder, sessionID, sampleRate, 0)
	if err != nil {
		return "", err
	}
	return rec.Finalize(ctx)
}
