package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mdobak/go-xerrors"

	"live-detect/capture"
	"live-detect/features"
	"live-detect/scoring"
	"live-detect/utils"
)

// WorkerState is a position in the detection loop.
type WorkerState int32

const (
	StateInit WorkerState = iota
	StateCapturing
	StateExtracting
	StateScoring
	StatePublishing
	StateFinalizing
	StateTerminated
)

func (s WorkerState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateCapturing:
		return "CAPTURING"
	case StateExtracting:
		return "EXTRACTING"
	case StateScoring:
		return "SCORING"
	case StatePublishing:
		return "PUBLISHING"
	case StateFinalizing:
		return "FINALIZING"
	case StateTerminated:
		return "TERMINATED"
	}
	return fmt.Sprintf("WorkerState(%d)", int32(s))
}

// Extractor turns samples into a tensor or ErrNoFeature.
type Extractor interface {
	Extract(samples []float64) (features.Tensor, error)
}

// SessionRecorder buffers the session audio and produces the artifact.
type SessionRecorder interface {
	Append(samples []float64) error
	Finalize(ctx context.Context) (string, error)
}

// Publisher takes wire-encoded results without blocking. It reports whether
// an older result was dropped.
type Publisher interface {
	Publish(entry []byte) bool
}

// StopSignal is the worker's view of the cancellation flag.
type StopSignal interface {
	IsSet() bool
	Clear() error
	ClearIfOlder(t time.Time) (bool, error)
}

// WorkerConfig holds per-session settings.
type WorkerConfig struct {
	SessionID string
	// CreatedAt is when the supervisor created the session; stop flags set
	// before it are stale.
	CreatedAt time.Time
	Threshold float64
	// CaptureBackoff is slept after a failed capture so a missing device
	// does not spin the loop.
	CaptureBackoff  time.Duration
	FinalizeTimeout time.Duration
}

// WorkerDeps are the collaborators a Worker drives.
type WorkerDeps struct {
	Source    capture.Source
	Extractor Extractor
	Scorer    scoring.Scorer
	Recorder  SessionRecorder
	Publisher Publisher
	Signal    StopSignal
}

// Worker runs one detection session. Run must be called once.
type Worker struct {
	cfg    WorkerConfig
	deps   WorkerDeps
	logger *slog.Logger

	state    atomic.Int32
	sequence int

	// OnState, when set, is called on every transition.
	OnState func(WorkerState)
}

// NewWorker wires a worker for one session.
func NewWorker(cfg WorkerConfig, deps WorkerDeps) *Worker {
	if cfg.CaptureBackoff <= 0 {
		cfg.CaptureBackoff = time.Second
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 2 * time.Minute
	}
	return &Worker{
		cfg:    cfg,
		deps:   deps,
		logger: utils.GetLogger().With("component", "worker", "session", cfg.SessionID),
	}
}

// State returns the current loop state.
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

func (w *Worker) enter(s WorkerState) {
	w.state.Store(int32(s))
	if w.OnState != nil {
		w.OnState(s)
	}
}

// Published returns how many results were published.
func (w *Worker) Published() int {
	return w.sequence
}

// Run loops until the stop flag is observed, ctx is cancelled, or a finite
// source runs out, then finalizes the session. It always clears the stop
// flag before returning. The returned error is the finalization outcome.
func (w *Worker) Run(ctx context.Context) error {
	w.enter(StateInit)
	if stale, err := w.deps.Signal.ClearIfOlder(w.cfg.CreatedAt); err != nil {
		w.logger.Warn("checking stale stop flag", slog.Any("error", err))
	} else if stale {
		w.logger.Info("cleared stale stop flag")
	}
	w.logger.Info("worker started")

	for w.iterate(ctx) {
	}

	return w.finalize(ctx)
}

// iterate runs one capture-to-publish pass and reports whether to continue.
func (w *Worker) iterate(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	w.enter(StateCapturing)
	chunk, err := w.deps.Source.Capture(ctx)
	captureFailed := false
	switch {
	case err == nil:
		if w.logger.Enabled(ctx, slog.LevelDebug) {
			w.logger.Debug("chunk captured", slog.Int("samples", len(chunk.Samples)), slog.String("peak", fmt.Sprintf("%.4f", chunk.Peak())))
		}
		if err := w.deps.Recorder.Append(chunk.Samples); err != nil {
			w.logger.Error("appending chunk to session buffer", slog.Any("error", xerrors.New(err)))
		}
	case errors.Is(err, capture.ErrExhausted):
		w.logger.Info("capture source exhausted")
		return false
	case ctx.Err() != nil:
		return false
	default:
		captureFailed = true
		w.logger.Warn("capture failed, publishing indeterminate result", slog.Any("error", err))
	}

	w.publish(w.classify(ctx, chunk))

	if w.deps.Signal.IsSet() {
		w.logger.Info("stop flag observed")
		return false
	}
	if captureFailed {
		select {
		case <-time.After(w.cfg.CaptureBackoff):
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (w *Worker) classify(ctx context.Context, chunk capture.AudioChunk) DetectionResult {
	w.enter(StateExtracting)
	if chunk.Empty() {
		return Indeterminate(w.sequence)
	}
	tensor, err := w.deps.Extractor.Extract(chunk.Samples)
	if err != nil {
		if !errors.Is(err, ErrNoFeature) {
			w.logger.Warn("feature extraction failed", slog.Any("error", err))
		}
		return Indeterminate(w.sequence)
	}

	w.enter(StateScoring)
	score, err := safeScore(ctx, w.deps.Scorer, tensor)
	if err != nil {
		w.logger.Error("scorer failed, using neutral score", slog.Int("sequence", w.sequence), slog.Any("error", err))
		score = 0
	}
	return NewResult(w.sequence, score, w.cfg.Threshold)
}

func (w *Worker) publish(result DetectionResult) {
	w.enter(StatePublishing)
	entry, err := result.MarshalWire()
	if err != nil {
		w.logger.Error("encoding result", slog.Any("error", xerrors.New(err)))
		return
	}
	if dropped := w.deps.Publisher.Publish(entry); dropped {
		w.logger.Debug("result channel full, dropped oldest entry")
	}
	w.sequence++
}

func (w *Worker) finalize(ctx context.Context) error {
	w.enter(StateFinalizing)
	defer w.enter(StateTerminated)
	defer func() {
		if err := w.deps.Signal.Clear(); err != nil {
			w.logger.Error("clearing stop flag", slog.Any("error", err))
		}
	}()

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.FinalizeTimeout)
	defer cancel()

	artifact, err := w.deps.Recorder.Finalize(fctx)
	if err != nil {
		err = xerrors.New(err)
		w.logger.Error("session finalization failed, raw buffer retained", slog.Any("error", err))
		return err
	}
	w.logger.Info("worker finished", slog.String("artifact", artifact), slog.Int("results", w.sequence))
	return nil
}

// safeScore shields the loop from a panicking scorer.
func safeScore(ctx context.Context, s scoring.Scorer, t features.Tensor) (score float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scorer panic: %v", r)
		}
	}()
	return s.Score(ctx, t)
}
