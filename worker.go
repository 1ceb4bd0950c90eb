package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mdobak/go-xerrors"

	"live-detect/capture"
	"live-detect/config"
	"live-detect/ipc"
	"live-detect/pipeline"
	"live-detect/recordings"
	"live-detect/utils"
)

// runWorker is the "worker" subcommand: one detection session in its own
// process. It exits 0 whenever the session ended in an orderly way, even if
// finalization failed; the supervisor only treats signals and crashes as
// abandonment.
func runWorker(args []string) int {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	sessionID := fs.String("session", "", "Session id")
	signalPath := fs.String("signal", "", "Path of the stop flag")
	created := fs.String("created", "", "Session creation time (RFC 3339)")
	resultFD := fs.Int("result-fd", 3, "File descriptor results are written to")
	device := fs.String("device", "", "Capture device (overrides CAPTURE_DEVICE)")
	replay := fs.String("replay", "", "Replay an audio file instead of capturing")
	realtime := fs.Bool("realtime", true, "Pace replayed chunks at capture speed")
	fs.Parse(args)

	logger := utils.GetLogger().With("session", *sessionID)
	if *sessionID == "" || *signalPath == "" {
		fmt.Fprintln(os.Stderr, "worker: -session and -signal are required")
		return 2
	}
	createdAt := time.Now()
	if *created != "" {
		t, err := time.Parse(time.RFC3339Nano, *created)
		if err != nil {
			fmt.Fprintf(os.Stderr, "worker: invalid -created: %v\n", err)
			return 2
		}
		createdAt = t
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("loading config", slog.Any("error", xerrors.New(err)))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	profile := cfg.Profile
	var source capture.Source
	if *replay != "" {
		source, err = capture.OpenFile(ctx, *replay, profile.SampleRate, profile.ChunkSamples(), *realtime)
		if err != nil {
			logger.Error("opening replay file", slog.Any("error", xerrors.New(err)))
			return 1
		}
	} else {
		dev := *device
		if dev == "" {
			dev = cfg.CaptureDevice
		}
		source = capture.NewFFmpegSource(cfg.CaptureFormat, dev, profile.SampleRate, profile.ChunkSamples())
	}
	defer source.Close()

	extractor, err := newExtractor(cfg)
	if err != nil {
		logger.Error("building feature extractor", slog.Any("error", xerrors.New(err)))
		return 1
	}
	scorer, err := newScorer(cfg)
	if err != nil {
		logger.Error("building scorer", slog.Any("error", xerrors.New(err)))
		return 1
	}

	store, err := recordings.NewStore(cfg.RecordingsDir)
	if err != nil {
		logger.Error("opening recordings dir", slog.Any("error", xerrors.New(err)))
		return 1
	}
	recorder, err := recordings.NewRecorder(store, recordings.FFmpegTranscoder{}, *sessionID, profile.SampleRate)
	if err != nil {
		logger.Error("opening session buffer", slog.Any("error", xerrors.New(err)))
		return 1
	}

	out := os.NewFile(uintptr(*resultFD), "results")
	if out == nil {
		logger.Error("result descriptor is not open", slog.Int("fd", *resultFD))
		return 1
	}
	defer out.Close()
	results := ipc.NewResultWriter(out, cfg.ResultBuffer)

	w := pipeline.NewWorker(pipeline.WorkerConfig{
		SessionID: *sessionID,
		CreatedAt: createdAt,
		Threshold: profile.Threshold,
	}, pipeline.WorkerDeps{
		Source:    source,
		Extractor: extractor,
		Scorer:    scorer,
		Recorder:  recorder,
		Publisher: results,
		Signal:    ipc.OpenSignal(*signalPath),
	})

	w.OnState = func(s pipeline.WorkerState) {
		logger.Debug("worker state", slog.String("state", s.String()))
	}

	if err := w.Run(ctx); err != nil {
		logger.Warn("session ended without an artifact", slog.Any("error", err))
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := results.Close(flushCtx); err != nil {
		logger.Warn("flushing results", slog.Any("error", err))
	}
	logger.Info("result stream closed",
		slog.Int("results_published", w.Published()),
		slog.Uint64("results_dropped", results.Dropped()))
	return 0
}
