package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mdobak/go-xerrors"

	"live-detect/recordings"
	"live-detect/scoring"
	"live-detect/utils"
	"live-detect/wav"
)

// ErrDecode marks an upload that could not be decoded as audio.
var ErrDecode = errors.New("pipeline: cannot decode audio")

var safeExt = regexp.MustCompile(`^\.[a-z0-9]{1,8}$`)

// DecodeFunc returns mono samples at sampleRate for the file at path.
type DecodeFunc func(ctx context.Context, path string, sampleRate int) ([]float64, error)

// Analysis is the outcome of scoring one file.
type Analysis struct {
	Filename string
	Score    float64
	Label    Label
}

// Analyzer scores whole files synchronously, outside any session.
type Analyzer struct {
	store      *recordings.Store
	extractor  Extractor
	scorer     scoring.Scorer
	sampleRate int
	threshold  float64
	logger     *slog.Logger

	// Decode defaults to wav.DecodeFile.
	Decode DecodeFunc
}

// NewAnalyzer returns an analyzer that stores uploads in store.
func NewAnalyzer(store *recordings.Store, extractor Extractor, scorer scoring.Scorer, sampleRate int, threshold float64) *Analyzer {
	return &Analyzer{
		store:      store,
		extractor:  extractor,
		scorer:     scorer,
		sampleRate: sampleRate,
		threshold:  threshold,
		logger:     utils.GetLogger().With("component", "analyzer"),
		Decode:     wav.DecodeFile,
	}
}

// AnalyzeFile decodes, extracts and scores the file at path. Scorer failures
// yield a neutral 0.0; decode and extraction failures are returned.
func (a *Analyzer) AnalyzeFile(ctx context.Context, path string) (Analysis, error) {
	samples, err := a.Decode(ctx, path, a.sampleRate)
	if err != nil {
		return Analysis{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	tensor, err := a.extractor.Extract(samples)
	if err != nil {
		return Analysis{}, err
	}

	score, err := safeScore(ctx, a.scorer, tensor)
	if err != nil {
		a.logger.Error("scorer failed, using neutral score", slog.String("file", filepath.Base(path)), slog.Any("error", err))
		score = 0
	}
	return Analysis{
		Filename: filepath.Base(path),
		Score:    RoundScore(score),
		Label:    Classify(score, a.threshold),
	}, nil
}

// AnalyzeUpload stores r under a fresh "upload_<id><ext>" name, scores it
// and moves the upload pointer to it. On failure the stored payload is
// removed and the pointer is left alone.
func (a *Analyzer) AnalyzeUpload(ctx context.Context, r io.Reader, originalName string) (Analysis, error) {
	ext := strings.ToLower(filepath.Ext(originalName))
	if !safeExt.MatchString(ext) {
		ext = ".bin"
	}

	name, err := a.store.Save(r, "upload", ext)
	if err != nil {
		return Analysis{}, xerrors.New(err)
	}
	path, err := a.store.Path(name)
	if err != nil {
		return Analysis{}, err
	}

	analysis, err := a.AnalyzeFile(ctx, path)
	if err != nil {
		if rmErr := a.store.Remove(name); rmErr != nil {
			a.logger.Warn("removing rejected upload", slog.String("file", name), slog.Any("error", rmErr))
		}
		return Analysis{}, err
	}

	if err := a.store.SetLatest(recordings.KindUpload, name); err != nil {
		a.logger.Error("updating upload pointer", slog.Any("error", xerrors.New(err)))
	}
	a.logger.Info("upload scored",
		slog.String("file", name),
		slog.Float64("score", analysis.Score),
		slog.String("label", string(analysis.Label)),
	)
	return analysis, nil
}
