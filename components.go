package main

import (
	"errors"
	"io/fs"
	"log/slog"

	"live-detect/config"
	"live-detect/features"
	"live-detect/scoring"
	"live-detect/utils"
)

// newExtractor builds the feature extractor for cfg's profile. A missing
// scaler file means features are used unscaled.
func newExtractor(cfg *config.Config) (*features.Extractor, error) {
	logger := utils.GetLogger()

	scaler, err := features.LoadScaler(cfg.ScalerPath)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("scaler not found, features are not normalised", slog.String("path", cfg.ScalerPath))
		scaler, err = nil, nil
	}
	if err != nil {
		return nil, err
	}
	return features.NewExtractor(cfg.Profile, scaler)
}

// newScorer picks the remote model when SCORER_URL is set, else the
// prototype scorer when SCORER_PROTOTYPES is set, else a scorer that always
// fails so every chunk gets the neutral score.
func newScorer(cfg *config.Config) (scoring.Scorer, error) {
	rows, cols := cfg.Profile.TimeSteps, cfg.Profile.FeatureWidth
	switch {
	case cfg.ScorerURL != "":
		return scoring.NewHTTPScorer(cfg.ScorerURL, rows, cols), nil
	case cfg.ScorerPrototypes != "":
		return scoring.NewPrototypeScorerFromFile(cfg.ScorerPrototypes, cfg.ScorerK, rows, cols)
	default:
		utils.GetLogger().Warn("no scorer configured, all chunks will score neutral")
		return scoring.Unavailable{}, nil
	}
}
