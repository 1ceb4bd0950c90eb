package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"

	"github.com/joho/godotenv"

	"live-detect/config"
	"live-detect/features"
	"live-detect/scoring"
	"live-detect/wav"
)

// Scores one file repeatedly and reports any drift in features or score.
func main() {
	runs := flag.Int("n", 5, "Number of runs")
	flag.Parse()
	if flag.NArg() < 1 {
		log.Fatal("Usage: go run ./cmd/check_determinism [-n runs] <audio-file>")
	}
	testFile := flag.Arg(0)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	scaler, err := features.LoadScaler(cfg.ScalerPath)
	if err != nil {
		log.Printf("scaler unavailable (%v), using raw features", err)
		scaler = nil
	}
	extractor, err := features.NewExtractor(cfg.Profile, scaler)
	if err != nil {
		log.Fatalf("extractor: %v", err)
	}

	var scorer scoring.Scorer = scoring.Unavailable{}
	rows, cols := extractor.Shape()
	switch {
	case cfg.ScorerURL != "":
		scorer = scoring.NewHTTPScorer(cfg.ScorerURL, rows, cols)
	case cfg.ScorerPrototypes != "":
		if scorer, err = scoring.NewPrototypeScorerFromFile(cfg.ScorerPrototypes, cfg.ScorerK, rows, cols); err != nil {
			log.Fatalf("prototypes: %v", err)
		}
	}

	log.Printf("Testing determinism with: %s (%d runs)\n", testFile, *runs)
	ctx := context.Background()

	var first features.Tensor
	var firstScore float64
	maxDiff, maxScoreDiff := 0.0, 0.0
	for i := 0; i < *runs; i++ {
		// Decode on every run so the whole upload path is covered.
		samples, err := wav.DecodeFile(ctx, testFile, cfg.Profile.SampleRate)
		if err != nil {
			log.Fatalf("Run %d: decode: %v", i+1, err)
		}
		tensor, err := extractor.Extract(samples)
		if err != nil {
			log.Fatalf("Run %d: extract: %v", i+1, err)
		}
		score, err := scorer.Score(ctx, tensor)
		if err != nil {
			log.Printf("Run %d: scorer failed (%v), score not compared", i+1, err)
		}

		if i == 0 {
			first, firstScore = tensor, score
			log.Printf("Run 1: shape %dx%d, score %.6f", tensor.Rows, tensor.Cols, score)
			continue
		}
		for j := range tensor.Data {
			maxDiff = math.Max(maxDiff, math.Abs(tensor.Data[j]-first.Data[j]))
		}
		maxScoreDiff = math.Max(maxScoreDiff, math.Abs(score-firstScore))
		log.Printf("Run %d: score %.6f", i+1, score)
	}

	fmt.Println("\n=== Determinism Check ===")
	fmt.Printf("max feature difference: %e\n", maxDiff)
	fmt.Printf("max score difference:   %e\n", maxScoreDiff)
	if maxDiff != 0 || maxScoreDiff != 0 {
		fmt.Println("NON-DETERMINISTIC: identical input produced different output")
		os.Exit(1)
	}
	fmt.Println("OK: all runs identical")
}
