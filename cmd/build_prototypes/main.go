package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"live-detect/config"
	"live-detect/features"
	"live-detect/scoring"
	"live-detect/utils"
	"live-detect/wav"
)

func main() {
	rootDir := flag.String("dir", "", "Root directory with one subdirectory per label")
	outputFile := flag.String("out", "scoring/prototypes.json", "Output prototypes JSON file")
	flag.Parse()

	if *rootDir == "" {
		log.Fatal("Usage: go run ./cmd/build_prototypes -dir <directory> [-out <file>]\n\n" +
			"Example structure:\n" +
			"  samples/\n" +
			"    drone/\n" +
			"      sample1.wav\n" +
			"    noise/\n" +
			"      ambient.wav\n\n" +
			"Subdirectories named after noise sources (noise, ambient, wind, ...) become negative prototypes.")
	}
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	scaler, err := features.LoadScaler(cfg.ScalerPath)
	if err != nil {
		log.Printf("scaler unavailable (%v), prototypes use raw features", err)
		scaler = nil
	}
	extractor, err := features.NewExtractor(cfg.Profile, scaler)
	if err != nil {
		log.Fatalf("extractor: %v", err)
	}

	subdirs, err := discoverSubdirectories(*rootDir)
	if err != nil {
		log.Fatalf("failed to read directory: %v", err)
	}
	if len(subdirs) == 0 {
		log.Fatalf("no subdirectories found in %s", *rootDir)
	}

	ctx := context.Background()
	var prototypes []scoring.Prototype
	stats := make(map[string]int)

	for _, subdir := range subdirs {
		label := inferLabelFromDirectory(subdir)
		positive := !isNoiseLabel(label)
		log.Printf("Processing %s (label %q, positive=%t)\n", filepath.Base(subdir), label, positive)

		files, err := collectAudioFiles(subdir)
		if err != nil {
			log.Printf("  ERROR reading directory: %v\n", err)
			continue
		}
		for i, path := range files {
			samples, err := wav.DecodeFile(ctx, path, cfg.Profile.SampleRate)
			if err != nil {
				log.Printf("  [%d/%d] %s: decode: %v", i+1, len(files), filepath.Base(path), err)
				continue
			}
			tensor, err := extractor.Extract(samples)
			if err != nil {
				log.Printf("  [%d/%d] %s: extract: %v", i+1, len(files), filepath.Base(path), err)
				continue
			}
			prototypes = append(prototypes, scoring.Prototype{
				ID:       utils.GenerateUniqueID(),
				Label:    label,
				Positive: positive,
				Features: tensor.Data,
			})
			stats[label]++
		}
	}

	if len(prototypes) == 0 {
		log.Fatalf("no prototypes were created")
	}

	// Validate against the scorer before writing anything.
	rows, cols := extractor.Shape()
	if _, err := scoring.NewPrototypeScorer(prototypes, cfg.ScorerK, rows, cols); err != nil {
		log.Fatalf("invalid prototype set: %v", err)
	}

	if err := utils.CreateFolder(filepath.Dir(*outputFile)); err != nil {
		log.Fatalf("failed to create output directory: %v", err)
	}
	data, err := json.Marshal(prototypes)
	if err != nil {
		log.Fatalf("failed to marshal prototypes: %v", err)
	}
	if err := os.WriteFile(*outputFile, data, 0o644); err != nil {
		log.Fatalf("failed to write output file: %v", err)
	}

	log.Printf("Created %d prototypes in %s\n", len(prototypes), *outputFile)
	for label, count := range stats {
		log.Printf("  %-20s: %d\n", label, count)
	}
	log.Printf("Set SCORER_PROTOTYPES=%s to use them.", *outputFile)
}

func discoverSubdirectories(rootDir string) ([]string, error) {
	entries, err := os.ReadDir(rootDir)
	if err != nil {
		return nil, err
	}

	var subdirs []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			subdirs = append(subdirs, filepath.Join(rootDir, entry.Name()))
		}
	}
	return subdirs, nil
}

func collectAudioFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".wav" || ext == ".mp3" {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	return files, nil
}

func inferLabelFromDirectory(dirPath string) string {
	label := strings.ToLower(filepath.Base(dirPath))
	label = strings.ReplaceAll(label, "_", " ")
	label = strings.ReplaceAll(label, "-", " ")
	return strings.TrimSpace(label)
}

func isNoiseLabel(label string) bool {
	noiseKeywords := []string{"noise", "ambient", "silence", "background",
		"music", "voice", "speech", "traffic", "nature", "wind", "rain"}
	for _, keyword := range noiseKeywords {
		if strings.Contains(label, keyword) {
			return true
		}
	}
	return false
}
