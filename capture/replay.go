package capture

import (
	"context"
	"fmt"
	"time"

	"live-detect/wav"
)

// ReplaySource serves pre-decoded samples chunk by chunk, optionally paced
// at real time. It returns ErrExhausted after the last chunk.
type ReplaySource struct {
	samples      []float64
	sampleRate   int
	chunkSamples int
	pace         time.Duration
	pos          int
}

// NewReplaySource wraps samples. A pace of zero delivers chunks immediately.
func NewReplaySource(samples []float64, sampleRate, chunkSamples int, pace time.Duration) *ReplaySource {
	return &ReplaySource{
		samples:      samples,
		sampleRate:   sampleRate,
		chunkSamples: chunkSamples,
		pace:         pace,
	}
}

// OpenFile decodes path to mono at sampleRate and replays it at real time
// when realtime is set.
func OpenFile(ctx context.Context, path string, sampleRate, chunkSamples int, realtime bool) (*ReplaySource, error) {
	samples, err := wav.DecodeFile(ctx, path, sampleRate)
	if err != nil {
		return nil, fmt.Errorf("capture: open %s: %w", path, err)
	}
	var pace time.Duration
	if realtime {
		pace = time.Duration(float64(chunkSamples) / float64(sampleRate) * float64(time.Second))
	}
	return NewReplaySource(samples, sampleRate, chunkSamples, pace), nil
}

// Capture returns the next chunk. The final chunk may be shorter.
func (r *ReplaySource) Capture(ctx context.Context) (AudioChunk, error) {
	if r.pos >= len(r.samples) {
		return AudioChunk{}, ErrExhausted
	}
	if r.pace > 0 {
		select {
		case <-time.After(r.pace):
		case <-ctx.Done():
			return AudioChunk{}, ctx.Err()
		}
	}

	end := min(r.pos+r.chunkSamples, len(r.samples))
	chunk := AudioChunk{
		Samples:    r.samples[r.pos:end],
		SampleRate: r.sampleRate,
		CapturedAt: time.Now(),
	}
	r.pos = end
	return chunk, nil
}

// Close is a no-op.
func (r *ReplaySource) Close() error { return nil }
