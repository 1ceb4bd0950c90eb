// Package wav reads and writes 16-bit PCM WAV data and shells out to ffmpeg
// for everything else (arbitrary input formats, compressed artifacts).
package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// ErrUnsupportedFormat is returned for WAV files that are not 16-bit PCM.
var ErrUnsupportedFormat = errors.New("wav: unsupported format")

// WavInfo describes a decoded WAV file.
type WavInfo struct {
	Channels      int
	SampleRate    int
	BitsPerSample int
	Data          []byte
}

// Duration returns the playback length of the data chunk.
func (w *WavInfo) Duration() float64 {
	frameBytes := w.Channels * w.BitsPerSample / 8
	if frameBytes == 0 || w.SampleRate == 0 {
		return 0
	}
	return float64(len(w.Data)/frameBytes) / float64(w.SampleRate)
}

// ReadWavInfo parses the WAV file at path.
func ReadWavInfo(path string) (*WavInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wav: read %s: %w", path, err)
	}
	return ParseWav(data)
}

// ParseWav walks the RIFF chunks of data and returns the fmt and data chunks.
func ParseWav(data []byte) (*WavInfo, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: missing RIFF/WAVE header", ErrUnsupportedFormat)
	}

	info := &WavInfo{}
	haveFmt := false
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		end := body + size
		if end > len(data) {
			// Streams written by ffmpeg to a pipe carry a placeholder size.
			end = len(data)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, fmt.Errorf("%w: short fmt chunk", ErrUnsupportedFormat)
			}
			audioFormat := binary.LittleEndian.Uint16(data[body : body+2])
			if audioFormat != 1 && audioFormat != 0xFFFE {
				return nil, fmt.Errorf("%w: audio format %d", ErrUnsupportedFormat, audioFormat)
			}
			info.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			haveFmt = true
		case "data":
			info.Data = data[body:end]
		}

		offset = end + size%2
	}

	if !haveFmt || info.Data == nil {
		return nil, fmt.Errorf("%w: missing fmt or data chunk", ErrUnsupportedFormat)
	}
	if info.BitsPerSample != 16 {
		return nil, fmt.Errorf("%w: %d bits per sample", ErrUnsupportedFormat, info.BitsPerSample)
	}
	if info.Channels <= 0 || info.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: %d channels at %d Hz", ErrUnsupportedFormat, info.Channels, info.SampleRate)
	}
	return info, nil
}

// WavBytesToSamples converts little-endian PCM16 bytes to samples in [-1, 1].
func WavBytesToSamples(input []byte) ([]float64, error) {
	if len(input)%2 != 0 {
		return nil, errors.New("wav: odd number of PCM16 bytes")
	}

	samples := make([]float64, len(input)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(input[i*2:]))
		samples[i] = float64(v) / 32768.0
	}
	return samples, nil
}

// SamplesToPCM16 converts samples in [-1, 1] to little-endian PCM16 bytes,
// clipping out-of-range values.
func SamplesToPCM16(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if math.IsNaN(s) {
			s = 0
		}
		v := math.Round(s * 32767)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// Downmix averages interleaved channels into a mono signal.
func Downmix(samples []float64, channels int) []float64 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	mono := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		mono[i] = sum / float64(channels)
	}
	return mono
}

// WriteWavFile writes PCM16 data with a canonical 44-byte header.
func WriteWavFile(path string, data []byte, sampleRate, channels int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("wav: create %s: %w", path, err)
	}
	if err := WriteWav(f, data, sampleRate, channels); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteWav writes a canonical PCM16 WAV stream to w.
func WriteWav(w io.Writer, data []byte, sampleRate, channels int) error {
	var header bytes.Buffer
	blockAlign := channels * 2

	header.WriteString("RIFF")
	binary.Write(&header, binary.LittleEndian, uint32(36+len(data)))
	header.WriteString("WAVE")
	header.WriteString("fmt ")
	binary.Write(&header, binary.LittleEndian, uint32(16))
	binary.Write(&header, binary.LittleEndian, uint16(1))
	binary.Write(&header, binary.LittleEndian, uint16(channels))
	binary.Write(&header, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&header, binary.LittleEndian, uint32(sampleRate*blockAlign))
	binary.Write(&header, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&header, binary.LittleEndian, uint16(16))
	header.WriteString("data")
	binary.Write(&header, binary.LittleEndian, uint32(len(data)))

	if _, err := w.Write(header.Bytes()); err != nil {
		return fmt.Errorf("wav: write header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("wav: write data: %w", err)
	}
	return nil
}
