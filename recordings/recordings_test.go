package recordings

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"live-detect/wav"
)

// copyTranscoder "encodes" by copying the raw PCM so tests can inspect it.
type copyTranscoder struct {
	calls atomic.Int32
	fail  error
}

func (c *copyTranscoder) Transcode(_ context.Context, rawPath, outPath string, _ int) error {
	c.calls.Add(1)
	if c.fail != nil {
		return c.fail
	}
	data, err := os.ReadFile(rawPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outPath, data, 0o644)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func chunkOf(value float64, n int) []float64 {
	c := make([]float64, n)
	for i := range c {
		c[i] = value
	}
	return c
}

func TestFinalizeKeepsEveryChunkInOrder(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	tc := &copyTranscoder{}
	rec, err := NewRecorder(store, tc, "s1", 100)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	values := []float64{0.1, -0.2, 0.3, -0.4}
	for _, v := range values {
		if err := rec.Append(chunkOf(v, 100)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := rec.Append(nil); err != nil {
		t.Fatalf("Append(nil): %v", err)
	}
	if got := rec.Frames(); got != int64(len(values)*100) {
		t.Fatalf("Frames = %d, want %d", got, len(values)*100)
	}

	name, err := rec.Finalize(context.Background())
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if name != ArtifactName("s1") {
		t.Fatalf("artifact %q, want %q", name, ArtifactName("s1"))
	}

	data, err := os.ReadFile(filepath.Join(store.Dir(), name))
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	samples, err := wav.WavBytesToSamples(data)
	if err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if len(samples) != len(values)*100 {
		t.Fatalf("artifact has %d samples, want %d", len(samples), len(values)*100)
	}
	for i, v := range values {
		if got := samples[i*100]; got-v > 1e-3 || v-got > 1e-3 {
			t.Fatalf("chunk %d starts with %f, want %f", i, got, v)
		}
	}

	if _, err := os.Stat(filepath.Join(store.Dir(), RawName("s1"))); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("raw buffer should be removed, stat err = %v", err)
	}
}

func TestFinalizeWithoutAudioIsNoop(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	tc := &copyTranscoder{}
	rec, err := NewRecorder(store, tc, "empty", 100)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	for i := 0; i < 2; i++ {
		name, err := rec.Finalize(context.Background())
		if err != nil || name != "" {
			t.Fatalf("Finalize #%d = %q, %v", i, name, err)
		}
	}
	if tc.calls.Load() != 0 {
		t.Fatalf("transcoder called %d times", tc.calls.Load())
	}
	if _, err := store.Latest(KindRealtime); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no pointer, got %v", err)
	}
	entries, _ := os.ReadDir(store.Dir())
	if len(entries) != 0 {
		t.Fatalf("expected empty directory, found %d entries", len(entries))
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	tc := &copyTranscoder{}
	rec, err := NewRecorder(store, tc, "twice", 100)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	if err := rec.Append(chunkOf(0.5, 10)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	first, err := rec.Finalize(context.Background())
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	second, err := rec.Finalize(context.Background())
	if err != nil || second != first {
		t.Fatalf("second Finalize = %q, %v", second, err)
	}
	if tc.calls.Load() != 1 {
		t.Fatalf("transcoder called %d times, want 1", tc.calls.Load())
	}
	if err := rec.Append(chunkOf(0.5, 10)); err == nil {
		t.Fatal("expected append after finalize to fail")
	}
}

func TestFinalizeFailureKeepsRawBuffer(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	tc := &copyTranscoder{fail: errors.New("encoder exploded")}
	rec, err := NewRecorder(store, tc, "broken", 100)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	if err := rec.Append(chunkOf(0.5, 10)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if _, err := rec.Finalize(context.Background()); err == nil {
		t.Fatal("expected finalize error")
	}
	if _, err := rec.Finalize(context.Background()); err == nil {
		t.Fatal("expected the first outcome to be returned again")
	}
	if tc.calls.Load() != 1 {
		t.Fatalf("transcode retried: %d calls", tc.calls.Load())
	}
	if _, err := os.Stat(filepath.Join(store.Dir(), RawName("broken"))); err != nil {
		t.Fatalf("raw buffer should be retained: %v", err)
	}
	if _, err := store.Latest(KindRealtime); !errors.Is(err, ErrNotFound) {
		t.Fatalf("pointer should not be updated, got %v", err)
	}
}

func TestPointerAlwaysNamesExistingFile(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	tc := &copyTranscoder{}
	for _, id := range []string{"a", "b", "c"} {
		rec, err := NewRecorder(store, tc, id, 100)
		if err != nil {
			t.Fatalf("NewRecorder: %v", err)
		}
		if err := rec.Append(chunkOf(0.2, 10)); err != nil {
			t.Fatalf("Append: %v", err)
		}
		name, err := rec.Finalize(context.Background())
		if err != nil {
			t.Fatalf("Finalize: %v", err)
		}

		latest, err := store.Latest(KindRealtime)
		if err != nil || latest != name {
			t.Fatalf("Latest = %q, %v; want %q", latest, err, name)
		}
		if _, err := os.Stat(filepath.Join(store.Dir(), latest)); err != nil {
			t.Fatalf("pointer names missing file: %v", err)
		}
	}

	if err := store.Remove(ArtifactName("c")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := store.Latest(KindRealtime); !errors.Is(err, ErrNotFound) {
		t.Fatalf("dangling pointer should read as ErrNotFound, got %v", err)
	}
}

func TestRecoverFinalizesAbandonedBuffer(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	tc := &copyTranscoder{}
	crashed, err := NewRecorder(store, tc, "crash", 100)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	if err := crashed.Append(chunkOf(0.3, 50)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	name, err := Recover(context.Background(), store, tc, "crash", 100)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if name != ArtifactName("crash") || !store.Exists(name) {
		t.Fatalf("recovered artifact %q missing", name)
	}

	name, err = Recover(context.Background(), store, tc, "crash", 100)
	if err != nil || name != "" {
		t.Fatalf("second Recover = %q, %v; want no-op", name, err)
	}
	if tc.calls.Load() != 1 {
		t.Fatalf("transcoder called %d times, want 1", tc.calls.Load())
	}
}

// strandedTranscoder fails its first call while keeping the output open, the
// way an encoder outlives a killed worker. Later calls copy the raw PCM.
type strandedTranscoder struct {
	copyTranscoder
	outPaths []string
	stranded *os.File
}

func (s *strandedTranscoder) Transcode(ctx context.Context, rawPath, outPath string, rate int) error {
	s.outPaths = append(s.outPaths, outPath)
	if s.stranded == nil {
		f, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE, 0o644)
		if err != nil {
			return err
		}
		s.stranded = f
		return errors.New("worker killed")
	}
	return s.copyTranscoder.Transcode(ctx, rawPath, outPath, rate)
}

func TestRecoverIgnoresStrandedEncoder(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	tc := &strandedTranscoder{}
	rec, err := NewRecorder(store, tc, "killed", 100)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	if err := rec.Append(chunkOf(0.4, 20)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := rec.Finalize(context.Background()); err == nil {
		t.Fatal("expected the interrupted finalize to fail")
	}
	defer tc.stranded.Close()
	leftover := filepath.Join(store.Dir(), tempPrefix+"killed_123"+artifactExt)
	if err := os.WriteFile(leftover, []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	name, err := Recover(context.Background(), store, tc, "killed", 100)
	if err != nil || name != ArtifactName("killed") {
		t.Fatalf("Recover = %q, %v", name, err)
	}
	if _, err := tc.stranded.Write(bytes.Repeat([]byte{0x7f}, 64)); err != nil {
		t.Fatalf("stranded write: %v", err)
	}

	if len(tc.outPaths) != 2 || tc.outPaths[0] == tc.outPaths[1] {
		t.Fatalf("attempts shared an output path: %v", tc.outPaths)
	}
	for _, p := range tc.outPaths {
		if filepath.Base(p) == tempPrefix+name {
			t.Fatalf("temp output %q is predictable", p)
		}
	}
	data, err := os.ReadFile(filepath.Join(store.Dir(), name))
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if len(data) != 40 {
		t.Fatalf("artifact is %d bytes, want 40 from a single writer", len(data))
	}
	entries, _ := os.ReadDir(store.Dir())
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tempPrefix) {
			t.Fatalf("temp file %q left behind", e.Name())
		}
	}
}

func TestRecoverDoesNotTranscodeTwice(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	tc := &copyTranscoder{}
	// Artifact already published but the worker died before removing the buffer.
	if err := os.WriteFile(filepath.Join(store.Dir(), ArtifactName("late")), []byte{0, 0}, 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	if err := os.WriteFile(filepath.Join(store.Dir(), RawName("late")), []byte{0, 0}, 0o644); err != nil {
		t.Fatalf("write raw: %v", err)
	}

	name, err := Recover(context.Background(), store, tc, "late", 100)
	if err != nil || name != ArtifactName("late") {
		t.Fatalf("Recover = %q, %v", name, err)
	}
	if tc.calls.Load() != 0 {
		t.Fatalf("existing artifact was transcoded again")
	}
}

func TestStoreRejectsUnsafeNames(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	for _, name := range []string{
		"", ".", "..", "../etc/passwd", "a/b.mp3", `a\b.mp3`, ".hidden",
		"latest_audio.txt", "latest_realtime_audio.txt", RawName("x"),
	} {
		if _, err := store.Path(name); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("%q: expected ErrInvalidName, got %v", name, err)
		}
	}
	if _, err := store.Path("live_recording_abc.mp3"); err != nil {
		t.Fatalf("valid name rejected: %v", err)
	}
}

func TestStoreSaveOpenAndUploadPointer(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	name, err := store.Save(strings.NewReader("payload"), "upload", ".ogg")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !strings.HasPrefix(name, "upload_") || !strings.HasSuffix(name, ".ogg") {
		t.Fatalf("unexpected name %q", name)
	}

	if err := store.SetLatest(KindUpload, name); err != nil {
		t.Fatalf("SetLatest: %v", err)
	}
	latest, err := store.Latest(KindUpload)
	if err != nil || latest != name {
		t.Fatalf("Latest = %q, %v", latest, err)
	}

	f, info, err := store.Open(name)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _ := io.ReadAll(f)
	f.Close()
	if !bytes.Equal(data, []byte("payload")) || info.Size() != 7 {
		t.Fatalf("unexpected content %q", data)
	}
	if !store.Exists(name) {
		t.Fatal("download must retain the file")
	}

	if err := store.SetLatest(KindUpload, "upload_missing.ogg"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing artifact, got %v", err)
	}
	if _, _, err := store.Open("nope.mp3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	if k, err := ParseKind("Upload"); err != nil || k != KindUpload {
		t.Fatalf("ParseKind(Upload) = %q, %v", k, err)
	}
	if _, err := ParseKind("history"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
