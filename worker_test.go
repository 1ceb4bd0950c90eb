package main

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"live-detect/ipc"
	"live-detect/metrics"
	"live-detect/models"
	"live-detect/recordings"
	"live-detect/supervisor"
	"live-detect/wav"
)

const workerEnv = "LIVE_DETECT_RUN_WORKER"

// TestMain lets the test binary stand in for live-detect when a supervisor
// under test re-executes it as a worker.
func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" && len(os.Args) > 1 && os.Args[1] == "worker" {
		os.Exit(runWorker(os.Args[2:]))
	}
	os.Exit(m.Run())
}

// fakeFFmpeg copies its -i input to its last argument.
const fakeFFmpeg = `#!/bin/sh
prev=""
for arg in "$@"; do
	if [ "$prev" = "-i" ]; then in="$arg"; fi
	prev="$arg"
	out="$arg"
done
exec cp "$in" "$out"
`

const workerProfile = `sample_rate: 8000
chunk_duration: 250ms
fft_size: 512
hop_size: 128
num_mels: 40
time_steps: 16
`

type workerEnvFixture struct {
	store   *recordings.Store
	control string
	sup     *supervisor.Supervisor
	metrics *metrics.Metrics
}

func newWorkerFixture(t *testing.T, stopTimeout time.Duration) *workerEnvFixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("worker processes need process groups")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	dir := t.TempDir()
	bin := filepath.Join(dir, "bin")
	if err := os.Mkdir(bin, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bin, "ffmpeg"), []byte(fakeFFmpeg), 0o755); err != nil {
		t.Fatal(err)
	}
	profile := filepath.Join(dir, "pipeline.yaml")
	if err := os.WriteFile(profile, []byte(workerProfile), 0o644); err != nil {
		t.Fatal(err)
	}

	tone := make([]float64, 8000*5)
	for i := range tone {
		tone[i] = 0.3 * math.Sin(2*math.Pi*440*float64(i)/8000)
	}
	input := filepath.Join(dir, "tone.wav")
	if err := wav.WriteWavFile(input, wav.SamplesToPCM16(tone), 8000, 1); err != nil {
		t.Fatal(err)
	}

	recDir := filepath.Join(dir, "recordings")
	t.Setenv(workerEnv, "1")
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
	t.Setenv("PIPELINE_PROFILE", profile)
	t.Setenv("RECORDINGS_DIR", recDir)
	t.Setenv("SCALER_PATH", filepath.Join(dir, "absent.json"))
	t.Setenv("SCORER_URL", "")
	t.Setenv("SCORER_PROTOTYPES", "")

	store, err := recordings.NewStore(recDir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	launcher := &supervisor.ProcessLauncher{
		Executable:   exe,
		ResultBuffer: 16,
		ExtraArgs:    []string{"-replay", input},
	}
	m := metrics.New()
	control := filepath.Join(dir, "control")
	sup := supervisor.New(launcher, supervisor.Options{
		ControlDir:     control,
		StopTimeout:    stopTimeout,
		KillTimeout:    5 * time.Second,
		RelayInterval:  10 * time.Millisecond,
		RecoverTimeout: 10 * time.Second,
		Metrics:        m,
		Recover: func(ctx context.Context, sessionID string) (string, error) {
			return recordings.Recover(ctx, store, recordings.FFmpegTranscoder{}, sessionID, 8000)
		},
	})
	t.Cleanup(func() { _ = sup.Stop(context.Background()) })
	return &workerEnvFixture{store: store, control: control, sup: sup, metrics: m}
}

var errEnough = errors.New("enough results")

// relaySequences relays until n results arrived and returns their sequences.
func relaySequences(t *testing.T, sup *supervisor.Supervisor, sessionID string, n int) []int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var seqs []int
	err := sup.Relay(ctx, sessionID, func(entry []byte) error {
		var msg models.ResultMessage
		if err := json.Unmarshal(entry, &msg); err != nil {
			return err
		}
		// without a scorer every chunk gets the neutral score
		if msg.Score == nil || *msg.Score != 0 || msg.Label != "normal" {
			t.Errorf("unexpected result %s", entry)
		}
		seqs = append(seqs, msg.Sequence)
		if len(seqs) == n {
			return errEnough
		}
		return nil
	})
	if !errors.Is(err, supervisor.ErrConsumerGone) {
		t.Fatalf("Relay = %v after %v", err, seqs)
	}
	return seqs
}

func TestWorkerProcessSessionEndToEnd(t *testing.T) {
	f := newWorkerFixture(t, 10*time.Second)

	id, err := f.sup.Start(context.Background(), "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	seqs := relaySequences(t, f.sup, id, 3)
	for i, seq := range seqs {
		if seq != i {
			t.Fatalf("sequences %v are not contiguous from 0", seqs)
		}
	}

	if err := f.sup.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if st := f.sup.Status(); st.Alive || st.State != supervisor.StateIdle {
		t.Fatalf("status after stop: %+v", st)
	}
	if _, err := os.Stat(ipc.SignalPath(f.control, id)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stop flag left behind: %v", err)
	}

	latest, err := f.store.Latest(recordings.KindRealtime)
	if err != nil || latest != recordings.ArtifactName(id) {
		t.Fatalf("realtime pointer = %q, %v; want %q", latest, err, recordings.ArtifactName(id))
	}
	data, err := os.ReadFile(filepath.Join(f.store.Dir(), latest))
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	// one chunk is 2000 PCM16 samples
	if len(data) == 0 || len(data)%4000 != 0 {
		t.Fatalf("artifact holds %d bytes, want whole chunks", len(data))
	}
	if _, err := os.Stat(filepath.Join(f.store.Dir(), recordings.RawName(id))); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("raw buffer left behind: %v", err)
	}
}

func TestWorkerProcessKilledSessionIsRecovered(t *testing.T) {
	// Too short for the worker to finish its chunk, so Stop has to kill it.
	f := newWorkerFixture(t, time.Millisecond)

	id, err := f.sup.Start(context.Background(), "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	relaySequences(t, f.sup, id, 1)

	if err := f.sup.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	latest, err := f.store.Latest(recordings.KindRealtime)
	if err != nil || latest != recordings.ArtifactName(id) {
		t.Fatalf("realtime pointer = %q, %v; want recovered %q", latest, err, recordings.ArtifactName(id))
	}
	if _, err := os.Stat(filepath.Join(f.store.Dir(), recordings.RawName(id))); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("raw buffer left behind: %v", err)
	}
	if _, err := os.Stat(ipc.SignalPath(f.control, id)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stop flag left behind: %v", err)
	}

	families, err := f.metrics.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	var abandoned float64
	for _, fam := range families {
		if strings.HasSuffix(fam.GetName(), "sessions_abandoned_total") {
			abandoned = fam.GetMetric()[0].GetCounter().GetValue()
		}
	}
	if abandoned != 1 {
		t.Fatalf("sessions abandoned = %v, want 1", abandoned)
	}
}
