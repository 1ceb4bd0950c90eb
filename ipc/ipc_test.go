package ipc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalLifecycle(t *testing.T) {
	t.Parallel()

	sig, err := NewSignal(t.TempDir()+"/control", "abc")
	require.NoError(t, err)
	assert.False(t, sig.IsSet())

	require.NoError(t, sig.Set())
	require.NoError(t, sig.Set(), "setting twice is idempotent")
	assert.True(t, sig.IsSet())
	assert.True(t, OpenSignal(sig.Path()).IsSet(), "flag is visible through another handle")

	require.NoError(t, sig.Clear())
	require.NoError(t, sig.Clear(), "clearing twice is idempotent")
	assert.False(t, sig.IsSet())
}

func TestSignalClearIfOlder(t *testing.T) {
	t.Parallel()

	sig, err := NewSignal(t.TempDir(), "s")
	require.NoError(t, err)

	cleared, err := sig.ClearIfOlder(time.Now())
	require.NoError(t, err)
	assert.False(t, cleared, "nothing to clear")

	sessionStart := time.Now()
	require.NoError(t, sig.Set())
	cleared, err = sig.ClearIfOlder(sessionStart)
	require.NoError(t, err)
	assert.False(t, cleared, "a stop requested after the session started must survive")
	assert.True(t, sig.IsSet())

	cleared, err = sig.ClearIfOlder(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.True(t, cleared)
	assert.False(t, sig.IsSet())
}

func TestSignalClearIfOlderFallsBackToModTime(t *testing.T) {
	t.Parallel()

	sig, err := NewSignal(t.TempDir(), "legacy")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(sig.Path(), []byte("1"), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(sig.Path(), old, old))

	cleared, err := sig.ClearIfOlder(time.Now())
	require.NoError(t, err)
	assert.True(t, cleared)
}

func TestRingDropsOldest(t *testing.T) {
	t.Parallel()

	r := newRing[int](3)
	for i := 0; i < 5; i++ {
		r.push(i)
	}
	got, open := r.drain()
	assert.True(t, open)
	assert.Equal(t, []int{2, 3, 4}, got)
	assert.Equal(t, uint64(2), r.droppedCount())

	r.push(5)
	r.push(6)
	r.close()
	got, open = r.drain()
	assert.Equal(t, []int{5, 6}, got, "entries queued before close are still delivered")
	assert.False(t, open)
	assert.False(t, r.push(9), "push after close is ignored")

	got, open = r.drain()
	assert.Empty(t, got)
	assert.False(t, open)
}

func TestResultStreamPreservesOrder(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	writer := NewResultWriter(pw, 128)
	queue := NewResultQueue(pr, 128)

	for i := 0; i < 50; i++ {
		writer.Publish([]byte(fmt.Sprintf(`{"sequence":%d}`, i)))
	}
	require.NoError(t, writer.Close(context.Background()))
	require.NoError(t, pw.Close())

	var received [][]byte
	deadline := time.After(5 * time.Second)
	for {
		entries, open := queue.Poll()
		received = append(received, entries...)
		if !open {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for stream to close")
		case <-time.After(10 * time.Millisecond):
		}
	}

	require.Len(t, received, 50)
	for i, entry := range received {
		assert.Equal(t, fmt.Sprintf(`{"sequence":%d}`, i), string(entry))
	}
	assert.NoError(t, queue.Err())
}

// blockingWriter holds every write until released.
type blockingWriter struct {
	release chan struct{}
	mu      sync.Mutex
	buf     bytes.Buffer
}

func (b *blockingWriter) Write(p []byte) (int, error) {
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func TestResultWriterPublishNeverBlocks(t *testing.T) {
	t.Parallel()

	bw := &blockingWriter{release: make(chan struct{})}
	writer := NewResultWriter(bw, 4)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			writer.Publish([]byte(fmt.Sprintf("%d", i)))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a stalled consumer")
	}
	assert.Greater(t, writer.Dropped(), uint64(0))

	close(bw.release)
	require.NoError(t, writer.Close(context.Background()))

	bw.mu.Lock()
	defer bw.mu.Unlock()
	assert.Contains(t, bw.buf.String(), "99\n", "the newest entry is never dropped")
}

// gatedWriter forwards writes to w once release is closed.
type gatedWriter struct {
	release chan struct{}
	w       io.Writer
}

func (g *gatedWriter) Write(p []byte) (int, error) {
	<-g.release
	return g.w.Write(p)
}

func TestResultQueueCountsWriterDrops(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	queue := NewResultQueue(pr, 64)
	gate := &gatedWriter{release: make(chan struct{}), w: pw}
	writer := NewResultWriter(gate, 2)

	for i := 0; i < 10; i++ {
		writer.Publish([]byte(fmt.Sprintf(`{"sequence":%d}`, i)))
	}
	require.Greater(t, writer.Dropped(), uint64(0))

	close(gate.release)
	require.NoError(t, writer.Close(context.Background()))
	require.NoError(t, pw.Close())
	<-queue.Done()

	entries, open := queue.Poll()
	assert.False(t, open)
	for _, entry := range entries {
		assert.NotContains(t, string(entry), "dropped")
	}
	assert.Equal(t, 10, len(entries)+int(writer.Dropped()))
	assert.Equal(t, writer.Dropped(), queue.Dropped())
}

func TestResultWriterCloseHonoursContext(t *testing.T) {
	t.Parallel()

	bw := &blockingWriter{release: make(chan struct{})}
	defer close(bw.release)
	writer := NewResultWriter(bw, 4)
	writer.Publish([]byte("stuck"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, writer.Close(ctx), context.DeadlineExceeded)
}

func TestResultQueueSkipsBlankLines(t *testing.T) {
	t.Parallel()

	queue := NewResultQueue(bytes.NewBufferString("a\n\n  \nb\n"), 8)
	<-queue.Done()
	entries, open := queue.Poll()
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, entries)
	assert.False(t, open)
}
