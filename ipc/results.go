package ipc

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strconv"
	"sync/atomic"
)

const maxEntrySize = 64 << 10

// droppedTrailer starts the last line of a stream whose writer evicted
// entries. It carries the eviction count and is never delivered as a result.
const droppedTrailer = "#dropped "

// ResultWriter is the worker end of the result stream. Publish never blocks:
// entries go into a bounded queue drained by a background writer, and the
// oldest unsent entry is dropped when the queue is full. Each entry is
// written as one newline-terminated line. On Close the writer appends a
// trailer with its eviction count, which ResultQueue folds into Dropped.
type ResultWriter struct {
	queue *ring[[]byte]
	w     io.Writer
	done  chan struct{}
	err   error // first write error; owned by run until done is closed
}

// NewResultWriter starts a writer over w holding at most capacity entries.
func NewResultWriter(w io.Writer, capacity int) *ResultWriter {
	rw := &ResultWriter{
		queue: newRing[[]byte](capacity),
		w:     w,
		done:  make(chan struct{}),
	}
	go rw.run()
	return rw
}

func (rw *ResultWriter) run() {
	defer close(rw.done)
	for {
		entries, open := rw.queue.drain()
		for _, entry := range entries {
			if rw.err != nil {
				break
			}
			line := append(bytes.TrimRight(entry, "\n"), '\n')
			if _, err := rw.w.Write(line); err != nil {
				rw.err = err
			}
		}
		if !open {
			rw.writeTrailer()
			return
		}
		if len(entries) == 0 {
			<-rw.queue.notify
		}
	}
}

func (rw *ResultWriter) writeTrailer() {
	dropped := rw.queue.droppedCount()
	if rw.err != nil || dropped == 0 {
		return
	}
	line := strconv.AppendUint([]byte(droppedTrailer), dropped, 10)
	if _, err := rw.w.Write(append(line, '\n')); err != nil {
		rw.err = err
	}
}

// Publish enqueues entry. It reports whether an older entry was dropped to
// make room.
func (rw *ResultWriter) Publish(entry []byte) bool {
	return rw.queue.push(bytes.Clone(entry))
}

// Dropped returns how many entries were evicted unsent.
func (rw *ResultWriter) Dropped() uint64 {
	return rw.queue.droppedCount()
}

// Close stops accepting entries and waits until queued ones are written or
// ctx expires. It returns the first write error, if any.
func (rw *ResultWriter) Close(ctx context.Context) error {
	rw.queue.close()
	select {
	case <-rw.done:
		return rw.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResultQueue is the supervisor end of the result stream. A reader
// goroutine moves lines from the pipe into a bounded drop-oldest queue that
// the relay loop polls without blocking.
type ResultQueue struct {
	queue    *ring[[]byte]
	done     chan struct{}
	err      error
	upstream atomic.Uint64
}

// NewResultQueue starts reading newline-delimited entries from r.
func NewResultQueue(r io.Reader, capacity int) *ResultQueue {
	q := &ResultQueue{
		queue: newRing[[]byte](capacity),
		done:  make(chan struct{}),
	}
	go q.run(r)
	return q
}

func (q *ResultQueue) run(r io.Reader) {
	defer close(q.done)
	defer q.queue.close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxEntrySize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if rest, ok := bytes.CutPrefix(line, []byte(droppedTrailer)); ok {
			if n, err := strconv.ParseUint(string(rest), 10, 64); err == nil {
				q.upstream.Add(n)
			}
			continue
		}
		q.queue.push(bytes.Clone(line))
	}
	q.err = scanner.Err()
}

// Poll returns every entry received since the last call. open turns false
// once the producer has closed its end; the entries returned with it are the
// final ones.
func (q *ResultQueue) Poll() (entries [][]byte, open bool) {
	return q.queue.drain()
}

// Done is closed when the producer's end of the stream is closed.
func (q *ResultQueue) Done() <-chan struct{} {
	return q.done
}

// Err returns the read error that ended the stream, if any. Valid after Done.
func (q *ResultQueue) Err() error {
	<-q.done
	return q.err
}

// Dropped returns how many entries were lost before being polled: those
// evicted here plus those the writer reported evicting on its side.
func (q *ResultQueue) Dropped() uint64 {
	return q.queue.droppedCount() + q.upstream.Load()
}
