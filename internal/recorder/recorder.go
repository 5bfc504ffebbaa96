// Package recorder provides a capture sink that writes raw PCM to an
// io.Writer without blocking the engine's delivery thread.
package recorder

import (
	"bufio"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petems/avcapture/internal/audio"
	"github.com/rs/zerolog"
)

// DefaultQueueDepth is the number of buffers held between the delivery
// thread and the writer.
const DefaultQueueDepth = 64

// ErrClosed is returned by Close when called twice.
var ErrClosed = errors.New("recorder closed")

// Stats counts what the recorder did with the buffers it was given.
type Stats struct {
	Buffers uint64
	Bytes   uint64
	Dropped uint64
}

// Recorder is an audio.Sink. BufferReceived copies each buffer into a
// bounded queue; a writer goroutine drains it. When the queue is full the
// buffer is dropped and counted.
type Recorder struct {
	w   *bufio.Writer
	log zerolog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan []byte
	done   chan struct{}
	err    error

	buffers atomic.Uint64
	bytes   atomic.Uint64
	dropped atomic.Uint64
}

// New starts a recorder writing to w. Close must be called to flush.
func New(w io.Writer, queueDepth int, log zerolog.Logger) *Recorder {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	r := &Recorder{
		w:     bufio.NewWriter(w),
		log:   log.With().Str("component", "recorder").Logger(),
		queue: make(chan []byte, queueDepth),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for buf := range r.queue {
		if r.err != nil {
			continue
		}
		if _, err := r.w.Write(buf); err != nil {
			r.err = err
			r.log.Error().Err(err).Msg("Failed to write audio; discarding the rest")
			continue
		}
		r.buffers.Add(1)
		r.bytes.Add(uint64(len(buf)))
	}
	if r.err == nil {
		r.err = r.w.Flush()
	}
}

func (r *Recorder) CaptureStarted() {
	r.log.Info().Msg("Recording started")
}

func (r *Recorder) CaptureStopped() {
	r.log.Info().
		Uint64("bytes", r.bytes.Load()).
		Uint64("dropped", r.dropped.Load()).
		Msg("Recording stopped")
}

// BufferReceived runs on the delivery thread and never blocks on I/O.
func (r *Recorder) BufferReceived(buf []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}

	b := make([]byte, len(buf))
	copy(b, buf)
	select {
	case r.queue <- b:
	default:
		r.dropped.Add(1)
	}
}

// Close waits for queued buffers to be written, flushes and returns the
// first write error. Later buffers are dropped.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done
	return r.err
}

// Stats returns a snapshot of the counters. Buffers and Bytes count what
// reached the writer.
func (r *Recorder) Stats() Stats {
	return Stats{
		Buffers: r.buffers.Load(),
		Bytes:   r.bytes.Load(),
		Dropped: r.dropped.Load(),
	}
}

// Duration converts the bytes written so far into audio time at f.
func (r *Recorder) Duration(f audio.Format) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(float64(r.bytes.Load()) / float64(bps) * float64(time.Second))
}
