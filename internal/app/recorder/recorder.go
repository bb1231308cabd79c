// Package recorder appends every event on its subscription to a JSONL tape
// for later replay.
package recorder

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/mercurylabs/mercurystream/internal/domain/schema"
	"github.com/mercurylabs/mercurystream/internal/infra/bus"
)

const (
	flushEvery    = 200
	flushInterval = time.Second
	writerBufSize = 1 << 20
)

// Recorder writes the raw wire bytes of each event as one JSONL line. The
// tape carries no forensics tags, so a replay sees exactly what the live
// ingest produced.
type Recorder struct {
	path string
	log  zerolog.Logger

	f       *os.File
	w       *bufio.Writer
	pending int
	written uint64
	broken  bool
}

// New creates a recorder appending to path. The tape opens lazily on the
// first event.
func New(path string, log zerolog.Logger) *Recorder {
	return &Recorder{path: path, log: log.With().Str("component", "recorder").Logger()}
}

// Run consumes the subscription until it closes or the context is
// cancelled, flushing buffered lines at least once per second.
func (r *Recorder) Run(ctx context.Context, sub *bus.Subscription) {
	defer func() {
		if err := r.Close(); err != nil {
			r.log.Warn().Err(err).Msg("tape close failed")
		}
	}()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			r.Record(evt)
		case <-ticker.C:
			r.flush()
		}
	}
}

// Record appends one event line, flushing every flushEvery lines. A tape
// that cannot be opened or written disables the recorder rather than
// failing the pipeline.
func (r *Recorder) Record(evt *schema.Event) {
	if r.broken {
		return
	}
	if r.w == nil && !r.open() {
		return
	}

	if _, err := r.w.Write(evt.Raw()); err != nil {
		r.fail(err)
		return
	}
	if err := r.w.WriteByte('\n'); err != nil {
		r.fail(err)
		return
	}
	r.written++
	r.pending++
	if r.pending >= flushEvery {
		r.flush()
	}
}

// Written reports how many lines reached the tape buffer.
func (r *Recorder) Written() uint64 { return r.written }

// Close flushes and closes the tape. Idempotent.
func (r *Recorder) Close() error {
	if r.f == nil {
		return nil
	}
	ferr := r.w.Flush()
	cerr := r.f.Close()
	r.f = nil
	r.w = nil
	r.log.Info().Uint64("events", r.written).Str("file", r.path).Msg("tape closed")
	if ferr != nil {
		return ferr
	}
	return cerr
}

func (r *Recorder) open() bool {
	if dir := filepath.Dir(r.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			r.fail(err)
			return false
		}
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		r.fail(err)
		return false
	}
	r.f = f
	r.w = bufio.NewWriterSize(f, writerBufSize)
	r.log.Debug().Str("file", r.path).Msg("tape opened")
	return true
}

func (r *Recorder) flush() {
	if r.w == nil || r.pending == 0 {
		return
	}
	if err := r.w.Flush(); err != nil {
		r.fail(err)
		return
	}
	r.pending = 0
}

func (r *Recorder) fail(err error) {
	r.broken = true
	r.log.Warn().Err(err).Str("file", r.path).Msg("tape disabled")
}
