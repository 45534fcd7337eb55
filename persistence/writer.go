package persistence

import (
	"bytes"
	"context"
	"os"
	"sync"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// WriteJob is one append to an alert log file (spec §4.5:
// "<ALERT_LOG_PREFIX><event_id><ALERT_LOG_SUFFIX>", written with a
// header on first touch).
type WriteJob struct {
	Path   string
	Header []byte // written once per path, only if the file is new
	Row    []byte
}

// Writer is a rate-limited, worker-pooled append-only log writer,
// adapted from the teacher's database/writer.go BulkWriter: its
// channel-fed worker pool and rate.Limiter gate generalize directly
// from batched ClickHouse inserts to single-row alert-log appends —
// the batching/errgroup shutdown semantics are the same, the sink
// changed from a DB connection to a file.
type Writer struct {
	fs      afero.Fs
	jobs    chan WriteJob
	wg      *errgroup.Group
	ctx     context.Context
	limiter *rate.Limiter

	mu         sync.Mutex
	seenHeader map[string]bool
}

// NewWriter starts numWorkers background goroutines draining jobs
// submitted via Submit. limiter may be nil to disable rate limiting.
func NewWriter(fs afero.Fs, numWorkers int, limiter *rate.Limiter) *Writer {
	g, ctx := errgroup.WithContext(context.Background())
	w := &Writer{
		fs:         fs,
		jobs:       make(chan WriteJob, numWorkers*4),
		wg:         g,
		ctx:        ctx,
		limiter:    limiter,
		seenHeader: make(map[string]bool),
	}
	for i := 0; i < numWorkers; i++ {
		w.startWorker()
	}
	return w
}

func (w *Writer) startWorker() {
	w.wg.Go(func() error {
		for job := range w.jobs {
			if w.limiter != nil {
				if err := w.limiter.Wait(w.ctx); err != nil {
					return err
				}
			}
			if err := w.writeJob(job); err != nil {
				return err
			}
		}
		return nil
	})
}

func (w *Writer) writeJob(job WriteJob) error {
	exists, err := afero.Exists(w.fs, job.Path)
	if err != nil {
		return err
	}

	f, err := w.fs.OpenFile(job.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w.mu.Lock()
	needsHeader := len(job.Header) > 0 && !exists && !w.seenHeader[job.Path]
	w.mu.Unlock()

	if needsHeader {
		if _, err := f.Write(job.Header); err != nil {
			return err
		}
		w.mu.Lock()
		w.seenHeader[job.Path] = true
		w.mu.Unlock()
	}

	_, err = f.Write(job.Row)
	return err
}

// Submit queues a row for writing, blocking if the internal queue is
// full (applies backpressure to callers rather than unbounded buffering).
func (w *Writer) Submit(job WriteJob) {
	w.jobs <- job
}

// Close stops accepting work and waits for all queued writes to flush.
func (w *Writer) Close() error {
	close(w.jobs)
	return w.wg.Wait()
}

// FormatRow renders fields as a comma-separated line, a minimal CSV
// encoder sufficient for the fixed-width alert/flow log rows this
// package writes (no quoting/escaping needed: every field here is a
// number or an enum-like direction string).
func FormatRow(fields ...string) []byte {
	var buf bytes.Buffer
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(f)
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}
