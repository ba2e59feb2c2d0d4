package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/log"
)

const (
	// DefaultBufferSize is the default append buffer capacity.
	DefaultBufferSize = 256

	// DefaultFlushInterval is how often the background goroutine flushes to
	// the store.
	DefaultFlushInterval = 100 * time.Millisecond

	// flushThresholdPercent is the buffer fill percentage that triggers an
	// immediate flush.
	flushThresholdPercent = 75

	// flushTimeout bounds one store write.
	flushTimeout = 5 * time.Second
)

// Writer appends records to a Store through a bounded buffer with periodic
// flushes, so journaling never stalls the dispatch path on storage latency.
// Write errors are tracked, not propagated; the journal degrades rather than
// failing tasks.
type Writer struct {
	store Store

	mu     sync.Mutex
	buffer []Record
	seq    int64
	closed bool

	bufferSize     int
	flushThreshold int
	flushInterval  time.Duration

	writeErrors atomic.Int64
	lastError   atomic.Value

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWriter creates a Writer over the store, continuing from the store's
// last sequence number.
func NewWriter(ctx context.Context, store Store) (*Writer, error) {
	return NewWriterWithConfig(ctx, store, DefaultBufferSize, DefaultFlushInterval)
}

// NewWriterWithConfig creates a Writer with custom buffer size and flush
// interval.
func NewWriterWithConfig(ctx context.Context, store Store, bufferSize int, flushInterval time.Duration) (*Writer, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	last, err := store.LastSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("read journal head: %w", err)
	}

	w := &Writer{
		store:          store,
		buffer:         make([]Record, 0, bufferSize),
		seq:            last,
		bufferSize:     bufferSize,
		flushThreshold: (bufferSize * flushThresholdPercent) / 100,
		flushInterval:  flushInterval,
		done:           make(chan struct{}),
	}

	w.wg.Add(1)
	go w.flushLoop()

	return w, nil
}

// Append journals one record. The sequence number is assigned here; the
// record reaches the store on the next flush.
func (w *Writer) Append(kind Kind, payload any) (int64, error) {
	if !kind.IsValid() {
		return 0, fmt.Errorf("unknown journal kind %q", kind)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode %s payload: %w", kind, err)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, os.ErrClosed
	}
	w.seq++
	rec := Record{
		Seq:       w.seq,
		WallClock: time.Now(),
		Kind:      kind,
		Payload:   encoded,
	}
	w.buffer = append(w.buffer, rec)

	if len(w.buffer) >= w.flushThreshold {
		_ = w.flushLocked()
	}
	w.mu.Unlock()

	return rec.Seq, nil
}

// Flush pushes all buffered records to the store.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	return w.flushLocked()
}

// flushLocked writes the buffer to the store. Caller must hold w.mu.
func (w *Writer) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}

	batch := make([]Record, len(w.buffer))
	copy(batch, w.buffer)
	w.buffer = w.buffer[:0]

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := w.store.Append(ctx, batch); err != nil {
		w.writeErrors.Add(1)
		w.lastError.Store(err)
		log.ErrorErr(log.CatJournal, "Journal flush failed", err, "records", len(batch))
		return err
	}
	return nil
}

// flushLoop periodically flushes the buffer until Close.
func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.Lock()
			if !w.closed {
				_ = w.flushLocked()
			}
			w.mu.Unlock()
		}
	}
}

// LastSeq returns the most recently assigned sequence number.
func (w *Writer) LastSeq() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// ErrorCount returns the total number of store write errors.
func (w *Writer) ErrorCount() int64 { return w.writeErrors.Load() }

// LastError returns the most recent store write error, or nil.
func (w *Writer) LastError() error {
	if err := w.lastError.Load(); err != nil {
		return err.(error)
	}
	return nil
}

// Close stops the flush goroutine, performs a final flush, and closes the
// store.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return os.ErrClosed
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()

	w.mu.Lock()
	flushErr := w.flushLocked()
	w.mu.Unlock()

	closeErr := w.store.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
