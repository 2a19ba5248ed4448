package storage

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"lab-sandbox/internal/gateway"
	"lab-sandbox/internal/lifecycle"
)

// Store is what the AuditWriter writes through. *DB implements it.
type Store interface {
	LogEvent(ctx context.Context, ev *EventRecord) error
	LogExecution(ctx context.Context, exec *Execution) error
}

// entry holds exactly one of event or exec.
type entry struct {
	event *EventRecord
	exec  *Execution
}

func (e entry) id() string {
	if e.event != nil {
		return e.event.ID
	}
	return e.exec.ID
}

// AuditWriter records lifecycle events and executions asynchronously. It
// implements lifecycle.EventSink and gateway.ExecutionSink; neither method
// blocks, and entries are dropped with a warning while the buffer is full.
type AuditWriter struct {
	store Store
	ch    chan entry
	wg    sync.WaitGroup
	done  chan struct{}
	once  sync.Once

	maxRetries   int
	baseBackoff  time.Duration
	writeTimeout time.Duration
	dropped      atomic.Int64
}

var (
	_ lifecycle.EventSink   = (*AuditWriter)(nil)
	_ gateway.ExecutionSink = (*AuditWriter)(nil)
)

func NewAuditWriter(store Store, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		store:        store,
		ch:           make(chan entry, bufferSize),
		done:         make(chan struct{}),
		maxRetries:   3,
		baseBackoff:  100 * time.Millisecond,
		writeTimeout: 5 * time.Second,
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// RecordEvent queues a lifecycle transition.
func (w *AuditWriter) RecordEvent(ev lifecycle.Event) {
	w.enqueue(entry{event: eventRecord(ev)})
}

// RecordExecution queues an execution record.
func (w *AuditWriter) RecordExecution(r gateway.Record) {
	w.enqueue(entry{exec: executionRecord(r)})
}

// Dropped returns how many entries were discarded because the buffer was full
// or the writer had been flushed.
func (w *AuditWriter) Dropped() int64 {
	return w.dropped.Load()
}

func (w *AuditWriter) enqueue(e entry) {
	select {
	case <-w.done:
		w.dropped.Add(1)
		log.Debug().Str("audit_id", e.id()).Msg("audit writer closed, dropping log entry")
		return
	default:
	}
	select {
	case w.ch <- e:
	default:
		w.dropped.Add(1)
		log.Warn().Str("audit_id", e.id()).Msg("audit buffer full, dropping log entry")
	}
}

// Flush stops accepting entries and waits up to timeout for the buffered
// ones to be written. Calling it again only waits.
func (w *AuditWriter) Flush(timeout time.Duration) {
	w.once.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Int("pending", len(w.ch)).Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case e := <-w.ch:
			w.writeWithRetry(e)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case e := <-w.ch:
					w.writeWithRetry(e)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) write(e entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
	defer cancel()
	if e.event != nil {
		return w.store.LogEvent(ctx, e.event)
	}
	return w.store.LogExecution(ctx, e.exec)
}

func (w *AuditWriter) writeWithRetry(e entry) {
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		err := w.write(e)
		if err == nil {
			return
		}

		if attempt < w.maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * w.baseBackoff
			log.Warn().
				Err(err).
				Str("audit_id", e.id()).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("audit_id", e.id()).
				Msg("audit write failed permanently after retries")
		}
	}
}
