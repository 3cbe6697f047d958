package persist

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Appender stores a batch of entries. *JournalRepo implements it.
type Appender interface {
	Append(ctx context.Context, entries []Entry) error
}

// Writer batches entries handed over by the tick and writes them from its
// own goroutine, so the tick never waits on the database.
type Writer struct {
	repo      Appender
	in        chan []Entry
	interval  time.Duration
	batchSize int
	log       *zap.Logger

	pending []Entry
}

func NewWriter(repo Appender, interval time.Duration, batchSize int, log *zap.Logger) *Writer {
	return &Writer{
		repo:      repo,
		in:        make(chan []Entry, 64),
		interval:  interval,
		batchSize: batchSize,
		log:       log,
	}
}

// Enqueue hands entries to the writer without blocking. It returns false
// and drops them when the writer is backed up.
func (w *Writer) Enqueue(entries []Entry) bool {
	if len(entries) == 0 {
		return true
	}
	select {
	case w.in <- entries:
		return true
	default:
		w.log.Warn("journal backlog full, dropping entries", zap.Int("entries", len(entries)))
		return false
	}
}

// Run flushes every interval, or sooner once a full batch is pending. On
// cancellation it drains what was enqueued and flushes once more.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case entries := <-w.in:
			w.pending = append(w.pending, entries...)
			if len(w.pending) >= w.batchSize {
				w.flush(ctx)
			}
		case <-ticker.C:
			w.flush(ctx)
		case <-ctx.Done():
			for {
				select {
				case entries := <-w.in:
					w.pending = append(w.pending, entries...)
				default:
					goto drained
				}
			}
		drained:
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.flush(shutdownCtx)
			cancel()
			return
		}
	}
}

func (w *Writer) flush(ctx context.Context) {
	if len(w.pending) == 0 {
		return
	}
	err := w.repo.Append(ctx, w.pending)
	if err == nil {
		w.log.Debug("journal flushed", zap.Int("entries", len(w.pending)))
		w.pending = w.pending[:0]
		return
	}
	w.log.Error("journal flush failed", zap.Int("entries", len(w.pending)), zap.Error(err))

	written, rejected, rest := w.isolate(ctx)
	if written > 0 {
		// The database is up; what it still refuses is dropped.
		if len(rejected) > 0 {
			w.log.Warn("journal rows rejected",
				zap.Int("written", written),
				zap.Int("rejected", len(rejected)),
				zap.Strings("event_ids", eventIDs(rejected)),
			)
		}
		w.pending = append(w.pending[:0], rest...)
		return
	}

	// Nothing went through: keep the rows for the next attempt unless the
	// backlog has grown past a few batches.
	if len(w.pending) > 4*w.batchSize {
		w.log.Warn("journal backlog discarded", zap.Int("entries", len(w.pending)))
		w.pending = w.pending[:0]
	}
}

// outageThreshold is how many leading rows may fail one by one before the
// failure is taken as an outage rather than bad rows.
const outageThreshold = 4

// isolate writes pending rows one at a time, in order, so a single row the
// database refuses cannot hold back the rest. rest holds the rows not yet
// attempted when ctx ended.
func (w *Writer) isolate(ctx context.Context) (written int, rejected, rest []Entry) {
	for i, e := range w.pending {
		if ctx.Err() != nil {
			return written, rejected, w.pending[i:]
		}
		if err := w.repo.Append(ctx, []Entry{e}); err != nil {
			rejected = append(rejected, e)
			if written == 0 && i+1 >= outageThreshold {
				return 0, nil, nil
			}
			continue
		}
		written++
	}
	return written, rejected, nil
}

func eventIDs(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.EventID
	}
	return out
}
