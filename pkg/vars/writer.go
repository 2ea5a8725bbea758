package vars

import (
	"fmt"
	"os"
	"sync"

	"github.com/seawolf-auv/swhub/internal/logger"
)

// Writer is the write-behind persistence task for the variable database.
//
// SETs on persistent variables arm the store's dirty signal; the writer
// wakes, snapshots all persistent variables, writes a temporary file next
// to the database and renames it over the live file. Signals raised during
// a flush cause one more pass, so any burst of SETs collapses into at most
// two file writes. A failed flush is logged at ERROR and dropped; the next
// SET re-arms it.
type Writer struct {
	store *Store
	path  string

	// OnFlushError, when set, observes every dropped flush. Set it before
	// Start.
	OnFlushError func(error)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewWriter creates a writer for the database at path. Call Start to begin
// flushing.
func NewWriter(store *Store, path string) *Writer {
	return &Writer{
		store: store,
		path:  path,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the background flush task. It is a no-op for a store with
// no persistent variables.
func (w *Writer) Start() {
	if !w.store.HasPersistent() {
		close(w.done)
		return
	}
	go w.run()
}

// Stop terminates the flush task after one final synchronous flush, so
// every SET accepted before shutdown is either on disk or logged as
// unflushable. Safe to call more than once.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)

	for {
		select {
		case <-w.store.dirty:
			w.flushLogged()
		case <-w.stop:
			// Final pass: persist anything signalled since the last flush.
			select {
			case <-w.store.dirty:
				w.flushLogged()
			default:
			}
			return
		}
	}
}

func (w *Writer) flushLogged() {
	if err := w.flush(); err != nil {
		logger.Error("Unable to flush database", "error", err)
		if w.OnFlushError != nil {
			w.OnFlushError(err)
		}
	}
}

// flush rewrites the database atomically: temporary file "<db>.0", then
// rename over the live file.
func (w *Writer) flush() error {
	tmp := w.path + ".0"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}

	if err := writeSnapshot(f, w.store.snapshotPersistent()); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, w.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}

	logger.Debug("Variable database flushed", "variables", len(w.store.persistent))
	return nil
}

func writeSnapshot(f *os.File, snapshot []persistentValue) error {
	if _, err := fmt.Fprintf(f, "# Seawolf hub variable database\n# %-18s = %s\n", "VARIABLE", "VALUE"); err != nil {
		return err
	}
	for _, pv := range snapshot {
		if _, err := fmt.Fprintf(f, "%-20s = %.4f\n", pv.name, pv.value); err != nil {
			return err
		}
	}
	return nil
}
