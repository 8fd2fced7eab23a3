package hub

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/ncsurobotics/libseawolf/internal/hublog"
)

// PersistenceWriter is the single background task that owns the on-disk
// persistent-values file (§4.7). It coalesces signals with a dirty flag and
// a condition variable rather than queuing individual changes: the
// contract is "eventually the file matches the current snapshot", not "one
// write per SET".
type PersistenceWriter struct {
	path  string
	store *VariableStore
	log   *hublog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	dirty   bool
	stopped bool
	done    chan struct{}
}

// NewPersistenceWriter builds a writer for path, the on-disk
// persistent-values database. Persistence is always active: a blank or
// missing path is rejected earlier, at config-load time
// (LoadPersistentValues), matching original_source/src/hub/var.c's
// treatment of var_db as mandatory rather than optional.
func NewPersistenceWriter(path string, store *VariableStore, log *hublog.Logger) *PersistenceWriter {
	w := &PersistenceWriter{
		path:  path,
		store: store,
		log:   log,
		done:  make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Run blocks, flushing the database whenever Signal marks it dirty, until
// Stop is called. Intended to run in its own goroutine.
func (w *PersistenceWriter) Run() {
	defer close(w.done)

	w.mu.Lock()
	for {
		for !w.dirty && !w.stopped {
			w.cond.Wait()
		}
		if w.stopped && !w.dirty {
			w.mu.Unlock()
			return
		}
		w.dirty = false
		w.mu.Unlock()

		if err := w.flush(); err != nil {
			w.log.Error("persistence flush failed: %v", err)
		}

		w.mu.Lock()
	}
}

// Signal marks the database dirty and wakes the writer. Re-signaling while
// a flush is in progress is coalesced: at most one more pass runs after the
// one currently executing (§4.7).
func (w *PersistenceWriter) Signal() {
	w.mu.Lock()
	w.dirty = true
	w.cond.Signal()
	w.mu.Unlock()
}

// Stop requests the writer goroutine to exit after any in-flight dirty pass
// completes, and waits for it to do so.
func (w *PersistenceWriter) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.cond.Signal()
	w.mu.Unlock()
	<-w.done
}

// flush atomically rewrites the persistent-values file: write a temp file,
// close it, rename over the live path (§4.7).
func (w *PersistenceWriter) flush() error {
	tmp := w.path + ".0"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", tmp, err)
	}

	var persistent []*Variable
	for _, v := range w.store.All() {
		if v.Persistent() {
			persistent = append(persistent, v)
		}
	}
	sort.Slice(persistent, func(i, j int) bool { return persistent[i].Name() < persistent[j].Name() })

	maxName := 0
	for _, v := range persistent {
		if len(v.Name()) > maxName {
			maxName = len(v.Name())
		}
	}

	if _, err := fmt.Fprintln(f, "# seawolf hub persistent variable database"); err != nil {
		f.Close()
		return err
	}
	if _, err := fmt.Fprintln(f, "# generated automatically -- do not edit while the hub is running"); err != nil {
		f.Close()
		return err
	}

	for _, v := range persistent {
		if _, err := fmt.Fprintf(f, "%-*s = %.4f\n", maxName, v.Name(), v.Value()); err != nil {
			f.Close()
			return err
		}
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, w.path); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmp, w.path, err)
	}

	return nil
}
