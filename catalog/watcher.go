package catalog

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/eiaudit/source"
	"github.com/fsnotify/fsnotify"
)

const (
	// eventChannelBuffer is the size of the watch event channel.
	eventChannelBuffer = 100

	// DefaultDebounce is how long changes accumulate before they are emitted.
	DefaultDebounce = 500 * time.Millisecond
)

// Operation indicates the type of evidence change.
type Operation string

// OpCreate, OpModify and OpDelete enumerate the evidence change types.
const (
	OpCreate Operation = "create"
	OpModify Operation = "modify"
	OpDelete Operation = "delete"
)

// Event is one debounced evidence change.
type Event struct {
	// Path is the absolute file path.
	Path string

	// Name is the file basename, the cache key.
	Name string

	Op Operation
}

// Watcher reports evidence files created, modified or deleted in a folder.
// Writes that leave the content hash unchanged are not reported.
type Watcher struct {
	dir      string
	pattern  string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	// Debouncing: collect changes before processing
	pendingMu sync.Mutex
	pending   map[string]fsnotify.Op

	// Hash-based change detection
	hashMu sync.RWMutex
	hashes map[string]string

	events chan Event

	droppedEvents atomic.Int64
}

// NewWatcher creates a watcher for files in dir matching pattern. A zero
// debounce uses DefaultDebounce.
func NewWatcher(dir, pattern string, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if pattern == "" {
		pattern = DefaultPattern
	}
	return &Watcher{
		dir:      dir,
		pattern:  pattern,
		debounce: debounce,
		watcher:  fsw,
		logger:   logger,
		pending:  make(map[string]fsnotify.Op),
		hashes:   make(map[string]string),
		events:   make(chan Event, eventChannelBuffer),
	}, nil
}

// Events returns the channel of watch events. It is closed when the
// watcher stops.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// SetHash records the known content hash of name, so an unchanged rewrite
// is not reported. The pipeline seeds it from the catalog cache.
func (w *Watcher) SetHash(name, hash string) {
	w.hashMu.Lock()
	defer w.hashMu.Unlock()
	w.hashes[name] = hash
}

func (w *Watcher) hash(name string) (string, bool) {
	w.hashMu.RLock()
	defer w.hashMu.RUnlock()
	h, ok := w.hashes[name]
	return h, ok
}

// Start begins watching. Events flow until ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}

	go w.processEvents(ctx)

	w.logger.Info("Evidence watcher started",
		"dir", w.dir,
		"pattern", w.pattern,
		"debounce", w.debounce)
	return nil
}

// Stop stops the watcher.
// The events channel is closed by processEvents when it exits.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// DroppedEvents returns the number of events dropped due to channel overflow.
func (w *Watcher) DroppedEvents() int64 {
	return w.droppedEvents.Load()
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.events)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)

		case <-ticker.C:
			w.flushPending(ctx)
		}
	}
}

func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	if !Match(w.pattern, event.Name) {
		return
	}
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	w.pendingMu.Lock()
	w.pending[event.Name] |= event.Op
	w.pendingMu.Unlock()

	w.logger.Debug("Evidence change detected",
		"file", filepath.Base(event.Name),
		"op", event.Op.String())
}

// flushPending emits the changes accumulated since the last tick.
func (w *Watcher) flushPending(ctx context.Context) {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}
	toProcess := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.pendingMu.Unlock()

	for path, op := range toProcess {
		if ctx.Err() != nil {
			return
		}

		name := filepath.Base(path)
		event := Event{Path: path, Name: name}

		content, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			// Removed, renamed away, or created and deleted within one tick.
			w.hashMu.Lock()
			_, known := w.hashes[name]
			delete(w.hashes, name)
			w.hashMu.Unlock()
			if known || op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename) {
				event.Op = OpDelete
				w.sendEvent(event)
			}
			continue
		}
		if err != nil {
			w.logger.Warn("Failed to read file for hash check",
				"file", name,
				"error", err)
			continue
		}

		newHash := source.ContentHash(content)
		oldHash, hadHash := w.hash(name)
		if hadHash && oldHash == newHash {
			continue
		}
		w.SetHash(name, newHash)

		if hadHash {
			event.Op = OpModify
		} else {
			event.Op = OpCreate
		}
		w.sendEvent(event)
	}
}

func (w *Watcher) sendEvent(event Event) {
	select {
	case w.events <- event:
		w.logger.Debug("Sent watch event",
			"file", event.Name,
			"op", event.Op)
	default:
		dropped := w.droppedEvents.Add(1)
		w.logger.Warn("Event channel full, dropping event",
			"file", event.Name,
			"total_dropped", dropped)
	}
}
