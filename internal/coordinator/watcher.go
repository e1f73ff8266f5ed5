package coordinator

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StoreWatcher watches the local store's database file and publishes
// invalidation events when another session writes to it.
//
// Follower sessions do not receive write callbacks from the leader's SQL
// connection, so they watch the file instead: any write to the database
// or its WAL flips cached read views stale. Events are debounced because
// a single logical write touches the WAL several times.
type StoreWatcher struct {
	dbPath   string
	bus      *Bus
	debounce time.Duration
	logger   *log.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewStoreWatcher creates a watcher for the store at dbPath publishing
// to bus. A debounce of 0 defaults to 100ms.
func NewStoreWatcher(dbPath string, bus *Bus, debounce time.Duration, logger *log.Logger) *StoreWatcher {
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[watcher] ", log.LstdFlags)
	}
	return &StoreWatcher{
		dbPath:   dbPath,
		bus:      bus,
		debounce: debounce,
		logger:   logger,
	}
}

// Start begins watching. It watches the database's directory and filters
// to the database file and its WAL, since SQLite replaces the WAL file
// rather than rewriting it in place.
func (w *StoreWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return fmt.Errorf("store watcher already started")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.dbPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch store directory: %w", err)
	}
	w.watcher = watcher

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(runCtx, watcher)
	return nil
}

// Stop halts the watcher and waits for its loop to exit.
func (w *StoreWatcher) Stop() {
	w.mu.Lock()
	watcher := w.watcher
	cancel := w.cancel
	w.watcher = nil
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
	if watcher != nil {
		watcher.Close()
	}
}

func (w *StoreWatcher) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer w.wg.Done()

	base := filepath.Base(w.dbPath)
	watched := map[string]bool{
		base:          true,
		base + "-wal": true,
		base + "-shm": false,
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !watched[filepath.Base(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.bus.Publish(Event{Type: EventBlocksChanged})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("watch error: %v", err)
		}
	}
}
