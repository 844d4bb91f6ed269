package sandbox

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/acpproxy/acp-proxy/internal/common/logger"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Change kinds delivered in watch batches.
const (
	ChangeAdd       = "add"
	ChangeAddDir    = "addDir"
	ChangeModify    = "change"
	ChangeUnlink    = "unlink"
	ChangeUnlinkDir = "unlinkDir"
)

// quiescenceWindow is how long the watcher waits after the last event
// before flushing a batch.
const quiescenceWindow = 150 * time.Millisecond

// subscriberBuffer bounds each subscriber's batch channel.
const subscriberBuffer = 16

// Change is one filesystem change inside a watched root.
type Change struct {
	Kind    string `json:"kind"`
	RelPath string `json:"relPath"`
}

// Watcher multiplexes fsnotify watchers across subscribers: one underlying
// watcher per root, reference-counted, with events batched per root after a
// quiet window and fanned out to every subscriber in arrival order.
type Watcher struct {
	logger *logger.Logger

	mu    sync.Mutex
	roots map[string]*rootWatcher
}

// NewWatcher creates an empty watcher hub.
func NewWatcher(log *logger.Logger) *Watcher {
	return &Watcher{
		logger: log.WithComponent("fs-watcher"),
		roots:  make(map[string]*rootWatcher),
	}
}

// Subscribe starts (or joins) the watcher for a root. The returned channel
// delivers change batches; calling the cancel func drops the subscription
// and stops the underlying watcher when the last subscriber leaves.
func (w *Watcher) Subscribe(root string) (<-chan []Change, func(), error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rw, ok := w.roots[root]
	if !ok {
		var err error
		rw, err = newRootWatcher(root, w.logger)
		if err != nil {
			return nil, nil, err
		}
		w.roots[root] = rw
	}

	ch := rw.addSubscriber()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			if rw.removeSubscriber(ch) == 0 {
				rw.stop()
				delete(w.roots, root)
			}
		})
	}
	return ch, cancel, nil
}

// Close stops all root watchers.
func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for root, rw := range w.roots {
		rw.stop()
		delete(w.roots, root)
	}
}

// rootWatcher owns one fsnotify watcher plus the debounce loop for a root.
type rootWatcher struct {
	root    string
	logger  *logger.Logger
	watcher *fsnotify.Watcher

	mu          sync.Mutex
	subscribers map[chan []Change]bool
	pending     []Change
	watchedDirs map[string]bool

	trigger chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func newRootWatcher(root string, log *logger.Logger) (*rootWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create filesystem watcher: %w", err)
	}

	rw := &rootWatcher{
		root:        root,
		logger:      log.WithFields(zap.String("root", root)),
		watcher:     fsw,
		subscribers: make(map[chan []Change]bool),
		watchedDirs: make(map[string]bool),
		trigger:     make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
	if err := rw.addDirectoryRecursive(root); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch root: %w", err)
	}

	rw.wg.Add(2)
	go rw.eventLoop()
	go rw.flushLoop()
	return rw, nil
}

func (rw *rootWatcher) addSubscriber() chan []Change {
	ch := make(chan []Change, subscriberBuffer)
	rw.mu.Lock()
	rw.subscribers[ch] = true
	rw.mu.Unlock()
	return ch
}

func (rw *rootWatcher) removeSubscriber(ch chan []Change) int {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	delete(rw.subscribers, ch)
	return len(rw.subscribers)
}

func (rw *rootWatcher) stop() {
	close(rw.stopCh)
	_ = rw.watcher.Close()
	rw.wg.Wait()
}

// addDirectoryRecursive adds a directory and its non-ignored subdirectories
// to the watcher.
func (rw *rootWatcher) addDirectoryRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != rw.root && ignored(d.Name()) {
			return filepath.SkipDir
		}
		if err := rw.watcher.Add(path); err != nil {
			rw.logger.Debug("failed to watch directory", zap.String("path", path), zap.Error(err))
			return nil
		}
		rw.mu.Lock()
		rw.watchedDirs[path] = true
		rw.mu.Unlock()
		return nil
	})
}

// eventLoop translates raw fsnotify events into pending changes.
func (rw *rootWatcher) eventLoop() {
	defer rw.wg.Done()

	for {
		select {
		case <-rw.stopCh:
			return
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			rw.handleEvent(event)
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			rw.logger.Debug("filesystem watcher error", zap.Error(err))
		}
	}
}

func (rw *rootWatcher) handleEvent(event fsnotify.Event) {
	// Permission changes don't affect content and would cause refresh loops
	// from scanners and git operations.
	if event.Op == fsnotify.Chmod {
		return
	}
	if rw.pathIgnored(event.Name) {
		return
	}

	relPath, err := filepath.Rel(rw.root, event.Name)
	if err != nil {
		relPath = event.Name
	}
	relPath = filepath.ToSlash(relPath)

	var kind string
	switch {
	case event.Op&fsnotify.Create != 0:
		kind = ChangeAdd
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			kind = ChangeAddDir
			if err := rw.addDirectoryRecursive(event.Name); err != nil {
				rw.logger.Debug("failed to watch new directory", zap.Error(err))
			}
		}
	case event.Op&fsnotify.Write != 0:
		kind = ChangeModify
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		rw.mu.Lock()
		wasDir := rw.watchedDirs[event.Name]
		if wasDir {
			delete(rw.watchedDirs, event.Name)
		}
		rw.mu.Unlock()
		if wasDir {
			kind = ChangeUnlinkDir
		} else {
			kind = ChangeUnlink
		}
	default:
		return
	}

	rw.mu.Lock()
	rw.pending = append(rw.pending, Change{Kind: kind, RelPath: relPath})
	rw.mu.Unlock()

	select {
	case rw.trigger <- struct{}{}:
	default:
	}
}

// pathIgnored reports whether any component under the root is an ignored
// name.
func (rw *rootWatcher) pathIgnored(path string) bool {
	rel, err := filepath.Rel(rw.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part != "." && ignored(part) {
			return true
		}
	}
	return false
}

// flushLoop batches pending changes: the timer restarts on every event and
// the batch flushes after the quiet window.
func (rw *rootWatcher) flushLoop() {
	defer rw.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-rw.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-rw.trigger:
			if timer == nil {
				timer = time.NewTimer(quiescenceWindow)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(quiescenceWindow)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			rw.flush()
		}
	}
}

// flush delivers the accumulated batch to every subscriber.
func (rw *rootWatcher) flush() {
	rw.mu.Lock()
	batch := rw.pending
	rw.pending = nil
	subscribers := make([]chan []Change, 0, len(rw.subscribers))
	for ch := range rw.subscribers {
		subscribers = append(subscribers, ch)
	}
	rw.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	for _, ch := range subscribers {
		select {
		case ch <- batch:
		default:
			rw.logger.Warn("subscriber channel full, dropping change batch")
		}
	}
}
