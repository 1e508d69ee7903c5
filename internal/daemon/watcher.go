package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// debounceDefault is the default debounce interval for file events.
const debounceDefault = 200 * time.Millisecond

// InboxWatcher watches a directory for new .json files using fsnotify.
// handler runs on the watcher goroutine, once per debounced file.
type InboxWatcher struct {
	inbox    string
	handler  func(path string)
	debounce time.Duration
	log      logr.Logger
}

func NewInboxWatcher(inbox string, handler func(path string), debounce time.Duration, log logr.Logger) *InboxWatcher {
	if debounce <= 0 {
		debounce = debounceDefault
	}
	return &InboxWatcher{inbox: inbox, handler: handler, debounce: debounce, log: log}
}

// Run watches the inbox, including files already present when it starts.
// Blocks until ctx is cancelled.
func (w *InboxWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(w.inbox); err != nil {
		return err
	}

	// A single timer resets on each event; when it fires every path
	// seen since the last flush is handed to the handler.
	ready := make(map[string]bool)
	flush := func() {
		batch := make([]string, 0, len(ready))
		for p := range ready {
			batch = append(batch, p)
		}
		ready = make(map[string]bool)
		sort.Strings(batch)
		for _, p := range batch {
			if ctx.Err() != nil {
				return
			}
			w.handler(p)
		}
	}

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	// Files that arrived before the watch was in place.
	if err := ScanExisting(w.inbox, func(p string) { ready[p] = true }); err != nil {
		return err
	}
	if len(ready) > 0 {
		timer.Reset(w.debounce)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-timer.C:
			flush()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) || !isJobFile(event.Name) {
				continue
			}
			ready[event.Name] = true
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error(err, "inbox watch error")
		}
	}
}

// ScanExisting hands every .json file already in dir to handler, in name
// order. Called at startup for files that arrived while the daemon was down.
func ScanExisting(dir string, handler func(path string)) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if isJobFile(path) {
			handler(path)
		}
	}
	return nil
}

// isJobFile returns true if the file is a .json file (not a .tmp partial write).
func isJobFile(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}
