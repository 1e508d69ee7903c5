package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	"github.com/gzhole/transguard/internal/normalize"
)

// maxSnapshotFiles bounds the walk of each watched root.
const maxSnapshotFiles = 10000

// FileChange is one difference between the before and after snapshots
// of a watched host path.
type FileChange struct {
	Path      string `json:"path"`
	Action    string `json:"action"` // "added", "modified", "deleted"
	SizeDelta int64  `json:"size_delta"`
}

func (c FileChange) String() string {
	switch c.Action {
	case "added":
		return fmt.Sprintf("+ %s (new, %d bytes)", c.Path, c.SizeDelta)
	case "deleted":
		return fmt.Sprintf("- %s (removed)", c.Path)
	default:
		return fmt.Sprintf("~ %s (%+d bytes)", c.Path, c.SizeDelta)
	}
}

type fileState struct {
	size    int64
	modTime int64
	mode    fs.FileMode
}

// hostWatch observes the host outside the workspace for the length of
// one run: a snapshot of each watched root, fsnotify events on the roots,
// and the process's own working directory and environment.
type hostWatch struct {
	roots  []string
	ignore []string
	log    logr.Logger

	before   map[string]fileState
	wd       string
	environ  []string
	watcher  *fsnotify.Watcher
	done     chan struct{}
	mu       sync.Mutex
	notified map[string]bool
	closed   bool
}

func watchHost(roots, ignore []string, log logr.Logger) (*hostWatch, error) {
	h := &hostWatch{
		log:      log,
		notified: make(map[string]bool),
		done:     make(chan struct{}),
	}
	for _, root := range roots {
		abs, err := resolve(root)
		if err != nil {
			return nil, fmt.Errorf("watch path %s: %w", root, err)
		}
		h.roots = append(h.roots, abs)
	}
	for _, path := range ignore {
		abs, err := resolve(path)
		if err != nil {
			return nil, fmt.Errorf("ignore path %s: %w", path, err)
		}
		h.ignore = append(h.ignore, abs)
	}
	h.wd, _ = os.Getwd()
	h.environ = sortedEnviron()
	h.before = h.capture()

	if len(h.roots) == 0 {
		close(h.done)
		return h, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating host watcher: %w", err)
	}
	for _, root := range h.roots {
		if err := w.Add(root); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.V(1).Info("watch path not observed", "path", root, "error", err.Error())
		}
	}
	h.watcher = w
	go h.loop()
	return h, nil
}

func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return abs, nil
}

func (h *hostWatch) loop() {
	defer close(h.done)
	for {
		select {
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if h.ignored(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			h.mu.Lock()
			h.notified[ev.Name] = true
			h.mu.Unlock()
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.log.V(1).Info("host watcher error", "error", err.Error())
		}
	}
}

func (h *hostWatch) ignored(path string) bool {
	for _, ig := range h.ignore {
		if normalize.Within(path, ig) {
			return true
		}
	}
	return false
}

func (h *hostWatch) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()
	if h.watcher != nil {
		h.watcher.Close()
	}
	<-h.done
}

// finish stops the watcher and returns every change observed, sorted by
// path. Paths that raised events but compare equal afterwards (a file
// written and removed again) are still reported as modified.
func (h *hostWatch) finish() []FileChange {
	h.close()

	after := h.capture()
	changes := computeChanges(h.before, after)

	reported := make(map[string]bool, len(changes))
	for _, c := range changes {
		reported[c.Path] = true
	}
	h.mu.Lock()
	for path := range h.notified {
		if !reported[path] {
			changes = append(changes, FileChange{Path: path, Action: "modified"})
		}
	}
	h.mu.Unlock()

	if wd, _ := os.Getwd(); wd != h.wd {
		changes = append(changes, FileChange{Path: "process working directory", Action: "modified"})
	}
	if !slices.Equal(sortedEnviron(), h.environ) {
		changes = append(changes, FileChange{Path: "process environment", Action: "modified"})
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}

func (h *hostWatch) capture() map[string]fileState {
	state := make(map[string]fileState)
	for _, root := range h.roots {
		count := 0
		filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if h.ignored(path) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if count >= maxSnapshotFiles {
				return filepath.SkipAll
			}
			if d.IsDir() && d.Name() == ".git" {
				return filepath.SkipDir
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			st := fileState{modTime: info.ModTime().UnixNano(), mode: info.Mode()}
			if !d.IsDir() {
				st.size = info.Size()
			}
			state[path] = st
			count++
			return nil
		})
	}
	return state
}

func computeChanges(before, after map[string]fileState) []FileChange {
	var changes []FileChange

	for path, a := range after {
		b, existed := before[path]
		switch {
		case !existed:
			changes = append(changes, FileChange{Path: path, Action: "added", SizeDelta: a.size})
		case a != b:
			changes = append(changes, FileChange{Path: path, Action: "modified", SizeDelta: a.size - b.size})
		}
	}
	for path, b := range before {
		if _, ok := after[path]; !ok {
			changes = append(changes, FileChange{Path: path, Action: "deleted", SizeDelta: -b.size})
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}

func sortedEnviron() []string {
	env := os.Environ()
	sort.Strings(env)
	return env
}
