package feature

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/dshills/lspclient/internal/lsp"
)

// DefaultWatchDelay is the delay over which file events are batched.
const DefaultWatchDelay = 100 * time.Millisecond

const watchAll = lsp.WatchKindCreate | lsp.WatchKindChange | lsp.WatchKindDelete

type watchPattern struct {
	base    string // absolute, slash separated; empty for plain patterns
	pattern string
	kind    lsp.WatchKind
}

// FileWatcher implements workspace/didChangeWatchedFiles. The server
// registers glob patterns; the watcher observes the workspace root with
// fsnotify and reports matching events in batches.
//
// Thread Safety: FileWatcher is safe for concurrent use.
type FileWatcher struct {
	*WorkspaceFeature

	root   string
	clock  clock.Clock
	delay  time.Duration
	ignore map[string]bool

	mu       sync.Mutex
	patterns map[string][]watchPattern
	fsw      *fsnotify.Watcher
	done     chan struct{}
	pending  map[lsp.DocumentURI]lsp.FileChangeType
	timer    *clock.Timer
}

// FileWatcherOption configures the file watcher.
type FileWatcherOption func(*FileWatcher)

// WithWatchDelay sets the batching delay.
func WithWatchDelay(d time.Duration) FileWatcherOption {
	return func(w *FileWatcher) {
		w.delay = d
	}
}

// WithWatchClock sets the clock driving the batching timer.
func WithWatchClock(clk clock.Clock) FileWatcherOption {
	return func(w *FileWatcher) {
		w.clock = clk
	}
}

// WithIgnoredDirs sets directory names that are never watched.
func WithIgnoredDirs(names ...string) FileWatcherOption {
	return func(w *FileWatcher) {
		w.ignore = make(map[string]bool, len(names))
		for _, n := range names {
			w.ignore[n] = true
		}
	}
}

// NewFileWatcher creates a watcher for the workspace rooted at root.
func NewFileWatcher(client Client, root string, opts ...FileWatcherOption) *FileWatcher {
	w := &FileWatcher{
		WorkspaceFeature: newWorkspaceFeature(client, "workspace/didChangeWatchedFiles"),
		root:             root,
		clock:            clock.New(),
		delay:            DefaultWatchDelay,
		ignore:           map[string]bool{".git": true, "node_modules": true},
		patterns:         make(map[string][]watchPattern),
		pending:          make(map[lsp.DocumentURI]lsp.FileChangeType),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// FillClientCapabilities implements lsp.StaticFeature.
func (w *FileWatcher) FillClientCapabilities(caps *lsp.CapabilitiesBuilder) {
	caps.Set("workspace.didChangeWatchedFiles.dynamicRegistration", true)
	caps.Set("workspace.didChangeWatchedFiles.relativePatternSupport", true)
}

// Initialize implements lsp.StaticFeature. Watching only starts on
// registration.
func (w *FileWatcher) Initialize(*lsp.ServerCapabilities, lsp.DocumentSelector) error {
	return nil
}

// Register starts watching for the registration's patterns.
func (w *FileWatcher) Register(data lsp.RegistrationData) error {
	var opts lsp.DidChangeWatchedFilesRegistrationOptions
	if len(data.RegisterOptions) > 0 {
		if err := json.Unmarshal(data.RegisterOptions, &opts); err != nil {
			return fmt.Errorf("didChangeWatchedFiles register options: %w", err)
		}
	}

	patterns := make([]watchPattern, 0, len(opts.Watchers))
	for _, watcher := range opts.Watchers {
		p, err := parseWatchPattern(watcher)
		if err != nil {
			return err
		}
		patterns = append(patterns, p)
	}

	if err := w.WorkspaceFeature.Register(data); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.patterns[data.ID] = patterns
	return w.startLocked()
}

// Unregister drops a registration and stops watching once none is left.
func (w *FileWatcher) Unregister(id string) error {
	if err := w.WorkspaceFeature.Unregister(id); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.patterns, id)
	if len(w.patterns) == 0 {
		w.stopLocked()
	}
	return nil
}

// Clear implements lsp.StaticFeature.
func (w *FileWatcher) Clear() {
	w.WorkspaceFeature.Clear()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.patterns = make(map[string][]watchPattern)
	w.stopLocked()
}

func parseWatchPattern(watcher lsp.FileSystemWatcher) (watchPattern, error) {
	p := watchPattern{kind: watchAll}
	if watcher.Kind != nil {
		p.kind = *watcher.Kind
	}

	var plain string
	if err := json.Unmarshal(watcher.GlobPattern, &plain); err == nil {
		p.pattern = plain
		return p, nil
	}

	var relative struct {
		BaseURI json.RawMessage `json:"baseUri"`
		Pattern string          `json:"pattern"`
	}
	if err := json.Unmarshal(watcher.GlobPattern, &relative); err != nil {
		return p, fmt.Errorf("invalid glob pattern %s: %w", watcher.GlobPattern, err)
	}

	// baseUri is a URI or a workspace folder.
	var base lsp.DocumentURI
	if err := json.Unmarshal(relative.BaseURI, &base); err != nil {
		var folder lsp.WorkspaceFolder
		if err := json.Unmarshal(relative.BaseURI, &folder); err != nil {
			return p, fmt.Errorf("invalid glob pattern base %s: %w", relative.BaseURI, err)
		}
		base = folder.URI
	}
	p.base = filepath.ToSlash(lsp.URIToFilePath(base))
	p.pattern = relative.Pattern
	return p, nil
}

// matches reports whether an event of kind on path (absolute, slash
// separated) is wanted by p. Plain relative patterns are matched against
// the path below root.
func (p watchPattern) matches(root, path string, kind lsp.WatchKind) bool {
	if p.kind&kind == 0 {
		return false
	}
	base := p.base
	if base == "" {
		if strings.HasPrefix(p.pattern, "/") {
			return lsp.MatchGlob(p.pattern, path)
		}
		base = root
	}
	rel, ok := strings.CutPrefix(path, strings.TrimSuffix(base, "/")+"/")
	if !ok {
		return false
	}
	return lsp.MatchGlob(p.pattern, rel)
}

func (w *FileWatcher) startLocked() error {
	if w.fsw != nil || w.root == "" {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start file watcher: %w", err)
	}
	w.fsw = fsw
	w.done = make(chan struct{})
	w.addTreeLocked(w.root)
	go w.loop(fsw, w.done)
	return nil
}

func (w *FileWatcher) stopLocked() {
	if w.fsw == nil {
		return
	}
	close(w.done)
	_ = w.fsw.Close()
	w.fsw = nil
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.pending = make(map[lsp.DocumentURI]lsp.FileChangeType)
}

// addTreeLocked watches dir and every directory below it that is not
// ignored.
func (w *FileWatcher) addTreeLocked(dir string) {
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if p != dir && w.ignore[d.Name()] {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			w.client.Logger().Debug("watch directory failed", zap.String("dir", p), zap.Error(err))
		}
		return nil
	})
}

func (w *FileWatcher) loop(fsw *fsnotify.Watcher, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.client.Logger().Warn("file watcher error", zap.Error(err))
		}
	}
}

// handle records an fsnotify event if a registered pattern wants it.
func (w *FileWatcher) handle(ev fsnotify.Event) {
	var typ lsp.FileChangeType
	var kind lsp.WatchKind
	switch {
	case ev.Has(fsnotify.Create):
		typ, kind = lsp.FileChangeTypeCreated, lsp.WatchKindCreate
	case ev.Has(fsnotify.Write):
		typ, kind = lsp.FileChangeTypeChanged, lsp.WatchKindChange
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		typ, kind = lsp.FileChangeTypeDeleted, lsp.WatchKindDelete
	default:
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if typ == lsp.FileChangeTypeCreated && w.fsw != nil {
		if info, err := statDir(ev.Name); err == nil && info {
			w.addTreeLocked(ev.Name)
		}
	}

	path := filepath.ToSlash(ev.Name)
	root := filepath.ToSlash(w.root)
	wanted := false
	for _, patterns := range w.patterns {
		for _, p := range patterns {
			if p.matches(root, path, kind) {
				wanted = true
				break
			}
		}
	}
	if !wanted {
		return
	}

	uri := lsp.FilePathToURI(ev.Name)
	if prev, ok := w.pending[uri]; ok && prev == lsp.FileChangeTypeCreated && typ == lsp.FileChangeTypeChanged {
		typ = lsp.FileChangeTypeCreated
	}
	w.pending[uri] = typ

	if w.timer == nil {
		w.timer = w.clock.AfterFunc(w.delay, func() {
			ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
			defer cancel()
			if err := w.flush(ctx); err != nil {
				w.client.Logger().Debug("sending file events failed", zap.Error(err))
			}
		})
	}
}

// flush sends the batched events.
func (w *FileWatcher) flush(ctx context.Context) error {
	w.mu.Lock()
	w.timer = nil
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return nil
	}
	changes := make([]lsp.FileEvent, 0, len(w.pending))
	for uri, typ := range w.pending {
		changes = append(changes, lsp.FileEvent{URI: uri, Type: typ})
	}
	w.pending = make(map[lsp.DocumentURI]lsp.FileChangeType)
	w.mu.Unlock()

	sort.Slice(changes, func(i, j int) bool { return changes[i].URI < changes[j].URI })
	return w.client.SendNotification(ctx, "workspace/didChangeWatchedFiles",
		lsp.DidChangeWatchedFilesParams{Changes: changes})
}
