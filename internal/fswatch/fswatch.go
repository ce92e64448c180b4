// Package fswatch turns fsnotify events under a set of directories into a
// debounced stream of changed paths. The daemon uses it for hot reload of
// skills and policy.
package fswatch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultOps = fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename

type Options struct {
	// Dirs are watched directly. Missing directories are skipped.
	Dirs []string
	// Recursive also watches subdirectories, skipping dot-directories, and
	// picks up directories created later.
	Recursive bool
	// Match selects the paths that count as a change. Nil matches all.
	Match func(path string) bool
	// Ops defaults to create, write, remove and rename.
	Ops fsnotify.Op
	// Debounce coalesces a burst into one event carrying the last path.
	// Zero emits every matching event.
	Debounce time.Duration
	Logger   *slog.Logger
}

type Watcher struct {
	opts   Options
	events chan string
}

func New(opts Options) *Watcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Ops == 0 {
		opts.Ops = defaultOps
	}
	dirs := opts.Dirs[:0:0]
	for _, d := range opts.Dirs {
		if strings.TrimSpace(d) != "" {
			dirs = append(dirs, d)
		}
	}
	opts.Dirs = dirs
	return &Watcher{opts: opts, events: make(chan string, 16)}
}

// Events yields changed paths. It is closed once the watcher stops. Sends
// never block; a full channel drops the event.
func (w *Watcher) Events() <-chan string {
	return w.events
}

// Start registers the watches and runs until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	for _, dir := range w.opts.Dirs {
		w.add(fsw, dir)
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) add(fsw *fsnotify.Watcher, dir string) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		w.opts.Logger.Warn("watcher: abs failed", "dir", dir, "error", err)
		return
	}
	if !w.opts.Recursive {
		if err := fsw.Add(abs); err != nil && !os.IsNotExist(err) {
			w.opts.Logger.Warn("watcher: add failed", "dir", abs, "error", err)
		}
		return
	}
	_ = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != abs && strings.HasPrefix(d.Name(), ".") {
			return fs.SkipDir
		}
		if err := fsw.Add(path); err != nil && !os.IsNotExist(err) {
			w.opts.Logger.Warn("watcher: add failed", "dir", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) emit(path string) {
	select {
	case w.events <- path:
	default:
	}
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.events)
	defer fsw.Close()

	var pending string
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&w.opts.Ops == 0 {
				continue
			}
			changed := ""
			if w.opts.Recursive && ev.Op&fsnotify.Create != 0 {
				// A new directory may already hold files written before the
				// watch lands on it.
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					w.add(fsw, ev.Name)
					changed = ev.Name
				}
			}
			if w.opts.Match == nil || w.opts.Match(ev.Name) {
				changed = ev.Name
			}
			if changed == "" {
				continue
			}
			if w.opts.Debounce <= 0 {
				w.emit(changed)
				continue
			}
			pending = changed
			timer.Reset(w.opts.Debounce)

		case <-timer.C:
			if pending != "" {
				w.emit(pending)
				pending = ""
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.opts.Logger.Warn("watcher error", "error", err)
		}
	}
}
