package config

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/clawtask/internal/fswatch"
)

const reloadDebounce = 100 * time.Millisecond

// NewWatcher reports changes to <homeDir>/config.yaml and any extra files,
// typically the resolved policy path. Parent directories are watched so
// editors that save by rename keep producing events.
func NewWatcher(homeDir string, logger *slog.Logger, extra ...string) *fswatch.Watcher {
	wanted := map[string]bool{filepath.Clean(ConfigPath(homeDir)): true}
	for _, f := range extra {
		if f != "" {
			wanted[filepath.Clean(f)] = true
		}
	}
	seen := map[string]bool{}
	var dirs []string
	for f := range wanted {
		if d := filepath.Dir(f); !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	return fswatch.New(fswatch.Options{
		Dirs:     dirs,
		Match:    func(path string) bool { return wanted[filepath.Clean(path)] },
		Ops:      fsnotify.Write | fsnotify.Create | fsnotify.Rename,
		Debounce: reloadDebounce,
		Logger:   logger,
	})
}
