package skills

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/basket/clawtask/internal/fswatch"
)

const watchDebounce = 150 * time.Millisecond

// NewWatcher emits one path per burst of changes to skill definition files
// anywhere under dirs, including directories created after Start.
func NewWatcher(dirs []string, logger *slog.Logger) *fswatch.Watcher {
	return fswatch.New(fswatch.Options{
		Dirs:      dirs,
		Recursive: true,
		Match:     func(path string) bool { return IsSkillFile(filepath.Base(path)) },
		Debounce:  watchDebounce,
		Logger:    logger,
	})
}
