package skills

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/basket/clawtask/internal/audit"
	"github.com/basket/clawtask/internal/bus"
)

// maxSkillFileSize is the maximum allowed size for a skill definition file (1 MiB).
const maxSkillFileSize = 1 << 20

// MemoryPurger deletes memories written under a skill's identity.
type MemoryPurger interface {
	PurgeMemoriesBySkillID(ctx context.Context, skillID string) (int64, error)
}

// RejectReason explains why Install did not admit a skill.
type RejectReason string

const (
	RejectNone      RejectReason = ""
	RejectRead      RejectReason = "read_error"
	RejectParse     RejectReason = "parse_error"
	RejectDuplicate RejectReason = "duplicate"
	RejectScan      RejectReason = "scan_rejected"
)

// Admission is the outcome of Install. Manifest is set only when Admitted.
type Admission struct {
	Manifest *Manifest
	Admitted bool
	Reason   RejectReason
	Scan     *ScanResult
	Err      error
}

// UninstallResult reports what Uninstall removed.
type UninstallResult struct {
	Removed bool
	Purged  int64
}

// Options configures a Registry.
type Options struct {
	Scanner *Scanner
	// AutoScan defaults to true. Set to a false pointer to admit without scanning.
	AutoScan *bool
	Purger   MemoryPurger
	Logger   *slog.Logger
	// OnScan, when set, is called with every scan result, admitted or not.
	OnScan func(m Manifest, res ScanResult)
	// Bus receives skill.admitted, skill.rejected and skill.uninstalled. May be nil.
	Bus *bus.Bus
}

type entry struct {
	manifest Manifest
	enabled  bool
	scan     *ScanResult
}

// Registry holds the admitted skills keyed by id. The first skill loaded for
// an id wins; later files whose id matches it under CanonicalSkillKey are
// rejected.
type Registry struct {
	scanner  *Scanner
	autoScan bool
	purger   MemoryPurger
	logger   *slog.Logger
	onScan   func(Manifest, ScanResult)
	bus      *bus.Bus

	mu      sync.RWMutex
	entries map[string]*entry
	keys    map[string]string // canonical key -> admitted id
	order   []string
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts Options) *Registry {
	scanner := opts.Scanner
	if scanner == nil {
		scanner = NewScanner(nil)
	}
	autoScan := true
	if opts.AutoScan != nil {
		autoScan = *opts.AutoScan
	}
	return &Registry{
		scanner:  scanner,
		autoScan: autoScan,
		purger:   opts.Purger,
		logger:   opts.Logger,
		onScan:   opts.OnScan,
		bus:      opts.Bus,
		entries:  make(map[string]*entry),
		keys:     make(map[string]string),
	}
}

// IsSkillFile reports whether name is a skill definition file name.
func IsSkillFile(name string) bool {
	return name == "SKILL.md" || strings.HasSuffix(name, ".skill.md")
}

// LoadFromPaths discovers skill files under each path (a file or a
// directory, walked recursively in lexical order) and installs each one.
// Missing paths and rejected files are logged, never returned.
func (r *Registry) LoadFromPaths(ctx context.Context, paths []string) []Manifest {
	var admitted []Manifest
	for _, root := range paths {
		if ctx.Err() != nil {
			return admitted
		}
		if strings.TrimSpace(root) == "" {
			continue
		}
		for _, file := range r.discover(root) {
			if ctx.Err() != nil {
				return admitted
			}
			adm := r.Install(ctx, file)
			if adm.Admitted {
				admitted = append(admitted, *adm.Manifest)
			}
		}
	}
	return admitted
}

func (r *Registry) discover(root string) []string {
	abs, err := filepath.Abs(root)
	if err != nil {
		r.log().Warn("skill path: abs failed", "path", root, "error", err)
		return nil
	}
	fi, err := os.Stat(abs)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log().Warn("skill path: stat failed", "path", abs, "error", err)
		}
		return nil
	}
	if !fi.IsDir() {
		return []string{abs}
	}

	var files []string
	walkErr := filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			r.log().Warn("skill path: walk failed", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			r.log().Warn("skill path is a symlink; symlinks are not followed", "path", path)
			return nil
		}
		if d.IsDir() {
			if path != abs && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if IsSkillFile(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	if walkErr != nil {
		r.log().Warn("skill path: walk aborted", "path", abs, "error", walkErr)
	}
	sort.Strings(files)
	return files
}

// Install reads, parses, scans and admits a single skill file.
func (r *Registry) Install(ctx context.Context, filePath string) Admission {
	raw, err := readSkillFile(filePath)
	if err != nil {
		r.log().Warn("skill rejected: read failed", "path", filePath, "error", err)
		return Admission{Reason: RejectRead, Err: err}
	}
	m, err := Parse(raw, filePath)
	if err != nil {
		r.log().Warn("skill rejected: parse failed", "path", filePath, "error", err)
		return Admission{Reason: RejectParse, Err: err}
	}

	key := CanonicalSkillKey(m.ID)
	if r.duplicate(key, filePath) {
		return Admission{Reason: RejectDuplicate}
	}

	// Scanning and its callbacks run unlocked; OnScan may read the registry.
	var scan *ScanResult
	if r.autoScan {
		res := r.scanner.Scan(m)
		scan = &res
		if r.onScan != nil {
			r.onScan(m, res)
		}
		if !res.Passed {
			r.log().Warn("skill rejected: security scan failed",
				"skill", m.ID,
				"path", filePath,
				"severity", res.Severity.String(),
				"findings", len(res.Findings),
			)
			audit.Record(ctx, audit.Entry{Decision: audit.Deny, Action: "skill.admit", Reason: summarizeFindings(res), Subject: m.ID})
			r.bus.Publish(bus.TopicSkillRejected, bus.SkillEvent{SkillID: m.ID, Path: filePath, Reason: string(RejectScan)})
			return Admission{Reason: RejectScan, Scan: scan}
		}
		if res.Severity == SeverityWarning {
			r.log().Warn("skill admitted with warnings", "skill", m.ID, "findings", summarizeFindings(res))
		}
	}

	r.mu.Lock()
	if _, taken := r.keys[key]; taken {
		r.mu.Unlock()
		r.duplicate(key, filePath)
		return Admission{Reason: RejectDuplicate}
	}
	r.entries[m.ID] = &entry{manifest: m, enabled: true, scan: scan}
	r.keys[key] = m.ID
	r.order = append(r.order, m.ID)
	r.mu.Unlock()

	r.log().Info("skill admitted", "skill", m.ID, "path", filePath)
	r.bus.Publish(bus.TopicSkillAdmitted, bus.SkillEvent{SkillID: m.ID, Path: filePath})

	out := m
	return Admission{Manifest: &out, Admitted: true, Scan: scan}
}

// duplicate logs and reports whether key is already admitted.
func (r *Registry) duplicate(key, filePath string) bool {
	r.mu.RLock()
	id, ok := r.keys[key]
	var winner string
	if ok {
		winner = r.entries[id].manifest.FilePath
	}
	r.mu.RUnlock()
	if ok {
		r.log().Info("skill collision: skipping duplicate",
			"skill", id,
			"winner_path", winner,
			"skipped_path", filePath,
		)
	}
	return ok
}

func readSkillFile(path string) ([]byte, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat skill file: %w", err)
	}
	if fi.Size() > maxSkillFileSize {
		return nil, fmt.Errorf("skill file too large: %d bytes (max %d)", fi.Size(), maxSkillFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill file: %w", err)
	}
	return data, nil
}

func summarizeFindings(res ScanResult) string {
	parts := make([]string, 0, len(res.Findings))
	for _, f := range res.Findings {
		parts = append(parts, f.Rule+"("+f.Severity.String()+"): "+f.Message)
	}
	return strings.Join(parts, "; ")
}

// Uninstall removes a skill and purges its memories. A purge failure is
// returned with Removed still true; the removal is not undone.
func (r *Registry) Uninstall(ctx context.Context, id string) (UninstallResult, error) {
	r.mu.Lock()
	_, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
		delete(r.keys, CanonicalSkillKey(id))
		for i, v := range r.order {
			if v == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return UninstallResult{}, nil
	}
	res := UninstallResult{Removed: true}
	r.bus.Publish(bus.TopicSkillUninstalled, bus.SkillEvent{SkillID: id})
	if r.purger == nil {
		return res, nil
	}
	n, err := r.purger.PurgeMemoriesBySkillID(ctx, id)
	if err != nil {
		r.log().Error("skill uninstalled but memory purge failed", "skill", id, "error", err)
		return res, fmt.Errorf("purge memories for skill %s: %w", id, err)
	}
	res.Purged = n
	r.log().Info("skill uninstalled", "skill", id, "purged_memories", n)
	return res, nil
}

// Enable marks an installed skill runnable. It never rescans.
func (r *Registry) Enable(id string) bool {
	return r.setEnabled(id, true)
}

// Disable keeps the skill installed but hides it from ListEnabled.
func (r *Registry) Disable(id string) bool {
	return r.setEnabled(id, false)
}

func (r *Registry) setEnabled(id string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.enabled = enabled
	return true
}

// Get returns the manifest installed under id.
func (r *Registry) Get(id string) (Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Manifest{}, false
	}
	return e.manifest, true
}

// Enabled reports whether id is installed and enabled.
func (r *Registry) Enabled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return ok && e.enabled
}

// List returns every installed manifest in admission order.
func (r *Registry) List() []Manifest {
	return r.list(false)
}

// ListEnabled returns the enabled manifests in admission order.
func (r *Registry) ListEnabled() []Manifest {
	return r.list(true)
}

func (r *Registry) list(enabledOnly bool) []Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Manifest, 0, len(r.order))
	for _, id := range r.order {
		e := r.entries[id]
		if enabledOnly && !e.enabled {
			continue
		}
		out = append(out, e.manifest)
	}
	return out
}

// Size returns the number of installed skills.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// ScanResult returns the stored scan for id. It is nil when the skill was
// admitted without scanning or is not installed.
func (r *Registry) ScanResult(id string) *ScanResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	return e.scan
}

func (r *Registry) log() *slog.Logger {
	if r != nil && r.logger != nil {
		return r.logger
	}
	return slog.Default()
}
