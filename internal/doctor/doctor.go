// Package doctor runs the preflight checks behind `clawtask doctor`.
package doctor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/clawtask/internal/config"
	"github.com/basket/clawtask/internal/persistence"
	"github.com/basket/clawtask/internal/policy"
	"github.com/basket/clawtask/internal/safety"
	"github.com/basket/clawtask/internal/skills"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed outright.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Store is the slice of the task store the database check touches.
type Store interface {
	TaskCounts(ctx context.Context) (map[persistence.TaskStatus]int, error)
	Close() error
}

// StoreOpener opens whichever backend cfg selects.
type StoreOpener func(ctx context.Context, cfg config.Config) (Store, error)

// Run executes all diagnostic checks. open may be nil, which skips the
// database check.
func Run(ctx context.Context, cfg *config.Config, version string, open StoreOpener) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		func(ctx context.Context, cfg *config.Config) CheckResult { return checkDatabase(ctx, cfg, open) },
		checkPermissions,
		checkPolicy,
		checkSkills,
		checkAgentTurn,
		checkNotify,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing; defaults in use", Detail: "Run `clawtask init` to write a starter file"}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)), Detail: "fingerprint=" + cfg.Fingerprint()}
}

func checkDatabase(ctx context.Context, cfg *config.Config, open StoreOpener) CheckResult {
	if cfg == nil || open == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "No store to check"}
	}
	store, err := open(ctx, *cfg)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	counts, err := store.TaskCounts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	res := CheckResult{Name: "Database", Status: StatusPass, Message: fmt.Sprintf("%s store reachable, %d tasks", cfg.Database.Driver, total)}
	if n := counts[persistence.TaskStatusDeadLetter]; n > 0 {
		res.Status = StatusWarn
		res.Detail = fmt.Sprintf("%d dead-lettered task(s) need a manual retry", n)
	}
	return res
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy", Status: StatusSkip, Message: "Config missing"}
	}
	path := cfg.ResolvedPolicyPath()
	p, err := policy.Load(path)
	if err != nil {
		return CheckResult{Name: "Policy", Status: StatusFail, Message: err.Error(), Detail: path}
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return CheckResult{Name: "Policy", Status: StatusWarn, Message: "No policy file; tools are limited only by task and skill scopes", Detail: path}
	}
	return CheckResult{
		Name:    "Policy",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d allow, %d deny patterns", len(p.AllowTools), len(p.DenyTools)),
		Detail:  "policy_version=" + p.PolicyVersion(),
	}
}

func checkSkills(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Skills", Status: StatusSkip, Message: "Config missing"}
	}
	var rejected []string
	reg := skills.NewRegistry(skills.Options{
		Scanner:  skills.NewScanner(safety.NewDetector()),
		AutoScan: cfg.Skills.AutoScan,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnScan: func(m skills.Manifest, res skills.ScanResult) {
			if !res.Passed {
				rejected = append(rejected, m.ID)
			}
		},
	})
	admitted := reg.LoadFromPaths(ctx, cfg.SkillDirs())
	res := CheckResult{
		Name:    "Skills",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d admitted from %d dirs", len(admitted), len(cfg.SkillDirs())),
	}
	if len(rejected) > 0 {
		res.Status = StatusWarn
		res.Detail = "rejected by scan: " + strings.Join(rejected, ", ")
	}
	return res
}

func checkAgentTurn(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Agent Turn", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.AgentTurn.URL == "" {
		return CheckResult{Name: "Agent Turn", Status: StatusFail, Message: "agent_turn.url not set; every run will fail", Detail: "Set agent_turn.url or CLAWTASK_AGENT_TURN_URL"}
	}
	u, err := url.Parse(cfg.AgentTurn.URL)
	if err != nil || u.Hostname() == "" {
		return CheckResult{Name: "Agent Turn", Status: StatusFail, Message: fmt.Sprintf("agent_turn.url is not a valid URL: %q", cfg.AgentTurn.URL)}
	}
	host := u.Hostname()
	if net.ParseIP(host) != nil {
		return CheckResult{Name: "Agent Turn", Status: StatusPass, Message: fmt.Sprintf("Endpoint %s (literal address)", u.Host)}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Agent Turn",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Agent Turn",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("addresses=%v", addrs),
	}
}

func checkNotify(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Notify", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Notify.Enabled() {
		return CheckResult{Name: "Notify", Status: StatusPass, Message: "SendGrid delivery to " + cfg.Notify.ToAddress}
	}
	if cfg.Notify.SendGridAPIKey != "" {
		return CheckResult{Name: "Notify", Status: StatusWarn, Message: "SendGrid key set but from/to address missing; notify results go to the log"}
	}
	return CheckResult{Name: "Notify", Status: StatusPass, Message: "No e-mail configured; notify results go to the log"}
}
