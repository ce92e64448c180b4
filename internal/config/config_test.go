package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/clawtask/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromClawtaskHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	writeConfig(t, filepath.Join(home, ".clawtask"), "worker_count: 3\npoll_interval_ms: 250\n")
	t.Setenv("HOME", home)
	t.Setenv("CLAWTASK_HOME", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.WorkerCount != 3 {
		t.Fatalf("expected worker_count=3 got %d", cfg.WorkerCount)
	}
	if cfg.PollInterval() != 250*time.Millisecond {
		t.Fatalf("expected 250ms poll interval, got %s", cfg.PollInterval())
	}
	if cfg.HomeDir != filepath.Join(home, ".clawtask") {
		t.Fatalf("unexpected home dir %q", cfg.HomeDir)
	}
}

func TestLoad_HomeOverride(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CLAWTASK_HOME", home)
	writeConfig(t, home, "log_level: DEBUG\n")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("expected CLAWTASK_HOME to win, got %q", cfg.HomeDir)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected normalized log level, got %q", cfg.LogLevel)
	}
}

func TestLoad_NeedsInitWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fresh")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsInit {
		t.Fatal("expected NeedsInit with no config.yaml")
	}
	if _, err := os.Stat(home); err != nil {
		t.Fatalf("expected home dir to be created: %v", err)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "worker_count: 0\npoll_interval_ms: -5\n")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.WorkerCount != 4 {
		t.Fatalf("expected default workers 4, got %d", cfg.WorkerCount)
	}
	if cfg.PollIntervalMs != 1000 {
		t.Fatalf("expected default poll interval, got %d", cfg.PollIntervalMs)
	}
	if cfg.DefaultMaxRetries != 3 {
		t.Fatalf("expected default max retries 3, got %d", cfg.DefaultMaxRetries)
	}
	if cfg.Database.Driver != config.DriverSQLite {
		t.Fatalf("expected sqlite driver, got %q", cfg.Database.Driver)
	}
	if cfg.DBPath() != filepath.Join(home, "clawtask.db") {
		t.Fatalf("unexpected db path %q", cfg.DBPath())
	}
	if cfg.ResolvedPolicyPath() != filepath.Join(home, "policy.yaml") {
		t.Fatalf("unexpected policy path %q", cfg.ResolvedPolicyPath())
	}
	if cfg.Heartbeat.IntervalMinutes != 30 {
		t.Fatalf("expected heartbeat interval 30, got %d", cfg.Heartbeat.IntervalMinutes)
	}
	if cfg.AgentTurnTimeout() != 10*time.Minute {
		t.Fatalf("expected 10m turn timeout, got %s", cfg.AgentTurnTimeout())
	}
	if cfg.StaleAfter() != 11*time.Minute {
		t.Fatalf("expected 11m stale window, got %s", cfg.StaleAfter())
	}
}

func TestLoad_StaleWindowOutlastsTurnTimeout(t *testing.T) {
	cases := map[string]struct {
		body string
		want time.Duration
	}{
		"zero":         {body: "stale_after_seconds: 0\n", want: 11 * time.Minute},
		"negative":     {body: "stale_after_seconds: -5\n", want: 11 * time.Minute},
		"below turn":   {body: "stale_after_seconds: 30\nagent_turn:\n  timeout_seconds: 120\n", want: 3 * time.Minute},
		"above floor":  {body: "stale_after_seconds: 3600\n", want: time.Hour},
		"empty file":   {body: "", want: 11 * time.Minute},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			home := t.TempDir()
			t.Setenv("CLAWTASK_HOME", home)
			writeConfig(t, home, tc.body)
			cfg, err := config.Load()
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if cfg.StaleAfter() != tc.want {
				t.Fatalf("StaleAfter = %s, want %s", cfg.StaleAfter(), tc.want)
			}
		})
	}
}

func TestLoad_StaleWindowEnvZeroKeepsFloor(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CLAWTASK_HOME", home)
	t.Setenv("CLAWTASK_STALE_AFTER_SECONDS", "0")
	writeConfig(t, home, "stale_after_seconds: 900\n")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StaleAfter() != 11*time.Minute {
		t.Fatalf("StaleAfter = %s, want the turn-timeout floor", cfg.StaleAfter())
	}
}

func TestLoad_NestedSections(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `
spend:
  daily_limit_usd: 2.5
  monthly_limit_usd: 40
skills:
  dirs: [extra, /opt/skills]
  auto_scan: false
  watch: true
heartbeat:
  enabled: true
  interval_minutes: 15
agent_turn:
  url: http://127.0.0.1:9000/turn
  model: gpt-4o-mini
notify:
  sendgrid_api_key: SG.test
  from_address: bot@example.com
  to_address: me@example.com
`)

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Spend.DailyLimitUSD != 2.5 || cfg.Spend.MonthlyLimitUSD != 40 {
		t.Fatalf("unexpected spend limits: %+v", cfg.Spend)
	}
	if cfg.Skills.AutoScan == nil || *cfg.Skills.AutoScan {
		t.Fatal("expected auto_scan=false to be preserved")
	}
	dirs := cfg.SkillDirs()
	want := []string{filepath.Join(home, "skills"), filepath.Join(home, "extra"), "/opt/skills"}
	if strings.Join(dirs, ",") != strings.Join(want, ",") {
		t.Fatalf("skill dirs = %v, want %v", dirs, want)
	}
	if !cfg.Heartbeat.Enabled || cfg.Heartbeat.IntervalMinutes != 15 {
		t.Fatalf("unexpected heartbeat: %+v", cfg.Heartbeat)
	}
	if cfg.AgentTurn.Model != "gpt-4o-mini" {
		t.Fatalf("unexpected model %q", cfg.AgentTurn.Model)
	}
	if !cfg.Notify.Enabled() {
		t.Fatal("expected notify to be enabled")
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "worker_count: 2\nspend:\n  daily_limit_usd: 1\n")
	t.Setenv("CLAWTASK_WORKER_COUNT", "9")
	t.Setenv("CLAWTASK_DAILY_LIMIT_USD", "7.5")
	t.Setenv("CLAWTASK_LOG_LEVEL", "warn")
	t.Setenv("SENDGRID_API_KEY", "SG.env")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.WorkerCount != 9 {
		t.Fatalf("expected env worker count 9, got %d", cfg.WorkerCount)
	}
	if cfg.Spend.DailyLimitUSD != 7.5 {
		t.Fatalf("expected env daily limit, got %g", cfg.Spend.DailyLimitUSD)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected env log level, got %q", cfg.LogLevel)
	}
	if cfg.Notify.SendGridAPIKey != "SG.env" {
		t.Fatalf("expected SENDGRID_API_KEY override, got %q", cfg.Notify.SendGridAPIKey)
	}
}

func TestLoad_DatabaseURLEnvSelectsPostgres(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CLAWTASK_DATABASE_URL", "postgres://u:p@localhost/clawtask")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Database.Driver != config.DriverPostgres {
		t.Fatalf("expected postgres driver, got %q", cfg.Database.Driver)
	}
}

func TestLoad_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"postgres without url", "database:\n  driver: postgres\n", "database.url"},
		{"unknown driver", "database:\n  driver: mysql\n", "unknown database.driver"},
		{"unknown exporter", "telemetry:\n  exporter: zipkin\n", "telemetry.exporter"},
		{"bad yaml", "worker_count: [\n", "parse config.yaml"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			home := t.TempDir()
			writeConfig(t, home, tc.body)
			_, err := config.LoadFrom(home)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestFingerprint_ChangesWithSettings(t *testing.T) {
	home := t.TempDir()
	a, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a
	b.WorkerCount++
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("expected fingerprint to change with worker count")
	}
	c := a
	c.Notify.SendGridAPIKey = "SG.other"
	if a.Fingerprint() != c.Fingerprint() {
		t.Fatal("secrets must not affect the fingerprint")
	}
}

func TestWriteDefault_OnlyOnce(t *testing.T) {
	home := t.TempDir()
	wrote, err := config.WriteDefault(home)
	if err != nil || !wrote {
		t.Fatalf("first write: wrote=%v err=%v", wrote, err)
	}
	wrote, err = config.WriteDefault(home)
	if err != nil || wrote {
		t.Fatalf("second write should be a no-op: wrote=%v err=%v", wrote, err)
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("starter config should load: %v", err)
	}
	if cfg.NeedsInit {
		t.Fatal("NeedsInit should be false once config.yaml exists")
	}
}
