package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/clawtask/internal/audit"
	"github.com/basket/clawtask/internal/bus"
	"github.com/basket/clawtask/internal/config"
	"github.com/basket/clawtask/internal/cron"
	"github.com/basket/clawtask/internal/heartbeat"
	"github.com/basket/clawtask/internal/notify"
	otelPkg "github.com/basket/clawtask/internal/otel"
	"github.com/basket/clawtask/internal/policy"
	"github.com/basket/clawtask/internal/runner"
	"github.com/basket/clawtask/internal/safety"
	"github.com/basket/clawtask/internal/skills"
	"github.com/basket/clawtask/internal/telemetry"
)

const retentionInterval = 24 * time.Hour

const defaultHeartbeatChecklist = `# Heartbeat Checklist

The system runs this checklist periodically.

- [ ] Check for any high-priority tasks that are stuck.
- [ ] Review recent logs for errors.
- [ ] Ensure disk space is sufficient.
`

// liveSkills lets the skills watcher swap in a freshly loaded registry while
// the runner keeps reading through the same value.
type liveSkills struct {
	cur atomic.Pointer[skills.Registry]
}

func (l *liveSkills) Get(id string) (skills.Manifest, bool) {
	return l.cur.Load().Get(id)
}

func (l *liveSkills) Enabled(id string) bool {
	return l.cur.Load().Enabled(id)
}

// loadSkills builds a registry from the configured directories and applies
// the disabled list.
func loadSkills(ctx context.Context, cfg config.Config, purger skills.MemoryPurger, eventBus *bus.Bus, metrics *otelPkg.Metrics, logger *slog.Logger) *skills.Registry {
	opts := skills.Options{
		Scanner:  skills.NewScanner(safety.NewDetector()),
		AutoScan: cfg.Skills.AutoScan,
		Purger:   purger,
		Logger:   logger,
		Bus:      eventBus,
	}
	if metrics != nil {
		opts.OnScan = func(m skills.Manifest, res skills.ScanResult) {
			metrics.SkillScans.Add(ctx, 1, metric.WithAttributes(
				otelPkg.AttrSkillID.String(m.ID),
				otelPkg.AttrSeverity.String(res.Severity.String()),
			))
		}
	}
	reg := skills.NewRegistry(opts)
	admitted := reg.LoadFromPaths(ctx, cfg.SkillDirs())
	for _, id := range cfg.Skills.Disabled {
		if reg.Disable(id) {
			logger.Info("skill disabled by config", "skill_id", id)
		}
	}
	logger.Info("skills loaded", "admitted", len(admitted), "dirs", len(cfg.SkillDirs()))
	return reg
}

func runDaemon(ctx context.Context, quiet bool) int {
	cfg, err := config.Load()
	if err != nil {
		return fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit first so logger failures are still recorded.
	if err := audit.Init(cfg.HomeDir); err != nil {
		return fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint(), "version", Version)
	if cfg.NeedsInit {
		if _, err := config.WriteDefault(cfg.HomeDir); err != nil {
			logger.Warn("could not write starter config.yaml", "error", err)
		} else {
			logger.Info("starter config.yaml written", "home", cfg.HomeDir)
		}
	}

	cfg.Telemetry.ServiceVersion = Version
	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	eventBus := bus.New()

	store, err := storeOpener(ctx, cfg, eventBus)
	if err != nil {
		return fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetSink(store)
	logger.Info("startup phase", "phase", "schema_migrated", "driver", cfg.Database.Driver)

	policyPath := cfg.ResolvedPolicyPath()
	polData, err := policy.Load(policyPath)
	if err != nil {
		return fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	pol := policy.NewLivePolicy(polData)
	logger.Info("startup phase", "phase", "policy_loaded", "policy_version", pol.PolicyVersion())

	for _, dir := range []string{filepath.Join(cfg.HomeDir, "skills"), filepath.Join(cfg.HomeDir, "workspace")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fatalStartup(logger, "E_HOME_LAYOUT", err)
		}
	}

	var skillSet liveSkills
	skillSet.cur.Store(loadSkills(ctx, cfg, store, eventBus, metrics, logger))

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	var bg sync.WaitGroup

	if cfg.Skills.Watch {
		sw := skills.NewWatcher(cfg.SkillDirs(), logger)
		if err := sw.Start(runCtx); err != nil {
			logger.Warn("skills watcher unavailable", "error", err)
		} else {
			bg.Add(1)
			go func() {
				defer bg.Done()
				for path := range sw.Events() {
					logger.Info("skill file changed; reloading", "path", path)
					skillSet.cur.Store(loadSkills(runCtx, cfg, store, eventBus, metrics, logger))
					eventBus.Publish(bus.TopicSkillsReloaded, bus.SkillEvent{Path: path})
				}
			}()
		}
	}

	cw := config.NewWatcher(cfg.HomeDir, logger, policyPath)
	if err := cw.Start(runCtx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		bg.Add(1)
		go func() {
			defer bg.Done()
			for path := range cw.Events() {
				if filepath.Clean(path) != filepath.Clean(policyPath) {
					logger.Info("config.yaml changed; restart the daemon to apply", "path", path)
					continue
				}
				if err := policy.ReloadFromFile(pol, policyPath); err != nil {
					logger.Error("policy reload rejected; keeping previous policy", "error", err)
					continue
				}
				logger.Info("policy reloaded", "policy_version", pol.PolicyVersion())
			}
		}()
	}

	var turn runner.AgentTurn
	if cfg.AgentTurn.URL != "" {
		turn = runner.NewHTTPTurn(cfg.AgentTurn.URL, cfg.AgentTurn.Token, cfg.AgentTurnTimeout())
	} else {
		logger.Warn("agent_turn.url is not set; every run will fail until it is configured")
		turn = unconfiguredTurn{}
	}

	run := runner.New(runner.Config{
		Store:    store,
		Skills:   &skillSet,
		Turn:     turn,
		Policy:   pol,
		Notifier: notify.New(cfg.Notify, logger),
		Memories: store,
		Metrics:  metrics,
		Tracer:   otelProvider.Tracer,
		Logger:   logger,
		Model:    cfg.AgentTurn.Model,
	})

	if cfg.Heartbeat.Enabled {
		checklist := heartbeat.ChecklistPath(cfg.HomeDir)
		if _, err := os.Stat(checklist); os.IsNotExist(err) {
			if err := os.WriteFile(checklist, []byte(defaultHeartbeatChecklist), 0o644); err != nil {
				logger.Warn("failed to create default HEARTBEAT.md", "error", err)
			}
		}
		hb, err := heartbeat.Ensure(ctx, store, heartbeat.Options{
			IntervalMinutes: cfg.Heartbeat.IntervalMinutes,
			ChecklistPath:   checklist,
			Logger:          logger,
		})
		if err != nil {
			return fatalStartup(logger, "E_HEARTBEAT_ENSURE", err)
		}
		logger.Info("heartbeat task ready", "task_id", hb.ID, "interval_minutes", cfg.Heartbeat.IntervalMinutes)
		rec := heartbeat.NewRecorder(store, eventBus, heartbeat.ResultsPath(cfg.HomeDir), logger)
		rec.Start(runCtx)
		defer rec.Wait()
	}

	bg.Add(1)
	go func() {
		defer bg.Done()
		runRetentionLoop(runCtx, store, cfg.Retention, logger)
	}()

	sched := cron.NewScheduler(cron.Config{
		Store:           store,
		Runner:          run,
		Logger:          logger,
		Metrics:         metrics,
		Bus:             eventBus,
		Interval:        cfg.PollInterval(),
		WorkerCount:     cfg.WorkerCount,
		DailyLimitUSD:   cfg.Spend.DailyLimitUSD,
		MonthlyLimitUSD: cfg.Spend.MonthlyLimitUSD,
		StaleAfter:      cfg.StaleAfter(),
	})
	sched.Start(runCtx)
	logger.Info("startup phase", "phase", "ready", "workers", cfg.WorkerCount)

	<-ctx.Done()
	logger.Info("shutdown requested")
	cancelRun()

	drained := make(chan struct{})
	go func() {
		sched.Stop()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(cfg.DrainTimeout()):
		logger.Warn("drain timeout reached; in-flight runs will be requeued on next start",
			"timeout", cfg.DrainTimeout())
	}
	bg.Wait()
	logger.Info("shutdown complete")
	return 0
}

func runRetentionLoop(ctx context.Context, store taskStore, rc config.RetentionConfig, logger *slog.Logger) {
	if rc.RunsDays <= 0 && rc.AuditLogDays <= 0 {
		return
	}
	purge := func() {
		res, err := store.RunRetention(ctx, rc.RunsDays, rc.AuditLogDays)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("retention purge failed", "error", err)
			}
			return
		}
		if res.PurgedRuns > 0 || res.PurgedAuditLogs > 0 {
			logger.Info("retention purge", "runs", res.PurgedRuns, "audit_logs", res.PurgedAuditLogs)
		}
	}
	purge()
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purge()
		}
	}
}

// unconfiguredTurn fails every turn with a clear message.
type unconfiguredTurn struct{}

func (unconfiguredTurn) RunTurn(context.Context, runner.TurnRequest) (runner.TurnResult, error) {
	return runner.TurnResult{}, fmt.Errorf("agent_turn.url is not configured")
}
