// Package cron provides the poller that claims due tasks from the store and
// hands each one to the runner on a bounded pool of workers.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/clawtask/internal/bus"
	"github.com/basket/clawtask/internal/otel"
	"github.com/basket/clawtask/internal/persistence"
	"github.com/basket/clawtask/internal/runner"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Store is the part of the task store the poller uses.
type Store interface {
	Claim(ctx context.Context, now time.Time) (*persistence.Task, error)
	SumSpend(ctx context.Context, period persistence.SpendPeriod, now time.Time) (float64, error)
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Executor runs one claimed task. *runner.Runner satisfies it.
type Executor interface {
	Run(ctx context.Context, task *persistence.Task) runner.Result
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Store    Store
	Runner   Executor
	Logger   *slog.Logger
	Metrics  *otel.Metrics
	Bus      *bus.Bus      // optional; task.created and task.rescheduled wake the loop early
	Interval time.Duration // tick interval; defaults to 1 second if zero
	// WorkerCount bounds concurrent runs; defaults to 4.
	WorkerCount int
	// Spend caps in USD. Zero disables a cap.
	DailyLimitUSD   float64
	MonthlyLimitUSD float64
	// StaleAfter is how long a row may sit in running before Start requeues
	// it. Zero uses DefaultStaleAfter; rows claimed more recently belong to a
	// run that may still be live in another process.
	StaleAfter time.Duration
	Now        func() time.Time
}

// DefaultStaleAfter is the startup recovery window when Config.StaleAfter is
// unset. It outlasts the default agent turn timeout.
const DefaultStaleAfter = 11 * time.Minute

// Scheduler periodically claims due tasks and runs them.
type Scheduler struct {
	store       Store
	runner      Executor
	logger      *slog.Logger
	metrics     *otel.Metrics
	bus         *bus.Bus
	interval    time.Duration
	dailyLimit  float64
	monthLimit  float64
	staleAfter  time.Duration
	workerCount int
	now         func() time.Time

	slots chan struct{}
	wake  chan struct{}

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	workers sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Scheduler{
		store:       cfg.Store,
		runner:      cfg.Runner,
		logger:      logger,
		metrics:     cfg.Metrics,
		bus:         cfg.Bus,
		interval:    interval,
		dailyLimit:  cfg.DailyLimitUSD,
		monthLimit:  cfg.MonthlyLimitUSD,
		staleAfter:  staleAfter,
		workerCount: workers,
		now:         now,
		slots:       make(chan struct{}, workers),
		wake:        make(chan struct{}, 1),
	}
}

// Start requeues stale runs and begins the scheduler loop in a background
// goroutine. It respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	if n, err := s.store.RequeueStale(ctx, s.staleAfter); err != nil {
		s.logger.Error("cron: failed to requeue stale tasks", "error", err)
	} else if n > 0 {
		s.logger.Warn("cron: requeued tasks left running by a previous process", "count", n)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	var sub *bus.Subscription
	if s.bus != nil {
		sub = s.bus.Subscribe(bus.TopicTaskCreated, bus.TopicTaskRescheduled)
	}
	s.wg.Add(1)
	go s.loop(ctx, sub)
	s.logger.Info("cron scheduler started", "interval", s.interval, "workers", s.workerCount)
}

// Stop cancels the scheduler loop and waits for it and every in-flight run to
// exit. Interrupted runs stay running in the store until the next Start.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.workers.Wait()
	s.logger.Info("cron scheduler stopped")
}

// loop ticks at the configured interval and whenever a wake signal arrives.
func (s *Scheduler) loop(ctx context.Context, sub *bus.Subscription) {
	defer s.wg.Done()
	if sub != nil {
		defer s.bus.Unsubscribe(sub)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var events <-chan bus.Event
	if sub != nil {
		events = sub.Ch()
	}

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		case <-s.wake:
			s.tick(ctx)
		case <-events:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// tick claims until nothing is due or every worker slot is taken.
func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if s.spendCapped(ctx) {
		return
	}
	for {
		select {
		case s.slots <- struct{}{}:
		default:
			return
		}
		task, err := s.store.Claim(ctx, s.now())
		if err != nil {
			<-s.slots
			if ctx.Err() == nil {
				s.logger.Error("cron: failed to claim task", "error", err)
			}
			return
		}
		if task == nil {
			<-s.slots
			return
		}
		if s.metrics != nil {
			s.metrics.TasksClaimed.Add(ctx, 1)
		}
		s.logger.Info("cron: task claimed",
			"task_id", task.ID,
			"task_name", task.Definition.Name,
			"priority", task.Priority,
			"retry_count", task.RetryCount,
		)
		s.workers.Add(1)
		go s.run(ctx, task)
	}
}

func (s *Scheduler) run(ctx context.Context, task *persistence.Task) {
	defer s.workers.Done()
	defer func() {
		<-s.slots
		s.signal()
	}()
	res := s.runner.Run(ctx, task)
	s.logger.Debug("cron: run finished", "task_id", task.ID, "outcome", res.Outcome)
}

// spendCapped reports whether the day or month spend cap has been reached.
// A failed spend query does not stop claiming.
func (s *Scheduler) spendCapped(ctx context.Context) bool {
	now := s.now()
	check := func(period persistence.SpendPeriod, limit float64) bool {
		if limit <= 0 {
			return false
		}
		spent, err := s.store.SumSpend(ctx, period, now)
		if err != nil {
			s.logger.Error("cron: spend query failed", "period", period, "error", err)
			return false
		}
		if spent < limit {
			return false
		}
		s.logger.Warn("cron: spend cap reached; not claiming",
			"period", period,
			"spent_usd", spent,
			"limit_usd", limit,
		)
		if s.metrics != nil {
			s.metrics.SpendCapSkips.Add(ctx, 1, metric.WithAttributes(attribute.String("clawtask.spend.period", string(period))))
		}
		return true
	}
	return check(persistence.SpendDay, s.dailyLimit) || check(persistence.SpendMonth, s.monthLimit)
}
