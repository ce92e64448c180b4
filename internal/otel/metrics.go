package otel

import (
	"errors"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the clawtask instruments. Every field is non-nil after
// NewMetrics succeeds.
type Metrics struct {
	TasksClaimed metric.Int64Counter
	// TaskOutcomes is labeled outcome=completed|failed|dead_letter|cancelled.
	TaskOutcomes  metric.Int64Counter
	TaskDuration  metric.Float64Histogram
	TokensUsed    metric.Int64Counter
	CostUSD       metric.Float64Counter
	SkillScans    metric.Int64Counter
	ToolDenials   metric.Int64Counter
	ActiveWorkers metric.Int64UpDownCounter
	SpendCapSkips metric.Int64Counter
}

const metricPrefix = "clawtask."

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var errs []error
	counter := func(name, desc string, opts ...metric.Int64CounterOption) metric.Int64Counter {
		c, err := meter.Int64Counter(metricPrefix+name, append(opts, metric.WithDescription(desc))...)
		errs = append(errs, err)
		return c
	}

	m := &Metrics{
		TasksClaimed:  counter("task.claimed", "Tasks claimed by the poller"),
		TaskOutcomes:  counter("task.outcomes", "Task runs by terminal outcome"),
		TokensUsed:    counter("task.tokens", "Tokens consumed by task runs", metric.WithUnit("{token}")),
		SkillScans:    counter("skill.scans", "Skill security scans by severity"),
		ToolDenials:   counter("tool.denials", "Tool calls refused by the effective scope"),
		SpendCapSkips: counter("spend.cap_skips", "Poller ticks skipped because a spend cap was reached"),
	}

	var err error
	m.TaskDuration, err = meter.Float64Histogram(metricPrefix+"task.duration",
		metric.WithDescription("Task run duration"), metric.WithUnit("s"))
	errs = append(errs, err)
	m.CostUSD, err = meter.Float64Counter(metricPrefix+"task.cost_usd",
		metric.WithDescription("Estimated spend of task runs"), metric.WithUnit("USD"))
	errs = append(errs, err)
	m.ActiveWorkers, err = meter.Int64UpDownCounter(metricPrefix+"worker.active",
		metric.WithDescription("Task runs in flight"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}
