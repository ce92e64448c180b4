package otel

import (
	"context"
	"slices"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewMetrics_RecordsUnderPrefixedNames(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(ctx)

	m, err := NewMetrics(mp.Meter(ScopeName))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.TasksClaimed.Add(ctx, 2)
	m.TaskOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "completed")))
	m.TaskDuration.Record(ctx, 1.5)
	m.TokensUsed.Add(ctx, 1200)
	m.CostUSD.Add(ctx, 0.02)
	m.SkillScans.Add(ctx, 1)
	m.ToolDenials.Add(ctx, 1)
	m.ActiveWorkers.Add(ctx, 1)
	m.SpendCapSkips.Add(ctx, 1)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var names []string
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			names = append(names, md.Name)
		}
	}
	for _, want := range []string{
		"clawtask.task.claimed", "clawtask.task.outcomes", "clawtask.task.duration",
		"clawtask.task.tokens", "clawtask.task.cost_usd", "clawtask.skill.scans",
		"clawtask.tool.denials", "clawtask.worker.active", "clawtask.spend.cap_skips",
	} {
		if !slices.Contains(names, want) {
			t.Errorf("metric %s not collected; got %v", want, names)
		}
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	m.TasksClaimed.Add(context.Background(), 1)
}
