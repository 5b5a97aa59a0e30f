package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	instruments := map[string]any{
		"TurnDuration":     m.TurnDuration,
		"TurnsTotal":       m.TurnsTotal,
		"TurnCost":         m.TurnCost,
		"TokensUsed":       m.TokensUsed,
		"ToolCallDuration": m.ToolCallDuration,
		"ToolCallErrors":   m.ToolCallErrors,
		"QueueDepth":       m.QueueDepth,
		"InterruptTimeout": m.InterruptTimeout,
		"ActiveSessions":   m.ActiveSessions,
		"RateLimitRejects": m.RateLimitRejects,
	}
	for name, inst := range instruments {
		if inst == nil {
			t.Errorf("%s is nil", name)
		}
	}

	ctx := context.Background()
	m.TurnsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("state", "completed")))
	m.QueueDepth.Add(ctx, 1)
	m.QueueDepth.Add(ctx, -1)
}

func TestNewMetrics_DisabledProvider(t *testing.T) {
	m, err := NewMetrics(Disabled().Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
