package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the session orchestrator's instruments.
type Metrics struct {
	TurnDuration     metric.Float64Histogram
	TurnsTotal       metric.Int64Counter // attribute analyst.turn.state
	TurnCost         metric.Float64Counter
	TokensUsed       metric.Int64Counter
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	QueueDepth       metric.Int64UpDownCounter
	InterruptTimeout metric.Int64Counter
	ActiveSessions   metric.Int64UpDownCounter
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TurnDuration, err = meter.Float64Histogram("analyst.turn.duration",
		metric.WithDescription("Turn duration from submit to terminal event in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnsTotal, err = meter.Int64Counter("analyst.turns",
		metric.WithDescription("Turns by terminal state"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnCost, err = meter.Float64Counter("analyst.turn.cost",
		metric.WithDescription("Accumulated backend cost"),
		metric.WithUnit("USD"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("analyst.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("analyst.tool.duration",
		metric.WithDescription("Tool dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("analyst.tool.errors",
		metric.WithDescription("Tool dispatch error count"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("analyst.queue.depth",
		metric.WithDescription("Queries waiting behind an active turn"),
	)
	if err != nil {
		return nil, err
	}

	m.InterruptTimeout, err = meter.Int64Counter("analyst.interrupt.timeouts",
		metric.WithDescription("Interrupted turns ended locally after the grace period"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("analyst.sessions.active",
		metric.WithDescription("Open orchestrators"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("analyst.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
