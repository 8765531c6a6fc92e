// Package telemetry turns run events into Prometheus metrics.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/nidhogg/stagehand/internal/events"
)

// Metrics is an events.Sink that counts runs, state transitions and tool
// calls, and records step durations.
type Metrics struct {
	registry *promclient.Registry
	provider *sdkmetric.MeterProvider

	runsStarted  metric.Int64Counter
	runsFinished metric.Int64Counter
	transitions  metric.Int64Counter
	toolCalls    metric.Int64Counter
	stepErrors   metric.Int64Counter
	stepDuration metric.Float64Histogram
}

// NewMetrics creates the meter and its Prometheus exporter on a private
// registry.
func NewMetrics() (*Metrics, error) {
	reg := promclient.NewRegistry()
	exp, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp))
	meter := provider.Meter("stagehand")

	m := &Metrics{registry: reg, provider: provider}

	if m.runsStarted, err = meter.Int64Counter("stagehand_runs_started_total",
		metric.WithDescription("Total runs started")); err != nil {
		return nil, fmt.Errorf("failed to create runs started counter: %w", err)
	}
	if m.runsFinished, err = meter.Int64Counter("stagehand_runs_finished_total",
		metric.WithDescription("Total runs finished, by final state")); err != nil {
		return nil, fmt.Errorf("failed to create runs finished counter: %w", err)
	}
	if m.transitions, err = meter.Int64Counter("stagehand_state_transitions_total",
		metric.WithDescription("Total workflow state transitions")); err != nil {
		return nil, fmt.Errorf("failed to create transitions counter: %w", err)
	}
	if m.toolCalls, err = meter.Int64Counter("stagehand_tool_calls_total",
		metric.WithDescription("Total tool calls, by tool and status")); err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}
	if m.stepErrors, err = meter.Int64Counter("stagehand_step_errors_total",
		metric.WithDescription("Total failed agent steps")); err != nil {
		return nil, fmt.Errorf("failed to create step errors counter: %w", err)
	}
	if m.stepDuration, err = meter.Float64Histogram("stagehand_step_duration_seconds",
		metric.WithDescription("Agent step duration in seconds")); err != nil {
		return nil, fmt.Errorf("failed to create step duration histogram: %w", err)
	}
	return m, nil
}

// Emit implements events.Sink.
func (m *Metrics) Emit(e events.Event) {
	ctx := context.Background()
	switch e.Type {
	case events.TypeRunStarted:
		m.runsStarted.Add(ctx, 1)
	case events.TypeRunFinished:
		m.runsFinished.Add(ctx, 1, metric.WithAttributes(
			attribute.String("final_state", metaString(e, "final_state")),
			attribute.Bool("failed", metaString(e, "error") != "")))
	case events.TypeState:
		if to := metaString(e, "to"); to != "" {
			m.transitions.Add(ctx, 1, metric.WithAttributes(
				attribute.String("from", metaString(e, "from")),
				attribute.String("to", to)))
		}
	case events.TypeTool:
		m.toolCalls.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", metaString(e, "tool")),
			attribute.String("status", metaString(e, "status"))))
	case events.TypeError:
		m.stepErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("state", metaString(e, "state"))))
	case events.TypeResult:
		if ms, ok := metaNumber(e, "duration_ms"); ok {
			m.stepDuration.Record(ctx, ms/1000, metric.WithAttributes(
				attribute.String("mode", metaString(e, "mode")),
				attribute.String("status", metaString(e, "status"))))
		}
	}
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

func metaString(e events.Event, key string) string {
	v, _ := e.Meta[key].(string)
	return v
}

func metaNumber(e events.Event, key string) (float64, bool) {
	switch v := e.Meta[key].(type) {
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}
