package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nidhogg/stagehand/internal/events"
)

func TestMetricsFromEvents(t *testing.T) {
	m, err := NewMetrics()
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.Emit(events.Event{Type: events.TypeRunStarted})
	m.Emit(events.Event{Type: events.TypeResult, Meta: map[string]interface{}{"mode": "action", "status": "success", "duration_ms": int64(250)}})
	m.Emit(events.Event{Type: events.TypeState, Meta: map[string]interface{}{"from": "action", "to": "review"}})
	m.Emit(events.Event{Type: events.TypeTool, Meta: map[string]interface{}{"tool": "createElement", "status": "success"}})
	m.Emit(events.Event{Type: events.TypeRunFinished, Meta: map[string]interface{}{"final_state": "complete"}})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		"stagehand_runs_started_total",
		`stagehand_state_transitions_total{from="action"`,
		`tool="createElement"`,
		"stagehand_step_duration_seconds_bucket",
		`final_state="complete"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
