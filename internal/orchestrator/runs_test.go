package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nidhogg/stagehand/internal/oracle"
	"github.com/nidhogg/stagehand/internal/workflow"
	"go.uber.org/zap"
)

func waitRun(t *testing.T, r *Run) (*RunReport, error) {
	t.Helper()
	select {
	case <-r.Done():
		return r.Result()
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for run")
		return nil, nil
	}
}

func TestRunsSubmitAndList(t *testing.T) {
	script := oracle.NewScript(
		oracle.Rule{Match: "Current state: review", Replies: []string{`{"next_state":"complete","reason":"ok"}`}},
		oracle.Rule{Match: "task planning expert", Replies: []string{redBoxPlan}},
		oracle.Rule{Match: "task execution expert", Replies: []string{redBoxAction}},
		oracle.Rule{Match: "quality inspector", Replies: []string{`{"passed":true}`}},
	)
	e, _ := newTestEngine(t, script)
	m := NewRuns(e, 1, zap.NewNop())
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	run, err := m.Submit("Create a red box")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	report, err := waitRun(t, run)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.FinalState != workflow.Complete {
		t.Errorf("final state = %s", report.FinalState)
	}
	if got, ok := m.Get(run.ID); !ok || got != run {
		t.Error("run not found by id")
	}
	if len(m.List()) != 1 {
		t.Errorf("list = %d", len(m.List()))
	}
	if run.Recorder.Len() == 0 {
		t.Error("recorder captured no events")
	}
}

func TestRunsTerminateAndShutdown(t *testing.T) {
	release := make(chan struct{})
	o := oracle.Func(func(ctx context.Context, _, _ string) (string, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return redBoxPlan, nil
	})
	e, _ := newTestEngine(t, o)
	m := NewRuns(e, 1, zap.NewNop())

	first, _ := m.Submit("one")
	second, _ := m.Submit("two")

	if err := m.Terminate("missing", "x"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("err = %v, want ErrRunNotFound", err)
	}
	if err := m.Terminate(second.ID, "not needed"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	close(release)

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	for _, r := range []*Run{first, second} {
		select {
		case <-r.Done():
		default:
			t.Fatalf("run %s not finished after shutdown", r.ID)
		}
	}
	if st := second.Supervisor.Status(); st.State != workflow.Terminated {
		t.Errorf("second run state = %s", st.State)
	}
	if _, err := m.Submit("three"); !errors.Is(err, ErrShutdown) {
		t.Errorf("err = %v, want ErrShutdown", err)
	}
}
