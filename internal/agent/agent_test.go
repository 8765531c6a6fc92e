package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nidhogg/stagehand/internal/events"
	"github.com/nidhogg/stagehand/internal/oracle"
	"github.com/nidhogg/stagehand/internal/tool"
	"github.com/nidhogg/stagehand/internal/workflow"
	"go.uber.org/zap"
)

type fakeExecutor struct {
	calls  []string
	caller string
	params map[string]interface{}
	result tool.ExecutionResult
}

func (f *fakeExecutor) ExecuteTool(_ context.Context, id string, params map[string]interface{}, caller string, _ ...tool.CallOption) tool.ExecutionResult {
	f.calls = append(f.calls, id)
	f.caller = caller
	f.params = params
	return f.result
}

type staticSurface string

func (s staticSurface) Snapshot() string { return string(s) }

func constant(text string) oracle.Oracle {
	return oracle.Func(func(context.Context, string, string) (string, error) { return text, nil })
}

func TestPlanningLinksSteps(t *testing.T) {
	a := New(workflow.Planning, Deps{
		Oracle: constant("```json\n{\"steps\":[{\"action\":\"create box\"},{\"action\":\"color it red\",\"selector\":\"#box\"}]}\n```"),
	}, zap.NewNop())

	resp, err := a.ExecuteTask(context.Background(), Brief{TaskID: "t1", Goal: "create a red box"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Result.Status != StatusSuccess || resp.TaskID != "t1" || resp.AgentID != a.ID {
		t.Fatalf("response = %+v", resp)
	}
	plan := resp.Result.Data.(PlanData)
	if len(plan.Steps) != 2 {
		t.Fatalf("steps = %+v", plan.Steps)
	}
	if len(plan.Steps[0].DependsOn) != 0 {
		t.Errorf("first step depends on %v", plan.Steps[0].DependsOn)
	}
	if len(plan.Steps[1].DependsOn) != 1 || plan.Steps[1].DependsOn[0] != plan.Steps[0].ID {
		t.Errorf("second step depends on %v, want %s", plan.Steps[1].DependsOn, plan.Steps[0].ID)
	}
	if plan.Steps[1].Selector != "#box" {
		t.Errorf("selector = %q", plan.Steps[1].Selector)
	}
}

func TestPlanningPlainTextIsOneStep(t *testing.T) {
	a := New(workflow.Planning, Deps{Oracle: constant("Just draw a red square.")}, zap.NewNop())
	resp, _ := a.ExecuteTask(context.Background(), Brief{Goal: "g"})
	plan := resp.Result.Data.(PlanData)
	if len(plan.Steps) != 1 || plan.Steps[0].Action != "Just draw a red square." {
		t.Fatalf("steps = %+v", plan.Steps)
	}
}

func TestActionDispatchesTool(t *testing.T) {
	exec := &fakeExecutor{result: tool.ExecutionResult{Status: tool.StatusSuccess, Result: "el-1"}}
	a := New(workflow.Action, Deps{
		Oracle: constant(`{"tool":"createElement","parameters":{"tagName":"div"}}`),
		Tools:  exec,
	}, zap.NewNop())

	resp, err := a.ExecuteTask(context.Background(), Brief{Goal: "g"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(exec.calls) != 1 || exec.calls[0] != "createElement" {
		t.Fatalf("calls = %v", exec.calls)
	}
	if exec.caller != a.ID || exec.params["tagName"] != "div" {
		t.Errorf("caller=%q params=%v", exec.caller, exec.params)
	}
	data := resp.Result.Data.(ActionData)
	if resp.Result.Status != StatusSuccess || !data.Executed || data.Output != "el-1" {
		t.Errorf("response = %+v", resp)
	}
}

func TestActionForbiddenMapsToError(t *testing.T) {
	exec := &fakeExecutor{result: tool.ExecutionResult{Status: tool.StatusForbidden, Message: "denied"}}
	a := New(workflow.Action, Deps{
		Oracle: constant(`{"tool":"deleteElement","parameters":{"selector":"#x"}}`),
		Tools:  exec,
	}, zap.NewNop())

	resp, _ := a.ExecuteTask(context.Background(), Brief{})
	if resp.Result.Status != StatusError {
		t.Fatalf("status = %s, want error", resp.Result.Status)
	}
	if resp.Result.Data.(ActionData).Executed {
		t.Error("forbidden call reported as executed")
	}
}

func TestActionPlainReply(t *testing.T) {
	exec := &fakeExecutor{}
	a := New(workflow.Action, Deps{Oracle: constant("Nothing to do here."), Tools: exec}, zap.NewNop())
	resp, _ := a.ExecuteTask(context.Background(), Brief{})
	data := resp.Result.Data.(ActionData)
	if data.Executed || data.Message != "Nothing to do here." || resp.Result.Status != StatusPartial {
		t.Fatalf("response = %+v", resp)
	}
	if len(exec.calls) != 0 {
		t.Error("plain reply dispatched a tool")
	}
}

func TestReviewUsesSurfaceSnapshot(t *testing.T) {
	var seen string
	o := oracle.Func(func(_ context.Context, _, user string) (string, error) {
		seen = user
		return `{"passed": false, "issues": ["box is blue"]}`, nil
	})
	a := New(workflow.Review, Deps{Oracle: o, Surface: staticSurface(`<div id="box">`)}, zap.NewNop())

	resp, _ := a.ExecuteTask(context.Background(), Brief{Goal: "red box"})
	if !strings.Contains(seen, `<div id="box">`) {
		t.Errorf("prompt did not include snapshot: %q", seen)
	}
	data := resp.Result.Data.(ReviewData)
	if data.Passed || resp.Result.Status != StatusPartial || len(resp.NextActions) != 1 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestEvaluation(t *testing.T) {
	a := New(workflow.Evaluation, Deps{Oracle: constant(`{"completed":true,"score":140,"feedback":"great"}`)}, zap.NewNop())
	resp, _ := a.ExecuteTask(context.Background(), Brief{})
	if resp.Result.Status != StatusSuccess || resp.Progress != 100 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestUnknownModeAndInactive(t *testing.T) {
	a := New(workflow.Complete, Deps{Oracle: constant("{}")}, zap.NewNop())
	if _, err := a.ExecuteTask(context.Background(), Brief{}); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("err = %v, want ErrUnknownMode", err)
	}
	a.Terminate()
	if _, err := a.ExecuteTask(context.Background(), Brief{}); !errors.Is(err, ErrAgentInactive) {
		t.Fatalf("err = %v, want ErrAgentInactive", err)
	}
}

func TestOracleFailureIsStepError(t *testing.T) {
	o := oracle.Func(func(context.Context, string, string) (string, error) {
		return "", errors.New("503")
	})
	a := New(workflow.Planning, Deps{Oracle: o}, zap.NewNop())
	if _, err := a.ExecuteTask(context.Background(), Brief{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestTransitionModeNotifies(t *testing.T) {
	rec := events.NewRecorder(0)
	a := New(workflow.Planning, Deps{Oracle: constant(""), Notifier: events.NewEmitter(rec, nil)}, zap.NewNop())
	a.TransitionMode(workflow.Action, "plan ready")

	h := a.ModeHistory()
	if len(h) != 1 || h[0].From != workflow.Planning || h[0].To != workflow.Action || h[0].Reason != "plan ready" {
		t.Fatalf("history = %+v", h)
	}
	if a.Mode() != workflow.Action {
		t.Errorf("mode = %s", a.Mode())
	}
	evs := rec.Events()
	if len(evs) != 1 || evs[0].Type != events.TypeModeChange {
		t.Fatalf("events = %+v", evs)
	}
}
