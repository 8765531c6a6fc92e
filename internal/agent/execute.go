package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nidhogg/stagehand/internal/events"
	"github.com/nidhogg/stagehand/internal/oracle"
	"github.com/nidhogg/stagehand/internal/tool"
	"github.com/nidhogg/stagehand/internal/workflow"
	"go.uber.org/zap"
)

// Brief is what an agent is told about the task it works on.
type Brief struct {
	TaskID   string
	Goal     string
	Params   map[string]interface{}
	Priority tool.Priority
	Steps    []PlanStep
	Done     []string // summaries of completed actions
	Issues   []string // open issues from the last review
}

const (
	planningPrompt = `You are a task planning expert. Break the user's goal into an ordered list of executable steps.
Reply with JSON only:
{"steps": [{"action": "<what to do>", "selector": "<target element, optional>"}]}`

	actionPrompt = `You are a task execution expert. Carry out the next step of the plan.
To change the page, request exactly one tool call and reply with JSON only:
{"tool": "<tool id>", "parameters": {...}}
If no tool is needed, reply with {"success": true, "message": "<what you did>"}.

Available tools:
%s`

	reviewPrompt = `You are a quality inspector. Check whether the current page satisfies the goal.
Reply with JSON only:
{"passed": true, "issues": ["<problem>"]}`

	evaluationPrompt = `You are a task evaluation expert. Assess how well the goal has been achieved overall.
Reply with JSON only:
{"completed": true, "score": 90, "feedback": "<assessment>"}`
)

// ExecuteTask performs the work of the agent's current mode.
func (a *Agent) ExecuteTask(ctx context.Context, b Brief) (Response, error) {
	if !a.Active() {
		return Response{}, fmt.Errorf("agent %s: %w", a.ID, ErrAgentInactive)
	}
	mode := a.Mode()
	a.logger.Info("executing task",
		zap.String("mode", string(mode)),
		zap.String("task", b.TaskID))

	switch mode {
	case workflow.Planning:
		return a.plan(ctx, b)
	case workflow.Action:
		return a.act(ctx, b)
	case workflow.Review:
		return a.review(ctx, b)
	case workflow.Evaluation:
		return a.evaluate(ctx, b)
	}
	return Response{}, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
}

func (a *Agent) respond(mode workflow.State, b Brief, status Status, data interface{}, next []string, progress int) Response {
	return Response{
		Mode:        mode,
		AgentID:     a.ID,
		TaskID:      b.TaskID,
		Result:      Result{Status: status, Data: data},
		NextActions: next,
		Progress:    progress,
	}
}

func (a *Agent) ask(ctx context.Context, mode workflow.State, system, user string) (string, error) {
	reply, err := a.deps.Oracle.Send(ctx, system, user)
	if err != nil {
		return "", fmt.Errorf("%s oracle call: %w", mode, err)
	}
	return reply, nil
}

func (a *Agent) plan(ctx context.Context, b Brief) (Response, error) {
	var user strings.Builder
	fmt.Fprintf(&user, "Goal: %s", b.Goal)
	if len(b.Params) > 0 {
		params, _ := json.Marshal(b.Params)
		fmt.Fprintf(&user, "\nParameters: %s", params)
	}
	if len(b.Done) > 0 {
		fmt.Fprintf(&user, "\nAlready done:\n- %s", strings.Join(b.Done, "\n- "))
	}
	if len(b.Issues) > 0 {
		fmt.Fprintf(&user, "\nOpen issues:\n- %s", strings.Join(b.Issues, "\n- "))
	}

	reply, err := a.ask(ctx, workflow.Planning, planningPrompt, user.String())
	if err != nil {
		return Response{}, err
	}

	var parsed struct {
		Steps []struct {
			Action      string `json:"action"`
			Description string `json:"description"`
			Selector    string `json:"selector"`
		} `json:"steps"`
	}
	var steps []PlanStep
	prev := ""
	add := func(action, selector string) {
		s := PlanStep{ID: uuid.New().String(), Action: action, Selector: selector}
		if prev != "" {
			s.DependsOn = []string{prev}
		}
		prev = s.ID
		steps = append(steps, s)
	}
	if oracle.DecodeJSON(reply, &parsed) == nil && len(parsed.Steps) > 0 {
		for _, s := range parsed.Steps {
			action := s.Action
			if action == "" {
				action = s.Description
			}
			if action == "" {
				continue
			}
			add(action, s.Selector)
		}
	}
	if len(steps) == 0 && strings.TrimSpace(reply) != "" {
		add(strings.TrimSpace(reply), "")
	}

	if len(steps) == 0 {
		return a.respond(workflow.Planning, b, StatusPartial, PlanData{}, nil, 10), nil
	}
	next := make([]string, len(steps))
	for i, s := range steps {
		next[i] = s.Action
	}
	return a.respond(workflow.Planning, b, StatusSuccess, PlanData{Steps: steps}, next, 25), nil
}

func (a *Agent) act(ctx context.Context, b Brief) (Response, error) {
	var catalog []tool.Definition
	if a.deps.Catalog != nil {
		catalog = a.deps.Catalog.List()
	}
	system := fmt.Sprintf(actionPrompt, describeTools(catalog))

	var user strings.Builder
	fmt.Fprintf(&user, "Goal: %s", b.Goal)
	if len(b.Steps) > 0 {
		user.WriteString("\nPlan:")
		for i, s := range b.Steps {
			fmt.Fprintf(&user, "\n%d. %s", i+1, s.Action)
			if s.Selector != "" {
				fmt.Fprintf(&user, " (%s)", s.Selector)
			}
		}
	}
	if len(b.Done) > 0 {
		fmt.Fprintf(&user, "\nAlready done:\n- %s", strings.Join(b.Done, "\n- "))
	}
	if len(b.Issues) > 0 {
		fmt.Fprintf(&user, "\nFix these issues:\n- %s", strings.Join(b.Issues, "\n- "))
	}

	reply, err := a.ask(ctx, workflow.Action, system, user.String())
	if err != nil {
		return Response{}, err
	}

	var call struct {
		Tool       string                 `json:"tool"`
		Parameters map[string]interface{} `json:"parameters"`
		Message    string                 `json:"message"`
	}
	if oracle.DecodeJSON(reply, &call) != nil || call.Tool == "" {
		msg := call.Message
		if msg == "" {
			msg = reply
		}
		return a.respond(workflow.Action, b, StatusPartial, ActionData{Executed: false, Message: msg}, nil, 50), nil
	}

	if a.deps.Tools == nil {
		data := ActionData{Tool: call.Tool, Parameters: call.Parameters, Message: "no tool executor configured"}
		return a.respond(workflow.Action, b, StatusError, data, nil, 50), nil
	}

	res := a.deps.Tools.ExecuteTool(ctx, call.Tool, call.Parameters, a.ID, tool.WithPriority(b.Priority))
	a.notify(events.TypeTool, fmt.Sprintf("%s: %s", call.Tool, res.Status), map[string]interface{}{
		"tool":     call.Tool,
		"status":   string(res.Status),
		"message":  res.Message,
		"attempts": res.Attempts,
	})

	data := ActionData{
		Executed:   res.Status == tool.StatusSuccess,
		Tool:       call.Tool,
		Parameters: call.Parameters,
		ToolStatus: res.Status,
		Output:     res.Result,
		Message:    res.Message,
		Suggestion: res.Suggestion,
	}
	if res.Status != tool.StatusSuccess {
		var next []string
		if res.Suggestion != "" {
			next = []string{res.Suggestion}
		}
		return a.respond(workflow.Action, b, StatusError, data, next, 50), nil
	}
	return a.respond(workflow.Action, b, StatusSuccess, data, nil, 60), nil
}

func (a *Agent) review(ctx context.Context, b Brief) (Response, error) {
	snapshot := "(no surface available)"
	if a.deps.Surface != nil {
		snapshot = a.deps.Surface.Snapshot()
	}
	var user strings.Builder
	fmt.Fprintf(&user, "Goal: %s\n", b.Goal)
	if len(b.Done) > 0 {
		fmt.Fprintf(&user, "Actions taken:\n- %s\n", strings.Join(b.Done, "\n- "))
	}
	fmt.Fprintf(&user, "Current page:\n%s", snapshot)

	reply, err := a.ask(ctx, workflow.Review, reviewPrompt, user.String())
	if err != nil {
		return Response{}, err
	}

	var verdict struct {
		Passed *bool    `json:"passed"`
		Issues []string `json:"issues"`
	}
	if oracle.DecodeJSON(reply, &verdict) != nil || verdict.Passed == nil {
		data := ReviewData{Passed: false, Issues: []string{reply}}
		return a.respond(workflow.Review, b, StatusPartial, data, data.Issues, 60), nil
	}
	data := ReviewData{Passed: *verdict.Passed, Issues: verdict.Issues}
	if data.Passed {
		return a.respond(workflow.Review, b, StatusSuccess, data, nil, 90), nil
	}
	return a.respond(workflow.Review, b, StatusPartial, data, data.Issues, 60), nil
}

func (a *Agent) evaluate(ctx context.Context, b Brief) (Response, error) {
	snapshot := ""
	if a.deps.Surface != nil {
		snapshot = "\nCurrent page:\n" + a.deps.Surface.Snapshot()
	}
	user := fmt.Sprintf("Goal: %s\nActions taken: %d%s", b.Goal, len(b.Done), snapshot)
	if len(b.Issues) > 0 {
		user += "\nReview issues:\n- " + strings.Join(b.Issues, "\n- ")
	}

	reply, err := a.ask(ctx, workflow.Evaluation, evaluationPrompt, user)
	if err != nil {
		return Response{}, err
	}

	var data EvaluationData
	if oracle.DecodeJSON(reply, &data) != nil {
		data = EvaluationData{Feedback: reply}
	}
	progress := int(data.Score)
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if data.Completed {
		return a.respond(workflow.Evaluation, b, StatusSuccess, data, nil, progress), nil
	}
	var next []string
	if data.Feedback != "" {
		next = []string{data.Feedback}
	}
	return a.respond(workflow.Evaluation, b, StatusPartial, data, next, progress), nil
}

func (a *Agent) notify(typ events.Type, text string, meta map[string]interface{}) {
	if a.deps.Notifier == nil {
		return
	}
	meta["agent_id"] = a.ID
	a.deps.Notifier.Emit(typ, text, meta)
}
