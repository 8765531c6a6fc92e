package agent

import (
	"github.com/nidhogg/stagehand/internal/tool"
	"github.com/nidhogg/stagehand/internal/workflow"
)

// Status is the normalized outcome of a step.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusError   Status = "error"
)

// Result carries the mode-specific payload: PlanData, ActionData,
// ReviewData or EvaluationData.
type Result struct {
	Status Status      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
}

// Response is the unified output of ExecuteTask. It is not modified after
// ExecuteTask returns.
type Response struct {
	Mode        workflow.State `json:"mode"`
	AgentID     string         `json:"agent_id"`
	TaskID      string         `json:"task_id,omitempty"`
	Result      Result         `json:"result"`
	NextActions []string       `json:"next_actions,omitempty"`
	Progress    int            `json:"progress"`
}

// Outcome converts the response into state machine input.
func (r Response) Outcome() workflow.Outcome {
	return workflow.Outcome{
		TaskID:      r.TaskID,
		Status:      string(r.Result.Status),
		Data:        r.Result.Data,
		NextActions: r.NextActions,
	}
}

// PlanStep is one step of a decomposed goal. Each step depends on the one
// before it.
type PlanStep struct {
	ID        string   `json:"id"`
	Action    string   `json:"action"`
	Selector  string   `json:"selector,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
}

type PlanData struct {
	Steps []PlanStep `json:"steps"`
}

// ActionData describes what the action step did. Executed is false when
// the oracle answered in plain text instead of requesting a tool.
type ActionData struct {
	Executed   bool                   `json:"executed"`
	Tool       string                 `json:"tool,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	ToolStatus tool.Status            `json:"tool_status,omitempty"`
	Output     interface{}            `json:"output,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Suggestion string                 `json:"suggestion,omitempty"`
}

type ReviewData struct {
	Passed bool     `json:"passed"`
	Issues []string `json:"issues,omitempty"`
}

type EvaluationData struct {
	Completed bool    `json:"completed"`
	Score     float64 `json:"score"`
	Feedback  string  `json:"feedback,omitempty"`
}
