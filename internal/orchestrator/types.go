package orchestrator

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/stagehand/internal/tool"
)

// TaskStatus tracks a subtask.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
	// TaskSuperseded marks a pending subtask dropped by a newer plan.
	TaskSuperseded TaskStatus = "superseded"
)

// Task is the user-level record of a goal. Subtasks are appended as
// planning steps arrive; nothing is persisted.
type Task struct {
	ID       string                 `json:"id"`
	Intent   string                 `json:"intent"`
	Params   map[string]interface{} `json:"params,omitempty"`
	Priority tool.Priority          `json:"-"`
	Deadline *time.Time             `json:"deadline,omitempty"`
	Subtasks []Subtask              `json:"subtasks"`
}

// MarshalJSON renders the priority by name.
func (t Task) MarshalJSON() ([]byte, error) {
	type plain Task
	return json.Marshal(struct {
		plain
		Priority string `json:"priority"`
	}{plain(t), t.Priority.String()})
}

// Subtask is one planned step of a Task.
type Subtask struct {
	ID                   string        `json:"id"`
	Description          string        `json:"description"`
	RequiredCapabilities []string      `json:"required_capabilities,omitempty"`
	InputData            interface{}   `json:"input_data,omitempty"`
	OutputFormat         string        `json:"output_format"`
	Timeout              time.Duration `json:"timeout,omitempty"`
	ResourceLimits       *tool.Limits  `json:"resource_limits,omitempty"`
	DependsOn            []string      `json:"depends_on,omitempty"`
	Status               TaskStatus    `json:"status"`
}

// ParseGoal turns a submitted goal into a Task. A JSON object
// {"intent", "params", "priority", "deadline"} is honoured; anything else
// becomes a medium-priority task whose intent is the raw text.
func ParseGoal(goal string) *Task {
	task := &Task{
		ID:       uuid.New().String(),
		Intent:   strings.TrimSpace(goal),
		Priority: tool.PriorityMedium,
	}

	trimmed := strings.TrimSpace(goal)
	if !strings.HasPrefix(trimmed, "{") {
		return task
	}
	var parsed struct {
		Intent   string                 `json:"intent"`
		Params   map[string]interface{} `json:"params"`
		Priority string                 `json:"priority"`
		Deadline string                 `json:"deadline"`
	}
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil || parsed.Intent == "" {
		return task
	}
	task.Intent = parsed.Intent
	task.Params = parsed.Params
	task.Priority = tool.ParsePriority(parsed.Priority)
	if parsed.Deadline != "" {
		if d, err := time.Parse(time.RFC3339, parsed.Deadline); err == nil {
			task.Deadline = &d
		}
	}
	return task
}
