package tool

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status is the terminal status of a tool call.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusForbidden Status = "forbidden"
)

// ExecutionResult is returned to the caller of ExecuteTool. Callers never
// retry it; retries happen inside the scheduler.
type ExecutionResult struct {
	TaskID     string      `json:"task_id,omitempty"`
	Status     Status      `json:"status"`
	Result     interface{} `json:"result,omitempty"`
	Message    string      `json:"message,omitempty"`
	Suggestion string      `json:"suggestion,omitempty"`
	Attempts   int         `json:"attempts,omitempty"`
}

type callOptions struct {
	taskID    string
	priority  Priority
	dependsOn []string
}

// CallOption customises how ExecuteTool enqueues its task.
type CallOption func(*callOptions)

// WithPriority sets the queue priority (default medium).
func WithPriority(p Priority) CallOption {
	return func(o *callOptions) { o.priority = p }
}

// WithDependsOn makes the task wait for other task ids to succeed. The ids
// must already be queued or finished.
func WithDependsOn(ids ...string) CallOption {
	return func(o *callOptions) { o.dependsOn = append(o.dependsOn, ids...) }
}

// WithTaskID fixes the task id so other tasks can depend on it.
func WithTaskID(id string) CallOption {
	return func(o *callOptions) { o.taskID = id }
}

// ExecuteTool authorizes, sanitizes and admits a call, enqueues it and
// waits for its outcome. Authorization, sanitation and admission failures
// return without enqueueing anything.
func (s *Scheduler) ExecuteTool(ctx context.Context, toolID string, params map[string]interface{}, callerID string, opts ...CallOption) ExecutionResult {
	o := callOptions{priority: PriorityMedium}
	for _, opt := range opts {
		opt(&o)
	}

	if !s.policy.CanAccessTool(callerID, toolID) {
		s.logger.Warn("tool access denied",
			zap.String("caller", callerID),
			zap.String("tool", toolID))
		return ExecutionResult{
			Status:  StatusForbidden,
			Message: fmt.Sprintf("%v: %s may not use %s", ErrAuthorization, callerID, toolID),
		}
	}

	t, ok := s.registry.Get(toolID)
	if !ok {
		return ExecutionResult{
			Status:  StatusError,
			Message: fmt.Sprintf("%v: %s", ErrToolNotFound, toolID),
		}
	}

	clean, err := s.policy.SanitizeParams(toolID, t.Schema(), params)
	if err != nil {
		return ExecutionResult{Status: StatusError, Message: err.Error()}
	}

	limits := s.policy.ResourceLimit(toolID)
	if err := s.policy.Admit(ctx, limits); err != nil {
		return ExecutionResult{Status: StatusError, Message: err.Error()}
	}

	if o.taskID == "" {
		o.taskID = uuid.New().String()
	}
	s.logger.Info("tool invocation",
		zap.String("caller", callerID),
		zap.String("tool", toolID),
		zap.String("task", o.taskID),
		zap.Any("params", clean))

	ch, err := s.enqueue(TaskDefinition{
		ID:        o.taskID,
		Priority:  o.priority,
		DependsOn: o.dependsOn,
		Timeout:   limits.Timeout,
		Execute: func(ctx context.Context) (interface{}, error) {
			return t.Execute(ctx, clean)
		},
	}, true)
	if err != nil {
		return ExecutionResult{TaskID: o.taskID, Status: StatusError, Message: err.Error()}
	}

	select {
	case out := <-ch:
		if out.Err != nil {
			return ExecutionResult{
				TaskID:     out.TaskID,
				Status:     StatusError,
				Message:    fmt.Sprintf("tool %s failed: %v", toolID, out.Err),
				Suggestion: s.classifier.Suggest(ctx, toolID, out.Err),
				Attempts:   out.Attempts,
			}
		}
		return ExecutionResult{
			TaskID:   out.TaskID,
			Status:   StatusSuccess,
			Result:   out.Result,
			Message:  "tool executed successfully",
			Attempts: out.Attempts,
		}
	case <-ctx.Done():
		s.Cancel(o.taskID)
		return ExecutionResult{
			TaskID:  o.taskID,
			Status:  StatusError,
			Message: fmt.Sprintf("tool %s abandoned: %v", toolID, ctx.Err()),
		}
	}
}
