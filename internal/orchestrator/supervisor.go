package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/stagehand/internal/agent"
	"github.com/nidhogg/stagehand/internal/events"
	"github.com/nidhogg/stagehand/internal/workflow"
	"go.uber.org/zap"
)

var (
	ErrRunFailed      = errors.New("run failed")
	ErrAlreadyRunning = errors.New("supervisor is already running a goal")
)

// Supervisor owns the run loop for one goal: it keeps the agent pool,
// drives the state machine and reports progress as events.
//
// Agent selection: the first pooled agent whose mode matches the current
// state runs the step. When none matches, the first active agent is
// switched to the state, so a single agent follows the whole workflow
// unless more are added with AddAgent.
type Supervisor struct {
	ID string

	engine  *Engine
	machine *workflow.Machine
	emitter *events.Emitter
	loop    LoopOptions
	logger  *zap.Logger

	mu         sync.RWMutex
	agents     []*agent.Agent
	task       *Task
	plan       []agent.PlanStep
	done       []string
	issues     []string
	running    bool
	started    bool
	iterations int
	startedAt  time.Time
	finishedAt time.Time
	err        error
}

// NewSupervisor creates a supervisor for one run. sinks receive this run's
// events in addition to the engine-wide sinks.
func NewSupervisor(e *Engine, sinks ...events.Sink) *Supervisor {
	id := uuid.New().String()
	all := append(append([]events.Sink{}, e.Sinks...), sinks...)
	logger := e.Logger.With(zap.String("run", id[:8]))
	return &Supervisor{
		ID:      id,
		engine:  e,
		machine: workflow.NewMachine(e.Workflow, e.Oracle, logger),
		emitter: events.NewEmitter(events.NewMulti(all...), map[string]interface{}{"run_id": id}),
		loop:    e.loop(),
		logger:  logger,
	}
}

// Machine exposes the run's state machine.
func (s *Supervisor) Machine() *workflow.Machine { return s.machine }

// AddAgent adds an agent in mode to the pool.
func (s *Supervisor) AddAgent(mode workflow.State) *agent.Agent {
	a := agent.New(mode, s.engine.agentDeps(s.emitter), s.logger)
	s.mu.Lock()
	s.agents = append(s.agents, a)
	s.mu.Unlock()
	s.logger.Info("agent added", zap.String("agent", a.ID), zap.String("mode", string(mode)))
	return a
}

// RemoveAgent terminates and drops an agent. It reports whether the agent
// was in the pool.
func (s *Supervisor) RemoveAgent(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.agents {
		if a.ID == id {
			a.Terminate()
			s.agents = append(s.agents[:i], s.agents[i+1:]...)
			return true
		}
	}
	return false
}

// GetAgent returns a pooled agent by id.
func (s *Supervisor) GetAgent(id string) (*agent.Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.agents {
		if a.ID == id {
			return a, true
		}
	}
	return nil, false
}

// Agents returns the pool in insertion order.
func (s *Supervisor) Agents() []*agent.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*agent.Agent, len(s.agents))
	copy(out, s.agents)
	return out
}

// Running reports whether the loop is live.
func (s *Supervisor) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Terminate stops the run cooperatively: the loop exits at its next
// iteration boundary and in-flight oracle or tool calls are left to
// finish. Agents are terminated and dropped.
func (s *Supervisor) Terminate(reason string) {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	agents := s.agents
	s.agents = nil
	s.mu.Unlock()

	for _, a := range agents {
		a.Terminate()
	}
	if !s.machine.Current().Terminal() {
		s.machine.SetNextState(workflow.Terminated, reason)
	}
	if wasRunning {
		s.logger.Info("run terminated", zap.String("reason", reason))
		s.emitter.Emit(events.TypeState, "run terminated: "+reason, map[string]interface{}{
			"state":  string(workflow.Terminated),
			"reason": reason,
		})
	}
}

// StopAll terminates the run and every agent.
func (s *Supervisor) StopAll() { s.Terminate("stopped by operator") }

// RunReport summarizes a finished run.
type RunReport struct {
	RunID      string                      `json:"run_id"`
	Task       Task                        `json:"task"`
	FinalState workflow.State              `json:"final_state"`
	Iterations int                         `json:"iterations"`
	History    []workflow.TransitionRecord `json:"history"`
	Duration   time.Duration               `json:"duration"`
}

// ExecuteGoal runs goal to completion, termination, cancellation or
// failure. Step errors are reported and the workflow falls back to
// planning; only exhausted limits end the run with ErrRunFailed.
func (s *Supervisor) ExecuteGoal(ctx context.Context, goal string) (*RunReport, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	s.started = true
	s.running = true
	s.task = ParseGoal(goal)
	s.startedAt = time.Now()
	task := s.task
	s.mu.Unlock()

	if task.Deadline != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, *task.Deadline)
		defer cancel()
	}

	s.logger.Info("run started", zap.String("task", task.ID), zap.String("intent", task.Intent))
	s.emitter.Emit(events.TypeRunStarted, task.Intent, map[string]interface{}{
		"task_id":  task.ID,
		"priority": task.Priority.String(),
	})

	first := s.AddAgent(workflow.Planning)
	first.TransitionMode(workflow.Planning, "initial goal planning")

	err := s.runLoop(ctx)
	return s.finish(err)
}

func (s *Supervisor) runLoop(ctx context.Context) error {
	failures := 0
	for {
		if !s.Running() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		state := s.machine.Current()
		if state.Terminal() {
			return nil
		}
		if s.iterationCount() >= s.loop.MaxIterations {
			return fmt.Errorf("%w: iteration limit %d reached in %s", ErrRunFailed, s.loop.MaxIterations, state)
		}

		a := s.selectAgent(state)
		if a == nil {
			return fmt.Errorf("%w: no agent selectable for %s", ErrRunFailed, state)
		}
		s.mu.Lock()
		s.iterations++
		s.mu.Unlock()

		started := time.Now()
		resp, err := a.ExecuteTask(ctx, s.brief())
		if !s.Running() {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			s.logger.Warn("step failed",
				zap.String("state", string(state)),
				zap.Int("consecutive", failures),
				zap.Error(err))
			s.emitter.Emit(events.TypeError, err.Error(), map[string]interface{}{
				"state":    string(state),
				"agent_id": a.ID,
			})
			if failures > s.loop.MaxStepFailures {
				return fmt.Errorf("%w: %d consecutive step failures: %w", ErrRunFailed, failures, err)
			}
			if s.machine.Advance(workflow.Planning, "step error: "+err.Error()).Terminal() {
				return nil
			}
			if !s.yield(ctx) {
				return ctx.Err()
			}
			continue
		}
		failures = 0

		s.absorb(resp)
		s.emitter.Emit(events.TypeResult, fmt.Sprintf("%s step: %s", resp.Mode, resp.Result.Status), map[string]interface{}{
			"agent_id":    resp.AgentID,
			"mode":        string(resp.Mode),
			"status":      string(resp.Result.Status),
			"data":        resp.Result.Data,
			"progress":    resp.Progress,
			"duration_ms": time.Since(started).Milliseconds(),
		})

		next := s.machine.Transition(ctx, resp.Outcome())
		if !s.Running() || next == workflow.Terminated {
			return nil
		}
		reason := lastReason(s.machine)
		s.emitter.Emit(events.TypeState, fmt.Sprintf("%s -> %s", state, next), map[string]interface{}{
			"from":   string(state),
			"to":     string(next),
			"reason": reason,
		})
		if !next.Terminal() {
			a.TransitionMode(next, reason)
		}

		if next.Terminal() {
			return nil
		}
		if !s.yield(ctx) {
			return ctx.Err()
		}
	}
}

func (s *Supervisor) yield(ctx context.Context) bool {
	if s.loop.Delay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(s.loop.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) iterationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.iterations
}

func (s *Supervisor) selectAgent(state workflow.State) *agent.Agent {
	s.mu.RLock()
	var fallback *agent.Agent
	for _, a := range s.agents {
		if !a.Active() {
			continue
		}
		if a.Mode() == state {
			s.mu.RUnlock()
			return a
		}
		if fallback == nil {
			fallback = a
		}
	}
	s.mu.RUnlock()
	if fallback != nil {
		fallback.TransitionMode(state, "realigned with workflow state")
	}
	return fallback
}

func (s *Supervisor) brief() agent.Brief {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b := agent.Brief{
		TaskID:   s.task.ID,
		Goal:     s.task.Intent,
		Params:   s.task.Params,
		Priority: s.task.Priority,
		Steps:    append([]agent.PlanStep(nil), s.plan...),
		Done:     append([]string(nil), s.done...),
		Issues:   append([]string(nil), s.issues...),
	}
	return b
}

// absorb folds a step result into the task record.
func (s *Supervisor) absorb(resp agent.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch data := resp.Result.Data.(type) {
	case agent.PlanData:
		if len(data.Steps) == 0 {
			return
		}
		for i := range s.task.Subtasks {
			if s.task.Subtasks[i].Status == TaskPending {
				s.task.Subtasks[i].Status = TaskSuperseded
			}
		}
		s.plan = data.Steps
		for _, step := range data.Steps {
			s.task.Subtasks = append(s.task.Subtasks, Subtask{
				ID:           step.ID,
				Description:  step.Action,
				InputData:    selectorInput(step.Selector),
				OutputFormat: "json",
				DependsOn:    step.DependsOn,
				Status:       TaskPending,
			})
		}
	case agent.ActionData:
		switch {
		case data.Executed:
			s.done = append(s.done, fmt.Sprintf("%s %v -> %v", data.Tool, data.Parameters, data.Output))
			s.markNextSubtaskLocked(TaskDone)
		case data.Tool != "":
			s.issues = append(s.issues, fmt.Sprintf("%s failed: %s", data.Tool, data.Message))
			s.markNextSubtaskLocked(TaskFailed)
		case data.Message != "":
			s.done = append(s.done, data.Message)
		}
	case agent.ReviewData:
		s.issues = append([]string(nil), data.Issues...)
		if data.Passed {
			s.issues = nil
		}
	case agent.EvaluationData:
		if !data.Completed && data.Feedback != "" {
			s.issues = append(s.issues, data.Feedback)
		}
	}
}

func (s *Supervisor) markNextSubtaskLocked(status TaskStatus) {
	for i := range s.task.Subtasks {
		if s.task.Subtasks[i].Status == TaskPending {
			s.task.Subtasks[i].Status = status
			return
		}
	}
}

func selectorInput(sel string) interface{} {
	if sel == "" {
		return nil
	}
	return map[string]string{"selector": sel}
}

func lastReason(m *workflow.Machine) string {
	h := m.History()
	return h[len(h)-1].Reason
}

func (s *Supervisor) finish(runErr error) (*RunReport, error) {
	s.mu.Lock()
	s.running = false
	s.finishedAt = time.Now()
	s.err = runErr
	report := &RunReport{
		RunID:      s.ID,
		Task:       *s.task,
		Iterations: s.iterations,
		Duration:   s.finishedAt.Sub(s.startedAt),
	}
	report.Task.Subtasks = append([]Subtask(nil), s.task.Subtasks...)
	s.mu.Unlock()

	report.FinalState = s.machine.Current()
	report.History = s.machine.History()

	meta := map[string]interface{}{
		"final_state": string(report.FinalState),
		"iterations":  report.Iterations,
		"duration_ms": report.Duration.Milliseconds(),
	}
	text := fmt.Sprintf("run finished in %s", report.FinalState)
	if runErr != nil {
		meta["error"] = runErr.Error()
		text = fmt.Sprintf("run failed in %s: %v", report.FinalState, runErr)
		s.logger.Warn("run failed", zap.Error(runErr), zap.Int("iterations", report.Iterations))
	} else {
		s.logger.Info("run finished",
			zap.String("state", string(report.FinalState)),
			zap.Int("iterations", report.Iterations))
	}
	s.emitter.Emit(events.TypeRunFinished, text, meta)
	return report, runErr
}

// Status is a point-in-time view of a run for the API.
type Status struct {
	RunID      string                      `json:"run_id"`
	State      workflow.State              `json:"state"`
	Running    bool                        `json:"running"`
	Task       *Task                       `json:"task,omitempty"`
	Iterations int                         `json:"iterations"`
	History    []workflow.TransitionRecord `json:"history"`
	Agents     []agent.Info                `json:"agents"`
	StartedAt  time.Time                   `json:"started_at"`
	FinishedAt *time.Time                  `json:"finished_at,omitempty"`
	Error      string                      `json:"error,omitempty"`
}

// Status returns a snapshot of the run.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	st := Status{
		RunID:      s.ID,
		Running:    s.running,
		Iterations: s.iterations,
		StartedAt:  s.startedAt,
	}
	if s.task != nil {
		t := *s.task
		t.Subtasks = append([]Subtask(nil), s.task.Subtasks...)
		st.Task = &t
	}
	if !s.finishedAt.IsZero() {
		f := s.finishedAt
		st.FinishedAt = &f
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	agents := make([]*agent.Agent, len(s.agents))
	copy(agents, s.agents)
	s.mu.RUnlock()

	st.State = s.machine.Current()
	st.History = s.machine.History()
	st.Agents = make([]agent.Info, 0, len(agents))
	for _, a := range agents {
		st.Agents = append(st.Agents, a.Info())
	}
	return st
}
