package orchestrator

import (
	"time"

	"github.com/nidhogg/stagehand/internal/agent"
	"github.com/nidhogg/stagehand/internal/events"
	"github.com/nidhogg/stagehand/internal/oracle"
	"github.com/nidhogg/stagehand/internal/tool"
	"github.com/nidhogg/stagehand/internal/workflow"
	"go.uber.org/zap"
)

// LoopOptions bounds the run loop.
type LoopOptions struct {
	Delay           time.Duration
	MaxIterations   int
	MaxStepFailures int
}

// DefaultLoopOptions returns a 500ms yield, 50 iterations and 3
// consecutive step failures.
func DefaultLoopOptions() LoopOptions {
	return LoopOptions{
		Delay:           500 * time.Millisecond,
		MaxIterations:   50,
		MaxStepFailures: 3,
	}
}

// Engine bundles the collaborators supervisors are built from. The
// process entry point constructs one and shares it across runs.
type Engine struct {
	Oracle   oracle.Oracle
	Tools    *tool.Scheduler
	Surface  agent.SurfaceInspector
	Workflow workflow.Options
	Loop     LoopOptions
	Sinks    []events.Sink
	Logger   *zap.Logger
}

func (e *Engine) agentDeps(n agent.Notifier) agent.Deps {
	deps := agent.Deps{
		Oracle:   e.Oracle,
		Surface:  e.Surface,
		Notifier: n,
	}
	if e.Tools != nil {
		deps.Tools = e.Tools
		deps.Catalog = e.Tools.Registry()
	}
	return deps
}

func (e *Engine) loop() LoopOptions {
	l := e.Loop
	def := DefaultLoopOptions()
	if l.MaxIterations <= 0 {
		l.MaxIterations = def.MaxIterations
	}
	if l.MaxStepFailures <= 0 {
		l.MaxStepFailures = def.MaxStepFailures
	}
	if l.Delay < 0 {
		l.Delay = 0
	}
	return l
}
