// Package agent performs the mode-specific work of one workflow step and
// normalizes it into a Response.
package agent

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/stagehand/internal/events"
	"github.com/nidhogg/stagehand/internal/oracle"
	"github.com/nidhogg/stagehand/internal/workflow"
	"go.uber.org/zap"
)

var (
	ErrUnknownMode   = errors.New("unknown agent mode")
	ErrAgentInactive = errors.New("agent is inactive")
)

// Notifier receives side-channel events such as mode changes.
// *events.Emitter satisfies it.
type Notifier interface {
	Emit(typ events.Type, text string, meta map[string]interface{})
}

// SurfaceInspector describes the target surface for review prompts.
type SurfaceInspector interface {
	Snapshot() string
}

// Deps are the collaborators an Agent works with. Only Oracle is required.
type Deps struct {
	Oracle   oracle.Oracle
	Tools    ToolExecutor
	Catalog  ToolCatalog
	Surface  SurfaceInspector
	Notifier Notifier
}

// ModeTransition records one mode change.
type ModeTransition struct {
	From      workflow.State `json:"from"`
	To        workflow.State `json:"to"`
	Timestamp time.Time      `json:"timestamp"`
	Reason    string         `json:"reason"`
}

// Agent works in one mode at a time. The supervisor switches its mode to
// follow the state machine.
type Agent struct {
	ID string

	deps   Deps
	logger *zap.Logger

	mu        sync.RWMutex
	mode      workflow.State
	history   []ModeTransition
	active    bool
	createdAt time.Time
}

// New creates an active agent in mode.
func New(mode workflow.State, deps Deps, logger *zap.Logger) *Agent {
	a := &Agent{
		ID:        uuid.New().String(),
		deps:      deps,
		mode:      mode,
		active:    true,
		createdAt: time.Now(),
	}
	a.logger = logger.With(zap.String("agent", a.ID[:8]))
	return a
}

// Mode returns the current mode.
func (a *Agent) Mode() workflow.State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mode
}

// Active reports whether the agent still accepts work.
func (a *Agent) Active() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.active
}

// ModeHistory returns a copy of the mode transitions.
func (a *Agent) ModeHistory() []ModeTransition {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]ModeTransition, len(a.history))
	copy(out, a.history)
	return out
}

// TransitionMode switches the agent to mode and notifies observers.
func (a *Agent) TransitionMode(mode workflow.State, reason string) {
	a.mu.Lock()
	from := a.mode
	a.history = append(a.history, ModeTransition{
		From:      from,
		To:        mode,
		Timestamp: time.Now(),
		Reason:    reason,
	})
	a.mode = mode
	a.mu.Unlock()

	a.logger.Debug("mode change",
		zap.String("from", string(from)),
		zap.String("to", string(mode)),
		zap.String("reason", reason))
	if a.deps.Notifier != nil {
		a.deps.Notifier.Emit(events.TypeModeChange,
			fmt.Sprintf("agent %s: %s -> %s", a.ID[:8], from, mode),
			map[string]interface{}{
				"agent_id": a.ID,
				"from":     string(from),
				"to":       string(mode),
				"reason":   reason,
			})
	}
}

// Terminate marks the agent inactive. Work already in flight finishes;
// later ExecuteTask calls fail with ErrAgentInactive.
func (a *Agent) Terminate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active {
		a.active = false
		a.logger.Debug("agent terminated")
	}
}

// Info is a read-only view for the API.
type Info struct {
	ID          string           `json:"id"`
	Mode        workflow.State   `json:"mode"`
	Active      bool             `json:"active"`
	CreatedAt   time.Time        `json:"created_at"`
	ModeHistory []ModeTransition `json:"mode_history"`
}

// Info returns a snapshot of the agent.
func (a *Agent) Info() Info {
	a.mu.RLock()
	defer a.mu.RUnlock()
	h := make([]ModeTransition, len(a.history))
	copy(h, a.history)
	return Info{
		ID:          a.ID,
		Mode:        a.mode,
		Active:      a.active,
		CreatedAt:   a.createdAt,
		ModeHistory: h,
	}
}
