package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/stagehand/internal/oracle"
	"go.uber.org/zap"
)

// Decision selects how ambiguous branches are resolved.
type Decision string

const (
	DecisionOracle    Decision = "oracle"
	DecisionHeuristic Decision = "heuristic"
)

const decisionSystemPrompt = `You are the decision engine of a workflow state machine.
Pick the next state from the candidates you are given.
Reply with JSON only:
{"next_state": "<one of the candidates>", "reason": "<short reason>"}`

// Machine tracks the current workflow state and its history. SetNextState
// is the only mutator; the history only grows.
type Machine struct {
	table    Table
	decision Decision
	oracle   oracle.Oracle
	window   int
	logger   *zap.Logger

	mu      sync.RWMutex
	current State
	history []TransitionRecord
}

// Options configures a Machine.
type Options struct {
	Table         Table
	Decision      Decision
	HistoryWindow int
}

// NewMachine creates a machine in Planning. A nil oracle forces heuristic
// decisions.
func NewMachine(opts Options, o oracle.Oracle, logger *zap.Logger) *Machine {
	if opts.Table == nil {
		opts.Table = Standard
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 5
	}
	if o == nil {
		opts.Decision = DecisionHeuristic
	}
	if opts.Decision == "" {
		opts.Decision = DecisionOracle
	}
	return &Machine{
		table:    opts.Table,
		decision: opts.Decision,
		oracle:   o,
		window:   opts.HistoryWindow,
		logger:   logger,
		current:  Planning,
		history: []TransitionRecord{{
			State:     Planning,
			Timestamp: time.Now(),
			Reason:    "state machine initialized",
		}},
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// IsComplete reports whether the workflow reached Complete.
func (m *Machine) IsComplete() bool { return m.Current() == Complete }

// History returns a copy of the transition history.
func (m *Machine) History() []TransitionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

// Candidates returns the legal successors of s.
func (m *Machine) Candidates(s State) []State {
	out := make([]State, len(m.table[s]))
	copy(out, m.table[s])
	return out
}

// SetNextState records a transition. An unknown state falls back to
// Planning; it never fails.
func (m *Machine) SetNextState(next State, reason string) State {
	next, reason = m.check(next, reason)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitLocked(next, reason)
}

// Advance records a transition unless the machine already rests in a
// terminal state, which is returned unchanged. The check and the write
// happen under one lock so a concurrent termination is never overwritten.
func (m *Machine) Advance(next State, reason string) State {
	next, reason = m.check(next, reason)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.Terminal() {
		m.logger.Debug("transition dropped, machine is terminal",
			zap.String("state", string(m.current)),
			zap.String("wanted", string(next)))
		return m.current
	}
	return m.commitLocked(next, reason)
}

func (m *Machine) check(next State, reason string) (State, string) {
	if next.Valid() {
		return next, reason
	}
	m.logger.Warn("invalid state, falling back to planning",
		zap.String("state", string(next)),
		zap.String("reason", reason))
	return Planning, "invalid state fallback: " + reason
}

func (m *Machine) commitLocked(next State, reason string) State {
	m.history = append(m.history, TransitionRecord{
		State:     next,
		Timestamp: time.Now(),
		Reason:    reason,
	})
	prev := m.current
	m.current = next
	m.logger.Debug("state transition",
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
		zap.String("reason", reason))
	return next
}

// Transition moves the machine on from the outcome of the last step.
// Single-candidate edges and a successful action are taken directly; the
// other branches go to the oracle, or to the heuristic when configured.
// Oracle failures degrade to a fallback state, never to an error.
func (m *Machine) Transition(ctx context.Context, out Outcome) State {
	m.mu.RLock()
	cur := m.current
	recent := m.recentLocked()
	m.mu.RUnlock()

	if cur.Terminal() {
		return cur
	}

	cands := m.table[cur]
	switch {
	case len(cands) == 0:
		return m.Advance(Planning, fmt.Sprintf("no transitions declared from %s", cur))
	case len(cands) == 1:
		return m.Advance(cands[0], "deterministic transition")
	case cur == Action && m.table.Allows(Action, Review) && out.Status != "error":
		return m.Advance(Review, "action completed")
	}

	if m.decision == DecisionHeuristic {
		next := heuristic(cands, out)
		return m.Advance(next, fmt.Sprintf("heuristic decision: last result %s", out.Status))
	}

	next, reason := m.ask(ctx, cur, cands, recent, out)
	return m.Advance(next, reason)
}

func (m *Machine) recentLocked() []string {
	start := len(m.history) - m.window
	if start < 0 {
		start = 0
	}
	out := make([]string, 0, len(m.history)-start)
	for _, r := range m.history[start:] {
		out = append(out, string(r.State))
	}
	return out
}

func heuristic(cands []State, out Outcome) State {
	contains := func(s State) bool {
		for _, c := range cands {
			if c == s {
				return true
			}
		}
		return false
	}
	if out.Status == "success" && contains(Complete) {
		return Complete
	}
	if out.Status == "partial" && contains(Action) {
		return Action
	}
	if contains(Planning) {
		return Planning
	}
	return cands[0]
}

func (m *Machine) ask(ctx context.Context, cur State, cands []State, recent []string, out Outcome) (State, string) {
	prompt := decisionPrompt(cur, cands, recent, out)
	reply, err := m.oracle.Send(ctx, decisionSystemPrompt, prompt)
	if err != nil {
		m.logger.Warn("oracle unavailable, taking first candidate",
			zap.String("state", string(cur)), zap.Error(err))
		return cands[0], "oracle unavailable"
	}

	var decision struct {
		NextState string `json:"next_state"`
		Reason    string `json:"reason"`
	}
	if err := oracle.DecodeJSON(reply, &decision); err != nil {
		m.logger.Warn("decision reply rejected",
			zap.String("state", string(cur)),
			zap.Error(fmt.Errorf("%w: %w", ErrOracleParse, err)))
		return cands[0], "parse failure"
	}

	next := State(decision.NextState)
	if !m.table.Allows(cur, next) {
		m.logger.Warn("oracle chose a state outside the table",
			zap.String("state", string(cur)),
			zap.String("choice", decision.NextState))
		return Planning, "oracle decision: " + decision.Reason + " (invalid state)"
	}
	return next, "oracle decision: " + decision.Reason
}

func decisionPrompt(cur State, cands []State, recent []string, out Outcome) string {
	task := "unspecified task"
	if out.TaskID != "" {
		task = "task " + out.TaskID
	}
	data, err := json.Marshal(out.Data)
	if err != nil {
		data = []byte(fmt.Sprint(out.Data))
	}
	actions := strings.Join(out.NextActions, ", ")
	if actions == "" {
		actions = "none"
	}
	names := make([]string, len(cands))
	for i, c := range cands {
		names[i] = string(c)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Current state: %s\n", cur)
	fmt.Fprintf(&b, "Task: %s\n", task)
	fmt.Fprintf(&b, "Last result: %s\n", out.Status)
	fmt.Fprintf(&b, "Result data: %s\n", data)
	fmt.Fprintf(&b, "Recent states: %s\n", strings.Join(recent, " -> "))
	fmt.Fprintf(&b, "Suggested next actions: %s\n", actions)
	fmt.Fprintf(&b, "Candidate states: %s", strings.Join(names, ","))
	return b.String()
}
