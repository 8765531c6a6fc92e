package workflow

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrOracleParse  = errors.New("oracle decision could not be parsed")
	ErrUnknownState = errors.New("unknown workflow state")
)

// State is a workflow phase. Agents work in the four working states;
// Complete and Terminated are absorbing.
type State string

const (
	Planning   State = "planning"
	Action     State = "action"
	Review     State = "review"
	Evaluation State = "evaluation"
	Complete   State = "complete"
	Terminated State = "terminated"
)

// Valid reports whether s is one of the six known states.
func (s State) Valid() bool {
	switch s {
	case Planning, Action, Review, Evaluation, Complete, Terminated:
		return true
	}
	return false
}

// Terminal reports whether the workflow stops in s.
func (s State) Terminal() bool { return s == Complete || s == Terminated }

// ParseState maps a name to a State, rejecting unknown names with
// ErrUnknownState.
func ParseState(name string) (State, error) {
	s := State(name)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownState, name)
	}
	return s, nil
}

// Table lists the legal successors of each working state. Order matters:
// the first candidate is the fallback when a decision cannot be parsed.
type Table map[State][]State

// Standard is the three-state loop: plan, act, review.
var Standard = Table{
	Planning: {Action},
	Action:   {Review, Planning},
	Review:   {Planning, Complete},
}

// Extended inserts an evaluation step after review.
var Extended = Table{
	Planning:   {Action},
	Action:     {Review, Planning},
	Review:     {Evaluation},
	Evaluation: {Action, Planning, Complete},
}

// TableFor returns the table named by the engine.workflow setting.
func TableFor(name string) (Table, error) {
	switch name {
	case "", "standard":
		return Standard, nil
	case "extended":
		return Extended, nil
	}
	return nil, fmt.Errorf("unknown workflow table %q", name)
}

// Allows reports whether to is a legal successor of from.
func (t Table) Allows(from, to State) bool {
	for _, c := range t[from] {
		if c == to {
			return true
		}
	}
	return false
}

// TransitionRecord is one entry of the append-only state history.
type TransitionRecord struct {
	State     State     `json:"state"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// Outcome is what the machine needs to know about the last agent step.
type Outcome struct {
	TaskID      string
	Status      string // success, partial or error
	Data        interface{}
	NextActions []string
}
