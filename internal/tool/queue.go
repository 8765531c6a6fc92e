package tool

import (
	"context"
	"strings"
	"time"
)

// Priority orders queued work; lower values run first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "medium"
	}
}

// ParsePriority maps "high", "medium" and "low"; anything else is medium.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// TaskDefinition is a queued unit of tool work.
type TaskDefinition struct {
	ID         string
	Priority   Priority
	RetryCount int
	DependsOn  []string
	Timeout    time.Duration
	Execute    func(ctx context.Context) (interface{}, error)
}

// Outcome is the terminal result of a task. Attempts counts executions,
// zero when the task never ran.
type Outcome struct {
	TaskID   string
	Result   interface{}
	Err      error
	Attempts int
}

type entry struct {
	def *TaskDefinition
	seq uint64
}

// taskHeap implements heap.Interface ordered by priority, then arrival.
type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].def.Priority != h[j].def.Priority {
		return h[i].def.Priority < h[j].def.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*entry)) }

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
