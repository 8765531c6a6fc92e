package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/stagehand/internal/events"
	"go.uber.org/zap"
)

var (
	ErrRunNotFound = errors.New("run not found")
	ErrShutdown    = errors.New("run manager is shut down")
)

// recorderLimit bounds the per-run event log kept for the API.
const recorderLimit = 1000

// Run is a goal submitted to the manager.
type Run struct {
	ID         string
	Goal       string
	Supervisor *Supervisor
	Recorder   *events.Recorder
	Submitted  time.Time

	done   chan struct{}
	report *RunReport
	err    error
}

// Done is closed when the run has finished.
func (r *Run) Done() <-chan struct{} { return r.done }

// Result returns the report and error once Done is closed.
func (r *Run) Result() (*RunReport, error) {
	<-r.done
	return r.report, r.err
}

// Runs executes goals in the background with a bounded pool of concurrent
// supervisors. Runs waiting for a slot stay queued.
type Runs struct {
	engine *Engine
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	runs   map[string]*Run
	closed bool
	pool   chan struct{}
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewRuns creates a run manager allowing maxConcurrent live runs.
func NewRuns(engine *Engine, maxConcurrent int, logger *zap.Logger) *Runs {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runs{
		engine: engine,
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*Run),
		pool:   make(chan struct{}, maxConcurrent),
		logger: logger,
	}
}

// Submit starts goal in the background. sinks receive the run's events
// alongside the run's own recorder.
func (m *Runs) Submit(goal string, sinks ...events.Sink) (*Run, error) {
	rec := events.NewRecorder(recorderLimit)
	sup := NewSupervisor(m.engine, append([]events.Sink{rec}, sinks...)...)
	run := &Run{
		ID:         sup.ID,
		Goal:       goal,
		Supervisor: sup,
		Recorder:   rec,
		Submitted:  time.Now(),
		done:       make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	m.runs[run.ID] = run
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer close(run.done)

		select {
		case m.pool <- struct{}{}:
		case <-m.ctx.Done():
			run.err = m.ctx.Err()
			return
		}
		defer func() { <-m.pool }()

		m.logger.Info("run dispatched", zap.String("run", run.ID))
		run.report, run.err = sup.ExecuteGoal(m.ctx, goal)
	}()
	return run, nil
}

// Get returns a run by id.
func (m *Runs) Get(id string) (*Run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	return r, ok
}

// List returns all runs, oldest first.
func (m *Runs) List() []*Run {
	m.mu.RLock()
	out := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Submitted.Before(out[j].Submitted) })
	return out
}

// Terminate stops a run cooperatively.
func (m *Runs) Terminate(id, reason string) error {
	r, ok := m.Get(id)
	if !ok {
		return ErrRunNotFound
	}
	r.Supervisor.Terminate(reason)
	return nil
}

// Shutdown terminates every run and waits for their loops to exit or ctx
// to expire.
func (m *Runs) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	runs := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.Unlock()

	for _, r := range runs {
		r.Supervisor.Terminate("server shutdown")
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
