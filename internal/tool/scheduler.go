package tool

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options tunes the scheduler.
type Options struct {
	Workers        int
	MaxRetries     int
	DefaultTimeout time.Duration
	RetryBackoff   time.Duration

	// HistoryLimit bounds how many finished task ids are remembered for
	// dependency gating. Ids a queued task still depends on are kept.
	HistoryLimit int
}

// DefaultOptions returns the stock settings: four workers, three retries,
// a sixty second timeout.
func DefaultOptions() Options {
	return Options{
		Workers:        4,
		MaxRetries:     3,
		DefaultTimeout: 60 * time.Second,
		RetryBackoff:   200 * time.Millisecond,
		HistoryLimit:   4096,
	}
}

// Scheduler queues tool work by priority and dependency, runs it on a
// bounded worker pool and retries failed attempts.
//
// A task is eligible once every id in DependsOn has completed successfully.
// Ineligible tasks go back behind their priority band so a blocked task
// never stalls independent work. Completion order is not submission order;
// callers correlate by task id.
type Scheduler struct {
	registry   *Registry
	policy     Policy
	classifier Classifier
	opts       Options
	logger     *zap.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	queue     taskHeap
	seq       uint64
	live      map[string]*entry
	done      map[string]bool
	doneOrder []string
	succeeded int
	failed    int
	waiters   map[string]chan Outcome
	attempts  map[string]int
	backoffs  map[string]*backoff.ExponentialBackOff
	cancelled map[string]bool
	started   bool
	stopped   bool

	group    errgroup.Group
	stopOnce sync.Once
	unwatch  func() bool
}

// NewScheduler creates a scheduler. A nil classifier falls back to
// StaticClassifier.
func NewScheduler(registry *Registry, policy Policy, classifier Classifier, opts Options, logger *zap.Logger) *Scheduler {
	def := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = def.DefaultTimeout
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = def.HistoryLimit
	}
	if classifier == nil {
		classifier = StaticClassifier{}
	}
	s := &Scheduler{
		registry:   registry,
		policy:     policy,
		classifier: classifier,
		opts:       opts,
		logger:     logger,
		live:       make(map[string]*entry),
		done:       make(map[string]bool),
		waiters:    make(map[string]chan Outcome),
		attempts:   make(map[string]int),
		backoffs:   make(map[string]*backoff.ExponentialBackOff),
		cancelled:  make(map[string]bool),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Registry returns the tool registry the scheduler executes from.
func (s *Scheduler) Registry() *Registry { return s.registry }

// Start launches the worker pool. Cancelling ctx stops dequeuing; attempts
// already running finish or time out on their own.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	execCtx := context.WithoutCancel(ctx)
	s.unwatch = context.AfterFunc(ctx, s.shutdown)
	for i := 0; i < s.opts.Workers; i++ {
		s.group.Go(func() error {
			s.worker(execCtx)
			return nil
		})
	}
	s.logger.Info("tool scheduler started", zap.Int("workers", s.opts.Workers))
}

// Stop stops dequeuing, fails still-queued tasks with ErrSchedulerStopped
// and waits for the workers to exit.
func (s *Scheduler) Stop() {
	s.shutdown()
	if s.unwatch != nil {
		s.unwatch()
	}
	s.group.Wait()
}

func (s *Scheduler) shutdown() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.stopped = true
		pending := s.queue
		s.queue = nil
		for _, e := range pending {
			s.finishLocked(e, nil, ErrSchedulerStopped)
		}
		s.cond.Broadcast()
		s.logger.Info("tool scheduler stopped", zap.Int("dropped", len(pending)))
	})
}

// Enqueue schedules a task. The returned channel receives exactly one
// Outcome. An empty ID is replaced with a uuid. DependsOn ids may be
// enqueued later, so a task whose dependency never arrives waits until it
// is cancelled or the scheduler stops.
func (s *Scheduler) Enqueue(def TaskDefinition) (<-chan Outcome, error) {
	return s.enqueue(def, false)
}

func (s *Scheduler) enqueue(def TaskDefinition, knownDeps bool) (<-chan Outcome, error) {
	if def.Execute == nil {
		return nil, fmt.Errorf("enqueue %s: nil execute func", def.ID)
	}
	if def.ID == "" {
		def.ID = uuid.New().String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrSchedulerStopped
	}
	if _, ok := s.live[def.ID]; ok {
		return nil, fmt.Errorf("enqueue %s: %w", def.ID, ErrDuplicateTask)
	}
	if _, ok := s.done[def.ID]; ok {
		return nil, fmt.Errorf("enqueue %s: %w", def.ID, ErrDuplicateTask)
	}
	if knownDeps {
		for _, dep := range def.DependsOn {
			_, queued := s.live[dep]
			_, finished := s.done[dep]
			if !queued && !finished {
				return nil, fmt.Errorf("enqueue %s: %w: %s", def.ID, ErrUnknownDependency, dep)
			}
		}
	}

	ch := make(chan Outcome, 1)
	e := &entry{def: &def}
	s.live[def.ID] = e
	s.waiters[def.ID] = ch
	s.pushLocked(e)
	s.logger.Debug("task enqueued",
		zap.String("task", def.ID),
		zap.String("priority", def.Priority.String()),
		zap.Strings("depends_on", def.DependsOn))
	return ch, nil
}

// Cancel drops a queued task, or prevents a running one from retrying.
func (s *Scheduler) Cancel(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live[taskID]; ok {
		s.cancelled[taskID] = true
		s.cond.Broadcast()
	}
}

// Stats reports queue depth and bookkeeping counts.
type Stats struct {
	Queued    int `json:"queued"`
	Live      int `json:"live"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Stats returns a snapshot of the scheduler's counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Queued:    s.queue.Len(),
		Live:      len(s.live),
		Succeeded: s.succeeded,
		Failed:    s.failed,
	}
}

func (s *Scheduler) pushLocked(e *entry) {
	s.seq++
	e.seq = s.seq
	heap.Push(&s.queue, e)
	s.cond.Broadcast()
}

type readiness int

const (
	ready readiness = iota
	blocked
	doomed
)

func (s *Scheduler) readinessLocked(def *TaskDefinition) (readiness, string) {
	for _, dep := range def.DependsOn {
		ok, finished := s.done[dep]
		if !finished {
			return blocked, dep
		}
		if !ok {
			return doomed, dep
		}
	}
	return ready, ""
}

// next blocks until an eligible task is available or the scheduler stops.
func (s *Scheduler) next() (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.stopped {
			return nil, false
		}
		var waiting []*entry
		var picked *entry
		for s.queue.Len() > 0 {
			e := heap.Pop(&s.queue).(*entry)
			if s.cancelled[e.def.ID] {
				s.finishLocked(e, nil, ErrCancelled)
				continue
			}
			state, dep := s.readinessLocked(e.def)
			if state == ready {
				picked = e
				break
			}
			if state == doomed {
				s.finishLocked(e, nil, fmt.Errorf("%w: %s", ErrDependencyFailed, dep))
				continue
			}
			waiting = append(waiting, e)
		}
		for _, e := range waiting {
			s.seq++
			e.seq = s.seq
			heap.Push(&s.queue, e)
		}
		if picked != nil {
			if s.queue.Len() > 0 {
				s.cond.Signal()
			}
			return picked, true
		}
		s.cond.Wait()
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		e, ok := s.next()
		if !ok {
			return
		}
		s.run(ctx, e)
	}
}

func (s *Scheduler) run(ctx context.Context, e *entry) {
	def := e.def
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = s.opts.DefaultTimeout
	}

	s.mu.Lock()
	s.attempts[def.ID]++
	attempt := s.attempts[def.ID]
	s.mu.Unlock()

	result, err := s.invoke(ctx, def, timeout)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.finishLocked(e, result, nil)
		return
	}
	if s.cancelled[def.ID] {
		s.finishLocked(e, nil, ErrCancelled)
		return
	}
	if def.RetryCount >= s.opts.MaxRetries || s.stopped {
		s.logger.Warn("task failed permanently",
			zap.String("task", def.ID),
			zap.Int("attempts", attempt),
			zap.Error(err))
		s.finishLocked(e, nil, err)
		return
	}

	def.RetryCount++
	delay := s.nextBackoffLocked(def.ID)
	s.logger.Info("task failed, retrying",
		zap.String("task", def.ID),
		zap.Int("retry", def.RetryCount),
		zap.Duration("delay", delay),
		zap.Error(err))
	if delay <= 0 {
		s.pushLocked(e)
		return
	}
	time.AfterFunc(delay, func() { s.requeue(e, err) })
}

func (s *Scheduler) requeue(e *entry, lastErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		s.finishLocked(e, nil, fmt.Errorf("%w: %w", ErrSchedulerStopped, lastErr))
		return
	}
	s.pushLocked(e)
}

func (s *Scheduler) nextBackoffLocked(id string) time.Duration {
	if s.opts.RetryBackoff <= 0 {
		return 0
	}
	b, ok := s.backoffs[id]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = s.opts.RetryBackoff
		b.MaxInterval = 20 * s.opts.RetryBackoff
		b.MaxElapsedTime = 0
		b.Reset()
		s.backoffs[id] = b
	}
	d := b.NextBackOff()
	if d == backoff.Stop {
		return b.MaxInterval
	}
	return d
}

// invoke races one attempt against its timeout.
func (s *Scheduler) invoke(ctx context.Context, def *TaskDefinition, timeout time.Duration) (interface{}, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   interface{}
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("%w: panic: %v", ErrToolExecution, r)}
			}
		}()
		v, err := def.Execute(tctx)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		if r.err == nil {
			return r.v, nil
		}
		if errors.Is(r.err, ErrToolExecution) {
			return nil, r.err
		}
		if errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %w", ErrToolTimeout, timeout, r.err)
		}
		return nil, fmt.Errorf("%w: %w", ErrToolExecution, r.err)
	case <-tctx.Done():
		return nil, fmt.Errorf("%w after %s", ErrToolTimeout, timeout)
	}
}

func (s *Scheduler) finishLocked(e *entry, result interface{}, err error) {
	id := e.def.ID
	attempts := s.attempts[id]
	delete(s.live, id)
	delete(s.backoffs, id)
	delete(s.cancelled, id)
	delete(s.attempts, id)
	s.done[id] = err == nil
	s.doneOrder = append(s.doneOrder, id)
	if err == nil {
		s.succeeded++
	} else {
		s.failed++
	}
	s.pruneLocked()
	if ch, ok := s.waiters[id]; ok {
		ch <- Outcome{TaskID: id, Result: result, Err: err, Attempts: attempts}
		close(ch)
		delete(s.waiters, id)
	}
	s.cond.Broadcast()
}

// pruneLocked forgets the oldest finished ids beyond HistoryLimit. Ids a
// live task lists in DependsOn are kept.
func (s *Scheduler) pruneLocked() {
	excess := len(s.doneOrder) - s.opts.HistoryLimit
	if excess <= 0 {
		return
	}
	needed := make(map[string]bool)
	for _, e := range s.live {
		for _, dep := range e.def.DependsOn {
			needed[dep] = true
		}
	}
	var kept []string
	i := 0
	for ; i < len(s.doneOrder) && excess > 0; i++ {
		id := s.doneOrder[i]
		if needed[id] {
			kept = append(kept, id)
			continue
		}
		delete(s.done, id)
		excess--
	}
	s.doneOrder = append(kept, s.doneOrder[i:]...)
}
