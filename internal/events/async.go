package events

import (
	"sync"

	"go.uber.org/zap"
)

// Async forwards events to a slow sink (network notifiers, streams) from a
// single goroutine, preserving order without blocking the emitter. When the
// buffer is full the event is dropped and logged.
type Async struct {
	name   string
	sink   Sink
	queue  chan Event
	done   chan struct{}
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewAsync starts the forwarding goroutine.
func NewAsync(name string, sink Sink, buffer int, logger *zap.Logger) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{
		name:   name,
		sink:   sink,
		queue:  make(chan Event, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for e := range a.queue {
		a.sink.Emit(e)
	}
}

// Emit queues e. It is a no-op after Close.
func (a *Async) Emit(e Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- e:
	default:
		a.logger.Warn("event sink saturated, dropping event",
			zap.String("sink", a.name),
			zap.Int64("seq", e.Seq),
			zap.String("type", string(e.Type)))
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}
