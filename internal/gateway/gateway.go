package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/stagehand/internal/events"
	"go.uber.org/zap"
)

// historyLimit bounds the delivered notification history.
const historyLimit = 200

// DefaultTypes are the event types forwarded to chat platforms. Per-step
// results and mode changes stay out of chat channels.
var DefaultTypes = []events.Type{
	events.TypeRunStarted,
	events.TypeState,
	events.TypeError,
	events.TypeRunFinished,
}

// Gateway manages platform adapters and forwards selected run events to
// them. It implements events.Sink; wrap it in events.Async.
type Gateway struct {
	adapters map[string]Adapter
	types    map[events.Type]bool
	history  []Record
	timeout  time.Duration
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewGateway creates a gateway forwarding the given event types, or
// DefaultTypes when none are given.
func NewGateway(logger *zap.Logger, types ...events.Type) *Gateway {
	if len(types) == 0 {
		types = DefaultTypes
	}
	set := make(map[events.Type]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return &Gateway{
		adapters: make(map[string]Adapter),
		types:    set,
		timeout:  10 * time.Second,
		logger:   logger,
	}
}

// Register adds an adapter.
func (g *Gateway) Register(adapter Adapter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	platform := adapter.Platform()
	g.adapters[platform] = adapter
	g.logger.Info("registered gateway adapter", zap.String("platform", platform))
}

// ConnectAll starts all registered adapters.
func (g *Gateway) ConnectAll(ctx context.Context) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for platform, adapter := range g.adapters {
		if err := adapter.Connect(ctx); err != nil {
			g.logger.Error("adapter connect failed",
				zap.String("platform", platform), zap.Error(err))
			return fmt.Errorf("connect %s: %w", platform, err)
		}
		g.logger.Info("adapter connected", zap.String("platform", platform))
	}
	return nil
}

// Emit implements events.Sink.
func (g *Gateway) Emit(e events.Event) {
	if !g.types[e.Type] {
		return
	}
	runID, _ := e.Meta["run_id"].(string)
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	if err := g.Notify(ctx, runID, string(e.Type), Format(e)); err != nil {
		g.logger.Warn("gateway notify failed", zap.Error(err))
	}
}

// Notify sends content to every adapter and records the delivery.
func (g *Gateway) Notify(ctx context.Context, runID, typ, content string) error {
	g.mu.RLock()
	adapters := make([]Adapter, 0, len(g.adapters))
	for _, a := range g.adapters {
		adapters = append(adapters, a)
	}
	g.mu.RUnlock()
	if len(adapters) == 0 {
		return nil
	}

	var targets []string
	var errs []error
	for _, adapter := range adapters {
		_, err := adapter.Send(ctx, &OutboundMessage{
			Platform: adapter.Platform(),
			RunID:    runID,
			Content:  content,
		})
		if err != nil {
			g.logger.Error("notify failed",
				zap.String("platform", adapter.Platform()), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		targets = append(targets, adapter.Platform())
	}

	g.mu.Lock()
	g.history = append(g.history, Record{
		RunID:   runID,
		Type:    typ,
		Content: content,
		SentAt:  time.Now(),
		Targets: targets,
	})
	if len(g.history) > historyLimit {
		g.history = g.history[len(g.history)-historyLimit:]
	}
	g.mu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("notify failed on %d platform(s): %w", len(errs), errs[0])
	}
	return nil
}

// History returns the most recent delivery records.
func (g *Gateway) History(limit int) []Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if limit <= 0 || limit > len(g.history) {
		limit = len(g.history)
	}
	out := make([]Record, limit)
	copy(out, g.history[len(g.history)-limit:])
	return out
}

// Statuses reports each adapter's state, sorted by platform.
func (g *Gateway) Statuses() []AdapterStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]AdapterStatus, 0, len(g.adapters))
	for _, a := range g.adapters {
		out = append(out, a.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}

// Close shuts down all adapters.
func (g *Gateway) Close() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for platform, adapter := range g.adapters {
		if err := adapter.Close(); err != nil {
			g.logger.Error("adapter close failed",
				zap.String("platform", platform), zap.Error(err))
		}
	}
	return nil
}

// Adapters returns the registered platform names.
func (g *Gateway) Adapters() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.adapters))
	for p := range g.adapters {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

// Format renders an event as a chat line.
func Format(e events.Event) string {
	short := ""
	if id, ok := e.Meta["run_id"].(string); ok && len(id) >= 8 {
		short = "[" + id[:8] + "] "
	}
	switch e.Type {
	case events.TypeRunStarted:
		return fmt.Sprintf("%s:rocket: Run started: %s", short, e.Text)
	case events.TypeState:
		if reason, _ := e.Meta["reason"].(string); reason != "" {
			return fmt.Sprintf("%s%s (%s)", short, e.Text, reason)
		}
		return short + e.Text
	case events.TypeError:
		return fmt.Sprintf("%s:warning: %s", short, e.Text)
	case events.TypeRunFinished:
		if _, failed := e.Meta["error"]; failed {
			return fmt.Sprintf("%s:x: %s", short, e.Text)
		}
		return fmt.Sprintf("%s:white_check_mark: %s", short, e.Text)
	}
	return short + e.Text
}
