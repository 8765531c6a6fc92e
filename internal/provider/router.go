package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Router manages multiple LLM providers and routes requests. Callers are
// identified by an opaque id (an agent id or an engine component name).
type Router struct {
	providers map[string]Provider
	bindings  map[string]string   // callerID -> providerID
	fallbacks map[string][]string // callerID -> fallback provider chain
	defaults  string              // default provider ID
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a new provider router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		bindings:  make(map[string]string),
		fallbacks: make(map[string][]string),
		logger:    logger,
	}
}

// Register adds a provider to the router.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// Bind associates a caller with a specific provider.
func (r *Router) Bind(callerID, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[callerID] = providerID
}

// SetFallbacks configures fallback providers for a caller. The empty caller
// id sets the chain used by callers without their own.
func (r *Router) SetFallbacks(callerID string, providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[callerID] = providerIDs
}

// Route sends a chat request through the caller's provider, then through
// its fallback chain (or the shared chain under the empty caller id).
func (r *Router) Route(ctx context.Context, callerID string, req *ChatRequest) (*ChatResponse, error) {
	chain := r.chain(callerID)
	if len(chain) == 0 {
		return nil, fmt.Errorf("no provider available for caller %s", callerID)
	}

	var err error
	for i, p := range chain {
		if i > 0 {
			if ctx.Err() != nil {
				break
			}
			r.logger.Warn("provider failed, trying fallback",
				zap.String("caller", callerID),
				zap.String("next", p.ID()),
				zap.Error(err))
		}
		var resp *ChatResponse
		resp, err = p.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
	}
	return nil, fmt.Errorf("all providers failed for caller %s: %w", callerID, err)
}

// chain resolves the ordered providers for a caller without duplicates.
func (r *Router) chain(callerID string) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Provider
	seen := map[string]bool{}
	add := func(id string) {
		if p, ok := r.providers[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, p)
		}
	}
	if pid, ok := r.bindings[callerID]; ok {
		add(pid)
	}
	if len(out) == 0 {
		add(r.defaults)
	}
	fallbacks, ok := r.fallbacks[callerID]
	if !ok {
		fallbacks = r.fallbacks[""]
	}
	for _, id := range fallbacks {
		add(id)
	}
	return out
}

// ListProviders returns all registered providers ordered by id.
func (r *Router) ListProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result
}

// HealthCheck checks every provider concurrently. The map holds the
// error per provider id, nil when reachable.
func (r *Router) HealthCheck(ctx context.Context) map[string]error {
	providers := r.ListProviders()
	out := make(map[string]error, len(providers))
	var mu sync.Mutex
	var g errgroup.Group
	for _, p := range providers {
		g.Go(func() error {
			err := p.HealthCheck(ctx)
			mu.Lock()
			out[p.ID()] = err
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return out
}

// New builds a provider from its configuration.
func New(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	switch cfg.Type {
	case "openai", "openai-compatible":
		return NewOpenAIProvider(cfg, logger), nil
	case "anthropic":
		return NewAnthropicProvider(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}
