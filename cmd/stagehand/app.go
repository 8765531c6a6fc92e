package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/stagehand/internal/config"
	"github.com/nidhogg/stagehand/internal/document"
	"github.com/nidhogg/stagehand/internal/events"
	"github.com/nidhogg/stagehand/internal/gateway"
	"github.com/nidhogg/stagehand/internal/mcp"
	"github.com/nidhogg/stagehand/internal/oracle"
	"github.com/nidhogg/stagehand/internal/orchestrator"
	"github.com/nidhogg/stagehand/internal/provider"
	"github.com/nidhogg/stagehand/internal/telemetry"
	"github.com/nidhogg/stagehand/internal/tool"
	"github.com/nidhogg/stagehand/internal/workflow"
	"go.uber.org/zap"
)

// oracleCallerID is the router caller every oracle prompt is sent as.
const oracleCallerID = "oracle"

// app holds the wired components shared by the commands.
type app struct {
	cfg       *config.Config
	registry  *tool.Registry
	scheduler *tool.Scheduler
	tree      *document.Tree
	engine    *orchestrator.Engine
	gateway   *gateway.Gateway
	metrics   *telemetry.Metrics
	closers   []func()
	logger    *zap.Logger
}

// buildOracle returns the replay script when one is given, otherwise a
// client over the configured providers together with their router.
func buildOracle(cfg *config.Config, replay string, logger *zap.Logger) (oracle.Oracle, *provider.Router, error) {
	if replay != "" {
		s, err := oracle.LoadScript(replay)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("oracle replaying script", zap.String("path", replay))
		return s, nil, nil
	}

	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		p, err := provider.New(provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Models: pc.Models, Extra: pc.Extra,
			Timeout: pc.Timeout.Std(),
		}, logger)
		if err != nil {
			logger.Warn("skipping provider", zap.String("id", pc.ID), zap.Error(err))
			continue
		}
		router.Register(p)
	}
	if len(router.ListProviders()) == 0 {
		return nil, nil, fmt.Errorf("no usable providers configured")
	}
	if cfg.Oracle.Provider != "" {
		router.Bind(oracleCallerID, cfg.Oracle.Provider)
	}
	if len(cfg.Oracle.Fallbacks) > 0 {
		router.SetFallbacks(oracleCallerID, cfg.Oracle.Fallbacks)
	}
	return oracle.NewClient(router, oracleCallerID, oracle.ModelConfig{
		Model:       cfg.Oracle.Model,
		Temperature: cfg.Oracle.Temperature,
		MaxTokens:   cfg.Oracle.MaxTokens,
	}, logger), router, nil
}

// checkProviders logs providers that fail their health check. Failures
// are not fatal.
func checkProviders(ctx context.Context, router *provider.Router, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for id, err := range router.HealthCheck(ctx) {
		if err != nil {
			logger.Warn("provider health check failed", zap.String("provider", id), zap.Error(err))
		}
	}
}

// buildApp wires the tool layer, the page document and the engine. Remote
// sinks are added only when withSinks is set.
func buildApp(ctx context.Context, cfg *config.Config, o oracle.Oracle, withSinks bool, logger *zap.Logger) (*app, error) {
	table, err := workflow.TableFor(cfg.Engine.Workflow)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}

	a.tree = document.New(logger.Named("document"))
	a.registry = tool.NewRegistry()
	if err := document.RegisterTools(a.registry, a.tree); err != nil {
		return nil, fmt.Errorf("register document tools: %w", err)
	}

	if len(cfg.MCP.Servers) > 0 {
		servers := make(map[string]string, len(cfg.MCP.Servers))
		for _, srv := range cfg.MCP.Servers {
			servers[srv.Name] = srv.URL
		}
		for _, c := range mcp.ConnectAll(ctx, a.registry, servers, cfg.MCP.ConnectTimeout.Std(), logger) {
			a.closers = append(a.closers, func() { c.Close() })
		}
	}

	sc := cfg.Scheduler
	policy := tool.NewDefaultPolicy(sc.DeniedTools, tool.Limits{
		CPU:     sc.CPUCeiling,
		Memory:  sc.MemoryCeiling,
		Timeout: sc.DefaultTimeout.Std(),
	}, tool.HostSampler{}, logger.Named("policy"))
	for id, l := range sc.ToolLimits {
		policy.PerTool[id] = tool.Limits{CPU: l.CPUCeiling, Memory: l.MemoryCeiling, Timeout: l.Timeout.Std()}
	}

	var classifier tool.Classifier = tool.StaticClassifier{}
	if o != nil {
		classifier = tool.NewOracleClassifier(o, logger.Named("classifier"))
	}
	a.scheduler = tool.NewScheduler(a.registry, policy, classifier,
		tool.Options{
			Workers:        sc.Workers,
			MaxRetries:     sc.MaxRetries,
			DefaultTimeout: sc.DefaultTimeout.Std(),
			RetryBackoff:   sc.RetryBackoff.Std(),
		}, logger.Named("scheduler"))
	a.scheduler.Start(ctx)
	a.closers = append(a.closers, a.scheduler.Stop)

	decision := workflow.DecisionOracle
	if cfg.Engine.Decision == "heuristic" {
		decision = workflow.DecisionHeuristic
	}
	a.engine = &orchestrator.Engine{
		Oracle:  o,
		Tools:   a.scheduler,
		Surface: a.tree,
		Workflow: workflow.Options{
			Table:         table,
			Decision:      decision,
			HistoryWindow: cfg.Engine.HistoryWindow,
		},
		Loop: orchestrator.LoopOptions{
			Delay:           cfg.Engine.LoopDelay.Std(),
			MaxIterations:   cfg.Engine.MaxIterations,
			MaxStepFailures: cfg.Engine.MaxStepFailures,
		},
		Logger: logger.Named("engine"),
	}

	if cfg.Server.Metrics {
		m, err := telemetry.NewMetrics()
		if err != nil {
			return nil, err
		}
		a.metrics = m
		a.engine.Sinks = append(a.engine.Sinks, m)
		a.closers = append(a.closers, func() { m.Shutdown(context.Background()) })
	}

	if withSinks {
		a.wireRemoteSinks(ctx)
	}
	return a, nil
}

// wireRemoteSinks attaches the Redis stream bus and the chat gateway.
// Either one failing to connect is logged and skipped.
func (a *app) wireRemoteSinks(ctx context.Context) {
	ev := a.cfg.Events
	if ev.Redis.URL != "" {
		bus, err := orchestrator.NewMessageBus(ev.Redis.URL, ev.Redis.StreamPrefix, a.logger.Named("bus"))
		if err != nil {
			a.logger.Warn("Redis unavailable, run events stay local", zap.Error(err))
		} else {
			async := events.NewAsync("redis", bus, 512, a.logger)
			a.engine.Sinks = append(a.engine.Sinks, async)
			a.closers = append(a.closers, func() {
				async.Close()
				bus.Close()
			})
		}
	}

	gw := gateway.NewGateway(a.logger.Named("gateway"))
	if ev.Slack.Enabled && ev.Slack.BotToken != "" {
		gw.Register(gateway.NewSlackAdapter(ev.Slack.BotToken, ev.Slack.ChannelID, a.logger))
	}
	if ev.Discord.Enabled && ev.Discord.BotToken != "" {
		gw.Register(gateway.NewDiscordAdapter(ev.Discord.BotToken, ev.Discord.ChannelID, a.logger))
	}
	a.gateway = gw
	if len(gw.Adapters()) == 0 {
		return
	}
	if err := gw.ConnectAll(ctx); err != nil {
		a.logger.Warn("some gateway adapters failed to connect", zap.Error(err))
	}
	async := events.NewAsync("gateway", gw, 256, a.logger)
	a.engine.Sinks = append(a.engine.Sinks, async)
	a.closers = append(a.closers, func() {
		async.Close()
		gw.Close()
	})
}

// Close releases everything in reverse order of construction.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
