package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nidhogg/stagehand/internal/api"
	"github.com/nidhogg/stagehand/internal/events"
	"github.com/nidhogg/stagehand/internal/orchestrator"
	"go.uber.org/zap"
)

// Run starts the API server and blocks until SIGINT or SIGTERM.
func (c *ServeCmd) Run(g *globals) error {
	cfg, logger := g.cfg, g.logger
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	o, router, err := buildOracle(cfg, "", logger)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	checkProviders(ctx, router, logger)

	a, err := buildApp(ctx, cfg, o, true, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	runs := orchestrator.NewRuns(a.engine, cfg.Engine.MaxConcurrentRuns, logger.Named("runs"))
	var metrics http.Handler
	if a.metrics != nil {
		metrics = a.metrics.Handler()
	}
	handler := api.NewHandler(runs, a.registry, a.tree, a.gateway, metrics, logger.Named("api"))

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("stagehand listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("shutting down stagehand...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	if err := runs.Shutdown(shutdownCtx); err != nil {
		logger.Warn("runs did not stop in time", zap.Error(err))
	}
	return nil
}

// Run executes the goal and prints the report. The process exits non-zero
// when the run fails.
func (c *RunCmd) Run(g *globals) error {
	cfg, logger := g.cfg, g.logger
	if c.Workflow != "" {
		cfg.Engine.Workflow = c.Workflow
	}

	o, _, err := buildOracle(cfg, c.Replay, logger)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, o, false, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var sinks []events.Sink
	if !c.Quiet {
		sinks = append(sinks, events.SinkFunc(func(e events.Event) {
			fmt.Fprintf(os.Stdout, "[%03d] %-13s %s\n", e.Seq, e.Type, e.Text)
		}))
	}
	sup := orchestrator.NewSupervisor(a.engine, sinks...)
	report, runErr := sup.ExecuteGoal(ctx, c.Goal)

	out := struct {
		*orchestrator.RunReport
		Document string `json:"document"`
		Error    string `json:"error,omitempty"`
	}{RunReport: report, Document: a.tree.Snapshot()}
	if runErr != nil {
		out.Error = runErr.Error()
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	return runErr
}

// Run prints the tool catalog as JSON.
func (c *ToolsCmd) Run(g *globals) error {
	a, err := buildApp(context.Background(), g.cfg, nil, false, g.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(a.registry.List())
}
