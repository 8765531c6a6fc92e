package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Config   string `short:"c" env:"STAGEHAND_CONFIG" type:"path" help:"Config file path (defaults are used when empty)"`
	LogLevel string `env:"STAGEHAND_LOG_LEVEL" help:"Override the configured log level (debug, info, warn, error)"`

	Serve ServeCmd `cmd:"" help:"Run the HTTP API and execute submitted goals"`
	Run   RunCmd   `cmd:"" help:"Execute one goal in the foreground"`
	Tools ToolsCmd `cmd:"" help:"List the registered tools and their schemas"`
}

// ServeCmd starts the API server.
type ServeCmd struct {
	Port int `short:"p" help:"Listen port (overrides config)"`
}

// RunCmd executes a single goal.
type RunCmd struct {
	Goal     string `arg:"" help:"Goal text, or a JSON task object"`
	Replay   string `short:"r" type:"existingfile" help:"Answer oracle prompts from a JSON or YAML script instead of a model"`
	Workflow string `help:"Workflow table, standard or extended (overrides config)"`
	Quiet    bool   `short:"q" help:"Only print the final report"`
}

// ToolsCmd lists tools.
type ToolsCmd struct{}

func kongOptions() []kong.Option {
	return []kong.Option{
		kong.Name("stagehand"),
		kong.Description("Drive a page toward a goal with an LLM-guided plan, act, review loop"),
		kong.UsageOnError(),
	}
}
