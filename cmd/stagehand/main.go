package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/nidhogg/stagehand/internal/config"
	"go.uber.org/zap"
)

// globals are passed to every command's Run method.
type globals struct {
	cfg    *config.Config
	logger *zap.Logger
}

func main() {
	_ = godotenv.Load()

	var cli CLI
	ctx := kong.Parse(&cli, kongOptions()...)

	cfg := config.Defaults()
	if cli.Config != "" {
		loaded, err := config.Load(cli.Config)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if cli.LogLevel != "" {
		cfg.Server.LogLevel = cli.LogLevel
	}

	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	err = ctx.Run(&globals{cfg: cfg, logger: logger})
	ctx.FatalIfErrorf(err)
}

func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = lvl
	}
	return zcfg.Build()
}
