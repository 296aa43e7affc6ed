package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/spmctl/internal/conditioning"
	"github.com/danmuck/spmctl/internal/config"
	"github.com/danmuck/spmctl/internal/logging"
	"github.com/danmuck/spmctl/internal/runner"
	"github.com/urfave/cli/v2"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Condition the tip until it is stable",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the run configuration",
				Value:   "spmctl.toml",
				EnvVars: []string{"SPMCTL_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "monitor",
				Usage: "serve the HTTP monitor on `ADDR` (overrides [monitor])",
			},
			&cli.IntFlag{
				Name:  "max-cycles",
				Usage: "stop after `N` cycles, 0 for no limit (overrides config)",
			},
			&cli.StringFlag{
				Name:  "run-log",
				Usage: "write run events to `PATH` (overrides [log].run_log)",
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	settings, err := config.Load(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}
	applyFlags(c, &settings)
	if err := settings.Validate(); err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}
	applyLogging(settings.Log)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := runner.NewService(settings)
	_, err = svc.Run(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, conditioning.ErrCycleLimit):
		return cli.Exit(err.Error(), exitCycleLimit)
	case errors.Is(err, context.Canceled):
		return cli.Exit("interrupted", exitInterrupted)
	default:
		return cli.Exit(err.Error(), exitFailure)
	}
}

func applyFlags(c *cli.Context, s *config.Settings) {
	if c.IsSet("monitor") {
		s.Monitor.Enabled = true
		s.Monitor.Addr = c.String("monitor")
	}
	if c.IsSet("max-cycles") {
		s.Conditioning.MaxCycles = c.Int("max-cycles")
	}
	if c.IsSet("run-log") {
		s.Log.RunLog = c.String("run-log")
	}
}

// applyLogging installs the configured level and format. SPMCTL_LOG_LEVEL
// still wins over the file.
func applyLogging(l config.Log) {
	cfg := logging.Config{Level: l.Level, Timestamp: true, JSON: l.JSON}
	if lvl, ok := logging.ParseLevel(os.Getenv(logging.EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	logging.Apply(cfg)
}
