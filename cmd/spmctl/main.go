// Command spmctl conditions a scanning-probe tip over the instrument's TCP
// control interface.
//
// Usage:
//
//	spmctl <command> [subcommand] [options]
//
// Exit codes for `run`:
//   - 0: tip stable
//   - 1: run failed
//   - 2: cycle limit reached
//   - 3: invalid configuration
//   - 130: interrupted
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/danmuck/spmctl/internal/logging"
	"github.com/urfave/cli/v2"
)

// Set via ldflags at build time.
var (
	version = "0.1.0"
	commit  = "unknown"
)

const (
	exitFailure     = 1
	exitCycleLimit  = 2
	exitConfig      = 3
	exitInterrupted = 130
)

func main() {
	logging.ConfigureRuntime()
	app := &cli.App{
		Name:           "spmctl",
		Usage:          "Automated STM tip conditioning",
		Version:        fmt.Sprintf("%s (commit: %s)", version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			runCommand(),
			logCommand(),
			configCommand(),
			versionCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		os.Exit(exitFailure)
	}
}

// exitErrHandler keeps exit codes set with cli.Exit.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, "spmctl:", msg)
		}
		os.Exit(code)
	}
	fmt.Fprintf(os.Stderr, "spmctl: %v\n", err)
	os.Exit(exitFailure)
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			_, err := fmt.Fprintf(c.App.Writer, "spmctl %s (commit: %s)\n", version, commit)
			return err
		},
	}
}
