package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/danmuck/spmctl/internal/runlog"
	"github.com/urfave/cli/v2"
)

func logCommand() *cli.Command {
	return &cli.Command{
		Name:  "log",
		Usage: "Read run logs",
		Subcommands: []*cli.Command{
			{
				Name:      "inspect",
				Usage:     "Summarize a run log",
				ArgsUsage: "<path>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "print the records as a JSON array"},
				},
				Action: logInspectAction,
			},
		},
	}
}

func logInspectAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("run log path required", exitFailure)
	}
	path := c.Args().First()
	records, err := runlog.ReadFile(path)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	if records == nil {
		return cli.Exit(fmt.Sprintf("no records in %s", path), exitFailure)
	}
	if c.Bool("json") {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	return summarize(records).write(c.App.Writer)
}

type summary struct {
	RunID        string
	Records      int
	Cycles       int
	BadLoops     int
	GoodLoops    int
	Shape        string
	PulseVoltage float64
	MaxPulse     float64
	Started      time.Time
	Ended        time.Time
	Error        string
	Finished     bool
}

func summarize(records []runlog.Record) summary {
	var s summary
	s.Records = len(records)
	for _, r := range records {
		if s.RunID == "" {
			s.RunID = r.RunID
		}
		if s.Started.IsZero() || r.Time.Before(s.Started) {
			s.Started = r.Time
		}
		if r.Time.After(s.Ended) {
			s.Ended = r.Time
		}
		if r.Cycle > s.Cycles {
			s.Cycles = r.Cycle
		}
		if r.Shape != "" {
			s.Shape = r.Shape
		}
		if r.PulseVoltage != 0 {
			s.PulseVoltage = r.PulseVoltage
			s.MaxPulse = max(s.MaxPulse, r.PulseVoltage)
		}
		switch r.Loop {
		case "bad":
			s.BadLoops++
		case "good":
			s.GoodLoops++
		}
		if r.Event == "finish" {
			s.Finished = true
			s.Error = r.Error
		}
	}
	return s
}

func (s summary) write(w io.Writer) error {
	status := "incomplete"
	switch {
	case s.Finished && s.Error == "":
		status = "ok"
	case s.Finished:
		status = "failed"
	}
	_, err := fmt.Fprintf(w,
		"run:      %s\nstatus:   %s\nrecords:  %d\ncycles:   %d (bad %d, good %d)\nshape:    %s\npulse:    %.3f V (max %.3f V)\nduration: %s\n",
		s.RunID, status, s.Records, s.Cycles, s.BadLoops, s.GoodLoops, s.Shape,
		s.PulseVoltage, s.MaxPulse, s.Ended.Sub(s.Started).Round(time.Millisecond))
	if err != nil {
		return err
	}
	if s.Error != "" {
		_, err = fmt.Fprintf(w, "error:    %s\n", s.Error)
	}
	return err
}
