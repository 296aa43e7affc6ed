package main

import (
	"fmt"

	"github.com/danmuck/spmctl/internal/config"
	"github.com/urfave/cli/v2"
)

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Create or check run configurations",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a configuration with default values",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Value: "spmctl.toml", Usage: "output `PATH`"},
					&cli.BoolFlag{Name: "force", Usage: "overwrite an existing file"},
				},
				Action: func(c *cli.Context) error {
					path := c.String("out")
					if err := config.WriteTemplate(path, c.Bool("force")); err != nil {
						return cli.Exit(err.Error(), exitFailure)
					}
					_, err := fmt.Fprintf(c.App.Writer, "wrote %s\n", path)
					return err
				},
			},
			{
				Name:      "validate",
				Usage:     "Load and validate a configuration",
				ArgsUsage: "<path>",
				Action: func(c *cli.Context) error {
					path := c.Args().First()
					if path == "" {
						path = "spmctl.toml"
					}
					s, err := config.Load(path)
					if err != nil {
						return cli.Exit(err.Error(), exitConfig)
					}
					_, err = fmt.Fprintf(c.App.Writer, "%s ok: instrument %s, pulse %s, telemetry %t\n",
						path, s.Session.Address, s.Conditioning.Pulse.Kind, s.Telemetry.Enabled)
					return err
				},
			},
		},
	}
}
